package transport

import (
	"bytes"
	"crypto/rand"
	"io"
	"time"
)

type connectionState uint8

const (
	stateAttempted connectionState = iota
	stateHandshake
	stateActive
	stateDraining
	stateClosed
)

// Conn is a QUIC connection.
type Conn struct {
	isClient bool
	version  uint32

	scid  []byte // Source CID
	dcid  []byte // Destination CID. DCID can be replaced in recvPacketInitial.
	odcid []byte // Original destination CID. Used to validate transport parameters.
	rscid []byte // Retry source CID. Set in recvPacketRetry.
	token []byte // Stateless retry token

	packetNumberSpaces [packetSpaceCount]packetNumberSpace
	streams            streamMap

	localParams Parameters
	peerParams  Parameters

	handshake tlsHandshake
	recovery  lossRecovery
	flow      flowControl

	localCIDs cidSet
	peerCIDs  cidSet
	path      Path

	state                 connectionState
	gotPeerCID            bool
	didRetry              bool
	didVersionNegotiation bool
	ackElicitingSent      bool // Whether an ACK-eliciting packet has been sent since last receiving a packet.
	handshakeConfirmed    bool // On server, it's handshakeDone frame sent. On client, it's the frame received
	derivedInitialSecrets bool
	updateMaxData         bool // Whether a MAX_DATA needs to be sent

	// ackFreqTolerance is the peer-requested ACK_FREQUENCY packet_
	// tolerance (defaults to 1: ack every ack-eliciting packet, RFC 9000's
	// unmodified behavior). ackFreqSeq is the highest ACK_FREQUENCY
	// sequence number applied, so a reordered/stale frame is ignored.
	ackFreqTolerance uint64
	ackFreqSeq       uint64
	haveAckFreqSeq   bool

	// pendingAckFreq is our own ACK_FREQUENCY announcement awaiting a
	// packet; ackFreqSendSeq numbers successive announcements.
	pendingAckFreq *ackFrequencyFrame
	ackFreqSendSeq uint64

	// addressValidated and the amplification counters implement RFC 9000
	// Section 8's anti-amplification limit: until the server has some
	// proof the client owns its claimed address (a validated retry token,
	// or a successfully processed Handshake-space packet), it may send at
	// most 3x the bytes it has received from that address.
	addressValidated  bool
	amplificationRecv uint64
	amplificationSent uint64

	// addressToken is a NEW_TOKEN value received from the server, kept for
	// the application to persist and replay on a future connection.
	addressToken []byte
	// pendingNewToken is a server-minted address-validation token queued
	// for delivery in a NEW_TOKEN frame.
	pendingNewToken []byte

	// datagramQueue holds application datagrams awaiting a DATAGRAM frame
	// (RFC 9221). Unreliable: entries are dropped, never retransmitted.
	datagramQueue [][]byte

	// dataBlockedSent is the connection send limit at which a DATA_BLOCKED
	// frame was last announced, so each limit is reported once.
	dataBlockedSent uint64

	closeFrame *connectionCloseFrame // Error to be send to peer

	idleTimer     time.Time // Idle timeout expiration time.
	drainingTimer time.Time // Draining timeout expiration time.

	events []Event
	// Application callbacks
	logEventFn func(LogEvent)
}

// Connect creates a client connection.
func Connect(scid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, nil, true)
}

// Accept creates a server connection.
func Accept(scid, odcid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, odcid, false)
}

func newConn(config *Config, scid, odcid []byte, isClient bool) (*Conn, error) {
	if config == nil {
		return nil, newError(InternalError, "config required")
	}
	if len(scid) > MaxCIDLength || len(odcid) > MaxCIDLength {
		return nil, newError(ProtocolViolation, "cid too long")
	}
	s := &Conn{
		version:          config.Version,
		isClient:         isClient,
		localParams:      config.Params,
		state:            stateAttempted,
		ackFreqTolerance: 1,
	}
	s.handshake.init(s, config.TLS)
	now := s.time() // Depends on handshake TLS config
	for i := range s.packetNumberSpaces {
		s.packetNumberSpaces[i].init()
	}
	s.streams.init(s.localParams.InitialMaxStreamsBidi, s.localParams.InitialMaxStreamsUni)
	s.recovery.init(now)
	s.flow.init(s.localParams.InitialMaxData, 0)
	s.path = newPath()
	s.addressValidated = isClient
	if len(scid) > 0 {
		s.scid = append(s.scid[:0], scid...)
	}
	s.localParams.InitialSourceCID = s.scid // SCID is fixed so can use its reference
	if len(odcid) > 0 {
		s.odcid = append(s.odcid[:0], odcid...)
		s.localParams.OriginalDestinationCID = s.odcid
		s.localParams.RetrySourceCID = s.scid
		s.didRetry = true // So odcid will not be set again
		s.addressValidated = true
	} else {
		// Do not take CIDs from config
		s.localParams.OriginalDestinationCID = nil
		s.localParams.RetrySourceCID = nil
	}
	if isClient {
		// Stateless reset token must not be sent by client
		s.localParams.StatelessResetToken = nil
		if len(config.Token) > 0 {
			s.token = append(s.token[:0], config.Token...)
		}
		// Random first destination connection id from client
		s.dcid = make([]byte, MaxCIDLength)
		if err := s.rand(s.dcid); err != nil {
			return nil, err
		}
		s.deriveInitialKeyMaterial(s.dcid)
	}
	s.handshake.setTransportParams(&s.localParams)
	return s, nil
}

// Write consumes received data.
func (s *Conn) Write(b []byte) (int, error) {
	now := s.time()
	if !s.addressValidated {
		s.amplificationRecv += uint64(len(b))
	}
	n := 0
	for n < len(b) {
		if !s.drainingTimer.IsZero() || s.closeFrame != nil {
			// Closing
			break
		}
		i, err := s.recv(b[n:], now)
		if err != nil {
			return n, err
		}
		n += i
	}
	s.processDeferred(now)
	s.checkTimeout(now)
	return n, nil
}

// processDeferred replays packets that arrived before their encryption
// level's keys were installed, now that the handshake may have
// delivered them.
func (s *Conn) processDeferred(now time.Time) {
	for i := range s.packetNumberSpaces {
		sp := &s.packetNumberSpaces[i]
		if len(sp.deferred) == 0 || !sp.canDecrypt() {
			continue
		}
		pending := sp.deferred
		sp.deferred = nil
		for _, raw := range pending {
			if _, err := s.recv(raw, now); err != nil {
				debug("deferred packet: %v", err)
			}
		}
	}
}

func (s *Conn) deriveInitialKeyMaterial(cid []byte) {
	aead := initialAEAD{}
	aead.init(cid)
	space := &s.packetNumberSpaces[packetSpaceInitial]
	if s.isClient {
		space.opener, space.sealer = aead.server, aead.client
	} else {
		space.opener, space.sealer = aead.client, aead.server
	}
	s.derivedInitialSecrets = true
}

func (s *Conn) recv(b []byte, now time.Time) (int, error) {
	p := packet{
		header: packetHeader{
			dcil: uint8(len(s.scid)),
		},
	}
	_, err := p.decodeHeader(b)
	if err != nil {
		return 0, err
	}
	switch p.typ {
	case packetTypeVersionNegotiation:
		return s.recvPacketVersionNegotiation(b, &p, now)
	case packetTypeRetry:
		return s.recvPacketRetry(b, &p, now)
	case packetTypeInitial:
		return s.recvPacketInitial(b, &p, now)
	case packetTypeZeroRTT:
		return 0, newError(InternalError, "zerortt packet not supported")
	case packetTypeHandshake:
		return s.recvPacketHandshake(b, &p, now)
	case packetTypeShort:
		return s.recvPacketShort(b, &p, now)
	default:
		panic(sprint("unsupported packet type ", p.typ))
	}
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#version-negotiation
func (s *Conn) recvPacketVersionNegotiation(b []byte, p *packet, now time.Time) (int, error) {
	// VN packet can only be sent by server
	if !s.isClient || s.didVersionNegotiation || s.state != stateAttempted ||
		!bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid) {
		debug("dropped packet %v", p)
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	n, err := p.decodeBody(b)
	if err != nil {
		return 0, err
	}
	debug("received packet %v", p)
	var newVersion uint32
	for _, v := range p.supportedVersions {
		if versionSupported(v) {
			newVersion = v
			break
		}
	}
	if newVersion == 0 {
		return 0, newError(InternalError, sprint("unsupported version ", p.supportedVersions))
	}
	s.version = newVersion
	s.didVersionNegotiation = true
	// Reset connection state to send another initial packet
	s.gotPeerCID = false
	s.recovery.dropUnackedData(packetSpaceInitial)
	s.packetNumberSpaces[packetSpaceInitial].reset()
	s.handshake.reset()
	s.handshake.setTransportParams(&s.localParams)
	s.logPacketReceived(p, now)
	return p.headerLen + n, nil
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#validate-handshake
func (s *Conn) recvPacketRetry(b []byte, p *packet, now time.Time) (int, error) {
	// Retry packet can only be sent by server
	// Packet's SCID must not be equal to the client's DCID.
	if !s.isClient || s.didRetry || s.state != stateAttempted ||
		!bytes.Equal(p.header.dcid, s.scid) || bytes.Equal(p.header.scid, s.dcid) {
		debug("dropped packet %v", p)
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	_, err := p.decodeBody(b)
	if err != nil {
		return 0, err
	}
	// Verify token and integrity tag
	if len(p.token) == 0 || !verifyRetryIntegrity(b, s.dcid) {
		return 0, errInvalidToken
	}
	debug("received packet %v", p)
	s.didRetry = true
	s.token = append(s.token[:0], p.token...)
	// Update CIDs and crypto: dcid => odcid, header.scid => dcid
	s.odcid = append(s.odcid[:0], s.dcid...)
	s.dcid = append(s.dcid[:0], p.header.scid...)
	s.rscid = s.dcid // DCID is now fixed
	s.deriveInitialKeyMaterial(s.dcid)
	// Reset connection state to send another initial packet
	s.gotPeerCID = false
	s.recovery.dropUnackedData(packetSpaceInitial)
	s.packetNumberSpaces[packetSpaceInitial].reset()
	s.handshake.reset()
	s.handshake.setTransportParams(&s.localParams)
	s.logPacketReceived(p, now)
	return len(b), nil // p.headerLen + bodyLen + retryIntegrityTagLen
}

func (s *Conn) recvPacketInitial(b []byte, p *packet, now time.Time) (int, error) {
	if s.gotPeerCID && (!bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid)) {
		debug("dropped packet %v", p)
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	if !s.derivedInitialSecrets { // Server side
		s.deriveInitialKeyMaterial(p.header.dcid)
	}
	if !s.gotPeerCID {
		if s.isClient {
			if len(s.odcid) == 0 {
				s.odcid = append(s.odcid[:0], s.dcid...)
			}
		} else {
			if !s.didRetry {
				s.odcid = append(s.odcid[:0], p.header.dcid...)
				s.localParams.OriginalDestinationCID = s.odcid
				s.handshake.setTransportParams(&s.localParams)
			}
		}
		// Replace the randomly generated destination connection ID with
		// the one supplied by the server.
		s.dcid = append(s.dcid[:0], p.header.scid...)
		s.gotPeerCID = true
	}
	return s.recvPacket(b, p, packetSpaceInitial, now)
}

func (s *Conn) recvPacketHandshake(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.dcid, s.scid) || !bytes.Equal(p.header.scid, s.dcid) {
		debug("dropped packet %v", p)
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	n, err := s.recvPacket(b, p, packetSpaceHandshake, now)
	if err == nil && n > 0 && !s.isClient {
		// A successfully decrypted Handshake packet proves the peer saw
		// our Initial response, which only reaches the real client
		// address; RFC 9000 Section 8.1.
		s.addressValidated = true
	}
	return n, err
}

func (s *Conn) recvPacketShort(b []byte, p *packet, now time.Time) (int, error) {
	if !bytes.Equal(p.header.dcid, s.scid) {
		debug("dropped packet %v", p)
		s.logPacketDropped(p, now)
		return len(b), nil
	}
	return s.recvPacket(b, p, packetSpaceApplication, now)
}

func (s *Conn) recvPacket(b []byte, p *packet, space packetSpace, now time.Time) (int, error) {
	pnSpace := &s.packetNumberSpaces[space]
	if !pnSpace.canDecrypt() {
		length := coalescedPacketLen(b, p)
		if !pnSpace.dropped {
			// Keys for this level are not installed yet; park the packet
			// and replay it as soon as the handshake delivers them.
			pnSpace.deferred = append(pnSpace.deferred, append([]byte(nil), b[:length]...))
			debug("deferred undecryptable packet %v space=%v", p, space)
		} else {
			debug("dropped undecryptable packet %v space=%v", p, space)
			s.logPacketDropped(p, now)
		}
		return length, nil
	}
	payload, length, err := pnSpace.decryptPacket(b, p, space == packetSpaceApplication)
	if err != nil {
		return 0, err
	}
	if space == packetSpaceApplication {
		// A peer-initiated key update just adopted a retired generation;
		// start its discard timer now that a PTO estimate exists.
		pnSpace.armKeyDiscard(now.Add(3 * s.recovery.probeTimeout()))
	}
	debug("decrypted packet %v payload=%d", p, len(payload))
	if pnSpace.isPacketReceived(p.packetNumber) {
		// Ignore duplicate packet
		s.logPacketDropped(p, now)
		return length, nil
	}
	if !pnSpace.recvPacketHistory.isEmpty() &&
		p.packetNumber+packetNumberWindow < pnSpace.recvPacketHistory.largest() {
		// Too far behind the highest received to track: drop as too old.
		s.logPacketDropped(p, now)
		return length, nil
	}
	s.logPacketReceived(p, now)
	if err = s.recvFrames(payload, space, now); err != nil {
		return 0, err
	}

	// Process acked frames
	s.processAckedPackets(space)

	// Mark this packet received
	pnSpace.onPacketReceived(p.packetNumber, now)

	s.resetIdleTimer(now)
	// An Handshake packet has been received from the client and has been successfully processed,
	// so we can drop the initial state and consider the client's address to be verified.
	if !s.isClient && space == packetSpaceHandshake && s.state == stateAttempted {
		s.state = stateHandshake
		s.dropPacketSpace(packetSpaceInitial)
	}
	s.ackElicitingSent = false
	return length, nil
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#frames
// recvFrames sets ackElicited if a received frame is an ack eliciting.
func (s *Conn) recvFrames(b []byte, space packetSpace, now time.Time) error {
	// To avoid sending an ACK in response to an ACK-only packet, we need
	// to keep track of whether this packet contains any frame other than
	// ACK, PADDING and CONNECTION_CLOSE.
	var ackElicited = false
	for len(b) > 0 {
		var typ uint64
		n := getVarint(b, &typ)
		if n == 0 {
			return newError(FrameEncodingError, "")
		}
		var err error
		if !frameAllowedInSpace(typ, space) {
			return newError(ProtocolViolation, sprint("frame type ", typ, " not allowed in ", space))
		}
		switch {
		case typ == frameTypePadding:
			n, err = s.recvFramePadding(b, now)
		case typ == frameTypePing:
			s.recvFramePing(now)
		case typ == frameTypeAck:
			n, err = s.recvFrameAck(b, space, now)
		case typ == frameTypeResetStream:
			n, err = s.recvFrameResetStream(b, now)
		case typ == frameTypeReliableResetStream:
			n, err = s.recvFrameResetStreamAt(b, now)
		case typ == frameTypeStopSending:
			n, err = s.recvFrameStopSending(b, now)
		case typ == frameTypeCrypto:
			n, err = s.recvFrameCrypto(b, space, now)
		case typ == frameTypeNewToken:
			n, err = s.recvFrameNewToken(b, now)
		case typ >= frameTypeStream && typ <= frameTypeStreamEnd:
			n, err = s.recvFrameStream(b, now)
		case typ == frameTypeMaxData:
			n, err = s.recvFrameMaxData(b, now)
		case typ == frameTypeMaxStreamData:
			n, err = s.recvFrameMaxStreamData(b, now)
		case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
			n, err = s.recvFrameMaxStreams(b, now)
		case typ == frameTypeDataBlocked:
			n, err = s.recvFrameDataBlocked(b, now)
		case typ == frameTypeStreamDataBlocked:
			n, err = s.recvFrameStreamDataBlocked(b, now)
		case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
			n, err = s.recvFrameStreamsBlocked(b, now)
		case typ == frameTypeNewConnectionID:
			n, err = s.recvFrameNewConnectionID(b, now)
		case typ == frameTypeRetireConnectionID:
			n, err = s.recvFrameRetireConnectionID(b, now)
		case typ == frameTypePathChallenge:
			n, err = s.recvFramePathChallenge(b, now)
		case typ == frameTypePathResponse:
			n, err = s.recvFramePathResponse(b, now)
		case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
			n, err = s.recvFrameConnectionClose(b, space, now)
		case typ == frameTypeHanshakeDone:
			n, err = s.recvFrameHandshakeDone(b, now)
		case typ == frameTypeDatagram || typ == frameTypeDatagramLen:
			n, err = s.recvFrameDatagram(b, now)
		case typ == frameTypeAckFrequency:
			n, err = s.recvFrameAckFrequency(b, now)
		case typ == frameTypeImmediateAck:
			n, err = s.recvFrameImmediateAck(b, now)
		default:
			return newError(FrameEncodingError, sprint("unsupported frame ", typ))
		}
		if err != nil {
			debug("error processing frame 0x%x: %v", typ, err)
			return err
		}
		if !ackElicited {
			ackElicited = isFrameAckEliciting(typ)
		}
		b = b[n:]
	}
	if ackElicited {
		s.packetNumberSpaces[space].ackElicited = true
		s.packetNumberSpaces[space].ackElicitingSinceAck++
	}
	return nil
}

func (s *Conn) recvFramePadding(b []byte, now time.Time) (int, error) {
	var f paddingFrame
	n, err := f.decode(b)
	s.logFrameProcessed(&f, now)
	return n, err
}

func (s *Conn) recvFramePing(now time.Time) {
	// Will ack
	var f pingFrame
	s.logFrameProcessed(&f, now)
}

func (s *Conn) recvFrameAck(b []byte, space packetSpace, now time.Time) (int, error) {
	var f ackFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	ranges := f.toRangeSet()
	if ranges == nil {
		return 0, newError(FrameEncodingError, sprint("invalid ack ranges ", f.String()))
	}
	ackDelay := time.Duration((1<<s.peerParams.AckDelayExponent)*f.ackDelay) * time.Microsecond
	s.recovery.onAckReceived(ranges, ackDelay, space, now)

	if !s.packetNumberSpaces[space].firstPacketAcked {
		s.packetNumberSpaces[space].firstPacketAcked = true
		// https://quicwg.org/base-drafts/draft-ietf-quic-tls.html#name-handshake-confirmed
		// When we receive an ACK for a 1-RTT packet after handshake completion,
		// it means the handshake has been confirmed.
		if space == packetSpaceApplication && s.state == stateActive {
			s.dropPacketSpace(packetSpaceHandshake)
			if s.isClient && !s.handshakeConfirmed {
				s.handshakeConfirmed = true
			}
		}
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// An endpoint uses a RESET_STREAM frame to abruptly terminate
// the sending part of a stream.
func (s *Conn) recvFrameResetStream(b []byte, now time.Time) (int, error) {
	var f resetStreamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Not for send-only stream
	local := isStreamLocal(f.streamID, s.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		debug("peer attempted to reset our send-only stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, sprint("reset stream ", f.streamID))
	}
	if s.streams.isRetired(f.streamID) {
		s.logFrameProcessed(&f, now)
		return n, nil
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	mayRecv, err := st.recv.reset(f.finalSize)
	if err != nil {
		return 0, err
	}
	if s.flow.canRecv() < uint64(mayRecv) {
		return 0, errFlowControl
	}
	s.flow.addRecv(int(mayRecv))
	st.recvState = nextRecvState(st.recvState, evtPeerReset)
	s.addEvent(newStreamResetEvent(f.streamID, f.errorCode))
	s.logFrameProcessed(&f, now)
	return n, nil
}

// recvFrameResetStreamAt handles RESET_STREAM_AT: like RESET_STREAM, but
// bytes up to reliableSize are still delivered in order before the reset
// takes effect (draft-ietf-quic-reliable-stream-reset, negotiated via the
// reliable_stream_reset transport parameter).
func (s *Conn) recvFrameResetStreamAt(b []byte, now time.Time) (int, error) {
	var f resetStreamAtFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if !s.peerParams.ReliableStreamReset {
		return 0, newError(ProtocolViolation, "RESET_STREAM_AT received without reliable_stream_reset negotiated")
	}
	debug("received frame 0x%x: %v", b[0], &f)
	local := isStreamLocal(f.streamID, s.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		debug("peer attempted to reset our send-only stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, sprint("reset stream ", f.streamID))
	}
	if f.reliableSize > f.finalSize {
		return 0, newError(FrameEncodingError, "reliable size exceeds final size")
	}
	if s.streams.isRetired(f.streamID) {
		s.logFrameProcessed(&f, now)
		return n, nil
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	if f.reliableSize == 0 || (!st.recv.received.isEmpty() && st.recv.received.ranges[0].lo == 0 && st.recv.received.ranges[0].hi+1 >= f.reliableSize) {
		// The reliable-size prefix has already arrived: reset takes effect now.
		mayRecv, err := st.recv.reset(f.finalSize)
		if err != nil {
			return 0, err
		}
		if s.flow.canRecv() < uint64(mayRecv) {
			return 0, errFlowControl
		}
		s.flow.addRecv(int(mayRecv))
		st.recvState = nextRecvState(st.recvState, evtPeerReset)
		s.addEvent(newStreamResetEvent(f.streamID, f.errorCode))
	} else {
		// Pin the final size but defer wasReset until the reliable-size
		// prefix has arrived; ordinary STREAM frames keep being accepted
		// and delivered up to that point.
		st.recv.finSet = true
		st.recv.finalSize = f.finalSize
		st.recv.pendingReset = true
		st.recv.pendingResetAt = f.reliableSize
		st.recv.pendingResetCode = f.errorCode
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// An endpoint uses a STOP_SENDING frame to communicate that incoming data
// is being discarded on receipt at application request.
func (s *Conn) recvFrameStopSending(b []byte, now time.Time) (int, error) {
	var f stopSendingFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Not for a locally-initiated stream that has not yet been created.
	local := isStreamLocal(f.streamID, s.isClient)
	if local && s.streams.get(f.streamID) == nil {
		return 0, newError(StreamStateError, sprint("stop sending stream ", f.streamID))
	}
	// Not for a receive-only stream.
	bidi := isStreamBidi(f.streamID)
	if !bidi {
		debug("peer attempted to stop sending their receive-only stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, sprint("stop sending stream ", f.streamID))
	}
	if s.streams.isRetired(f.streamID) {
		s.logFrameProcessed(&f, now)
		return n, nil
	}
	// RFC 9000 Section 3.5: an endpoint that receives STOP_SENDING must
	// respond with RESET_STREAM, conventionally echoing the error code.
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.Reset(f.errorCode)
	s.addEvent(newStreamStopEvent(f.streamID, f.errorCode))
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameCrypto(b []byte, space packetSpace, now time.Time) (int, error) {
	var f cryptoFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Push the data to the stream so it can be re-ordered.
	err = s.packetNumberSpaces[space].cryptoStream.pushRecv(f.data, f.offset, false)
	if err != nil {
		return 0, err
	}
	err = s.doHandshake()
	if err != nil {
		return 0, err
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameNewToken(b []byte, now time.Time) (int, error) {
	var f newTokenFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	// Only servers issue tokens, RFC 9000 Section 19.7.
	if !s.isClient {
		return 0, newError(ProtocolViolation, "new token from client")
	}
	if len(f.token) == 0 {
		return 0, newError(FrameEncodingError, "empty token")
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Keep the latest token for the application to persist; it is echoed
	// in the Initial of a future connection to skip address validation.
	s.addressToken = append(s.addressToken[:0], f.token...)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameStream(b []byte, now time.Time) (int, error) {
	var f streamFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	// Peer can't send on our unidirectional streams.
	local := isStreamLocal(f.streamID, s.isClient)
	bidi := isStreamBidi(f.streamID)
	if local && !bidi {
		debug("peer attempted to sent to our stream: id=%d local=%v bidi=%v", f.streamID, local, bidi)
		return 0, newError(StreamStateError, "writing not permitted")
	}
	if s.streams.isRetired(f.streamID) {
		// Late data for a finished stream; already delivered and reclaimed.
		s.logFrameProcessed(&f, now)
		return n, nil
	}
	if s.flow.canRecv() < uint64(len(f.data)) {
		return 0, errFlowControl
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	err = st.pushRecv(f.data, f.offset, f.fin)
	if err != nil {
		return 0, err
	}
	debug("stream %d received %v", f.streamID, &st.recv)
	// A receiver maintains a cumulative sum of bytes received on all streams,
	// which is used to check for flow control violations
	s.flow.addRecv(len(f.data))
	s.addEvent(newStreamRecvEvent(f.streamID))
	if errCode, due := st.recv.dueReset(); due {
		mayRecv, err := st.recv.reset(st.recv.finalSize)
		if err != nil {
			return 0, err
		}
		if s.flow.canRecv() < uint64(mayRecv) {
			return 0, errFlowControl
		}
		s.flow.addRecv(int(mayRecv))
		st.recvState = nextRecvState(st.recvState, evtPeerReset)
		s.addEvent(newStreamResetEvent(f.streamID, errCode))
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameMaxData(b []byte, now time.Time) (int, error) {
	var f maxDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	s.flow.setMaxSend(f.maximumData)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameMaxStreamData(b []byte, now time.Time) (int, error) {
	var f maxStreamDataFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if s.streams.isRetired(f.streamID) {
		s.logFrameProcessed(&f, now)
		return n, nil
	}
	st, err := s.getOrCreateStream(f.streamID, false)
	if err != nil {
		return 0, err
	}
	st.flow.setMaxSend(f.maximumData)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameMaxStreams(b []byte, now time.Time) (int, error) {
	var f maxStreamsFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if f.bidi {
		s.streams.setPeerMaxStreamsBidi(f.maximumStreams)
	} else {
		s.streams.setPeerMaxStreamsUni(f.maximumStreams)
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// The BLOCKED frame family is informational: the receive-window
// auto-tune already reacts to the peer's consumption rate on the next
// delivery, so these handlers only record the event rather than forcing
// an unsolicited credit grant on top of an in-flight auto-tune decision.
func (s *Conn) recvFrameDataBlocked(b []byte, now time.Time) (int, error) {
	var f dataBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("peer blocked on connection data limit %d", f.dataLimit)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameStreamDataBlocked(b []byte, now time.Time) (int, error) {
	var f streamDataBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("peer blocked on stream %d data limit %d", f.streamID, f.dataLimit)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameStreamsBlocked(b []byte, now time.Time) (int, error) {
	var f streamsBlockedFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("peer blocked on stream limit %d bidi=%v", f.streamLimit, f.bidi)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameNewConnectionID(b []byte, now time.Time) (int, error) {
	var f newConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if err := s.peerCIDs.recvNewConnectionID(&f); err != nil {
		return 0, err
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameRetireConnectionID(b []byte, now time.Time) (int, error) {
	var f retireConnectionIDFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.localCIDs.recvRetireConnectionID(f.sequenceNumber)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFramePathChallenge(b []byte, now time.Time) (int, error) {
	var f pathChallengeFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	data := f.data
	s.path.pendingResponse = &data
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFramePathResponse(b []byte, now time.Time) (int, error) {
	var f pathResponseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.path.onPathResponse(f.data)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameDatagram(b []byte, now time.Time) (int, error) {
	var f datagramFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.addEvent(newDatagramEvent(f.data))
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameAckFrequency(b []byte, now time.Time) (int, error) {
	var f ackFrequencyFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	// Stale/reordered ACK_FREQUENCY frames are ignored: only the highest
	// sequence number seen applies (draft-ietf-quic-ack-frequency).
	if !s.haveAckFreqSeq || f.sequenceNumber >= s.ackFreqSeq {
		s.haveAckFreqSeq = true
		s.ackFreqSeq = f.sequenceNumber
		if f.ackElicitingThreshold > 0 {
			s.ackFreqTolerance = f.ackElicitingThreshold
		} else {
			s.ackFreqTolerance = 1
		}
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameImmediateAck(b []byte, now time.Time) (int, error) {
	var f immediateAckFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	s.packetNumberSpaces[packetSpaceApplication].ackElicited = true
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameConnectionClose(b []byte, space packetSpace, now time.Time) (int, error) {
	var f connectionCloseFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	debug("receiving frame 0x%x: %s (%s)", b[0], &f, errorCodeString(f.errorCode))
	s.state = stateDraining
	s.setDraining(now)
	s.logFrameProcessed(&f, now)
	return n, nil
}

func (s *Conn) recvFrameHandshakeDone(b []byte, now time.Time) (int, error) {
	var f handshakeDoneFrame
	n, err := f.decode(b)
	if err != nil {
		return 0, err
	}
	if !s.isClient {
		return 0, newError(ProtocolViolation, "unexpected handshake done frame")
	}
	debug("received frame 0x%x: %v", b[0], &f)
	if s.state == stateActive && !s.handshakeConfirmed {
		// Drop client's handshake state when it received done from server
		s.dropPacketSpace(packetSpaceHandshake)
		s.handshakeConfirmed = true
	}
	s.logFrameProcessed(&f, now)
	return n, nil
}

// processAckedPackets is called when the connection got an ACK frame.
func (s *Conn) processAckedPackets(space packetSpace) {
	pnSpace := &s.packetNumberSpaces[space]
	s.recovery.drainAcked(space, func(f frame) {
		switch f := f.(type) {
		case *ackFrame:
			// Stop sending ack for packets when receiving is confirmed
			pnSpace.recvPacketNeedAck.removeUntil(f.largestAck)
		case *cryptoFrame:
			pnSpace.cryptoStream.send.ack(f.offset, uint64(len(f.data)))
		case *streamFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				st.send.ack(f.offset, uint64(len(f.data)))
				if st.send.complete() {
					st.sendState = nextSendState(st.sendState, evtAllAcked)
					s.addEvent(newStreamCompleteEvent(f.streamID))
					s.streams.maybeRemove(f.streamID)
				}
			}
		case *resetStreamFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				st.sendState = nextSendState(st.sendState, evtResetAcked)
				s.streams.maybeRemove(f.streamID)
			}
		case *resetStreamAtFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				st.sendState = nextSendState(st.sendState, evtResetAcked)
				s.streams.maybeRemove(f.streamID)
			}
		case *maxDataFrame:
			s.updateMaxData = false
		case *maxStreamDataFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				st.ackMaxData()
			}
		}
	})
}

func (s *Conn) doHandshake() error {
	if s.state >= stateActive {
		return nil
	}
	err := s.handshake.doHandshake()
	if err != nil {
		return err
	}
	if s.handshake.HandshakeComplete() {
		params := s.handshake.peerTransportParams()
		debug("peer transport params: %+v", params)
		if err := s.validatePeerTransportParams(params); err != nil {
			return err
		}
		s.flow.setMaxSend(params.InitialMaxData)
		s.streams.setPeerMaxStreamsBidi(params.InitialMaxStreamsBidi)
		s.streams.setPeerMaxStreamsUni(params.InitialMaxStreamsUni)
		s.recovery.maxAckDelay = params.MaxAckDelay
		s.peerParams = *params
		limit := params.ActiveConnectionIDLimit
		if limit > 0 {
			if err := s.localCIDs.issueLocal(limit, s.rand); err != nil {
				return err
			}
		}
		s.state = stateActive
	}
	return nil
}

// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#name-authenticating-connection-i
//
// Client                                                  Server
// Initial: DCID=S1, SCID=C1 ->
//                                     <- Retry: DCID=C1, SCID=S2
// Initial: DCID=S2, SCID=C1 ->
//                                   <- Initial: DCID=C1, SCID=S3
//                              ...
// 1-RTT: DCID=S3 ->
//                                              <- 1-RTT: DCID=C1
// Client:
//   initial_source_connection_id = C1
// Server without Retry:
//   original_destination_connection_id = S1
//   initial_source_connection_id = S3
//   retry_source_connection_id = nil
// Server with Retry:
//   original_destination_connection_id = S1
//   retry_source_connection_id = S2
//   initial_source_connection_id = S3
func (s *Conn) validatePeerTransportParams(p *Parameters) error {
	if p == nil {
		return newError(TransportParameterError, "")
	}
	// Initial Source CID must be sent by both endpoints
	if len(p.InitialSourceCID) == 0 || !bytes.Equal(p.InitialSourceCID, s.dcid) {
		return newError(TransportParameterError, "initial source cid")
	}
	if s.isClient {
		if !bytes.Equal(p.OriginalDestinationCID, s.odcid) {
			return newError(TransportParameterError, "original destination cid")
		}
	} else {
		// Original CID and Stateless reset token must not be sent by client
		if len(p.OriginalDestinationCID) > 0 {
			return newError(TransportParameterError, "original destination cid")
		}
		// Stateless reset token
		if len(p.StatelessResetToken) > 0 {
			return newError(TransportParameterError, "reset token")
		}
	}
	if len(s.rscid) > 0 && !bytes.Equal(p.RetrySourceCID, s.rscid) {
		return newError(TransportParameterError, "retry source cid")
	}
	return nil
}

// Read produces data for sending to the client.
func (s *Conn) Read(b []byte) (int, error) {
	now := s.time()
	if !s.drainingTimer.IsZero() {
		return 0, nil
	}
	if err := s.doHandshake(); err != nil {
		return 0, err
	}
	space := s.writeSpace()
	if space == packetSpaceCount {
		return 0, nil
	}
	n, err := s.send(b, space, now)
	if err != nil {
		return 0, err
	}
	// Coalesce packets when possible.
	// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#packet-coalesce
	if space < packetSpaceApplication {
		avail := minInt(s.maxPacketSize(), len(b))
		if avail-n >= 96 { // Enough for a handshake packet
			nextSpace := s.writeSpace()
			if nextSpace < packetSpaceCount && nextSpace > space {
				m, err := s.send(b[n:avail], nextSpace, now)
				if err != nil {
					return 0, err
				}
				return n + m, nil
			}
		}
	}
	return n, nil
}

func (s *Conn) send(b []byte, space packetSpace, now time.Time) (int, error) {
	pnSpace := &s.packetNumberSpaces[space]
	if !pnSpace.canEncrypt() {
		return 0, newError(InternalError, sprint("cannot encrypt space ", space.String()))
	}
	avail := minInt(s.maxPacketSize(), len(b))
	// Pace 1-RTT traffic to the cwnd/rtt estimate; Initial and Handshake
	// flights go out uncapped so the pacer never slows the handshake.
	if space == packetSpaceApplication {
		if d := s.recovery.reserveSend(now, avail); d > 0 {
			return 0, nil
		}
	}
	if !s.isClient && !s.addressValidated {
		if allowed := antiAmplificationLimit(s.amplificationRecv, s.amplificationSent); allowed < avail {
			avail = allowed
		}
		if avail <= minPayloadLength {
			return 0, nil
		}
	}
	p := packet{
		typ: packetTypeFromSpace(space),
		header: packetHeader{
			version: s.version,
			dcid:    s.dcid,
			scid:    s.scid,
		},
		token:        s.token,
		packetNumber: pnSpace.nextPacketNumber,
		payloadLen:   avail,
		keyPhase:     pnSpace.keyPhase,
	}
	// Calculate what is left for payload
	overhead := pnSpace.sealer.aead.Overhead()
	pktOverhead := p.encodedLen() + overhead - p.payloadLen // Packet length without payload
	left := avail - pktOverhead
	if left <= minPayloadLength {
		return 0, errShortBuffer
	}
	s.processLostPackets(space)
	// Add frames
	op := newOutgoingPacket(p.packetNumber, now)
	p.payloadLen = s.sendFrames(op, space, left, now)
	if len(op.frames) == 0 {
		return 0, nil
	}
	left -= p.payloadLen
	// Pad client initial packet
	// FIXME: Should pad after packets are coalesced. Currently ack only frame is padded.
	if s.isClient && p.typ == packetTypeInitial {
		n := MinInitialPacketSize - pktOverhead - p.payloadLen
		if n > 0 {
			if n > left {
				return 0, errShortBuffer
			}
			op.addFrame(newPaddingFrame(n))
			p.payloadLen += n
			left -= n
		}
	}
	if p.payloadLen < minPayloadLength {
		n := minPayloadLength - p.payloadLen
		if n > left {
			return 0, errShortBuffer
		}
		op.addFrame(newPaddingFrame(n))
		p.payloadLen += n
		left -= n
	}
	// Include crypto overhead to encode packet header with correct length
	p.payloadLen += overhead
	payloadOffset, err := p.encode(b)
	if err != nil {
		return 0, err
	}
	// Encode frames to sending packet then encrypt it
	n, err := encodeFrames(b[payloadOffset:], op.frames)
	if err != nil {
		return 0, err
	}
	n += payloadOffset + overhead
	if n != payloadOffset+p.payloadLen || n > len(b) {
		return 0, newError(InternalError, sprint("encoded payload length ", n, " exceeded buffer capacity ", len(b)))
	}
	pnSpace.encryptPacket(b[:n], &p)
	op.size = uint64(n)
	if !s.isClient && !s.addressValidated {
		s.amplificationSent += uint64(n)
	}
	// Finish preparing sending packet
	debug("sending packet %s %s", &p, op)
	s.onPacketSent(op, space)
	// TODO: Log real payload length without crypto overhead
	s.logPacketSent(&p, op.frames, now)
	// On the client, drop initial state after sending an Handshake packet.
	if s.isClient && p.typ == packetTypeHandshake && s.state == stateAttempted {
		s.state = stateHandshake
		s.dropPacketSpace(packetSpaceInitial)
	}
	return n, nil
}

func (s *Conn) writeSpace() packetSpace {
	// On error or probe, send packet in the latest space available.
	if s.closeFrame != nil || s.recovery.probes > 0 {
		return s.handshake.writeSpace()
	}
	for i := packetSpaceInitial; i < packetSpaceCount; i++ {
		// Only use application packet number space when handshake is complete.
		if i == packetSpaceApplication && s.state < stateActive {
			continue
		}
		if s.packetNumberSpaces[i].ready() {
			return i
		}
		if len(s.recovery.lost[i]) > 0 {
			return i
		}
	}
	// If there are flushable streams or pending control frames, use
	// Application.
	if s.state >= stateActive && (s.streams.hasFlushable() || s.hasPendingControl()) {
		return packetSpaceApplication
	}
	// Nothing to send
	return packetSpaceCount
}

// hasPendingControl reports whether any 1-RTT control frame beyond the
// stream layer is waiting: CID announcements, path probes, tokens, or
// queued datagrams.
func (s *Conn) hasPendingControl() bool {
	return len(s.localCIDs.pendingIssue) > 0 || len(s.peerCIDs.pendingRetire) > 0 ||
		len(s.pendingNewToken) > 0 || len(s.datagramQueue) > 0 ||
		s.path.pendingResponse != nil || s.path.validation.needSend ||
		s.pendingAckFreq != nil ||
		s.updateMaxData || s.flow.shouldUpdateMaxRecv()
}

func (s *Conn) maxPacketSize() int {
	if s.state >= stateActive && s.peerParams.MaxUDPPayloadSize > 0 {
		n := int(s.peerParams.MaxUDPPayloadSize)
		if n >= MinInitialPacketSize && n <= MaxPacketSize {
			return n
		}
	}
	return MinInitialPacketSize
}

func (s *Conn) processLostPackets(space packetSpace) {
	pnSpace := &s.packetNumberSpaces[space]
	s.recovery.drainLost(space, func(f frame) {
		debug("lost frame %v", f)
		switch f := f.(type) {
		case *ackFrame:
			pnSpace.ackElicited = true
		case *cryptoFrame:
			// Push data back to send again
			err := pnSpace.cryptoStream.send.push(f.data, f.offset, false)
			if err != nil {
				debug("process lost crypto frame %v: %v", f, err)
			}
		case *streamFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				// Push data back to send again
				err := st.send.push(f.data, f.offset, f.fin)
				if err != nil {
					debug("process lost stream frame %v: %v", f, err)
				}
			}
		case *resetStreamFrame:
			st := s.streams.get(f.streamID)
			if st != nil && st.sendState == streamSendResetSent {
				st.resetPending = true
			}
		case *resetStreamAtFrame:
			st := s.streams.get(f.streamID)
			if st != nil && st.sendState == streamSendResetSent {
				st.resetPending = true
			}
		case *stopSendingFrame:
			st := s.streams.get(f.streamID)
			if st != nil {
				st.stopSendingPending = true
			}
		case *maxStreamsFrame:
			// Re-derived from current limits rather than re-sent verbatim.
			if f.bidi {
				s.streams.updateMaxStreamsBidi = true
			} else {
				s.streams.updateMaxStreamsUni = true
			}
		case *newConnectionIDFrame:
			s.localCIDs.requeueIssue(f.sequenceNumber)
		case *retireConnectionIDFrame:
			s.peerCIDs.requeueRetire(f.sequenceNumber)
		case *pathChallengeFrame:
			if s.path.validation.pending {
				s.path.validation.needSend = true
			}
		case *newTokenFrame:
			if len(s.pendingNewToken) == 0 {
				s.pendingNewToken = f.token
			}
		case *ackFrequencyFrame:
			if s.pendingAckFreq == nil {
				s.pendingAckFreq = f
			}
		case *handshakeDoneFrame:
			s.handshakeConfirmed = false
		}
		// PATH_RESPONSE and DATAGRAM frames are never retransmitted.
	})
}

func (s *Conn) sendFrames(op *outgoingPacket, space packetSpace, left int, now time.Time) int {
	pnSpace := &s.packetNumberSpaces[space]
	payloadLen := 0
	// CONNECTION_CLOSE
	if s.closeFrame != nil {
		n := s.closeFrame.encodedLen()
		if left >= n {
			op.addFrame(s.closeFrame)
			payloadLen += n
			left -= n
			s.setDraining(now)
		}
	}
	if s.state < stateDraining {
		// ACK
		if f := s.sendFrameAck(pnSpace, now); f != nil {
			n := f.encodedLen()
			if left >= n {
				op.addFrame(f)
				payloadLen += n
				left -= n
				pnSpace.ackElicited = false
				pnSpace.ackElicitingSinceAck = 0
			}
		}
		// CRYPTO
		if f := s.sendFrameCrypto(pnSpace, left); f != nil {
			n := f.encodedLen()
			op.addFrame(f)
			payloadLen += n
			left -= n
		}
		if space == packetSpaceApplication {
			// HANDSHAKE_DONE
			if f := s.sendFrameHandshakeDone(); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.handshakeConfirmed = true
				}
			}
			// MAX_DATA
			if f := s.sendFrameMaxData(); f != nil {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.updateMaxData = true
					s.flow.commitMaxRecv()
				}
			}
			// MAX_STREAM_DATA
			for id, st := range s.streams.streams {
				if f := s.sendFrameMaxStreamData(id, st); f != nil {
					n := f.encodedLen()
					if left >= n {
						op.addFrame(f)
						payloadLen += n
						left -= n
						st.flow.commitMaxRecv()
					}
				}
			}
			// MAX_STREAMS
			for _, f := range s.sendFrameMaxStreams() {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
				}
			}
			// STREAM, in the stream map's configured scheduling order.
			for _, id := range s.streams.sendOrder() {
				st := s.streams.streams[id]
				if f := s.sendFrameStream(id, st, left); f != nil {
					n := f.encodedLen()
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.flow.addSend(len(f.data))
				}
			}
			// RESET_STREAM / STOP_SENDING
			for id, st := range s.streams.streams {
				if st.resetPending {
					f := newResetStreamFrame(id, st.sendErrorCode, st.send.nextOffset)
					n := f.encodedLen()
					if left >= n {
						op.addFrame(f)
						payloadLen += n
						left -= n
						st.resetPending = false
					}
				}
				if st.stopSendingPending {
					f := newStopSendingFrame(id, st.recvErrorCode)
					n := f.encodedLen()
					if left >= n {
						op.addFrame(f)
						payloadLen += n
						left -= n
						st.stopSendingPending = false
					}
				}
			}
			// DATA_BLOCKED / STREAMS_BLOCKED
			for _, f := range s.sendFramesBlocked() {
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
				}
			}
			// NEW_CONNECTION_ID / RETIRE_CONNECTION_ID
			s.localCIDs.drainIssue(func(f *newConnectionIDFrame) bool {
				n := f.encodedLen()
				if left < n {
					return false
				}
				op.addFrame(f)
				payloadLen += n
				left -= n
				return true
			})
			s.peerCIDs.drainRetire(func(f *retireConnectionIDFrame) bool {
				n := f.encodedLen()
				if left < n {
					return false
				}
				op.addFrame(f)
				payloadLen += n
				left -= n
				return true
			})
			// NEW_TOKEN
			if len(s.pendingNewToken) > 0 {
				f := newNewTokenFrame(s.pendingNewToken)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.pendingNewToken = nil
				}
			}
			// PATH_RESPONSE / PATH_CHALLENGE
			if s.path.pendingResponse != nil {
				f := newPathResponseFrame(*s.path.pendingResponse)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.path.pendingResponse = nil
				}
			}
			if s.path.validation.needSend {
				f := newPathChallengeFrame(s.path.validation.data)
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.path.validation.needSend = false
				}
			}
			// ACK_FREQUENCY
			if s.pendingAckFreq != nil {
				f := s.pendingAckFreq
				n := f.encodedLen()
				if left >= n {
					op.addFrame(f)
					payloadLen += n
					left -= n
					s.pendingAckFreq = nil
				}
			}
			// DATAGRAM
			for len(s.datagramQueue) > 0 {
				f := newDatagramFrame(s.datagramQueue[0])
				n := f.encodedLen()
				if left < n {
					break
				}
				op.addFrame(f)
				payloadLen += n
				left -= n
				s.datagramQueue = s.datagramQueue[1:]
			}
		}
		// PING
		if s.recovery.probes > 0 && left >= 1 {
			f := &pingFrame{}
			n := f.encodedLen()
			op.addFrame(f)
			payloadLen += n
			left -= n
			s.recovery.probes--
		}
	}
	return payloadLen
}

func (s *Conn) onPacketSent(op *outgoingPacket, space packetSpace) {
	s.recovery.onPacketSent(op, space)
	s.packetNumberSpaces[space].nextPacketNumber++
	// (Re)start the idle timer if we are sending the first ACK-eliciting
	// packet since last receiving a packet.
	if op.ackEliciting {
		if !s.ackElicitingSent {
			s.resetIdleTimer(op.timeSent)
		}
		s.ackElicitingSent = true
	}
}

// idleTimeout returns the effective idle timeout: the min of the local
// and peer max_idle_timeout (zero meaning no limit), extended by
// max(3*PTO, defaultIdleTimeoutFloor) so a slow path is not timed out
// while probes are still in flight. Zero disables the idle timer.
func (s *Conn) idleTimeout() time.Duration {
	d := s.localParams.MaxIdleTimeout
	if p := s.peerParams.MaxIdleTimeout; p > 0 && (d == 0 || p < d) {
		d = p
	}
	if d == 0 {
		return 0
	}
	ext := 3 * s.recovery.probeTimeout()
	if ext < defaultIdleTimeoutFloor {
		ext = defaultIdleTimeoutFloor
	}
	return d + ext
}

func (s *Conn) resetIdleTimer(now time.Time) {
	if d := s.idleTimeout(); d > 0 {
		s.idleTimer = now.Add(d)
	}
}

// Timeout returns the amount of time until the next timeout event.
// A negative timeout means that the timer should be disarmed.
// Path-validation and key-discard deadlines are not included; OnTimeout
// checks them whenever it runs.
func (s *Conn) Timeout() time.Duration {
	if s.state == stateClosed {
		return -1
	}
	deadline := s.drainingTimer
	if deadline.IsZero() {
		// Not draining: the earliest armed loss-detection, pacing or idle
		// deadline.
		for _, t := range []time.Time{s.recovery.lossDetectionTimer, s.recovery.pacingDeadline, s.idleTimer} {
			if !t.IsZero() && (deadline.IsZero() || t.Before(deadline)) {
				deadline = t
			}
		}
		if deadline.IsZero() {
			return -1
		}
	}
	timeout := time.Until(deadline)
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// OnTimeout fires every elapsed deadline (idle, draining, loss
// detection, path validation, key discard). Callers invoke it when the
// deadline reported by Timeout passes.
func (s *Conn) OnTimeout() {
	s.checkTimeout(s.time())
}

func (s *Conn) checkTimeout(now time.Time) {
	if !s.drainingTimer.IsZero() && !now.Before(s.drainingTimer) {
		debug("draining timeout expired")
		s.state = stateClosed
		return
	}
	if !s.idleTimer.IsZero() && !now.Before(s.idleTimer) {
		debug("idle timeout expired")
		s.state = stateClosed
		return
	}
	if s.path.validationExpired(now) {
		debug("path validation expired")
		s.path.validation = pathValidationState{}
	}
	s.recovery.onLossDetectionTimeout(now)
	s.packetNumberSpaces[packetSpaceApplication].maybeDiscardPrevKeys(now)
}

// Close sets the connection to closing state.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#draining
func (s *Conn) Close(app bool, errCode uint64, reason string) {
	if !s.drainingTimer.IsZero() || s.closeFrame != nil {
		return
	}
	debug("set close code=%d", errCode)
	s.closeFrame = &connectionCloseFrame{
		application:  app,
		errorCode:    errCode,
		reasonPhrase: []byte(reason),
	}
	s.state = stateDraining
}

// IsEstablished returns true of handshake is complete and the connection is not closing.
func (s *Conn) IsEstablished() bool {
	return s.state == stateActive
}

// IsClosed returns true when the connection is in Closed state and no longer send or receive packets.
func (s *Conn) IsClosed() bool {
	return s.state == stateClosed
}

// UpdateKeys initiates a 1-RTT key update, RFC 9001 Section 6. It is a
// local, application- or policy-triggered action (for example, on a key
// usage limit or a fixed packet count); the peer's matching update is
// detected automatically on receive. Returns an error if the handshake
// is not confirmed yet or a previous update is still being retired.
func (s *Conn) UpdateKeys() error {
	if !s.handshakeConfirmed {
		return newError(InvalidState, "cannot update keys before handshake is confirmed")
	}
	space := &s.packetNumberSpaces[packetSpaceApplication]
	if space.keyUpdatePending() {
		return newError(InvalidState, "key update already in progress")
	}
	space.beginKeyUpdate()
	space.armKeyDiscard(s.time().Add(3 * s.recovery.probeTimeout()))
	return nil
}

// SetAckFrequency asks the peer to acknowledge only every threshold
// ack-eliciting packets, with at most maxAckDelay of added delay
// (draft-ietf-quic-ack-frequency). The peer must have advertised
// min_ack_delay; maxAckDelay is clamped up to it.
func (s *Conn) SetAckFrequency(threshold uint64, maxAckDelay time.Duration, reorderThreshold uint64) error {
	if s.state < stateActive {
		return newError(InvalidState, "handshake not complete")
	}
	if s.peerParams.MinAckDelay == 0 {
		return newError(ProtocolViolation, "peer did not negotiate min_ack_delay")
	}
	delayUS := uint64(maxAckDelay.Microseconds())
	if delayUS < s.peerParams.MinAckDelay {
		delayUS = s.peerParams.MinAckDelay
	}
	s.pendingAckFreq = newAckFrequencyFrame(s.ackFreqSendSeq, threshold, delayUS, reorderThreshold)
	s.ackFreqSendSeq++
	return nil
}

// SendDatagram queues an application datagram for delivery in a
// DATAGRAM frame (RFC 9221). Delivery is unreliable: a lost frame is
// never retransmitted. The peer must have advertised
// max_datagram_frame_size, and the datagram must fit in it.
func (s *Conn) SendDatagram(b []byte) error {
	if s.state < stateActive {
		return newError(InvalidState, "handshake not complete")
	}
	max := s.peerParams.MaxDatagramFrameSize
	if max == 0 {
		return newError(ProtocolViolation, "peer does not accept datagrams")
	}
	f := newDatagramFrame(b)
	if uint64(f.encodedLen()) > max || f.encodedLen() > s.maxPacketSize()-maxStreamFrameOverhead {
		return newError(InvalidParameter, "datagram too large")
	}
	s.datagramQueue = append(s.datagramQueue, append([]byte(nil), b...))
	return nil
}

// AddressToken returns the most recent NEW_TOKEN value received from the
// server, for the application to persist and replay on a future
// connection, or nil if none has arrived.
func (s *Conn) AddressToken() []byte {
	return s.addressToken
}

// SendAddressToken queues token for delivery to the client in a
// NEW_TOKEN frame. Server only; the token is typically minted by the
// same sealer the Binding uses for Retry tokens.
func (s *Conn) SendAddressToken(token []byte) error {
	if s.isClient {
		return newError(InvalidState, "client cannot issue tokens")
	}
	if len(token) == 0 {
		return newError(InvalidParameter, "empty token")
	}
	s.pendingNewToken = append([]byte(nil), token...)
	return nil
}

// ProbePath starts a PATH_CHALLENGE/RESPONSE exchange on the active
// path, for liveness probing or for validating a migrated peer address.
// The challenge is retransmitted on loss until validationExpired.
func (s *Conn) ProbePath() error {
	if s.state < stateActive {
		return newError(InvalidState, "handshake not complete")
	}
	if s.path.validation.pending {
		return newError(InvalidState, "path validation in progress")
	}
	var data [pathDataLength]byte
	if err := s.rand(data[:]); err != nil {
		return err
	}
	now := s.time()
	s.path.beginValidation(data, now, 3*s.recovery.probeTimeout())
	return nil
}

// Events consumes received events. It appends to provided events slice
// and clear received events.
func (s *Conn) Events(events []Event) []Event {
	events = append(events, s.events...)
	for i := range s.events {
		s.events[i] = Event{}
	}
	s.events = s.events[:0]
	return events
}

// Stream returns an openned stream or create a local stream if it does not exist.
// Client-initiated streams have even-numbered stream IDs and
// server-initiated streams have odd-numbered stream IDs.
func (s *Conn) Stream(id uint64) (*Stream, error) {
	return s.getOrCreateStream(id, true)
}

func (s *Conn) sendFrameAck(pnSpace *packetNumberSpace, now time.Time) *ackFrame {
	if !pnSpace.ackElicited {
		return nil
	}
	// The peer's ACK_FREQUENCY packet_tolerance only ever governs our own
	// 1-RTT ACK cadence (never the handshake spaces, and never the local
	// loss-detection packet-reordering threshold).
	if pnSpace == &s.packetNumberSpaces[packetSpaceApplication] && s.ackFreqTolerance > 1 &&
		pnSpace.ackElicitingSinceAck < s.ackFreqTolerance {
		return nil
	}
	ackDelay := uint64(now.Sub(pnSpace.largestRecvPacketTime).Microseconds())
	ackDelay /= 1 << s.peerParams.AckDelayExponent
	return newAckFrame(ackDelay, pnSpace.recvPacketNeedAck)
}

func (s *Conn) sendFrameCrypto(pnSpace *packetNumberSpace, left int) *cryptoFrame {
	left -= maxCryptoFrameOverhead
	if left > 0 {
		data, offset, _ := pnSpace.cryptoStream.popSend(left)
		if len(data) > 0 {
			return newCryptoFrame(data, offset)
		}
	}
	return nil
}

func (s *Conn) sendFrameStream(id uint64, st *Stream, left int) *streamFrame {
	allowed := int(s.flow.canSend())
	left -= maxStreamFrameOverhead
	if left > allowed {
		left = allowed
	}
	if left > 0 {
		data, offset, fin := st.popSend(left)
		if len(data) > 0 {
			debug("stream: %v", st)
			return newStreamFrame(id, data, offset, fin)
		}
	}
	return nil
}

func (s *Conn) sendFrameMaxData() *maxDataFrame {
	if s.updateMaxData || s.flow.shouldUpdateMaxRecv() {
		return newMaxDataFrame(s.flow.maxRecvNext)
	}
	return nil
}

func (s *Conn) sendFrameMaxStreamData(id uint64, st *Stream) *maxStreamDataFrame {
	if st.updateMaxData {
		return newMaxStreamDataFrame(id, st.flow.maxRecvNext)
	}
	return nil
}

func (s *Conn) sendFrameHandshakeDone() *handshakeDoneFrame {
	// HandshakeDone is sent only by server.
	if s.isClient || s.state != stateActive || s.handshakeConfirmed {
		return nil
	}
	return &handshakeDoneFrame{}
}

// sendFrameMaxStreams announces raised stream-count limits. The limit is
// re-derived from the current counters at send time, never replayed from
// a lost frame.
func (s *Conn) sendFrameMaxStreams() []*maxStreamsFrame {
	var frames []*maxStreamsFrame
	if s.streams.updateMaxStreamsBidi {
		frames = append(frames, newMaxStreamsFrame(s.streams.localMaxStreamsBidi, true))
		s.streams.updateMaxStreamsBidi = false
	}
	if s.streams.updateMaxStreamsUni {
		frames = append(frames, newMaxStreamsFrame(s.streams.localMaxStreamsUni, false))
		s.streams.updateMaxStreamsUni = false
	}
	return frames
}

// sendFramesBlocked reports the flow-control limits currently stalling
// this sender: DATA_BLOCKED when the connection limit is exhausted with
// stream data waiting, STREAM_DATA_BLOCKED per stalled stream, and
// STREAMS_BLOCKED after a local open failed on the peer's stream limit.
// Each limit value is announced once.
func (s *Conn) sendFramesBlocked() []frame {
	var frames []frame
	if s.flow.canSend() == 0 && s.dataBlockedSent != s.flow.maxSend {
		for _, st := range s.streams.streams {
			if len(st.send.queue) > 0 {
				frames = append(frames, newDataBlockedFrame(s.flow.maxSend))
				s.dataBlockedSent = s.flow.maxSend
				break
			}
		}
	}
	for id, st := range s.streams.streams {
		if len(st.send.queue) > 0 && st.flow.canSend() == 0 && st.dataBlockedSent != st.flow.maxSend {
			frames = append(frames, newStreamDataBlockedFrame(id, st.flow.maxSend))
			st.dataBlockedSent = st.flow.maxSend
		}
	}
	if s.streams.streamsBlockedBidi {
		frames = append(frames, newStreamsBlockedFrame(s.streams.peerMaxStreamsBidi, true))
		s.streams.streamsBlockedBidi = false
	}
	if s.streams.streamsBlockedUni {
		frames = append(frames, newStreamsBlockedFrame(s.streams.peerMaxStreamsUni, false))
		s.streams.streamsBlockedUni = false
	}
	return frames
}

func (s *Conn) setDraining(now time.Time) {
	if s.drainingTimer.IsZero() {
		s.drainingTimer = now.Add(s.recovery.probeTimeout() * 3)
	}
}

func (s *Conn) getOrCreateStream(id uint64, local bool) (*Stream, error) {
	st := s.streams.get(id)
	if st != nil {
		return st, nil
	}
	// Initialize new stream
	if local != isStreamLocal(id, s.isClient) {
		return nil, newError(StreamStateError, sprint("invalid type of stream ", id))
	}
	bidi := isStreamBidi(id)
	st, err := s.streams.create(id, local, bidi)
	if err != nil {
		return nil, err
	}
	var maxRecv, maxSend uint64
	if local {
		if bidi {
			maxRecv = s.localParams.InitialMaxStreamDataBidiLocal
			maxSend = s.peerParams.InitialMaxStreamDataBidiRemote
		} else {
			maxRecv = 0
			maxSend = s.peerParams.InitialMaxStreamDataUni
		}
	} else {
		if bidi {
			maxRecv = s.localParams.InitialMaxStreamDataBidiRemote
			maxSend = s.peerParams.InitialMaxStreamDataBidiLocal
		} else {
			maxRecv = s.localParams.InitialMaxStreamDataUni
			maxSend = 0
		}
	}
	st.flow.init(maxRecv, maxSend)
	// Manually set connection flow control to get updated read bytes
	st.connFlow = &s.flow
	return st, nil
}

func (s *Conn) dropPacketSpace(space packetSpace) {
	s.packetNumberSpaces[space].drop()
	s.recovery.dropUnackedData(space)
	debug("dropped space=%v", space)
}

func (s *Conn) addEvent(e Event) {
	s.events = append(s.events, e)
}

// rand uses tls.Config.Rand if available.
func (s *Conn) rand(b []byte) error {
	var err error
	if s.handshake.tlsConfig != nil && s.handshake.tlsConfig.Rand != nil {
		_, err = io.ReadFull(s.handshake.tlsConfig.Rand, b)
	} else {
		_, err = rand.Read(b)
	}
	return err
}

// time uses tls.Config.Time if available.
func (s *Conn) time() time.Time {
	if s.handshake.tlsConfig != nil && s.handshake.tlsConfig.Time != nil {
		return s.handshake.tlsConfig.Time()
	}
	return time.Now()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// OnLogEvent sets handler for received events.
func (s *Conn) OnLogEvent(fn func(LogEvent)) {
	s.logEventFn = fn
}

func (s *Conn) logPacketDropped(p *packet, now time.Time) {
	if s.logEventFn != nil {
		e := newLogEventPacket(now, logEventPacketDropped, p)
		s.logEventFn(e)
	}
}

func (s *Conn) logPacketReceived(p *packet, now time.Time) {
	if s.logEventFn != nil {
		e := newLogEventPacket(now, logEventPacketReceived, p)
		s.logEventFn(e)
	}
}

func (s *Conn) logPacketSent(p *packet, frames []frame, now time.Time) {
	if s.logEventFn != nil {
		e := newLogEventPacket(now, logEventPacketSent, p)
		s.logEventFn(e)
		for _, f := range frames {
			e = newLogEventFrame(now, logEventFramesProcessed, f)
			s.logEventFn(e)
		}
	}
}

func (s *Conn) logFrameProcessed(f frame, now time.Time) {
	if s.logEventFn != nil {
		e := newLogEventFrame(now, logEventFramesProcessed, f)
		s.logEventFn(e)
	}
}
