package transport

import "sort"

// Stream ID type bits, RFC 9000 Section 2.1.
const (
	streamClientBidi = 0x0
	streamServerBidi = 0x1
	streamClientUni  = 0x2
	streamServerUni  = 0x3
)

// isStreamLocal reports whether a stream ID was (or would be) opened by
// us, given our role.
func isStreamLocal(id uint64, isClient bool) bool {
	initiatedByClient := id&0x1 == 0
	return initiatedByClient == isClient
}

// isStreamBidi reports whether a stream ID is bidirectional.
func isStreamBidi(id uint64) bool {
	return id&0x2 == 0
}

// streamSendState is the sender-side state machine.
type streamSendState uint8

const (
	streamSendReady streamSendState = iota
	streamSendSend
	streamSendDataSent
	streamSendDataRecvd
	streamSendResetSent
	streamSendResetRecvd
)

// streamRecvState is the receiver-side state machine.
type streamRecvState uint8

const (
	streamRecvRecv streamRecvState = iota
	streamRecvSizeKnown
	streamRecvDataRecvd
	streamRecvDataRead
	streamRecvResetRecvd
	streamRecvResetRead
)

// streamEvent is an input to the stream state-transition function: all
// state transitions go through a single function that takes
// (current_state, event) and returns (next_state, side_effects).
type streamEvent uint8

const (
	evtSend streamEvent = iota
	evtFinSet
	evtAllAcked
	evtAppReset
	evtResetAcked
	evtFinReceived
	evtAllReceived
	evtAppRead
	evtPeerReset
	evtAppReadReset
)

// nextSendState is the exhaustive sender transition table.
func nextSendState(s streamSendState, e streamEvent) streamSendState {
	switch e {
	case evtSend:
		if s == streamSendReady {
			return streamSendSend
		}
	case evtFinSet:
		if s == streamSendReady || s == streamSendSend {
			return streamSendDataSent
		}
	case evtAllAcked:
		if s == streamSendDataSent {
			return streamSendDataRecvd
		}
	case evtAppReset:
		return streamSendResetSent
	case evtResetAcked:
		if s == streamSendResetSent {
			return streamSendResetRecvd
		}
	}
	return s
}

// nextRecvState is the exhaustive receiver transition table.
func nextRecvState(s streamRecvState, e streamEvent) streamRecvState {
	switch e {
	case evtFinReceived:
		if s == streamRecvRecv {
			return streamRecvSizeKnown
		}
	case evtAllReceived:
		if s == streamRecvSizeKnown {
			return streamRecvDataRecvd
		}
	case evtAppRead:
		if s == streamRecvDataRecvd {
			return streamRecvDataRead
		}
	case evtPeerReset:
		return streamRecvResetRecvd
	case evtAppReadReset:
		if s == streamRecvResetRecvd {
			return streamRecvResetRead
		}
	}
	return s
}

// Stream is one QUIC stream: a bidirectional or unidirectional
// reliable byte pipe multiplexed over the connection.
type Stream struct {
	id    uint64
	local bool // opened by this endpoint
	bidi  bool

	sendState streamSendState
	recvState streamRecvState

	send sendBuffer
	recv recvBuffer

	flow     flowControl
	connFlow *flowControl // connection-level flow control, shared across streams

	updateMaxData bool // a MAX_STREAM_DATA needs to be sent
	sendErrorCode uint64
	recvErrorCode uint64

	resetPending       bool // a RESET_STREAM needs to be sent (or resent after loss)
	stopSendingPending bool // a STOP_SENDING needs to be sent (or resent after loss)

	// dataBlockedSent is the send limit at which STREAM_DATA_BLOCKED was
	// last announced, so each stalled limit is reported once.
	dataBlockedSent uint64

	// priority is the round-robin weight used by the packet builder's
	// stream scheduler,  "Stream scheduling".
	priority int
}

func newStream(id uint64) *Stream {
	return &Stream{id: id}
}

// ID returns the stream's 62-bit identifier.
func (s *Stream) ID() uint64 { return s.id }

// SetPriority sets the stream's scheduling weight. Higher values are
// served first under SchedulingRoundRobin; streams sharing the highest
// flushable priority rotate via the map's round-robin cursor, while
// lower tiers are served in ascending stream ID order. Has no effect
// under SchedulingStrictFIFO.
func (s *Stream) SetPriority(p int) { s.priority = p }

// Write queues data for sending on the stream. It never blocks; flow
// control is enforced by the packet builder at flush time.
func (s *Stream) Write(b []byte) (int, error) {
	if s.sendState == streamSendResetSent || s.sendState == streamSendResetRecvd {
		return 0, newError(StreamStateError, "stream reset")
	}
	offset := s.send.nextOffset
	data := append([]byte(nil), b...)
	if err := s.send.push(data, offset, false); err != nil {
		return 0, err
	}
	s.sendState = nextSendState(s.sendState, evtSend)
	return len(b), nil
}

// Close marks the send side of the stream as finished (sends FIN with
// the last chunk of data, or a zero-length FIN-only STREAM frame).
func (s *Stream) Close() error {
	if err := s.send.push(nil, s.send.nextOffset, true); err != nil {
		return err
	}
	s.sendState = nextSendState(s.sendState, evtFinSet)
	return nil
}

// Reset abruptly terminates the send side with an application error
// code (RESET_STREAM). Queued but unsent data is discarded.
func (s *Stream) Reset(errorCode uint64) {
	if s.sendState == streamSendResetSent || s.sendState == streamSendResetRecvd {
		return
	}
	s.sendErrorCode = errorCode
	s.sendState = nextSendState(s.sendState, evtAppReset)
	s.resetPending = true
	s.send.queue = nil
	s.send.inFlight = nil
}

// StopSending requests the peer stop sending on this stream.
func (s *Stream) StopSending(errorCode uint64) {
	s.recvErrorCode = errorCode
	s.stopSendingPending = true
}

// Read delivers reassembled, in-order bytes to the application
// ( invariant 2: exactly once, strictly increasing offset).
func (s *Stream) Read(b []byte) (int, error) {
	data := s.recv.readable()
	if len(data) == 0 {
		if s.recv.complete() {
			s.recvState = nextRecvState(s.recvState, evtAppRead)
			return 0, errStreamClosed
		}
		return 0, nil
	}
	n := copy(b, data)
	if n < len(data) {
		// Caller's buffer was short; put the remainder back at the front.
		s.recv.chunks = append([]sendChunk{{offset: s.recv.readOffset - uint64(len(data)-n), data: data[n:]}}, s.recv.chunks...)
		s.recv.readOffset -= uint64(len(data) - n)
	}
	s.flow.consume(n)
	if s.connFlow != nil {
		s.connFlow.consume(n)
	}
	if s.recv.complete() {
		s.recvState = nextRecvState(s.recvState, evtAllReceived)
		s.recvState = nextRecvState(s.recvState, evtAppRead)
	}
	return n, nil
}

// pushRecv accepts newly-received STREAM frame data.
func (s *Stream) pushRecv(data []byte, offset uint64, fin bool) error {
	if err := s.recv.push(data, offset, fin); err != nil {
		return err
	}
	if fin {
		s.recvState = nextRecvState(s.recvState, evtFinReceived)
	}
	if s.recv.finSet && s.recv.received.largest()+1 == s.recv.finalSize && s.recv.readOffset < s.recv.finalSize {
		// All bytes up to the final size have arrived somewhere in the
		// reassembly map; readable() will surface them contiguously.
	}
	if s.flow.shouldUpdateMaxRecv() == false && s.flow.recvReceived+uint64(len(data)) > uint64(float64(s.flow.maxRecv)*s.flow.autoTuneFraction) {
		s.updateMaxData = true
	}
	return nil
}

// popSend returns up to max bytes of stream data ready to send, bounded
// by both the stream's own send buffer and (by the caller, via
// s.flow.canSend()) peer-advertised flow control.
func (s *Stream) popSend(max int) ([]byte, uint64, bool) {
	return s.send.pop(max)
}

// ackMaxData marks a sent MAX_STREAM_DATA as acknowledged.
func (s *Stream) ackMaxData() {
	s.flow.commitMaxRecv()
	s.updateMaxData = false
}

// hasFlushable reports whether this stream has anything worth putting
// in the next packet: pending send data, a pending flow-control update,
// or a reset/stop-sending that hasn't gone out yet.
func (s *Stream) hasFlushable() bool {
	return len(s.send.queue) > 0 || s.updateMaxData ||
		s.resetPending || s.stopSendingPending
}

// terminal reports whether both directions have reached a terminal
// state, after which the stream's slot can be reclaimed. A direction
// that does not exist for this stream type counts as done.
func (s *Stream) terminal() bool {
	sendDone := s.sendState == streamSendDataRecvd || s.sendState == streamSendResetRecvd
	if !s.bidi && !s.local {
		sendDone = true
	}
	recvDone := s.recvState == streamRecvDataRead || s.recvState == streamRecvResetRead
	if !s.bidi && s.local {
		recvDone = true
	}
	return sendDone && recvDone
}

// StreamScheduling selects how the packet builder orders STREAM frames
// across multiple ready streams.
type StreamScheduling int

const (
	// SchedulingRoundRobin rotates the starting stream on every flush
	// (the default).
	SchedulingRoundRobin StreamScheduling = iota
	// SchedulingStrictFIFO always serves streams in ascending ID order.
	SchedulingStrictFIFO
)

// streamMap owns all Streams of one Connection.
type streamMap struct {
	streams map[uint64]*Stream

	nextLocalBidi uint64
	nextLocalUni  uint64

	localMaxStreamsBidi uint64
	localMaxStreamsUni  uint64
	peerMaxStreamsBidi  uint64
	peerMaxStreamsUni   uint64

	openedPeerBidi uint64
	openedPeerUni  uint64

	scheduling StreamScheduling
	rrCursor   uint64 // last stream ID served, for round-robin continuation

	// updateMaxStreams{Bidi,Uni} mark a raised stream-count limit that
	// still needs announcing with a MAX_STREAMS frame.
	updateMaxStreamsBidi bool
	updateMaxStreamsUni  bool

	// streamsBlocked{Bidi,Uni} mark that a local open hit the peer's
	// limit, to be reported with STREAMS_BLOCKED on the next flush.
	streamsBlockedBidi bool
	streamsBlockedUni  bool

	// retired tracks ordinals of removed streams per 2-bit stream type,
	// so a late frame for a finished stream is ignored instead of
	// resurrecting it and re-delivering data.
	retired [4]rangeSet
}

func (m *streamMap) init(localMaxBidi, localMaxUni uint64) {
	m.streams = make(map[uint64]*Stream)
	m.localMaxStreamsBidi = localMaxBidi
	m.localMaxStreamsUni = localMaxUni
}

func (m *streamMap) get(id uint64) *Stream {
	return m.streams[id]
}

// isRetired reports whether id belonged to a stream that has already
// finished and been reclaimed.
func (m *streamMap) isRetired(id uint64) bool {
	return m.retired[id&0x3].contains(id >> 2)
}

// create allocates a new Stream, enforcing the relevant stream-count
// limit depending on who initiated it.
func (m *streamMap) create(id uint64, local, bidi bool) (*Stream, error) {
	ordinal := id >> 2 // index within this (initiator, directionality) space
	if local {
		limit := m.peerMaxStreamsUni
		if bidi {
			limit = m.peerMaxStreamsBidi
		}
		if ordinal >= limit {
			if bidi {
				m.streamsBlockedBidi = true
			} else {
				m.streamsBlockedUni = true
			}
			return nil, newError(StreamLimitError, "stream limit reached")
		}
	} else {
		limit := m.localMaxStreamsUni
		opened := &m.openedPeerUni
		if bidi {
			limit = m.localMaxStreamsBidi
			opened = &m.openedPeerBidi
		}
		if ordinal >= limit {
			return nil, newError(StreamLimitError, "stream limit error")
		}
		if ordinal+1 > *opened {
			*opened = ordinal + 1
		}
	}
	st := newStream(id)
	st.local = local
	st.bidi = bidi
	m.streams[id] = st
	return st, nil
}

// maybeRemove reclaims a stream's slot once both directions are
// terminal. Peer-initiated removals free up stream-count credit, which
// is announced to the peer via MAX_STREAMS on the next flush.
func (m *streamMap) maybeRemove(id uint64) {
	st := m.streams[id]
	if st == nil || !st.terminal() {
		return
	}
	delete(m.streams, id)
	m.retired[id&0x3].push(id>>2, id>>2)
	if !st.local {
		if st.bidi {
			m.localMaxStreamsBidi++
			m.updateMaxStreamsBidi = true
		} else {
			m.localMaxStreamsUni++
			m.updateMaxStreamsUni = true
		}
	}
}

func (m *streamMap) setPeerMaxStreamsBidi(n uint64) {
	if n > m.peerMaxStreamsBidi {
		m.peerMaxStreamsBidi = n
	}
}

func (m *streamMap) setPeerMaxStreamsUni(n uint64) {
	if n > m.peerMaxStreamsUni {
		m.peerMaxStreamsUni = n
	}
}

// hasFlushable reports whether any stream has data or control state
// pending, used by Conn.writeSpace to decide whether the Application
// packet number space has anything worth a packet.
func (m *streamMap) hasFlushable() bool {
	if m.updateMaxStreamsBidi || m.updateMaxStreamsUni ||
		m.streamsBlockedBidi || m.streamsBlockedUni {
		return true
	}
	for _, st := range m.streams {
		if st.hasFlushable() {
			return true
		}
	}
	return false
}

// sendOrder returns the IDs of flushable streams in the order the packet
// builder should serve them. SchedulingStrictFIFO sorts strictly by
// ascending stream ID. SchedulingRoundRobin groups by descending
// priority, and within the top priority tier rotates the starting point
// from rrCursor so no stream is starved by always landing first in map
// iteration order; the cursor advances just past the stream placed
// first.
func (m *streamMap) sendOrder() []uint64 {
	ids := make([]uint64, 0, len(m.streams))
	for id, st := range m.streams {
		if st.hasFlushable() {
			ids = append(ids, id)
		}
	}
	if m.scheduling == SchedulingStrictFIFO {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := m.streams[ids[i]].priority, m.streams[ids[j]].priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
	if len(ids) == 0 {
		return ids
	}
	// Rotate only within the top-priority tier; lower tiers keep their
	// sorted order behind it.
	tier := 1
	for tier < len(ids) && m.streams[ids[tier]].priority == m.streams[ids[0]].priority {
		tier++
	}
	head := ids[:tier]
	cut := sort.Search(len(head), func(i int) bool { return head[i] >= m.rrCursor })
	if cut == len(head) {
		cut = 0
	}
	rotated := append(append(make([]uint64, 0, len(head)), head[cut:]...), head[:cut]...)
	copy(head, rotated)
	m.rrCursor = ids[0] + 1
	return ids
}

// nextLocalStreamID allocates the next local stream ID of the given
// directionality from the per-direction stream-ID-space counters.
// Returns an error when exhaustion would overflow the 62-bit stream ID
// space (stream ID 2^62 - 1 triggers graceful exhaustion, not overflow).
func (m *streamMap) nextLocalStreamID(bidi bool, isClient bool) (uint64, error) {
	const maxStreamID = (uint64(1) << 62) - 1
	typ := streamClientUni
	counter := &m.nextLocalUni
	if bidi {
		typ = streamClientBidi
		counter = &m.nextLocalBidi
	}
	if !isClient {
		typ++
	}
	id := (*counter)<<2 | uint64(typ)
	if id > maxStreamID {
		return 0, newError(StreamLimitError, "stream id space exhausted")
	}
	*counter++
	return id, nil
}
