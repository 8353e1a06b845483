package transport

import (
	"encoding/binary"
)

// packetType enumerates the wire packet types, RFC 9000 Section 17.
type packetType uint8

const (
	packetTypeInitial packetType = iota
	packetTypeZeroRTT
	packetTypeHandshake
	packetTypeRetry
	packetTypeVersionNegotiation
	packetTypeShort
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeZeroRTT:
		return "0-rtt"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeRetry:
		return "retry"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	case packetTypeShort:
		return "1-rtt"
	default:
		return "unknown"
	}
}

// packetHeader holds the connection-ID pair common to every QUIC packet
// type, plus the version field carried by long headers.
type packetHeader struct {
	version uint32
	dcid    []byte
	scid    []byte

	// dcil is the destination connection ID length this endpoint expects
	// on short-header packets it receives (the peer does not repeat the
	// length on the wire, so it must already be known from the locally
	// issued connection ID).
	dcil uint8
}

// packet is the decoded form of one QUIC datagram's worth of framing
// metadata. Encryption-level fields (packet number, payload) are filled
// in by packetNumberSpace.decryptPacket/encryptPacket, not decodeHeader.
type packet struct {
	typ    packetType
	header packetHeader

	token        []byte
	packetNumber uint64
	pnLen        int  // bytes used to encode packetNumber on the wire (1-4)
	keyPhase     bool // short-header key phase bit, RFC 9001 Section 6; meaningless on long headers

	// headerLen is the number of bytes consumed by decodeHeader (and, for
	// Retry/VersionNegotiation, decodeBody); payloadLen is the length of
	// whatever follows that decodeBody/decryptPacket is responsible for.
	// During encoding, payloadLen is set by the caller (see Conn.send) to
	// the number of bytes that will follow the packet number, including
	// AEAD overhead, before encode is called.
	headerLen  int
	payloadLen int

	supportedVersions []uint32 // Version Negotiation only
	retryIntegrityTag []byte   // Retry only
}

const retryIntegrityTagLen = 16

// decodeHeader parses the connection-ID and (for long headers) version
// fields common to every packet type, leaving type-specific trailing
// fields (token, length, packet number, supported versions) for
// decodeBody or decryptPacket. b is the start of the packet within the
// received datagram.
func (p *packet) decodeHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, newError(ProtocolViolation, "short packet header")
	}
	first := b[0]
	n := 1
	if first&0x80 == 0 {
		p.typ = packetTypeShort
		if len(b) < n+int(p.header.dcil) {
			return 0, newError(ProtocolViolation, "short header truncated")
		}
		p.header.dcid = b[n : n+int(p.header.dcil)]
		n += int(p.header.dcil)
		p.headerLen = n
		return n, nil
	}

	if len(b) < n+4 {
		return 0, newError(ProtocolViolation, "long header truncated")
	}
	p.header.version = binary.BigEndian.Uint32(b[n:])
	n += 4

	if p.header.version == 0 {
		p.typ = packetTypeVersionNegotiation
	} else {
		switch (first & 0x30) >> 4 {
		case 0:
			p.typ = packetTypeInitial
		case 1:
			p.typ = packetTypeZeroRTT
		case 2:
			p.typ = packetTypeHandshake
		case 3:
			p.typ = packetTypeRetry
		}
	}

	dcidLen, n2, err := decodeCID(b[n:])
	if err != nil {
		return 0, err
	}
	p.header.dcid = dcidLen
	n += n2

	scidLen, n3, err := decodeCID(b[n:])
	if err != nil {
		return 0, err
	}
	p.header.scid = scidLen
	n += n3

	p.headerLen = n
	return n, nil
}

func decodeCID(b []byte) ([]byte, int, error) {
	if len(b) < 1 {
		return nil, 0, errShortBuffer
	}
	l := int(b[0])
	if l > MaxCIDLength || len(b) < 1+l {
		return nil, 0, newError(ProtocolViolation, "invalid connection id length")
	}
	return b[1 : 1+l], 1 + l, nil
}

// decodeBody parses the remaining type-specific fields of packet types
// that are never AEAD-protected: Version Negotiation and Retry. Initial,
// Handshake, 0-RTT and Short packets instead go through
// packetNumberSpace.decryptPacket, which needs key material to remove
// header protection before the packet number and payload can be read.
func (p *packet) decodeBody(b []byte) (int, error) {
	switch p.typ {
	case packetTypeVersionNegotiation:
		n := 0
		for len(b)-n >= 4 {
			p.supportedVersions = append(p.supportedVersions, binary.BigEndian.Uint32(b[n:]))
			n += 4
		}
		p.payloadLen = n
		return n, nil
	case packetTypeRetry:
		if len(b) < retryIntegrityTagLen {
			return 0, newError(ProtocolViolation, "retry packet too short")
		}
		tokenEnd := len(b) - retryIntegrityTagLen
		p.token = b[:tokenEnd]
		p.retryIntegrityTag = b[tokenEnd:]
		p.payloadLen = len(b)
		return len(b), nil
	default:
		return 0, newError(InternalError, "decodeBody called on encrypted packet type")
	}
}

// encodeLongHeader writes the version/dcid/scid prefix shared by all
// long-header packet types, returning the number of bytes written.
func encodeLongHeader(b []byte, firstByte byte, version uint32, dcid, scid []byte) int {
	b[0] = firstByte
	binary.BigEndian.PutUint32(b[1:], version)
	n := 5
	b[n] = byte(len(dcid))
	n++
	n += copy(b[n:], dcid)
	b[n] = byte(len(scid))
	n++
	n += copy(b[n:], scid)
	return n
}

// headerFieldsLen returns the number of header bytes that precede the
// packet number: version/dcid/scid (long headers) or dcid (short
// headers), plus the Initial token and the Length field where present.
// p.pnLen must already be set.
func (p *packet) headerFieldsLen() int {
	if p.typ == packetTypeShort {
		return 1 + len(p.header.dcid)
	}
	n := 1 + 4 + 1 + len(p.header.dcid) + 1 + len(p.header.scid)
	if p.typ == packetTypeInitial {
		n += varintLen(uint64(len(p.token))) + len(p.token)
	}
	// The Length field is always written as a fixed 2-byte varint (see
	// putVarint2Reserved) so its size cannot shift between the early
	// budget calculation in Conn.send and the final encode call.
	n += 2
	return n
}

// encodedLen returns the total wire length of the packet as currently
// configured (header fields, packet number, and payloadLen, which the
// caller sets to the available/reserved payload size).
func (p *packet) encodedLen() int {
	if p.pnLen == 0 {
		p.pnLen = pnEncodingLen(p.packetNumber)
	}
	return p.headerFieldsLen() + p.pnLen
}

// encode writes this packet's header and plaintext packet number into b,
// returning the offset at which the frame payload (to be AEAD-protected
// by packetNumberSpace.encryptPacket) begins.
func (p *packet) encode(b []byte) (int, error) {
	if p.pnLen == 0 {
		p.pnLen = pnEncodingLen(p.packetNumber)
	}
	var n int
	switch p.typ {
	case packetTypeShort:
		if len(b) < 1+len(p.header.dcid) {
			return 0, errShortBuffer
		}
		b[0] = 0x40 | byte(p.pnLen-1)
		if p.keyPhase {
			b[0] |= 0x04
		}
		n = 1 + copy(b[1:], p.header.dcid)
	default:
		var typeBits byte
		switch p.typ {
		case packetTypeInitial:
			typeBits = 0
		case packetTypeZeroRTT:
			typeBits = 1
		case packetTypeHandshake:
			typeBits = 2
		case packetTypeRetry:
			typeBits = 3
		}
		if len(b) < p.headerFieldsLen() {
			return 0, errShortBuffer
		}
		first := 0xc0 | (typeBits << 4) | byte(p.pnLen-1)
		n = encodeLongHeader(b, first, p.header.version, p.header.dcid, p.header.scid)
		if p.typ == packetTypeInitial {
			out := putVarint(b[:n], uint64(len(p.token)))
			n = len(out)
			n += copy(b[n:], p.token)
		}
		n += putVarint2Reserved(b[n:], uint64(p.pnLen+p.payloadLen))
	}
	if len(b) < n+p.pnLen {
		return 0, errShortBuffer
	}
	p.headerLen = n
	for i := 0; i < p.pnLen; i++ {
		b[n+i] = byte(p.packetNumber >> (8 * (p.pnLen - 1 - i)))
	}
	return n + p.pnLen, nil
}

// putVarint2Reserved writes v as a fixed 2-byte varint (the 01 length
// prefix), used for the long-header Length field so its on-wire size
// never depends on how close v happens to be to a varint bucket
// boundary. v must fit in 14 bits, true for anything up to MaxPacketSize.
func putVarint2Reserved(b []byte, v uint64) int {
	b[0] = byte(v>>8) | 0x40
	b[1] = byte(v)
	return 2
}

func (p *packet) String() string {
	return sprint(p.typ, " pn=", p.packetNumber, " dcid=", p.header.dcid)
}

// verifyRetryIntegrity checks the 16-byte Retry Integrity Tag on a
// received Retry packet (b, in full) per RFC 9001 Section 5.8, using the
// fixed Retry AEAD key/nonce and the original destination connection ID
// the client used in its first Initial packet.
func verifyRetryIntegrity(b []byte, originalDcid []byte) bool {
	if len(b) < retryIntegrityTagLen {
		return false
	}
	pseudo := b[:len(b)-retryIntegrityTagLen]
	tag := b[len(b)-retryIntegrityTagLen:]
	keys := deriveRetryIntegrityKeys()
	aad := append([]byte{byte(len(originalDcid))}, originalDcid...)
	aad = append(aad, pseudo...)
	computed := keys.aead.Seal(nil, keys.iv, nil, aad)
	if len(computed) < retryIntegrityTagLen {
		return false
	}
	got := computed[len(computed)-retryIntegrityTagLen:]
	ok := true
	for i := range tag {
		if tag[i] != got[i] {
			ok = false
		}
	}
	return ok
}
