package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Expected values follow RFC 9000 Appendix A.3's worked example and the
// surrounding algorithm.
func TestDecodePacketNumber(t *testing.T) {
	// The RFC's example: largest received 0xa82f30ea, truncated 0x9b32 in
	// two bytes decodes to 0xa82f9b32.
	assert.Equal(t, uint64(0xa82f9b32), decodePacketNumber(0xa82f30ea, 0x9b32, 2))

	// Fresh connection: small numbers decode as themselves.
	assert.Equal(t, uint64(0), decodePacketNumber(0, 0, 1))
	assert.Equal(t, uint64(2), decodePacketNumber(1, 2, 1))

	// A truncated value just behind the expected window stays in the
	// current epoch rather than jumping a full wrap forward.
	assert.Equal(t, uint64(255), decodePacketNumber(256, 0xff, 1))
}

func TestDecodePacketNumberNearWraparound(t *testing.T) {
	// Near 2^62 the decode must keep following Appendix A rather than
	// overflowing: candidate selection is pure 64-bit arithmetic.
	largest := (uint64(1) << 62) - 10
	truncated := largest + 1
	got := decodePacketNumber(largest, truncated&0xffffffff, 4)
	assert.Equal(t, largest+1, got)
}

func TestPNEncodingLen(t *testing.T) {
	assert.Equal(t, 1, pnEncodingLen(0))
	assert.Equal(t, 1, pnEncodingLen(255))
	assert.Equal(t, 2, pnEncodingLen(256))
	assert.Equal(t, 3, pnEncodingLen(1<<16))
	assert.Equal(t, 4, pnEncodingLen(1<<24))
	assert.Equal(t, 4, pnEncodingLen(1<<40))
}

func TestPacketSpaceDuplicateDetection(t *testing.T) {
	var sp packetNumberSpace
	sp.init()

	assert.False(t, sp.isPacketReceived(7))
	sp.recvPacketHistory.push(7, 7)
	assert.True(t, sp.isPacketReceived(7))
	assert.False(t, sp.isPacketReceived(8))
}

func TestCoalescedPacketLenShortHeaderConsumesRest(t *testing.T) {
	p := &packet{typ: packetTypeShort, headerLen: 9}
	b := make([]byte, 100)
	assert.Equal(t, 100, coalescedPacketLen(b, p))
}

func TestCoalescedPacketLenLongHeader(t *testing.T) {
	// Handshake packet: headerLen bytes, then a 1-byte varint length of 20.
	p := &packet{typ: packetTypeHandshake, headerLen: 10}
	b := make([]byte, 64)
	b[10] = 20 // varint 20
	assert.Equal(t, 10+1+20, coalescedPacketLen(b, p))

	// Truncated buffer falls back to consuming everything.
	b2 := make([]byte, 15)
	b2[10] = 20
	assert.Equal(t, 15, coalescedPacketLen(b2, p))
}
