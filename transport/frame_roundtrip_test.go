package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustEncode runs f through the package's encodeFrame dispatcher into a
// freshly sized buffer, the same path the packet builder uses.
func mustEncode(t *testing.T, f frame) []byte {
	t.Helper()
	b := make([]byte, f.encodedLen())
	n, err := encodeFrame(b, f)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	return b
}

func TestFrameRoundTripStream(t *testing.T) {
	orig := newStreamFrame(9, []byte("payload"), 42, true)
	b := mustEncode(t, orig)

	var got streamFrame
	n, err := got.decode(b)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, orig.streamID, got.streamID)
	assert.Equal(t, orig.offset, got.offset)
	assert.Equal(t, orig.fin, got.fin)
	assert.Equal(t, orig.data, got.data)
}

func TestFrameRoundTripAck(t *testing.T) {
	var rs rangeSet
	rs.push(0, 3)
	rs.push(10, 12)
	orig := newAckFrame(77, &rs)
	b := mustEncode(t, orig)

	var got ackFrame
	n, err := got.decode(b)
	require.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, orig.largestAck, got.largestAck)
	assert.Equal(t, orig.ackDelay, got.ackDelay)
	assert.Equal(t, orig.firstAckRange, got.firstAckRange)
	assert.Equal(t, orig.ranges, got.ranges)

	// The decoded ranges must expand back to the original received set.
	expanded := got.toRangeSet()
	require.NotNil(t, expanded)
	assert.True(t, expanded.contains(1))
	assert.True(t, expanded.contains(11))
	assert.False(t, expanded.contains(5))
}

func TestFrameRoundTripResetStream(t *testing.T) {
	orig := newResetStreamFrame(3, 0x10, 1000)
	b := mustEncode(t, orig)

	var got resetStreamFrame
	_, err := got.decode(b)
	require.NoError(t, err)
	assert.Equal(t, *orig, got)
}

func TestFrameRoundTripResetStreamAt(t *testing.T) {
	orig := newResetStreamAtFrame(3, 0x10, 1000, 400)
	b := mustEncode(t, orig)

	var got resetStreamAtFrame
	_, err := got.decode(b)
	require.NoError(t, err)
	assert.Equal(t, *orig, got)
}

func TestFrameRoundTripCrypto(t *testing.T) {
	orig := newCryptoFrame([]byte("client hello bytes"), 5)
	b := mustEncode(t, orig)

	var got cryptoFrame
	_, err := got.decode(b)
	require.NoError(t, err)
	assert.Equal(t, orig.offset, got.offset)
	assert.Equal(t, orig.data, got.data)
}

func TestFrameRoundTripMaxStreams(t *testing.T) {
	orig := newMaxStreamsFrame(9, true)
	b := mustEncode(t, orig)

	var got maxStreamsFrame
	_, err := got.decode(b)
	require.NoError(t, err)
	assert.Equal(t, orig.maximumStreams, got.maximumStreams)
	assert.True(t, got.bidi)
}

func TestFrameAllowedInSpace(t *testing.T) {
	assert.True(t, frameAllowedInSpace(frameTypeCrypto, packetSpaceInitial))
	assert.True(t, frameAllowedInSpace(frameTypeAck, packetSpaceHandshake))
	assert.False(t, frameAllowedInSpace(frameTypeStream, packetSpaceInitial))
	assert.False(t, frameAllowedInSpace(frameTypeMaxData, packetSpaceHandshake))
	assert.True(t, frameAllowedInSpace(frameTypeStream, packetSpaceApplication))
	assert.True(t, frameAllowedInSpace(frameTypeHanshakeDone, packetSpaceApplication))
}

func TestFrameAckElicitingClassification(t *testing.T) {
	assert.False(t, isFrameAckEliciting(frameTypePadding))
	assert.False(t, isFrameAckEliciting(frameTypeAck))
	assert.False(t, isFrameAckEliciting(frameTypeConnectionClose))
	assert.True(t, isFrameAckEliciting(frameTypePing))
	assert.True(t, isFrameAckEliciting(frameTypeStream))
}
