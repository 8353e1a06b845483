package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBufferPopRespectsMax(t *testing.T) {
	var s sendBuffer
	require.NoError(t, s.push([]byte("hello world"), 0, false))

	data, off, fin := s.pop(5)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, uint64(0), off)
	assert.False(t, fin)

	data, off, _ = s.pop(100)
	assert.Equal(t, []byte(" world"), data)
	assert.Equal(t, uint64(5), off)
}

func TestSendBufferFinPinsFinalSize(t *testing.T) {
	var s sendBuffer
	require.NoError(t, s.push([]byte("abc"), 0, true))
	assert.Error(t, s.push([]byte("d"), 3, false), "data beyond final size")
	assert.Error(t, s.push(nil, 5, true), "final size changed")
}

func TestSendBufferAckToCompletion(t *testing.T) {
	var s sendBuffer
	require.NoError(t, s.push([]byte("abc"), 0, true))

	data, off, fin := s.pop(100)
	assert.Equal(t, []byte("abc"), data)
	assert.True(t, fin)
	assert.False(t, s.complete())

	s.ack(off, uint64(len(data)))
	assert.True(t, s.complete())
}

func TestRecvBufferOutOfOrderReassembly(t *testing.T) {
	var r recvBuffer
	require.NoError(t, r.push([]byte("def"), 3, false))
	assert.Empty(t, r.readable(), "no contiguous prefix yet")

	require.NoError(t, r.push([]byte("abc"), 0, false))
	assert.Equal(t, []byte("abcdef"), r.readable())
}

func TestRecvBufferDuplicateDelivery(t *testing.T) {
	var r recvBuffer
	require.NoError(t, r.push([]byte("abc"), 0, false))
	assert.Equal(t, []byte("abc"), r.readable())

	// The same bytes retransmitted must not be delivered twice.
	require.NoError(t, r.push([]byte("abc"), 0, false))
	assert.Empty(t, r.readable())
}

func TestRecvBufferResetCreditsUndeliveredBytes(t *testing.T) {
	var r recvBuffer
	require.NoError(t, r.push([]byte("abc"), 0, false))
	assert.Equal(t, []byte("abc"), r.readable())

	mayRecv, err := r.reset(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), mayRecv, "bytes promised but never delivered")
	assert.True(t, r.wasReset)
}

func TestRecvBufferResetFinalSizeMismatch(t *testing.T) {
	var r recvBuffer
	require.NoError(t, r.push([]byte("abc"), 0, true)) // final size 3
	_, err := r.reset(5)
	assert.Error(t, err)
}

func TestCryptoStreamRoundTrip(t *testing.T) {
	var c cryptoStream
	require.NoError(t, c.pushSend([]byte("client hello"), 0))
	data, off, _ := c.popSend(1024)
	assert.Equal(t, []byte("client hello"), data)
	assert.Equal(t, uint64(0), off)

	require.NoError(t, c.pushRecv([]byte("server hello"), 0, false))
	assert.Equal(t, []byte("server hello"), c.popRecv())
}
