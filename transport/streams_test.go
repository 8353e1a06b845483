package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamIDHelpers(t *testing.T) {
	assert.True(t, isStreamLocal(0, true))  // client bidi, client role
	assert.False(t, isStreamLocal(0, false)) // client bidi, server role
	assert.True(t, isStreamBidi(0))
	assert.False(t, isStreamBidi(streamClientUni))
}

func TestStreamSendStateMachine(t *testing.T) {
	s := streamSendReady
	s = nextSendState(s, evtSend)
	assert.Equal(t, streamSendSend, s)
	s = nextSendState(s, evtFinSet)
	assert.Equal(t, streamSendDataSent, s)
	s = nextSendState(s, evtAllAcked)
	assert.Equal(t, streamSendDataRecvd, s)
	// a terminal state ignores further unrelated events
	assert.Equal(t, streamSendDataRecvd, nextSendState(s, evtSend))
}

func TestStreamSendResetFromAnyState(t *testing.T) {
	for _, s := range []streamSendState{streamSendReady, streamSendSend, streamSendDataSent} {
		next := nextSendState(s, evtAppReset)
		assert.Equal(t, streamSendResetSent, next)
	}
	assert.Equal(t, streamSendResetRecvd, nextSendState(streamSendResetSent, evtResetAcked))
}

func TestStreamRecvStateMachine(t *testing.T) {
	s := streamRecvRecv
	s = nextRecvState(s, evtFinReceived)
	assert.Equal(t, streamRecvSizeKnown, s)
	s = nextRecvState(s, evtAllReceived)
	assert.Equal(t, streamRecvDataRecvd, s)
	s = nextRecvState(s, evtAppRead)
	assert.Equal(t, streamRecvDataRead, s)
}

func TestStreamWriteAndRead(t *testing.T) {
	local := newStream(4)
	local.flow.init(1<<20, 1<<20)

	n, err := local.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, streamSendSend, local.sendState)

	data, off, fin := local.popSend(1024)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, uint64(0), off)
	assert.False(t, fin)
}

func TestStreamReadDeliversContiguousPrefix(t *testing.T) {
	remote := newStream(1)
	remote.flow.init(1<<20, 1<<20)
	require.NoError(t, remote.pushRecv([]byte("world"), 5, false))
	require.NoError(t, remote.pushRecv([]byte("hello"), 0, false))

	buf := make([]byte, 10)
	n, err := remote.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(buf[:n]))
}

func TestRecvBufferReliableResetDeferredUntilPrefixArrives(t *testing.T) {
	var r recvBuffer
	r.finSet = true
	r.finalSize = 100
	r.pendingReset = true
	r.pendingResetAt = 50
	r.pendingResetCode = 7

	// Only the first 20 bytes have arrived: the reset must not fire yet.
	r.received.push(0, 19)
	_, due := r.dueReset()
	assert.False(t, due)
	assert.True(t, r.pendingReset)

	// Once bytes up to (and past) the reliable size have arrived, it fires
	// exactly once.
	r.received.push(20, 60)
	code, due := r.dueReset()
	assert.True(t, due)
	assert.Equal(t, uint64(7), code)
	assert.False(t, r.pendingReset)

	_, due = r.dueReset()
	assert.False(t, due)
}

func TestStreamWriteAfterResetFails(t *testing.T) {
	s := newStream(0)
	s.flow.init(1<<20, 1<<20)
	s.Reset(42)
	_, err := s.Write([]byte("x"))
	assert.Error(t, err)
}

func TestStreamMapLocalStreamLimit(t *testing.T) {
	var m streamMap
	m.init(10, 10)
	m.setPeerMaxStreamsBidi(1)
	_, err := m.create(0, true, true)
	require.NoError(t, err)
	_, err = m.create(4, true, true)
	assert.Error(t, err)
}

func TestStreamMapPeerStreamLimit(t *testing.T) {
	var m streamMap
	m.init(1, 0)
	_, err := m.create(1, false, true) // peer-initiated bidi stream 0, ordinal 0
	require.NoError(t, err)
	_, err = m.create(5, false, true) // ordinal 1, exceeds localMaxStreamsBidi=1
	assert.Error(t, err)
}

func TestStreamMapNextLocalStreamIDExhaustion(t *testing.T) {
	var m streamMap
	m.init(1<<62, 1<<62)
	m.nextLocalBidi = (uint64(1) << 62) - 1
	_, err := m.nextLocalStreamID(true, true)
	assert.Error(t, err)
}

func TestStreamResetQueuesFrameAndDropsData(t *testing.T) {
	s := newStream(0)
	s.local = true
	s.bidi = true
	s.flow.init(1<<20, 1<<20)
	_, err := s.Write([]byte("queued"))
	require.NoError(t, err)

	s.Reset(9)
	assert.True(t, s.resetPending)
	assert.Empty(t, s.send.queue, "unsent data is discarded on reset")
	assert.True(t, s.hasFlushable())

	// A second reset is a no-op.
	s.resetPending = false
	s.Reset(10)
	assert.False(t, s.resetPending)
	assert.Equal(t, uint64(9), s.sendErrorCode)
}

func TestStreamStopSendingQueuesFrame(t *testing.T) {
	s := newStream(2)
	s.flow.init(1<<20, 1<<20)
	s.StopSending(5)
	assert.True(t, s.stopSendingPending)
	assert.Equal(t, uint64(5), s.recvErrorCode)
	assert.True(t, s.hasFlushable())
}

func TestStreamMapRemoveRetiresAndRaisesLimit(t *testing.T) {
	var m streamMap
	m.init(4, 4)

	// Peer-initiated bidi stream (server role: client streams are remote).
	st, err := m.create(0, false, true)
	require.NoError(t, err)
	st.local = false
	st.bidi = true

	// Not terminal yet: removal is a no-op.
	m.maybeRemove(0)
	assert.NotNil(t, m.get(0))

	st.sendState = streamSendDataRecvd
	st.recvState = streamRecvDataRead
	m.maybeRemove(0)
	assert.Nil(t, m.get(0))
	assert.True(t, m.isRetired(0))
	assert.False(t, m.isRetired(4))
	assert.Equal(t, uint64(5), m.localMaxStreamsBidi, "finished peer stream frees a slot")
	assert.True(t, m.updateMaxStreamsBidi)
}

func TestStreamMapSendOrderStrictFIFO(t *testing.T) {
	var m streamMap
	m.init(8, 8)
	m.scheduling = SchedulingStrictFIFO
	m.setPeerMaxStreamsBidi(8)
	for _, id := range []uint64{8, 0, 4} {
		st, err := m.create(id, true, true)
		require.NoError(t, err)
		st.flow.init(1<<20, 1<<20)
		_, err = st.Write([]byte("x"))
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{0, 4, 8}, m.sendOrder())
}

func TestStreamMapSendOrderRoundRobinRotates(t *testing.T) {
	var m streamMap
	m.init(8, 8)
	m.setPeerMaxStreamsBidi(8)
	for _, id := range []uint64{0, 4, 8} {
		st, err := m.create(id, true, true)
		require.NoError(t, err)
		st.flow.init(1<<20, 1<<20)
		_, err = st.Write([]byte("x"))
		require.NoError(t, err)
	}
	first := m.sendOrder()
	require.Len(t, first, 3)
	second := m.sendOrder()
	require.Len(t, second, 3)
	assert.NotEqual(t, first[0], second[0], "starting stream rotates between flushes")
}

func TestStreamMapStreamsBlockedFlag(t *testing.T) {
	var m streamMap
	m.init(4, 4)
	m.setPeerMaxStreamsBidi(1)
	_, err := m.create(0, true, true)
	require.NoError(t, err)
	_, err = m.create(4, true, true)
	require.Error(t, err)
	assert.True(t, m.streamsBlockedBidi)
}
