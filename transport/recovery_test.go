package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryAckRetiresSentPacket(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)

	op := newOutgoingPacket(1, now)
	op.size = 100
	op.addFrame(newStreamFrame(4, []byte("hi"), 0, false))
	r.onPacketSent(op, packetSpaceApplication)
	assert.Equal(t, 100, r.bytesInFlight)

	var acked rangeSet
	acked.push(1, 1)
	r.onAckReceived(&acked, 0, packetSpaceApplication, now.Add(10*time.Millisecond))

	assert.Equal(t, 0, r.bytesInFlight)
	require.Len(t, r.acked[packetSpaceApplication], 1)
}

func TestRecoveryPacketThresholdLoss(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)

	for _, pn := range []uint64{1, 5} {
		op := newOutgoingPacket(pn, now)
		op.size = 100
		op.addFrame(newStreamFrame(0, []byte("x"), pn, false))
		r.onPacketSent(op, packetSpaceApplication)
	}

	// Ack only 5: packet 1 is kPacketThreshold(3) or more below it.
	var acked rangeSet
	acked.push(5, 5)
	r.onAckReceived(&acked, 0, packetSpaceApplication, now.Add(10*time.Millisecond))

	require.Len(t, r.lost[packetSpaceApplication], 1, "packet 1 is >= kPacketThreshold below largest acked (5) and must be declared lost")
	_, stillSent := r.sentPackets[packetSpaceApplication][1]
	assert.False(t, stillSent)
}

func TestRecoveryDropUnackedDataClearsSpace(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)

	op := newOutgoingPacket(1, now)
	op.size = 50
	r.onPacketSent(op, packetSpaceInitial)
	require.Equal(t, 50, r.bytesInFlight)

	r.dropUnackedData(packetSpaceInitial)
	assert.Equal(t, 0, r.bytesInFlight)
	assert.Empty(t, r.sentPackets[packetSpaceInitial])
	assert.Equal(t, int64(-1), r.largestAcked[packetSpaceInitial])
}

func TestRecoveryRTTSampleUpdatesSmoothedRTT(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)

	r.updateRTT(50*time.Millisecond, 0)
	assert.Equal(t, 50*time.Millisecond, r.smoothedRTT)
	assert.Equal(t, 50*time.Millisecond, r.minRTT)

	r.updateRTT(100*time.Millisecond, 5*time.Millisecond)
	assert.Greater(t, r.smoothedRTT, 50*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, r.minRTT)
}

func TestRecoveryProbeTimeoutBacksOffExponentially(t *testing.T) {
	var r lossRecovery
	now := time.Now()
	r.init(now)
	r.smoothedRTT = 100 * time.Millisecond
	r.rttVar = 10 * time.Millisecond

	base := r.probeTimeout()
	r.ptoCount = 1
	doubled := r.probeTimeout()
	assert.Equal(t, base*2, doubled)
}
