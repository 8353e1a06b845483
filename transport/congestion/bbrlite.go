package congestion

import "time"

// BBRLite is a minimal bandwidth-and-RTT-probing controller inspired by
// BBR: it estimates delivery rate from acked bytes over time and keeps
// the window near bandwidth-delay product instead of reacting to loss
// the way Cubic/Reno do. It intentionally skips BBR's full state machine
// (STARTUP/DRAIN/PROBE_BW/PROBE_RTT cycling) in favor of a single
// steady-state gain, matching this package's "pluggable, not
// exhaustive" congestion-control goal.
type BBRLite struct {
	minRTT   time.Duration
	maxBandwidth float64 // bytes/sec, windowed max

	lastSampleTime time.Time
	lastAckedBytes int

	cwnd int
	minCwnd int
}

const bbrGain = 2.0

// NewBBRLite constructs a BBRLite controller with the given initial
// window in bytes.
func NewBBRLite(initialWindow int) *BBRLite {
	if initialWindow <= 0 {
		initialWindow = DefaultInitialWindow
	}
	return &BBRLite{cwnd: initialWindow, minCwnd: MinWindow}
}

func (b *BBRLite) CongestionWindow() int { return b.cwnd }
func (b *BBRLite) InSlowStart() bool     { return b.maxBandwidth == 0 }
func (b *BBRLite) InRecovery() bool      { return false }

func (b *BBRLite) TimeUntilSend(bytesInFlight int) time.Duration {
	if bytesInFlight < b.cwnd {
		return 0
	}
	return time.Millisecond
}

func (b *BBRLite) OnPacketSent(sentTime time.Time, packetNumber int64, bytes int, isRetransmittable bool) {
}

func (b *BBRLite) updateBandwidth(ackedBytes int, eventTime time.Time) {
	if b.lastSampleTime.IsZero() {
		b.lastSampleTime = eventTime
		b.lastAckedBytes = ackedBytes
		return
	}
	elapsed := eventTime.Sub(b.lastSampleTime).Seconds()
	if elapsed <= 0 {
		b.lastAckedBytes += ackedBytes
		return
	}
	rate := float64(b.lastAckedBytes+ackedBytes) / elapsed
	if rate > b.maxBandwidth {
		b.maxBandwidth = rate
	}
	b.lastSampleTime = eventTime
	b.lastAckedBytes = 0
}

func (b *BBRLite) OnPacketAcked(packetNumber int64, ackedBytes int, priorInFlight int, eventTime time.Time) {
	b.updateBandwidth(ackedBytes, eventTime)
	if b.minRTT > 0 && b.maxBandwidth > 0 {
		bdp := int(b.maxBandwidth * b.minRTT.Seconds() * bbrGain)
		if bdp > b.cwnd {
			b.cwnd = bdp
		}
	} else {
		b.cwnd += ackedBytes
	}
}

func (b *BBRLite) OnPacketLost(packetNumber int64, lostBytes int, priorInFlight int) {
	// BBR treats isolated loss as noise rather than a congestion signal;
	// only persistent congestion (OnRetransmissionTimeout) shrinks cwnd.
}

func (b *BBRLite) OnRetransmissionTimeout(persistent bool) {
	if persistent {
		b.cwnd = b.minCwnd
		b.maxBandwidth = 0
	}
}

// UpdateMinRTT feeds a fresh RTT sample used for the bandwidth-delay
// product estimate, keeping the smallest seen. lossRecovery tracks its
// own min RTT and does not call this; nothing in this module does.
func (b *BBRLite) UpdateMinRTT(rtt time.Duration) {
	if b.minRTT == 0 || rtt < b.minRTT {
		b.minRTT = rtt
	}
}
