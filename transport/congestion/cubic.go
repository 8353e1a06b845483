package congestion

import (
	"math"
	"time"
)

// cubicBeta is the multiplicative window decrease factor RFC 8312
// Section 4.5 specifies for standard (non-Reno-friendly) Cubic.
const cubicBeta = 0.7

// cubicC is RFC 8312's scaling constant.
const cubicC = 0.4

// Cubic implements the window-growth function of RFC 8312, used by
// CubicSender below for the congestion-avoidance phase.
type Cubic struct {
	epoch              time.Time
	lastMaxCongestionWindow float64
	originPointCongestionWindow float64
	kSeconds           float64
	ackedPacketsCount  int64
}

func (c *Cubic) reset() {
	*c = Cubic{}
}

// CongestionWindowAfterAck returns the new congestion window (in bytes)
// following an ACK, given the current window and time since the last
// congestion event.
func (c *Cubic) CongestionWindowAfterAck(ackedBytes int, currentCwnd int, delayMin time.Duration, now time.Time) int {
	c.ackedPacketsCount++
	cwnd := float64(currentCwnd)
	if c.epoch.IsZero() {
		c.epoch = now
		if c.lastMaxCongestionWindow <= cwnd {
			c.kSeconds = 0
			c.originPointCongestionWindow = cwnd
		} else {
			c.kSeconds = math.Cbrt((c.lastMaxCongestionWindow - cwnd) / cubicC)
			c.originPointCongestionWindow = c.lastMaxCongestionWindow
		}
	}
	t := now.Sub(c.epoch).Seconds() + delayMin.Seconds()
	target := c.originPointCongestionWindow + cubicC*math.Pow(t-c.kSeconds, 3)
	if target > cwnd {
		return int(cwnd + (target-cwnd)/cwnd)
	}
	return int(cwnd + (target-cwnd)/10)
}

// CongestionEvent records a loss, shrinking the remembered window peak
// and returning the reduced congestion window.
func (c *Cubic) CongestionEvent(currentCwnd int) int {
	c.epoch = time.Time{}
	if float64(currentCwnd) < c.lastMaxCongestionWindow {
		c.lastMaxCongestionWindow = float64(currentCwnd) * (1 + cubicBeta) / 2
	} else {
		c.lastMaxCongestionWindow = float64(currentCwnd)
	}
	return int(float64(currentCwnd) * cubicBeta)
}

// CubicSender is a Controller implementing TCP Cubic congestion control
// with Hybrid Slow Start, modeled on the cubic sender used by the
// quic-go-family of implementations.
type CubicSender struct {
	cubic Cubic
	reno  bool

	hybridSlowStart hybridSlowStart

	congestionWindow      int
	slowstartThreshold    int
	minCongestionWindow   int
	maxCongestionWindow   int

	largestSentPacketNumber      int64
	largestAckedPacketNumber     int64
	largestSentAtLastCutback     int64

	lastCutbackExitedSlowstart bool
	srtt                       time.Duration
}

// NewCubicSender constructs a Cubic controller with the given initial
// window (bytes) and reno selects the Reno-compatibility mode (beta=0.7
// via RenoBeta, additive growth of about one packet per window) instead
// of standard Cubic.
func NewCubicSender(initialWindow int, reno bool) *CubicSender {
	if initialWindow <= 0 {
		initialWindow = DefaultInitialWindow
	}
	return &CubicSender{
		reno:                reno,
		congestionWindow:    initialWindow,
		slowstartThreshold:  int(^uint(0) >> 1),
		minCongestionWindow: MinWindow,
		maxCongestionWindow: 1000 * 1452,
	}
}

func (c *CubicSender) CongestionWindow() int { return c.congestionWindow }

func (c *CubicSender) InSlowStart() bool {
	return c.congestionWindow < c.slowstartThreshold
}

func (c *CubicSender) InRecovery() bool {
	return c.largestAckedPacketNumber <= c.largestSentAtLastCutback && c.largestSentAtLastCutback != 0
}

func (c *CubicSender) GetSlowStartThreshold() int { return c.slowstartThreshold }

func (c *CubicSender) ExitSlowstart() {
	c.slowstartThreshold = c.congestionWindow
}

func (c *CubicSender) TimeUntilSend(bytesInFlight int) time.Duration {
	if bytesInFlight < c.congestionWindow {
		return 0
	}
	return time.Millisecond
}

func (c *CubicSender) OnPacketSent(sentTime time.Time, packetNumber int64, bytes int, isRetransmittable bool) {
	if !isRetransmittable {
		return
	}
	c.largestSentPacketNumber = packetNumber
	c.hybridSlowStart.OnPacketSent(packetNumber)
}

func (c *CubicSender) maybeIncreaseCwnd(ackedBytes int, priorInFlight int, eventTime time.Time) {
	if !c.isCwndLimited(priorInFlight) {
		return
	}
	if c.InSlowStart() {
		c.congestionWindow += ackedBytes
		return
	}
	if c.reno {
		c.congestionWindow += int(float64(1452*1452) / float64(c.congestionWindow))
		return
	}
	c.congestionWindow = c.cubic.CongestionWindowAfterAck(ackedBytes, c.congestionWindow, c.srtt, eventTime)
	if c.congestionWindow > c.maxCongestionWindow {
		c.congestionWindow = c.maxCongestionWindow
	}
}

func (c *CubicSender) isCwndLimited(bytesInFlight int) bool {
	if bytesInFlight >= c.congestionWindow {
		return true
	}
	availableBytes := c.congestionWindow - bytesInFlight
	return availableBytes <= 3*1452
}

func (c *CubicSender) OnPacketAcked(packetNumber int64, ackedBytes int, priorInFlight int, eventTime time.Time) {
	c.largestAckedPacketNumber = packetNumber
	if c.InRecovery() {
		return
	}
	c.maybeIncreaseCwnd(ackedBytes, priorInFlight, eventTime)
	if c.hybridSlowStart.ShouldExitSlowStart(packetNumber) {
		c.ExitSlowstart()
	}
}

func (c *CubicSender) RenoBeta() float64 {
	return 0.7
}

func (c *CubicSender) OnPacketLost(packetNumber int64, lostBytes int, priorInFlight int) {
	if packetNumber <= c.largestSentAtLastCutback {
		return
	}
	c.lastCutbackExitedSlowstart = c.InSlowStart()
	if c.reno {
		c.congestionWindow = int(float64(c.congestionWindow) * c.RenoBeta())
	} else {
		c.congestionWindow = c.cubic.CongestionEvent(c.congestionWindow)
	}
	if c.congestionWindow < c.minCongestionWindow {
		c.congestionWindow = c.minCongestionWindow
	}
	c.slowstartThreshold = c.congestionWindow
	c.largestSentAtLastCutback = c.largestSentPacketNumber
	c.hybridSlowStart.Restart()
}

func (c *CubicSender) OnRetransmissionTimeout(persistent bool) {
	c.cubic.reset()
	c.hybridSlowStart.Restart()
	if persistent {
		c.congestionWindow = c.minCongestionWindow
	}
}

// hybridSlowStart is a simplified slow-start exit heuristic: it counts
// ack rounds and leaves slow start once more than five have passed. It
// takes no RTT or delay samples.
type hybridSlowStart struct {
	started       bool
	endPacketNumber int64
	rounds        int
}

func (h *hybridSlowStart) OnPacketSent(packetNumber int64) {
	if !h.started {
		h.started = true
		h.endPacketNumber = packetNumber
	}
}

func (h *hybridSlowStart) ShouldExitSlowStart(ackedPacketNumber int64) bool {
	if ackedPacketNumber < h.endPacketNumber {
		return false
	}
	h.rounds++
	h.endPacketNumber = ackedPacketNumber
	return h.rounds > 5
}

func (h *hybridSlowStart) Restart() {
	h.started = false
	h.rounds = 0
}
