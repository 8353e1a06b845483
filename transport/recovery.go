package transport

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/goburrow/quicframe/transport/congestion"
)

// pacingGain widens the pacing rate above the raw cwnd/rtt estimate, the
// same headroom ngtcp2 and quic-go give the pacer so it does not become
// the bottleneck ahead of the congestion window itself.
const pacingGain = 1.25

// minPacingRate is a floor so a tiny cwnd early in the handshake never
// stalls the pacer to a near-zero rate.
const minPacingRate = 2 * rate.Limit(MaxPacketSize)

// outgoingPacket records what was sent in one packet so its frames can
// be replayed on loss or retired on ack, RFC 9002 Section 2's "sent
// packet" per-packet metadata.
type outgoingPacket struct {
	packetNumber uint64
	timeSent     time.Time
	size         uint64
	ackEliciting bool
	inFlight     bool
	frames       []frame
}

func newOutgoingPacket(pn uint64, now time.Time) *outgoingPacket {
	return &outgoingPacket{packetNumber: pn, timeSent: now}
}

// addFrame appends f to the packet and marks it ack-eliciting unless f is
// one of the three frame types RFC 9000 Section 13.2 excludes (ACK,
// PADDING, CONNECTION_CLOSE).
func (op *outgoingPacket) addFrame(f frame) {
	op.frames = append(op.frames, f)
	switch f.(type) {
	case *ackFrame, *paddingFrame, *connectionCloseFrame:
	default:
		op.ackEliciting = true
	}
}

func (op *outgoingPacket) String() string {
	return sprint("pn=", op.packetNumber, " size=", op.size, " frames=", len(op.frames))
}

// lossRecovery implements RFC 9002: per-space sent-packet tracking, RTT
// estimation, the combined packet/time threshold loss detector, and the
// probe timeout (PTO) timer, driving a pluggable congestion.Controller.
type lossRecovery struct {
	maxAckDelay        time.Duration
	probes             int
	ptoCount           int
	lossDetectionTimer time.Time

	sentPackets   [packetSpaceCount]map[uint64]*outgoingPacket
	bytesInFlight int

	largestAcked [packetSpaceCount]int64 // -1 means none acked yet

	lost  [packetSpaceCount][]frame
	acked [packetSpaceCount][]frame

	lossTime                 [packetSpaceCount]time.Time
	timeLastAckElicitingSent [packetSpaceCount]time.Time

	firstRTTSample bool
	latestRTT      time.Duration
	minRTT         time.Duration
	smoothedRTT    time.Duration
	rttVar         time.Duration

	controller congestion.Controller

	pacer          *rate.Limiter
	pacingDeadline time.Time
}

func (r *lossRecovery) init(now time.Time) {
	for i := range r.sentPackets {
		r.sentPackets[i] = make(map[uint64]*outgoingPacket)
		r.largestAcked[i] = -1
	}
	r.maxAckDelay = kMaxAckDelay
	r.smoothedRTT = kInitialRTT
	r.rttVar = kInitialRTT / 2
	r.controller = congestion.NewCubicSender(congestion.DefaultInitialWindow, false)
	r.pacer = rate.NewLimiter(minPacingRate, int(congestion.DefaultInitialWindow))
}

// updatePacingRate recomputes the token-bucket rate from the current
// congestion window and smoothed RTT, the same cwnd/srtt estimate
// BBR-style pacers use between explicit bandwidth samples.
func (r *lossRecovery) updatePacingRate() {
	if r.pacer == nil || r.smoothedRTT <= 0 {
		return
	}
	bytesPerSec := pacingGain * float64(r.controller.CongestionWindow()) / r.smoothedRTT.Seconds()
	limit := rate.Limit(bytesPerSec)
	if limit < minPacingRate {
		limit = minPacingRate
	}
	r.pacer.SetLimit(limit)
	r.pacer.SetBurst(int(limit) + MaxPacketSize)
}

// reserveSend asks the pacer for permission to send an n-byte datagram
// at now. A zero result means send immediately; a positive duration
// means the caller should wait that long (and re-check) before its next
// packet, and the reservation is cancelled rather than consumed so it
// doesn't throttle a later, differently-sized attempt.
func (r *lossRecovery) reserveSend(now time.Time, n int) time.Duration {
	if r.pacer == nil {
		return 0
	}
	res := r.pacer.ReserveN(now, n)
	if !res.OK() {
		res.Cancel()
		return 0
	}
	if d := res.DelayFrom(now); d > 0 {
		res.Cancel()
		r.pacingDeadline = now.Add(d)
		return d
	}
	r.pacingDeadline = time.Time{}
	return 0
}

// SetController overrides the congestion controller (cubic by default),
// letting callers opt into Reno or the BBR-lite estimator.
func (r *lossRecovery) SetController(c congestion.Controller) {
	r.controller = c
}

func (r *lossRecovery) onPacketSent(op *outgoingPacket, space packetSpace) {
	op.inFlight = true
	r.sentPackets[space][op.packetNumber] = op
	r.bytesInFlight += int(op.size)
	r.controller.OnPacketSent(op.timeSent, int64(op.packetNumber), int(op.size), op.ackEliciting)
	if op.ackEliciting {
		r.timeLastAckElicitingSent[space] = op.timeSent
	}
	r.updatePacingRate()
	r.setLossDetectionTimer()
}

// dropUnackedData discards all in-flight state for space, called when a
// packet number space's keys are dropped (RFC 9001 Section 4.9) or reset
// after Retry/Version Negotiation.
func (r *lossRecovery) dropUnackedData(space packetSpace) {
	for pn, op := range r.sentPackets[space] {
		r.bytesInFlight -= int(op.size)
		delete(r.sentPackets[space], pn)
	}
	r.lost[space] = nil
	r.acked[space] = nil
	r.lossTime[space] = time.Time{}
	r.largestAcked[space] = -1
	r.setLossDetectionTimer()
}

// onAckReceived processes a newly-received ACK frame's range set: it
// retires newly-acknowledged packets (queuing their frames for
// drainAcked), updates the RTT estimate from the largest newly-acked
// packet, and runs loss detection for everything below the new largest
// acked packet number.
func (r *lossRecovery) onAckReceived(ranges *rangeSet, ackDelay time.Duration, space packetSpace, now time.Time) {
	if ranges == nil || ranges.isEmpty() {
		return
	}
	largest := ranges.largest()
	if int64(largest) > r.largestAcked[space] {
		r.largestAcked[space] = int64(largest)
	}
	priorInFlight := r.bytesInFlight
	var largestNewlyAcked *outgoingPacket
	for pn, op := range r.sentPackets[space] {
		if !ranges.contains(pn) {
			continue
		}
		delete(r.sentPackets[space], pn)
		r.bytesInFlight -= int(op.size)
		r.acked[space] = append(r.acked[space], op.frames...)
		if largestNewlyAcked == nil || op.packetNumber > largestNewlyAcked.packetNumber {
			largestNewlyAcked = op
		}
		r.controller.OnPacketAcked(int64(pn), int(op.size), priorInFlight, now)
	}
	if largestNewlyAcked != nil && largestNewlyAcked.packetNumber == largest {
		r.updateRTT(now.Sub(largestNewlyAcked.timeSent), ackDelay)
	}
	r.detectAndRemoveLostPackets(space, now)
	r.ptoCount = 0
	r.updatePacingRate()
	r.setLossDetectionTimer()
}

// updateRTT applies RFC 9002 Section 5.3's smoothed RTT / RTT variance
// update to a fresh RTT sample, discounting the peer's reported ack
// delay (capped at its advertised max_ack_delay).
func (r *lossRecovery) updateRTT(sample, ackDelay time.Duration) {
	r.latestRTT = sample
	if !r.firstRTTSample {
		r.firstRTTSample = true
		r.minRTT = sample
		r.smoothedRTT = sample
		r.rttVar = sample / 2
		return
	}
	if sample < r.minRTT {
		r.minRTT = sample
	}
	adjusted := sample
	if adjusted > r.minRTT && ackDelay > 0 {
		capped := ackDelay
		if r.maxAckDelay > 0 && capped > r.maxAckDelay {
			capped = r.maxAckDelay
		}
		if adjusted-r.minRTT > capped {
			adjusted -= capped
		}
	}
	rttVarSample := absDuration(r.smoothedRTT - adjusted)
	r.rttVar = (3*r.rttVar + rttVarSample) / 4
	r.smoothedRTT = (7*r.smoothedRTT + adjusted) / 8
}

// detectAndRemoveLostPackets applies RFC 9002 Section 6.1's combined
// packet-number and time thresholds to every unacked packet at or below
// the current largest acked packet number in space.
func (r *lossRecovery) detectAndRemoveLostPackets(space packetSpace, now time.Time) {
	lossDelay := durationMax(r.latestRTT, r.smoothedRTT) * kTimeThresholdNumerator / kTimeThresholdDenominator
	if lossDelay < kGranularity {
		lossDelay = kGranularity
	}
	lostSendTimeThreshold := now.Add(-lossDelay)
	r.lossTime[space] = time.Time{}
	priorInFlight := r.bytesInFlight
	for pn, op := range r.sentPackets[space] {
		if int64(pn) > r.largestAcked[space] {
			continue
		}
		packetThresholdLost := int64(r.largestAcked[space])-int64(pn) >= kPacketThreshold
		timeThresholdLost := !op.timeSent.After(lostSendTimeThreshold)
		if packetThresholdLost || timeThresholdLost {
			delete(r.sentPackets[space], pn)
			r.bytesInFlight -= int(op.size)
			r.lost[space] = append(r.lost[space], op.frames...)
			r.controller.OnPacketLost(int64(pn), int(op.size), priorInFlight)
			continue
		}
		pto := op.timeSent.Add(lossDelay)
		if r.lossTime[space].IsZero() || pto.Before(r.lossTime[space]) {
			r.lossTime[space] = pto
		}
	}
}

func (r *lossRecovery) drainAcked(space packetSpace, fn func(frame)) {
	for _, f := range r.acked[space] {
		fn(f)
	}
	r.acked[space] = r.acked[space][:0]
}

func (r *lossRecovery) drainLost(space packetSpace, fn func(frame)) {
	for _, f := range r.lost[space] {
		fn(f)
	}
	r.lost[space] = r.lost[space][:0]
}

// probeTimeout returns the current PTO duration, RFC 9002 Section 6.2.1,
// doubling with each consecutive PTO expiry (exponential backoff).
func (r *lossRecovery) probeTimeout() time.Duration {
	base := r.smoothedRTT + durationMax(4*r.rttVar, kGranularity) + r.maxAckDelay
	return base * time.Duration(uint64(1)<<uint(r.ptoCount))
}

func (r *lossRecovery) earliestLossTime() (packetSpace, time.Time) {
	var best time.Time
	var bestSpace packetSpace
	for i := packetSpace(0); i < packetSpaceCount; i++ {
		if r.lossTime[i].IsZero() {
			continue
		}
		if best.IsZero() || r.lossTime[i].Before(best) {
			best = r.lossTime[i]
			bestSpace = i
		}
	}
	return bestSpace, best
}

func (r *lossRecovery) latestAckElicitingSentTime() time.Time {
	var best time.Time
	for _, t := range r.timeLastAckElicitingSent {
		if t.After(best) {
			best = t
		}
	}
	return best
}

// setLossDetectionTimer implements RFC 9002 Section 6.2.2: arm for the
// earliest pending loss-time deadline, else for a PTO measured from the
// most recent ack-eliciting packet, else disarm entirely.
func (r *lossRecovery) setLossDetectionTimer() {
	_, lossTime := r.earliestLossTime()
	if !lossTime.IsZero() {
		r.lossDetectionTimer = lossTime
		return
	}
	if r.bytesInFlight == 0 {
		r.lossDetectionTimer = time.Time{}
		return
	}
	anchor := r.latestAckElicitingSentTime()
	if anchor.IsZero() {
		r.lossDetectionTimer = time.Time{}
		return
	}
	r.lossDetectionTimer = anchor.Add(r.probeTimeout())
}

// isPersistentCongestion approximates RFC 9002 Section 7.6: a run of PTO
// expirations without any ack reaching the persistent-congestion
// threshold indicates the path itself has stalled, not just a single
// lost packet.
func (r *lossRecovery) isPersistentCongestion() bool {
	return r.ptoCount >= kPersistentCongestionThreshold
}

// onLossDetectionTimeout fires when Conn.Timeout()'s deadline (sourced
// from lossDetectionTimer) elapses: either declare packets lost via the
// time threshold, or schedule a probe (PTO).
func (r *lossRecovery) onLossDetectionTimeout(now time.Time) {
	if r.lossDetectionTimer.IsZero() || now.Before(r.lossDetectionTimer) {
		return
	}
	if space, lossTime := r.earliestLossTime(); !lossTime.IsZero() {
		r.detectAndRemoveLostPackets(space, now)
		r.setLossDetectionTimer()
		return
	}
	r.ptoCount++
	r.probes = 1
	r.controller.OnRetransmissionTimeout(r.isPersistentCongestion())
	r.setLossDetectionTimer()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func durationMax(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
