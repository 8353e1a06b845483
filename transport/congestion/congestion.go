// Package congestion implements pluggable congestion-control algorithms
// for the transport package's loss recovery, following RFC 9002's
// separation between loss detection (timers, packet/time thresholds)
// and congestion control (window sizing).
package congestion

import "time"

// Controller is the interface transport.lossRecovery drives. A Controller
// tracks its own congestion window and slow-start state; the caller is
// responsible for feeding it packet-sent/acked/lost events in the order
// they occur.
type Controller interface {
	// OnPacketSent records a newly sent, in-flight, ack-eliciting packet.
	OnPacketSent(sentTime time.Time, packetNumber int64, bytes int, isRetransmittable bool)
	// OnPacketAcked updates the window for one newly-acknowledged packet.
	OnPacketAcked(packetNumber int64, ackedBytes int, priorInFlight int, eventTime time.Time)
	// OnPacketLost shrinks the window in response to a detected loss.
	OnPacketLost(packetNumber int64, lostBytes int, priorInFlight int)
	// OnRetransmissionTimeout handles a PTO firing; persistent indicates
	// the PTO count has crossed the persistent-congestion threshold.
	OnRetransmissionTimeout(persistent bool)
	// CongestionWindow returns the current window size in bytes.
	CongestionWindow() int
	// InSlowStart reports whether the controller is still in slow start.
	InSlowStart() bool
	// InRecovery reports whether a congestion event is still being recovered from.
	InRecovery() bool
	// TimeUntilSend returns how long to wait before the next byte may be
	// sent given bytesInFlight outstanding, 0 meaning "now".
	TimeUntilSend(bytesInFlight int) time.Duration
}

// MinWindow is the smallest congestion window RFC 9002 Section 7.2
// recommends (2 * max datagram size).
const MinWindow = 2 * 1452

// DefaultInitialWindow is RFC 9002 Section 7.2's default initial window
// (10 * max datagram size, capped).
const DefaultInitialWindow = 10 * 1452
