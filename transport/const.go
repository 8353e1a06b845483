package transport

import "time"

// Size limits, RFC 9000 Section 14 and RFC 9001.
const (
	// MaxCIDLength is the maximum length of a connection ID.
	MaxCIDLength = 20
	// MinInitialPacketSize is the minimum size of a client Initial
	// datagram, padded if necessary.
	MinInitialPacketSize = 1200
	// MaxPacketSize is the largest UDP payload this implementation will
	// ever construct, regardless of what the peer's max_udp_payload_size
	// transport parameter allows.
	MaxPacketSize = 1452

	minPayloadLength       = 4 // Minimum payload so packet number can be protected.
	maxCryptoFrameOverhead = 16
	maxStreamFrameOverhead = 24

	statelessResetTokenLength = 16
)

// packetNumberWindow bounds how far behind the highest received packet
// number in a space a newly-received packet number may be before it is
// rejected as "too old".
const packetNumberWindow = 1 << 20

// Loss detection constants, RFC 9002 Appendix A.2.
const (
	kPacketThreshold          = 3
	kTimeThresholdNumerator   = 9
	kTimeThresholdDenominator = 8
	kGranularity              = time.Millisecond
	kInitialRTT               = 333 * time.Millisecond
	kPersistentCongestionThreshold = 3
	kMaxAckDelay              = 25 * time.Millisecond
)

// defaultIdleTimeoutFloor is added to 3*PTO when computing the
// effective idle timeout.
const defaultIdleTimeoutFloor = 1 * time.Second
