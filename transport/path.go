package transport

import "time"

// pathValidationState tracks an in-flight PATH_CHALLENGE, issued either
// to validate a migrated path or as a liveness probe, RFC 9000 Section 8.2.
type pathValidationState struct {
	pending  bool
	needSend bool // a PATH_CHALLENGE frame still has to go on the wire
	data     [pathDataLength]byte
	deadline time.Time
}

// pmtuState implements a simple binary-search PMTU probe, scaled to the
// range this implementation cares about (MinInitialPacketSize to
// MaxPacketSize), RFC 9000 Section 14.3's DPLPMTUD in miniature.
type pmtuState struct {
	base     int
	search   int
	probes   int
	complete bool
}

// nextProbeSize returns the next size to probe, or 0 once the search has
// converged (no gap worth another probe remains).
func (p *pmtuState) nextProbeSize() int {
	if p.complete || p.probes >= 6 {
		p.complete = true
		return 0
	}
	mid := (p.base + p.search + 1) / 2
	if mid <= p.base {
		p.complete = true
		return 0
	}
	return mid
}

func (p *pmtuState) onProbeAcked(size int) {
	p.probes++
	if size > p.base {
		p.base = size
	}
}

func (p *pmtuState) onProbeLost(size int) {
	p.probes++
	if size < p.search {
		p.search = size
	}
}

// Path is the per-path state: PMTU discovery sub-state and
// path-validation state. RTT samples are kept by lossRecovery, not here.
// A Conn holds one active Path; nothing in this module switches the
// active dcid/remote address to a second path.
type Path struct {
	validated  bool
	validation pathValidationState
	pmtu       pmtuState

	// pendingResponse holds the data of a received PATH_CHALLENGE that
	// still has to be echoed back in a PATH_RESPONSE frame. Responses are
	// never retransmitted on loss; the peer retries its challenge instead.
	pendingResponse *[pathDataLength]byte
}

// antiAmplificationLimit returns the number of additional bytes that may
// be sent toward an address that has not yet been validated, per RFC
// 9000 Section 8: a server must not send more than 3x the bytes it has
// received from that address. recvBytes/sentBytes are cumulative counts
// kept on Conn rather than Path, since address validation (this) and
// path validation (PATH_CHALLENGE/RESPONSE for migration, above) are
// distinct RFC 9000 concepts that happen to share similar bookkeeping.
func antiAmplificationLimit(recvBytes, sentBytes uint64) int {
	allowed := recvBytes*3 - sentBytes
	if recvBytes*3 < sentBytes {
		return 0
	}
	if allowed > MaxPacketSize {
		return MaxPacketSize
	}
	return int(allowed)
}

// newPath returns a Path trusted from the start, matching the path used
// to complete the handshake (no challenge needed for the original path).
func newPath() Path {
	return Path{
		validated: true,
		pmtu:      pmtuState{base: MinInitialPacketSize, search: MaxPacketSize},
	}
}

// beginValidation starts a PATH_CHALLENGE/RESPONSE exchange.
func (p *Path) beginValidation(data [pathDataLength]byte, now time.Time, timeout time.Duration) {
	p.validation = pathValidationState{pending: true, needSend: true, data: data, deadline: now.Add(timeout)}
}

// onPathResponse reports whether data matches the outstanding challenge,
// completing validation on a match.
func (p *Path) onPathResponse(data [pathDataLength]byte) bool {
	if !p.validation.pending || p.validation.data != data {
		return false
	}
	p.validation.pending = false
	p.validated = true
	return true
}

func (p *Path) validationExpired(now time.Time) bool {
	return p.validation.pending && !now.Before(p.validation.deadline)
}
