package transport

// ackFrequencyFrame lets a sender tell its peer how eagerly to
// acknowledge, trading ACK traffic for a little extra ack-induced delay
// (draft-ietf-quic-ack-frequency).
type ackFrequencyFrame struct {
	sequenceNumber uint64
	ackElicitingThreshold uint64
	requestedMaxAckDelay  uint64 // microseconds
	reorderThreshold      uint64
}

func newAckFrequencyFrame(seq, threshold, maxAckDelay, reorderThreshold uint64) *ackFrequencyFrame {
	return &ackFrequencyFrame{
		sequenceNumber:        seq,
		ackElicitingThreshold: threshold,
		requestedMaxAckDelay:  maxAckDelay,
		reorderThreshold:      reorderThreshold,
	}
}

func (f *ackFrequencyFrame) encodedLen() int {
	return varintLen(frameTypeAckFrequency) + varintLen(f.sequenceNumber) +
		varintLen(f.ackElicitingThreshold) + varintLen(f.requestedMaxAckDelay) +
		varintLen(f.reorderThreshold)
}

func (f *ackFrequencyFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack_frequency type")
	}
	b = b[n:]
	for _, v := range []*uint64{&f.sequenceNumber, &f.ackElicitingThreshold, &f.requestedMaxAckDelay, &f.reorderThreshold} {
		if n = getVarint(b, v); n == 0 {
			return 0, newError(FrameEncodingError, "ack_frequency field")
		}
		b = b[n:]
	}
	return orig - len(b), nil
}

func (f *ackFrequencyFrame) encode(b []byte) (int, error) {
	out := putVarint(b[:0], frameTypeAckFrequency)
	out = putVarint(out, f.sequenceNumber)
	out = putVarint(out, f.ackElicitingThreshold)
	out = putVarint(out, f.requestedMaxAckDelay)
	out = putVarint(out, f.reorderThreshold)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

// immediateAckFrame asks the peer to send an ACK as soon as it processes
// this packet, regardless of its ack-frequency settings.
type immediateAckFrame struct{}

func (f *immediateAckFrame) encodedLen() int { return varintLen(frameTypeImmediateAck) }

func (f *immediateAckFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "immediate_ack")
	}
	return n, nil
}

func (f *immediateAckFrame) encode(b []byte) (int, error) {
	return putVarintTo(b, frameTypeImmediateAck)
}
