package transport

// sendBuffer and recvBuffer implement the per-direction byte-stream
// buffering: a send buffer of byte ranges with offsets, and a receive
// reassembly structure keyed by sparse offset. Both are shared by
// Stream and the per-space CRYPTO stream.

// sendChunk is one contiguous range of not-yet-acknowledged send data.
type sendChunk struct {
	offset uint64
	data   []byte
}

// sendBuffer holds data offered for sending, tracking what has been
// sent-but-not-acked (for possible retransmission) versus not yet sent.
type sendBuffer struct {
	queue      []sendChunk // data ready to send, ordered by offset
	inFlight   []sendChunk // sent, not yet acked or lost
	nextOffset uint64      // offset of the next byte appended via push
	finalSize  uint64
	finSet     bool
	finAcked   bool
}

// push appends new data to send, or (when called from a loss handler)
// re-inserts previously-sent data that needs retransmission. fin marks
// the final chunk; once set the final size is pinned.
func (s *sendBuffer) push(data []byte, offset uint64, fin bool) error {
	if len(data) > 0 || !fin {
		s.queue = append(s.queue, sendChunk{offset: offset, data: data})
	}
	end := offset + uint64(len(data))
	if fin {
		if s.finSet && s.finalSize != end {
			return newError(FinalSizeError, "stream final size changed")
		}
		s.finSet = true
		s.finalSize = end
	} else if s.finSet && end > s.finalSize {
		return newError(FinalSizeError, "stream data beyond final size")
	}
	if end > s.nextOffset {
		s.nextOffset = end
	}
	return nil
}

// pop removes up to max bytes of the oldest queued data for sending,
// returning whether this chunk carries FIN.
func (s *sendBuffer) pop(max int) ([]byte, uint64, bool) {
	if len(s.queue) == 0 {
		if s.finSet && !s.finAcked && s.finalSize == s.nextOffset {
			// Zero-length FIN-only write,  "Zero-length writes
			// with FIN are allowed."
		}
		return nil, 0, false
	}
	c := s.queue[0]
	data := c.data
	fin := false
	if len(data) > max {
		data = data[:max]
	}
	if c.offset+uint64(len(data)) == s.finalSize && s.finSet && len(data) == len(c.data) {
		fin = true
	}
	if len(data) == len(c.data) {
		s.queue = s.queue[1:]
	} else {
		s.queue[0] = sendChunk{offset: c.offset + uint64(len(data)), data: c.data[len(data):]}
	}
	if len(data) > 0 || fin {
		s.inFlight = append(s.inFlight, sendChunk{offset: c.offset, data: c.data[:len(data)]})
	}
	return data, c.offset, fin
}

// ack marks [offset, offset+length) as durably delivered, dropping it
// from the in-flight list.
func (s *sendBuffer) ack(offset, length uint64) {
	for i := 0; i < len(s.inFlight); i++ {
		c := s.inFlight[i]
		if c.offset == offset && uint64(len(c.data)) == length {
			s.inFlight = append(s.inFlight[:i], s.inFlight[i+1:]...)
			break
		}
	}
	if s.finSet && offset+length == s.finalSize {
		s.finAcked = true
	}
}

// complete reports whether all offered bytes (and FIN, if set) have
// been acknowledged: the data-sent -> data-recvd transition.
func (s *sendBuffer) complete() bool {
	return len(s.queue) == 0 && len(s.inFlight) == 0 && (!s.finSet || s.finAcked)
}

// recvBuffer reassembles received, possibly out-of-order and
// overlapping, data ranges into a contiguous stream delivered to the
// application strictly in offset order ( invariant 2).
type recvBuffer struct {
	received   rangeSet // ranges of offsets we have data for
	chunks     []sendChunk
	readOffset uint64 // next offset to deliver to the application
	finalSize  uint64
	finSet     bool
	wasReset   bool
	resetError uint64

	// pendingReset holds a RESET_STREAM_AT that hasn't taken effect yet
	// because the reliable-size prefix hasn't fully arrived (the
	// negotiated reliable_stream_reset extension).
	pendingReset     bool
	pendingResetAt   uint64
	pendingResetCode uint64
}

// dueReset reports whether a deferred RESET_STREAM_AT's reliable prefix
// has now fully arrived (buffered for the application, even if not yet
// read), returning its error code once. Per draft-ietf-quic-reliable-
// stream-reset, only bytes beyond the reliable size may be abandoned;
// bytes up to it are still guaranteed to reach the application's buffer.
func (r *recvBuffer) dueReset() (uint64, bool) {
	if !r.pendingReset {
		return 0, false
	}
	if r.pendingResetAt > 0 && (r.received.isEmpty() || r.received.ranges[0].lo > 0 || r.received.ranges[0].hi+1 < r.pendingResetAt) {
		return 0, false
	}
	r.pendingReset = false
	return r.pendingResetCode, true
}

func (r *recvBuffer) push(data []byte, offset uint64, fin bool) error {
	if r.wasReset {
		return nil
	}
	end := offset + uint64(len(data))
	if fin {
		if r.finSet && r.finalSize != end {
			return newError(FinalSizeError, "stream final size changed")
		}
		r.finSet = true
		r.finalSize = end
	} else if r.finSet && end > r.finalSize {
		return newError(FinalSizeError, "stream data beyond final size")
	}
	if len(data) == 0 {
		return nil
	}
	if offset+uint64(len(data)) <= r.readOffset {
		return nil // wholly-duplicate, drop silently
	}
	r.received.push(offset, offset+uint64(len(data))-1)
	r.chunks = append(r.chunks, sendChunk{offset: offset, data: data})
	return nil
}

// readable returns the contiguous prefix of data starting at readOffset
// that is now available, advancing readOffset past it.
func (r *recvBuffer) readable() []byte {
	var out []byte
	for {
		advanced := false
		for i, c := range r.chunks {
			if c.offset > r.readOffset {
				continue
			}
			end := c.offset + uint64(len(c.data))
			if end <= r.readOffset {
				r.chunks = append(r.chunks[:i], r.chunks[i+1:]...)
				advanced = true
				break
			}
			start := r.readOffset - c.offset
			out = append(out, c.data[start:]...)
			r.readOffset = end
			r.chunks = append(r.chunks[:i], r.chunks[i+1:]...)
			advanced = true
			break
		}
		if !advanced {
			break
		}
	}
	return out
}

// reset applies a peer RESET_STREAM, returning the number of bytes the
// application will never see (so the caller can credit connection-level
// flow control for bytes that were promised but not delivered).
func (r *recvBuffer) reset(finalSize uint64) (uint64, error) {
	if r.finSet && r.finalSize != finalSize {
		return 0, newError(FinalSizeError, "reset final size mismatch")
	}
	if finalSize < r.readOffset {
		return 0, newError(FinalSizeError, "reset final size too small")
	}
	mayRecv := finalSize - r.readOffset
	r.wasReset = true
	r.finSet = true
	r.finalSize = finalSize
	r.chunks = nil
	return mayRecv, nil
}

func (r *recvBuffer) complete() bool {
	return r.finSet && r.readOffset == r.finalSize
}

// cryptoStream is the CRYPTO-frame bytestream for one encryption level,
//  "Crypto owns one logical bytestream per encryption level".
type cryptoStream struct {
	recv recvBuffer
	send sendBuffer
}

func (c *cryptoStream) pushRecv(data []byte, offset uint64, fin bool) error {
	return c.recv.push(data, offset, fin)
}

func (c *cryptoStream) popSend(max int) ([]byte, uint64, bool) {
	return c.send.pop(max)
}

// pushSend queues TLS-generated handshake bytes for sending in CRYPTO
// frames; offset is the cumulative byte count previously queued.
func (c *cryptoStream) pushSend(data []byte, offset uint64) error {
	return c.send.push(data, offset, false)
}

// popRecv returns the contiguous prefix of received handshake bytes now
// available to hand to the TLS stack.
func (c *cryptoStream) popRecv() []byte {
	return c.recv.readable()
}
