package transport

// datagramFrame carries an unreliable, unordered blob outside of any
// stream (RFC 9221). The application sends one with Conn.SendDatagram
// and receives one as an EventDatagram.
type datagramFrame struct {
	data []byte
}

func newDatagramFrame(data []byte) *datagramFrame {
	return &datagramFrame{data: data}
}

func (f *datagramFrame) encodedLen() int {
	return varintLen(frameTypeDatagramLen) + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *datagramFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ, length uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "datagram type")
	}
	b = b[n:]
	hasLen := typ == frameTypeDatagramLen
	length = uint64(len(b))
	if hasLen {
		if n = getVarint(b, &length); n == 0 {
			return 0, newError(FrameEncodingError, "datagram length")
		}
		b = b[n:]
	}
	if uint64(len(b)) < length {
		return 0, newError(FrameEncodingError, "datagram data")
	}
	f.data = b[:length]
	b = b[length:]
	return orig - len(b), nil
}

func (f *datagramFrame) encode(b []byte) (int, error) {
	out := putVarint(b[:0], frameTypeDatagramLen)
	out = putVarint(out, uint64(len(f.data)))
	out = append(out, f.data...)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
