package transport

// Frame type codes, RFC 9000 Section 19, plus the ACK_FREQUENCY,
// IMMEDIATE_ACK, reliable-reset, and timestamp extension frames.
const (
	frameTypePadding            uint64 = 0x00
	frameTypePing               uint64 = 0x01
	frameTypeAck                uint64 = 0x02 // 0x02 or 0x03 (ECN)
	frameTypeAckECN             uint64 = 0x03
	frameTypeResetStream        uint64 = 0x04
	frameTypeStopSending        uint64 = 0x05
	frameTypeCrypto             uint64 = 0x06
	frameTypeNewToken           uint64 = 0x07
	frameTypeStream             uint64 = 0x08 // 0x08-0x0f, OFF/LEN/FIN bits
	frameTypeStreamEnd          uint64 = 0x0f
	frameTypeMaxData            uint64 = 0x10
	frameTypeMaxStreamData      uint64 = 0x11
	frameTypeMaxStreamsBidi     uint64 = 0x12
	frameTypeMaxStreamsUni      uint64 = 0x13
	frameTypeDataBlocked        uint64 = 0x14
	frameTypeStreamDataBlocked  uint64 = 0x15
	frameTypeStreamsBlockedBidi uint64 = 0x16
	frameTypeStreamsBlockedUni  uint64 = 0x17
	frameTypeNewConnectionID    uint64 = 0x18
	frameTypeRetireConnectionID uint64 = 0x19
	frameTypePathChallenge      uint64 = 0x1a
	frameTypePathResponse       uint64 = 0x1b
	frameTypeConnectionClose    uint64 = 0x1c
	frameTypeApplicationClose   uint64 = 0x1d
	frameTypeHanshakeDone       uint64 = 0x1e // spelling matches the historical wire constant name used throughout this codebase
	frameTypeDatagram           uint64 = 0x30 // 0x30-0x31, LEN bit
	frameTypeDatagramLen        uint64 = 0x31
	frameTypeAckFrequency       uint64 = 0xaf
	frameTypeImmediateAck       uint64 = 0x1f
	frameTypeReliableResetStream uint64 = 0x20
	frameTypeTimestamp          uint64 = 0x21
)

// isFrameAckEliciting reports whether a frame of the given type makes a
// packet ack-eliciting: any frame other than ACK/PADDING/CONNECTION_CLOSE.
func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypeAck, frameTypeAckECN, frameTypePadding,
		frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	default:
		return true
	}
}

// frameAllowedInSpace reports whether a frame type may legally appear in
// packets of the given encryption level, per RFC 9000 Section 12.4 Table 3.
// Initial and Handshake only ever carry the handshake-flight subset.
func frameAllowedInSpace(typ uint64, space packetSpace) bool {
	if space == packetSpaceApplication {
		return true
	}
	switch {
	case typ == frameTypePadding, typ == frameTypePing,
		typ == frameTypeAck, typ == frameTypeAckECN,
		typ == frameTypeCrypto, typ == frameTypeConnectionClose:
		return true
	default:
		return false
	}
}

// frame is implemented by every decoded/encoded QUIC frame.
type frame interface {
	encodedLen() int
}

// ---- PADDING ----

type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame {
	return &paddingFrame{length: length}
}

func (f *paddingFrame) encodedLen() int { return f.length }

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	f.length = n
	return n, nil
}

func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.length {
		return 0, errShortBuffer
	}
	for i := 0; i < f.length; i++ {
		b[i] = 0
	}
	return f.length, nil
}

// ---- PING ----

type pingFrame struct{}

func (f *pingFrame) encodedLen() int { return 1 }

func (f *pingFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ping")
	}
	return n, nil
}

func (f *pingFrame) encode(b []byte) (int, error) {
	return putVarintTo(b, frameTypePing)
}

// ---- ACK ----

type ackRange struct {
	gap      uint64 // ACK Range Gap (decoded ranges only)
	ackRange uint64 // ACK Range Length (decoded ranges only)
}

type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []ackRange
	ecnCounts     *ecnCounts
}

type ecnCounts struct {
	ect0, ect1, ce uint64
}

func newAckFrame(ackDelay uint64, rs *rangeSet) *ackFrame {
	f := &ackFrame{ackDelay: ackDelay}
	rs.encodeInto(f, ackMaxRanges)
	return f
}

// ackMaxRanges bounds how many ranges we bother encoding: ACK frames
// are generated from only the top-K most recent ranges.
const ackMaxRanges = 32

func (f *ackFrame) String() string {
	return sprint("largest=", f.largestAck, " ranges=", len(f.ranges))
}

func (f *ackFrame) encodedLen() int {
	n := varintLen(frameTypeAck) + varintLen(f.largestAck) + varintLen(f.ackDelay) +
		varintLen(uint64(len(f.ranges))) + varintLen(f.firstAckRange)
	for _, r := range f.ranges {
		n += varintLen(r.gap) + varintLen(r.ackRange)
	}
	return n
}

func (f *ackFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "ack type")
	}
	b = b[n:]
	var count uint64
	if n = getVarint(b, &f.largestAck); n == 0 {
		return 0, newError(FrameEncodingError, "ack largest")
	}
	b = b[n:]
	if n = getVarint(b, &f.ackDelay); n == 0 {
		return 0, newError(FrameEncodingError, "ack delay")
	}
	b = b[n:]
	if n = getVarint(b, &count); n == 0 {
		return 0, newError(FrameEncodingError, "ack count")
	}
	b = b[n:]
	if n = getVarint(b, &f.firstAckRange); n == 0 {
		return 0, newError(FrameEncodingError, "ack first range")
	}
	b = b[n:]
	f.ranges = f.ranges[:0]
	for i := uint64(0); i < count; i++ {
		var r ackRange
		if n = getVarint(b, &r.gap); n == 0 {
			return 0, newError(FrameEncodingError, "ack gap")
		}
		b = b[n:]
		if n = getVarint(b, &r.ackRange); n == 0 {
			return 0, newError(FrameEncodingError, "ack range")
		}
		b = b[n:]
		f.ranges = append(f.ranges, r)
	}
	if typ == frameTypeAckECN {
		f.ecnCounts = &ecnCounts{}
		for _, v := range []*uint64{&f.ecnCounts.ect0, &f.ecnCounts.ect1, &f.ecnCounts.ce} {
			if n = getVarint(b, v); n == 0 {
				return 0, newError(FrameEncodingError, "ack ecn")
			}
			b = b[n:]
		}
	}
	return orig - len(b), nil
}

// toRangeSet expands the gap/range encoding into an ordered rangeSet of
// acknowledged packet numbers.
func (f *ackFrame) toRangeSet() *rangeSet {
	rs := &rangeSet{}
	hi := f.largestAck
	lo := hi - f.firstAckRange
	rs.push(lo, hi)
	for _, r := range f.ranges {
		if r.gap+2 > lo {
			return nil // underflow, malformed
		}
		hi = lo - r.gap - 2
		lo = hi - r.ackRange
		rs.push(lo, hi)
	}
	return rs
}

// ---- RESET_STREAM ----

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID: streamID, errorCode: errorCode, finalSize: finalSize}
}

func (f *resetStreamFrame) encodedLen() int {
	return varintLen(frameTypeResetStream) + varintLen(f.streamID) + varintLen(f.errorCode) + varintLen(f.finalSize)
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	return decode3Varint(b, frameTypeResetStream, &f.streamID, &f.errorCode, &f.finalSize)
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	return encode3Varint(b, frameTypeResetStream, f.streamID, f.errorCode, f.finalSize)
}

// ---- RESET_STREAM_AT (draft-ietf-quic-reliable-stream-reset) ----
//
// Same shape as RESET_STREAM plus a reliableSize: bytes up to
// reliableSize are still delivered reliably even though the stream is
// being reset; only bytes beyond reliableSize are abandoned.

type resetStreamAtFrame struct {
	streamID     uint64
	errorCode    uint64
	finalSize    uint64
	reliableSize uint64
}

func newResetStreamAtFrame(streamID, errorCode, finalSize, reliableSize uint64) *resetStreamAtFrame {
	return &resetStreamAtFrame{streamID: streamID, errorCode: errorCode, finalSize: finalSize, reliableSize: reliableSize}
}

func (f *resetStreamAtFrame) encodedLen() int {
	return varintLen(frameTypeReliableResetStream) + varintLen(f.streamID) +
		varintLen(f.errorCode) + varintLen(f.finalSize) + varintLen(f.reliableSize)
}

func (f *resetStreamAtFrame) decode(b []byte) (int, error) {
	return decode4Varint(b, frameTypeReliableResetStream, &f.streamID, &f.errorCode, &f.finalSize, &f.reliableSize)
}

func (f *resetStreamAtFrame) encode(b []byte) (int, error) {
	return encode4Varint(b, frameTypeReliableResetStream, f.streamID, f.errorCode, f.finalSize, f.reliableSize)
}

// ---- STOP_SENDING ----

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID: streamID, errorCode: errorCode}
}

func (f *stopSendingFrame) encodedLen() int {
	return varintLen(frameTypeStopSending) + varintLen(f.streamID) + varintLen(f.errorCode)
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	return decode2Varint(b, frameTypeStopSending, &f.streamID, &f.errorCode)
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	return encode2Varint(b, frameTypeStopSending, f.streamID, f.errorCode)
}

// ---- CRYPTO ----

type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

func (f *cryptoFrame) encodedLen() int {
	return varintLen(frameTypeCrypto) + varintLen(f.offset) + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *cryptoFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ, length uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "crypto type")
	}
	b = b[n:]
	if n = getVarint(b, &f.offset); n == 0 {
		return 0, newError(FrameEncodingError, "crypto offset")
	}
	b = b[n:]
	if n = getVarint(b, &length); n == 0 {
		return 0, newError(FrameEncodingError, "crypto length")
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return 0, newError(FrameEncodingError, "crypto data")
	}
	f.data = b[:length]
	b = b[length:]
	return orig - len(b), nil
}

func (f *cryptoFrame) encode(b []byte) (int, error) {
	orig := b
	b = putVarint(b[:0], frameTypeCrypto)
	b = putVarint(b, f.offset)
	b = putVarint(b, uint64(len(f.data)))
	b = append(b, f.data...)
	if len(b) > cap(orig) {
		return 0, errShortBuffer
	}
	return len(b), nil
}

// ---- NEW_TOKEN ----

type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{token: token}
}

func (f *newTokenFrame) encodedLen() int {
	return varintLen(frameTypeNewToken) + varintLen(uint64(len(f.token))) + len(f.token)
}

func (f *newTokenFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ, length uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_token type")
	}
	b = b[n:]
	if n = getVarint(b, &length); n == 0 {
		return 0, newError(FrameEncodingError, "new_token length")
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return 0, newError(FrameEncodingError, "new_token data")
	}
	f.token = b[:length]
	b = b[length:]
	return orig - len(b), nil
}

// ---- STREAM ----

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin}
}

func (f *streamFrame) encodedLen() int {
	n := varintLen(frameTypeStream) + varintLen(f.streamID)
	if f.offset > 0 {
		n += varintLen(f.offset)
	}
	n += varintLen(uint64(len(f.data))) + len(f.data)
	return n
}

func (f *streamFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "stream type")
	}
	b = b[n:]
	off := typ&0x04 != 0
	hasLen := typ&0x02 != 0
	f.fin = typ&0x01 != 0

	if n = getVarint(b, &f.streamID); n == 0 {
		return 0, newError(FrameEncodingError, "stream id")
	}
	b = b[n:]
	f.offset = 0
	if off {
		if n = getVarint(b, &f.offset); n == 0 {
			return 0, newError(FrameEncodingError, "stream offset")
		}
		b = b[n:]
	}
	length := uint64(len(b))
	if hasLen {
		if n = getVarint(b, &length); n == 0 {
			return 0, newError(FrameEncodingError, "stream length")
		}
		b = b[n:]
	}
	if uint64(len(b)) < length {
		return 0, newError(FrameEncodingError, "stream data")
	}
	f.data = b[:length]
	b = b[length:]
	return orig - len(b), nil
}

func (f *streamFrame) encode(b []byte) (int, error) {
	typ := frameTypeStream | 0x02 // always include explicit length
	if f.offset > 0 {
		typ |= 0x04
	}
	if f.fin {
		typ |= 0x01
	}
	out := putVarint(b[:0], typ)
	out = putVarint(out, f.streamID)
	if f.offset > 0 {
		out = putVarint(out, f.offset)
	}
	out = putVarint(out, uint64(len(f.data)))
	out = append(out, f.data...)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

// ---- MAX_DATA ----

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{maximumData: max} }

func (f *maxDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxData) + varintLen(f.maximumData)
}

func (f *maxDataFrame) decode(b []byte) (int, error) {
	return decode1Varint(b, frameTypeMaxData, &f.maximumData)
}

func (f *maxDataFrame) encode(b []byte) (int, error) {
	return encode1Varint(b, frameTypeMaxData, f.maximumData)
}

// ---- MAX_STREAM_DATA ----

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: streamID, maximumData: max}
}

func (f *maxStreamDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxStreamData) + varintLen(f.streamID) + varintLen(f.maximumData)
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	return decode2Varint(b, frameTypeMaxStreamData, &f.streamID, &f.maximumData)
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	return encode2Varint(b, frameTypeMaxStreamData, f.streamID, f.maximumData)
}

// ---- MAX_STREAMS ----

type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{maximumStreams: max, bidi: bidi}
}

func (f *maxStreamsFrame) typ() uint64 {
	if f.bidi {
		return frameTypeMaxStreamsBidi
	}
	return frameTypeMaxStreamsUni
}

func (f *maxStreamsFrame) encodedLen() int {
	return varintLen(f.typ()) + varintLen(f.maximumStreams)
}

func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "max_streams type")
	}
	b = b[n:]
	f.bidi = typ == frameTypeMaxStreamsBidi
	if n = getVarint(b, &f.maximumStreams); n == 0 {
		return 0, newError(FrameEncodingError, "max_streams value")
	}
	b = b[n:]
	return orig - len(b), nil
}

func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	return encode1Varint(b, f.typ(), f.maximumStreams)
}

// ---- DATA_BLOCKED ----

type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(limit uint64) *dataBlockedFrame { return &dataBlockedFrame{dataLimit: limit} }

func (f *dataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeDataBlocked) + varintLen(f.dataLimit)
}

func (f *dataBlockedFrame) decode(b []byte) (int, error) {
	return decode1Varint(b, frameTypeDataBlocked, &f.dataLimit)
}

func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	return encode1Varint(b, frameTypeDataBlocked, f.dataLimit)
}

// ---- STREAM_DATA_BLOCKED ----

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(streamID, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID: streamID, dataLimit: limit}
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeStreamDataBlocked) + varintLen(f.streamID) + varintLen(f.dataLimit)
}

func (f *streamDataBlockedFrame) decode(b []byte) (int, error) {
	return decode2Varint(b, frameTypeStreamDataBlocked, &f.streamID, &f.dataLimit)
}

func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	return encode2Varint(b, frameTypeStreamDataBlocked, f.streamID, f.dataLimit)
}

// ---- STREAMS_BLOCKED ----

type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{streamLimit: limit, bidi: bidi}
}

func (f *streamsBlockedFrame) typ() uint64 {
	if f.bidi {
		return frameTypeStreamsBlockedBidi
	}
	return frameTypeStreamsBlockedUni
}

func (f *streamsBlockedFrame) encodedLen() int {
	return varintLen(f.typ()) + varintLen(f.streamLimit)
}

func (f *streamsBlockedFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "streams_blocked type")
	}
	b = b[n:]
	f.bidi = typ == frameTypeStreamsBlockedBidi
	if n = getVarint(b, &f.streamLimit); n == 0 {
		return 0, newError(FrameEncodingError, "streams_blocked value")
	}
	b = b[n:]
	return orig - len(b), nil
}

func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	return encode1Varint(b, f.typ(), f.streamLimit)
}

// ---- CONNECTION_CLOSE ----

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode, frameType uint64, reason []byte, app bool) *connectionCloseFrame {
	return &connectionCloseFrame{application: app, errorCode: errorCode, frameType: frameType, reasonPhrase: reason}
}

func (f *connectionCloseFrame) String() string {
	return sprint(string(f.reasonPhrase))
}

func (f *connectionCloseFrame) typ() uint64 {
	if f.application {
		return frameTypeApplicationClose
	}
	return frameTypeConnectionClose
}

func (f *connectionCloseFrame) encodedLen() int {
	n := varintLen(f.typ()) + varintLen(f.errorCode)
	if !f.application {
		n += varintLen(f.frameType)
	}
	n += varintLen(uint64(len(f.reasonPhrase))) + len(f.reasonPhrase)
	return n
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ, length uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "close type")
	}
	b = b[n:]
	f.application = typ == frameTypeApplicationClose
	if n = getVarint(b, &f.errorCode); n == 0 {
		return 0, newError(FrameEncodingError, "close code")
	}
	b = b[n:]
	if !f.application {
		if n = getVarint(b, &f.frameType); n == 0 {
			return 0, newError(FrameEncodingError, "close frame type")
		}
		b = b[n:]
	}
	if n = getVarint(b, &length); n == 0 {
		return 0, newError(FrameEncodingError, "close reason length")
	}
	b = b[n:]
	if uint64(len(b)) < length {
		return 0, newError(FrameEncodingError, "close reason")
	}
	f.reasonPhrase = b[:length]
	b = b[length:]
	return orig - len(b), nil
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	out := putVarint(b[:0], f.typ())
	out = putVarint(out, f.errorCode)
	if !f.application {
		out = putVarint(out, f.frameType)
	}
	out = putVarint(out, uint64(len(f.reasonPhrase)))
	out = append(out, f.reasonPhrase...)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

// ---- HANDSHAKE_DONE ----

type handshakeDoneFrame struct{}

func (f *handshakeDoneFrame) encodedLen() int { return varintLen(frameTypeHanshakeDone) }

func (f *handshakeDoneFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "handshake_done")
	}
	return n, nil
}

func (f *handshakeDoneFrame) encode(b []byte) (int, error) {
	return putVarintTo(b, frameTypeHanshakeDone)
}

// ---- shared varint helpers ----

func putVarintTo(b []byte, v uint64) (int, error) {
	out := putVarint(b[:0], v)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

func decode1Varint(b []byte, wantType uint64, a *uint64) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "frame type")
	}
	b = b[n:]
	if n = getVarint(b, a); n == 0 {
		return 0, newError(FrameEncodingError, "frame value")
	}
	b = b[n:]
	return orig - len(b), nil
}

func encode1Varint(b []byte, typ, a uint64) (int, error) {
	out := putVarint(b[:0], typ)
	out = putVarint(out, a)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

func decode2Varint(b []byte, wantType uint64, a, c *uint64) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "frame type")
	}
	b = b[n:]
	if n = getVarint(b, a); n == 0 {
		return 0, newError(FrameEncodingError, "frame value")
	}
	b = b[n:]
	if n = getVarint(b, c); n == 0 {
		return 0, newError(FrameEncodingError, "frame value")
	}
	b = b[n:]
	return orig - len(b), nil
}

func encode2Varint(b []byte, typ, a, c uint64) (int, error) {
	out := putVarint(b[:0], typ)
	out = putVarint(out, a)
	out = putVarint(out, c)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

func decode3Varint(b []byte, wantType uint64, a, c, d *uint64) (int, error) {
	orig := len(b)
	n, err := decode2Varint(b, wantType, a, c)
	if err != nil {
		return 0, err
	}
	b = b[n:]
	m := getVarint(b, d)
	if m == 0 {
		return 0, newError(FrameEncodingError, "frame value")
	}
	return orig - len(b) + m, nil
}

func encode3Varint(b []byte, typ, a, c, d uint64) (int, error) {
	out := putVarint(b[:0], typ)
	out = putVarint(out, a)
	out = putVarint(out, c)
	out = putVarint(out, d)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

func decode4Varint(b []byte, wantType uint64, a, c, d, e *uint64) (int, error) {
	orig := len(b)
	n, err := decode3Varint(b, wantType, a, c, d)
	if err != nil {
		return 0, err
	}
	b = b[n:]
	m := getVarint(b, e)
	if m == 0 {
		return 0, newError(FrameEncodingError, "frame value")
	}
	return orig - len(b) + m, nil
}

func encode4Varint(b []byte, typ, a, c, d, e uint64) (int, error) {
	out := putVarint(b[:0], typ)
	out = putVarint(out, a)
	out = putVarint(out, c)
	out = putVarint(out, d)
	out = putVarint(out, e)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

// encodeFrames encodes a list of frames into b sequentially, returning
// the number of bytes written.
func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		m, err := encodeFrame(b[n:], f)
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}

func encodeFrame(b []byte, f frame) (int, error) {
	switch f := f.(type) {
	case *paddingFrame:
		return f.encode(b)
	case *pingFrame:
		return f.encode(b)
	case *ackFrame:
		return encodeAckFrame(b, f)
	case *resetStreamFrame:
		return f.encode(b)
	case *resetStreamAtFrame:
		return f.encode(b)
	case *stopSendingFrame:
		return f.encode(b)
	case *cryptoFrame:
		return f.encode(b)
	case *newTokenFrame:
		return encodeNewTokenFrame(b, f)
	case *streamFrame:
		return f.encode(b)
	case *maxDataFrame:
		return f.encode(b)
	case *maxStreamDataFrame:
		return f.encode(b)
	case *maxStreamsFrame:
		return f.encode(b)
	case *dataBlockedFrame:
		return f.encode(b)
	case *streamDataBlockedFrame:
		return f.encode(b)
	case *streamsBlockedFrame:
		return f.encode(b)
	case *connectionCloseFrame:
		return f.encode(b)
	case *handshakeDoneFrame:
		return f.encode(b)
	case *ackFrequencyFrame:
		return f.encode(b)
	case *immediateAckFrame:
		return f.encode(b)
	case *datagramFrame:
		return f.encode(b)
	case *newConnectionIDFrame:
		return f.encode(b)
	case *retireConnectionIDFrame:
		return f.encode(b)
	case *pathChallengeFrame:
		return f.encode(b)
	case *pathResponseFrame:
		return f.encode(b)
	default:
		return 0, newError(InternalError, "unknown frame")
	}
}

func encodeAckFrame(b []byte, f *ackFrame) (int, error) {
	out := putVarint(b[:0], frameTypeAck)
	out = putVarint(out, f.largestAck)
	out = putVarint(out, f.ackDelay)
	out = putVarint(out, uint64(len(f.ranges)))
	out = putVarint(out, f.firstAckRange)
	for _, r := range f.ranges {
		out = putVarint(out, r.gap)
		out = putVarint(out, r.ackRange)
	}
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}

func encodeNewTokenFrame(b []byte, f *newTokenFrame) (int, error) {
	out := putVarint(b[:0], frameTypeNewToken)
	out = putVarint(out, uint64(len(f.token)))
	out = append(out, f.token...)
	if len(out) > cap(b) {
		return 0, errShortBuffer
	}
	return len(out), nil
}
