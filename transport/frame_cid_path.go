package transport

// ---- NEW_CONNECTION_ID ----

type newConnectionIDFrame struct {
	sequenceNumber uint64
	retirePriorTo  uint64
	cid            []byte
	resetToken     []byte // always statelessResetTokenLength bytes
}

func newNewConnectionIDFrame(seq, retirePriorTo uint64, cid, resetToken []byte) *newConnectionIDFrame {
	return &newConnectionIDFrame{sequenceNumber: seq, retirePriorTo: retirePriorTo, cid: cid, resetToken: resetToken}
}

func (f *newConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeNewConnectionID) + varintLen(f.sequenceNumber) + varintLen(f.retirePriorTo) +
		1 + len(f.cid) + statelessResetTokenLength
}

func (f *newConnectionIDFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ, length uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id type")
	}
	b = b[n:]
	if n = getVarint(b, &f.sequenceNumber); n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id sequence")
	}
	b = b[n:]
	if n = getVarint(b, &f.retirePriorTo); n == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id retire_prior_to")
	}
	b = b[n:]
	if f.retirePriorTo > f.sequenceNumber {
		return 0, newError(FrameEncodingError, "new_connection_id retire_prior_to")
	}
	if len(b) == 0 {
		return 0, newError(FrameEncodingError, "new_connection_id length")
	}
	length = uint64(b[0])
	b = b[1:]
	if length == 0 || length > MaxCIDLength || uint64(len(b)) < length+statelessResetTokenLength {
		return 0, newError(FrameEncodingError, "new_connection_id cid")
	}
	f.cid = append([]byte(nil), b[:length]...)
	b = b[length:]
	f.resetToken = append([]byte(nil), b[:statelessResetTokenLength]...)
	b = b[statelessResetTokenLength:]
	return orig - len(b), nil
}

func (f *newConnectionIDFrame) encode(b []byte) (int, error) {
	orig := b
	b = putVarint(b[:0], frameTypeNewConnectionID)
	b = putVarint(b, f.sequenceNumber)
	b = putVarint(b, f.retirePriorTo)
	b = append(b, byte(len(f.cid)))
	b = append(b, f.cid...)
	b = append(b, f.resetToken...)
	if len(b) > cap(orig) {
		return 0, errShortBuffer
	}
	return len(b), nil
}

func (f *newConnectionIDFrame) String() string {
	return sprint("NEW_CONNECTION_ID seq=", f.sequenceNumber, " retire_prior_to=", f.retirePriorTo)
}

// ---- RETIRE_CONNECTION_ID ----

type retireConnectionIDFrame struct {
	sequenceNumber uint64
}

func newRetireConnectionIDFrame(seq uint64) *retireConnectionIDFrame {
	return &retireConnectionIDFrame{sequenceNumber: seq}
}

func (f *retireConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeRetireConnectionID) + varintLen(f.sequenceNumber)
}

func (f *retireConnectionIDFrame) decode(b []byte) (int, error) {
	return decode1Varint(b, frameTypeRetireConnectionID, &f.sequenceNumber)
}

func (f *retireConnectionIDFrame) encode(b []byte) (int, error) {
	return encode1Varint(b, frameTypeRetireConnectionID, f.sequenceNumber)
}

func (f *retireConnectionIDFrame) String() string {
	return sprint("RETIRE_CONNECTION_ID seq=", f.sequenceNumber)
}

// ---- PATH_CHALLENGE / PATH_RESPONSE ----

const pathDataLength = 8

type pathChallengeFrame struct {
	data [pathDataLength]byte
}

func newPathChallengeFrame(data [pathDataLength]byte) *pathChallengeFrame {
	return &pathChallengeFrame{data: data}
}

func (f *pathChallengeFrame) encodedLen() int {
	return varintLen(frameTypePathChallenge) + pathDataLength
}

func (f *pathChallengeFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "path_challenge type")
	}
	b = b[n:]
	if len(b) < pathDataLength {
		return 0, newError(FrameEncodingError, "path_challenge data")
	}
	copy(f.data[:], b[:pathDataLength])
	b = b[pathDataLength:]
	return orig - len(b), nil
}

func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	orig := b
	b = putVarint(b[:0], frameTypePathChallenge)
	b = append(b, f.data[:]...)
	if len(b) > cap(orig) {
		return 0, errShortBuffer
	}
	return len(b), nil
}

func (f *pathChallengeFrame) String() string {
	return sprint("PATH_CHALLENGE data=", f.data)
}

type pathResponseFrame struct {
	data [pathDataLength]byte
}

func newPathResponseFrame(data [pathDataLength]byte) *pathResponseFrame {
	return &pathResponseFrame{data: data}
}

func (f *pathResponseFrame) encodedLen() int {
	return varintLen(frameTypePathResponse) + pathDataLength
}

func (f *pathResponseFrame) decode(b []byte) (int, error) {
	orig := len(b)
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, newError(FrameEncodingError, "path_response type")
	}
	b = b[n:]
	if len(b) < pathDataLength {
		return 0, newError(FrameEncodingError, "path_response data")
	}
	copy(f.data[:], b[:pathDataLength])
	b = b[pathDataLength:]
	return orig - len(b), nil
}

func (f *pathResponseFrame) encode(b []byte) (int, error) {
	orig := b
	b = putVarint(b[:0], frameTypePathResponse)
	b = append(b, f.data[:]...)
	if len(b) > cap(orig) {
		return 0, errShortBuffer
	}
	return len(b), nil
}

func (f *pathResponseFrame) String() string {
	return sprint("PATH_RESPONSE data=", f.data)
}
