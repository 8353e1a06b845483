package transport

// cidEntry is one issued or learned connection ID with its retirement
// bookkeeping, RFC 9000 Section 5.1.
type cidEntry struct {
	seq        uint64
	cid        []byte
	resetToken []byte
	retired    bool
}

// cidSet tracks one side of a connection ID pool: either the local IDs
// this endpoint has issued to its peer (and may later be told to
// retire), or the peer's IDs as learned from NEW_CONNECTION_ID frames.
type cidSet struct {
	entries []cidEntry
	nextSeq uint64 // next sequence number to issue, local pools only
	retireBefore uint64 // largest retire_prior_to observed

	pendingIssue  []cidEntry // local CIDs not yet announced
	pendingRetire []uint64   // sequence numbers to announce retired
}

// issueLocal tops up the local pool to limit entries, queuing
// NEW_CONNECTION_ID frames for the new ones. Called once the peer's
// active_connection_id_limit is known (after the handshake completes).
func (c *cidSet) issueLocal(limit uint64, randFn func([]byte) error) error {
	for uint64(len(c.entries)) < limit {
		cid := make([]byte, MaxCIDLength)
		if err := randFn(cid); err != nil {
			return err
		}
		token := make([]byte, statelessResetTokenLength)
		if err := randFn(token); err != nil {
			return err
		}
		e := cidEntry{seq: c.nextSeq, cid: cid, resetToken: token}
		c.nextSeq++
		c.entries = append(c.entries, e)
		c.pendingIssue = append(c.pendingIssue, e)
	}
	return nil
}

// recvNewConnectionID records a peer-issued CID and queues retirement of
// anything the frame's retire_prior_to obsoletes, RFC 9000 Section 19.15.
func (c *cidSet) recvNewConnectionID(f *newConnectionIDFrame) error {
	if f.retirePriorTo > c.retireBefore {
		c.retireBefore = f.retirePriorTo
		for _, e := range c.entries {
			if e.seq < f.retirePriorTo && !e.retired {
				c.pendingRetire = append(c.pendingRetire, e.seq)
			}
		}
	}
	if f.sequenceNumber < c.retireBefore {
		c.pendingRetire = append(c.pendingRetire, f.sequenceNumber)
		return nil
	}
	for _, e := range c.entries {
		if e.seq == f.sequenceNumber {
			return nil // duplicate announcement
		}
	}
	c.entries = append(c.entries, cidEntry{seq: f.sequenceNumber, cid: f.cid, resetToken: f.resetToken})
	return nil
}

// recvRetireConnectionID marks a locally-issued CID retired by the peer.
func (c *cidSet) recvRetireConnectionID(seq uint64) {
	for i := range c.entries {
		if c.entries[i].seq == seq {
			c.entries[i].retired = true
		}
	}
}

// requeueIssue puts a locally-issued CID back on the announcement queue
// after its NEW_CONNECTION_ID frame was declared lost.
func (c *cidSet) requeueIssue(seq uint64) {
	for _, e := range c.entries {
		if e.seq == seq && !e.retired {
			c.pendingIssue = append(c.pendingIssue, e)
			return
		}
	}
}

// requeueRetire puts a retirement announcement back on the queue after
// its RETIRE_CONNECTION_ID frame was declared lost.
func (c *cidSet) requeueRetire(seq uint64) {
	c.pendingRetire = append(c.pendingRetire, seq)
}

// drainIssue calls fn for each pending NEW_CONNECTION_ID frame until fn
// returns false (out of packet space) or the queue is empty.
func (c *cidSet) drainIssue(fn func(*newConnectionIDFrame) bool) {
	i := 0
	for i < len(c.pendingIssue) {
		e := c.pendingIssue[i]
		if !fn(newNewConnectionIDFrame(e.seq, c.retireBefore, e.cid, e.resetToken)) {
			break
		}
		i++
	}
	c.pendingIssue = c.pendingIssue[i:]
}

// drainRetire calls fn for each pending RETIRE_CONNECTION_ID frame until
// fn returns false or the queue is empty.
func (c *cidSet) drainRetire(fn func(*retireConnectionIDFrame) bool) {
	i := 0
	for i < len(c.pendingRetire) {
		if !fn(newRetireConnectionIDFrame(c.pendingRetire[i])) {
			break
		}
		i++
	}
	c.pendingRetire = c.pendingRetire[i:]
}
