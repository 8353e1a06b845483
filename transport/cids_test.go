package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRand(b []byte) error {
	for i := range b {
		b[i] = byte(i + 1)
	}
	return nil
}

func TestCIDSetIssueLocal(t *testing.T) {
	var c cidSet
	require.NoError(t, c.issueLocal(3, testRand))
	assert.Len(t, c.entries, 3)
	assert.Len(t, c.pendingIssue, 3)
	assert.Equal(t, uint64(0), c.entries[0].seq)
	assert.Equal(t, uint64(2), c.entries[2].seq)

	// Topping up to the same limit issues nothing new.
	require.NoError(t, c.issueLocal(3, testRand))
	assert.Len(t, c.entries, 3)
}

func TestCIDSetDrainIssueStopsWhenFull(t *testing.T) {
	var c cidSet
	require.NoError(t, c.issueLocal(3, testRand))

	var got []uint64
	c.drainIssue(func(f *newConnectionIDFrame) bool {
		if len(got) == 2 {
			return false // pretend the packet is full
		}
		got = append(got, f.sequenceNumber)
		return true
	})
	assert.Equal(t, []uint64{0, 1}, got)
	assert.Len(t, c.pendingIssue, 1, "undelivered announcement stays queued")
}

func TestCIDSetRetirePriorTo(t *testing.T) {
	var c cidSet
	f1 := &newConnectionIDFrame{sequenceNumber: 1, cid: []byte{1}, resetToken: make([]byte, 16)}
	f2 := &newConnectionIDFrame{sequenceNumber: 2, cid: []byte{2}, resetToken: make([]byte, 16)}
	require.NoError(t, c.recvNewConnectionID(f1))
	require.NoError(t, c.recvNewConnectionID(f2))

	// retire_prior_to=2 obsoletes seq 1.
	f3 := &newConnectionIDFrame{sequenceNumber: 3, retirePriorTo: 2, cid: []byte{3}, resetToken: make([]byte, 16)}
	require.NoError(t, c.recvNewConnectionID(f3))
	assert.Contains(t, c.pendingRetire, uint64(1))
	assert.Equal(t, uint64(2), c.retireBefore)

	// An announcement already below retire_prior_to is retired immediately.
	f0 := &newConnectionIDFrame{sequenceNumber: 0, cid: []byte{0}, resetToken: make([]byte, 16)}
	require.NoError(t, c.recvNewConnectionID(f0))
	assert.Contains(t, c.pendingRetire, uint64(0))
}

func TestCIDSetRequeueAfterLoss(t *testing.T) {
	var c cidSet
	require.NoError(t, c.issueLocal(1, testRand))
	c.drainIssue(func(*newConnectionIDFrame) bool { return true })
	require.Empty(t, c.pendingIssue)

	c.requeueIssue(0)
	assert.Len(t, c.pendingIssue, 1)

	// A retired entry is not re-announced.
	c.recvRetireConnectionID(0)
	c.pendingIssue = nil
	c.requeueIssue(0)
	assert.Empty(t, c.pendingIssue)
}
