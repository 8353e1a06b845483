package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainKinds(q *opQueue) []opKind {
	var kinds []opKind
	for op := q.popAll(); op != nil; op = op.next {
		kinds = append(kinds, op.kind)
	}
	return kinds
}

func TestOpQueueFIFO(t *testing.T) {
	var q opQueue
	q.push(&operation{kind: opRecvChain})
	q.push(&operation{kind: opFlushSend})
	q.push(&operation{kind: opTimerExpired})

	assert.Equal(t, []opKind{opRecvChain, opFlushSend, opTimerExpired}, drainKinds(&q))
	assert.True(t, q.empty())
}

func TestOpQueuePriorityJumpsAhead(t *testing.T) {
	var q opQueue
	q.push(&operation{kind: opRecvChain})
	q.push(&operation{kind: opFlushSend})
	q.push(&operation{kind: opShutdown})

	kinds := drainKinds(&q)
	require.Len(t, kinds, 3)
	assert.Equal(t, opShutdown, kinds[0], "shutdown preempts queued work")
	assert.Equal(t, []opKind{opRecvChain, opFlushSend}, kinds[1:])
}

func TestOpQueuePriorityPreservesOrderAmongPriorities(t *testing.T) {
	var q opQueue
	q.push(&operation{kind: opShutdown})
	q.push(&operation{kind: opRecvChain})
	q.push(&operation{kind: opFree})

	kinds := drainKinds(&q)
	assert.Equal(t, []opKind{opShutdown, opFree, opRecvChain}, kinds,
		"a later priority op queues behind earlier priority ops, ahead of normal work")
}

func TestOpQueueTailStaysConsistent(t *testing.T) {
	var q opQueue
	q.push(&operation{kind: opShutdown}) // priority into empty queue
	q.push(&operation{kind: opRecvChain})

	assert.Equal(t, []opKind{opShutdown, opRecvChain}, drainKinds(&q))

	// Priority insert at the very front when head is non-priority.
	q.push(&operation{kind: opRecvChain})
	q.push(&operation{kind: opFree})
	q.push(&operation{kind: opFlushSend})
	assert.Equal(t, []opKind{opFree, opRecvChain, opFlushSend}, drainKinds(&q))
}

func TestOpKindPriority(t *testing.T) {
	assert.True(t, opShutdown.isPriority())
	assert.True(t, opFree.isPriority())
	assert.True(t, opRouteResolved.isPriority())
	assert.False(t, opRecvChain.isPriority())
	assert.False(t, opAPICall.isPriority())
	assert.False(t, opFlushSend.isPriority())
}
