package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSetCoalesces(t *testing.T) {
	var s rangeSet
	s.push(10, 12)
	s.push(5, 8)
	s.push(9, 9) // bridges the two ranges above
	require.Len(t, s.ranges, 1)
	assert.Equal(t, numRange{5, 12}, s.ranges[0])
}

func TestRangeSetDisjoint(t *testing.T) {
	var s rangeSet
	s.push(1, 2)
	s.push(10, 12)
	require.Len(t, s.ranges, 2)
	assert.True(t, s.contains(1))
	assert.True(t, s.contains(11))
	assert.False(t, s.contains(5))
	assert.False(t, s.contains(13))
}

func TestRangeSetDuplicateInsert(t *testing.T) {
	var s rangeSet
	s.push(4, 4)
	s.push(4, 4)
	assert.Len(t, s.ranges, 1)
	assert.True(t, s.contains(4))
}

func TestRangeSetRemoveUntil(t *testing.T) {
	var s rangeSet
	s.push(1, 3)
	s.push(5, 9)
	s.removeUntil(6)
	require.Len(t, s.ranges, 1)
	assert.Equal(t, numRange{7, 9}, s.ranges[0])
}

func TestRangeSetLargestAndEmpty(t *testing.T) {
	var s rangeSet
	assert.True(t, s.isEmpty())
	assert.Equal(t, uint64(0), s.largest())
	s.push(3, 20)
	assert.False(t, s.isEmpty())
	assert.Equal(t, uint64(20), s.largest())
}

func TestRangeSetEncodeIntoAck(t *testing.T) {
	var s rangeSet
	s.push(0, 1)
	s.push(4, 5)
	s.push(8, 10)
	var f ackFrame
	s.encodeInto(&f, 10)
	require.Equal(t, uint64(10), f.largestAck)
	assert.Equal(t, uint64(2), f.firstAckRange) // 10-8
	require.Len(t, f.ranges, 2)
	// gap between [8,10] and [4,5]: unacked packets 6,7 -> gap = 8-5-2 = 1
	assert.Equal(t, uint64(1), f.ranges[0].gap)
	assert.Equal(t, uint64(1), f.ranges[0].ackRange) // 5-4
	// gap between [4,5] and [0,1]: unacked packets 2,3 -> gap = 4-1-2 = 1
	assert.Equal(t, uint64(1), f.ranges[1].gap)
	assert.Equal(t, uint64(1), f.ranges[1].ackRange) // 1-0
}

func TestRangeSetEncodeIntoTruncates(t *testing.T) {
	var s rangeSet
	for i := uint64(0); i < 5; i++ {
		s.push(i*10, i*10)
	}
	var f ackFrame
	s.encodeInto(&f, 2)
	assert.Equal(t, uint64(40), f.largestAck)
	assert.Len(t, f.ranges, 1)
}
