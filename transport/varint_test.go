package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 0x3f, 0x40, 0x3fff, 0x4000,
		0x3fffffff, 0x40000000, maxVarint,
	}
	for _, v := range values {
		b := putVarint(nil, v)
		require.Equal(t, varintLen(v), len(b))
		var got uint64
		n := getVarint(b, &got)
		require.Equal(t, len(b), n)
		assert.Equal(t, v, got)
	}
}

func TestVarintEncodingLength(t *testing.T) {
	assert.Equal(t, 1, varintLen(0x3f))
	assert.Equal(t, 2, varintLen(0x40))
	assert.Equal(t, 4, varintLen(0x3fffffff))
	assert.Equal(t, 8, varintLen(0x40000000))
}

func TestVarintIncomplete(t *testing.T) {
	b := putVarint(nil, 0x3fff)
	var v uint64
	assert.Equal(t, 0, getVarint(b[:1], &v), "truncated two-byte varint must report 0 bytes consumed")
	assert.Equal(t, 0, getVarint(nil, &v))
}

func TestVarintTooLargePanics(t *testing.T) {
	assert.Panics(t, func() {
		putVarint(nil, maxVarint+1)
	})
}
