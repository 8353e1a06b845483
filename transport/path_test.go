package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPathValidationRoundTrip(t *testing.T) {
	p := newPath()
	now := time.Now()
	data := [pathDataLength]byte{1, 2, 3, 4, 5, 6, 7, 8}

	p.beginValidation(data, now, time.Second)
	assert.True(t, p.validation.pending)
	assert.True(t, p.validation.needSend)

	// A response with the wrong bytes does not complete validation.
	wrong := [pathDataLength]byte{8, 7, 6, 5, 4, 3, 2, 1}
	assert.False(t, p.onPathResponse(wrong))
	assert.True(t, p.validation.pending)

	assert.True(t, p.onPathResponse(data))
	assert.False(t, p.validation.pending)
	assert.True(t, p.validated)
}

func TestPathValidationExpiry(t *testing.T) {
	p := newPath()
	now := time.Now()
	p.beginValidation([pathDataLength]byte{}, now, time.Second)

	assert.False(t, p.validationExpired(now.Add(500*time.Millisecond)))
	assert.True(t, p.validationExpired(now.Add(2*time.Second)))
}

func TestPMTUProbeConverges(t *testing.T) {
	p := pmtuState{base: MinInitialPacketSize, search: MaxPacketSize}

	for i := 0; i < 20; i++ {
		size := p.nextProbeSize()
		if size == 0 {
			break
		}
		assert.Greater(t, size, p.base)
		assert.LessOrEqual(t, size, p.search)
		// Pretend every probe succeeds: base should walk up toward search.
		p.onProbeAcked(size)
	}
	assert.True(t, p.complete)
	assert.Greater(t, p.base, MinInitialPacketSize)
	assert.LessOrEqual(t, p.base, MaxPacketSize)
}

func TestAntiAmplificationLimit(t *testing.T) {
	// Nothing received yet: nothing may be sent.
	assert.Equal(t, 0, antiAmplificationLimit(0, 0))
	// 3x received minus already sent.
	assert.Equal(t, 200, antiAmplificationLimit(100, 100))
	// Exhausted.
	assert.Equal(t, 0, antiAmplificationLimit(100, 300))
	assert.Equal(t, 0, antiAmplificationLimit(100, 400))
	// Large credit is capped at one full packet.
	assert.Equal(t, MaxPacketSize, antiAmplificationLimit(1<<20, 0))
}
