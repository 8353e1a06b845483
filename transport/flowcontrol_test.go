package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowControlSendAccounting(t *testing.T) {
	var f flowControl
	f.init(0, 1000)

	assert.Equal(t, uint64(1000), f.canSend())
	f.addSend(400)
	assert.Equal(t, uint64(600), f.canSend())
	f.addSend(600)
	assert.Equal(t, uint64(0), f.canSend())
}

func TestFlowControlMaxSendOnlyIncreases(t *testing.T) {
	var f flowControl
	f.init(0, 1000)

	f.setMaxSend(500) // decrease is ignored
	assert.Equal(t, uint64(1000), f.canSend())
	f.setMaxSend(2000)
	assert.Equal(t, uint64(2000), f.canSend())
}

func TestFlowControlRecvWindow(t *testing.T) {
	var f flowControl
	f.init(1000, 0)

	assert.Equal(t, uint64(1000), f.canRecv())
	f.addRecv(1000)
	assert.Equal(t, uint64(0), f.canRecv())
}

func TestFlowControlAutoTune(t *testing.T) {
	var f flowControl
	f.init(1000, 0)
	f.addRecv(600)

	// Consuming past half the window slides it forward.
	f.consume(600)
	assert.True(t, f.shouldUpdateMaxRecv())
	assert.Equal(t, uint64(1600), f.maxRecvNext)

	f.commitMaxRecv()
	assert.False(t, f.shouldUpdateMaxRecv())
	assert.Equal(t, uint64(1000), f.canRecv(), "window size is preserved, shifted forward")
}
