package multiplier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectScenario(t *testing.T) {
	// entry at $100,000
	initial := 100_000.0
	lastNotified := 0

	// $210,000 -> multiple 2, notify
	m, ok := Detect(initial, 210_000, lastNotified)
	require.True(t, ok)
	require.Equal(t, 2, m)
	lastNotified = m

	// $250,000 -> still multiple 2, no notify
	m, ok = Detect(initial, 250_000, lastNotified)
	assert.False(t, ok)
	assert.Equal(t, 2, m)

	// $305,000 -> multiple 3, notify
	m, ok = Detect(initial, 305_000, lastNotified)
	require.True(t, ok)
	require.Equal(t, 3, m)
}

func TestDetectNoRenotifyAfterFallback(t *testing.T) {
	initial := 100_000.0

	m, ok := Detect(initial, 320_000, 0)
	require.True(t, ok)
	require.Equal(t, 3, m)

	// value falls back below the notified threshold
	m, ok = Detect(initial, 150_000, 3)
	assert.False(t, ok)
	assert.Equal(t, 3, m)

	// re-reaching 3x must not regenerate the notification
	m, ok = Detect(initial, 310_000, 3)
	assert.False(t, ok)
	assert.Equal(t, 3, m)

	// only a strictly higher multiple notifies again
	m, ok = Detect(initial, 400_000, 3)
	require.True(t, ok)
	require.Equal(t, 4, m)
}

func TestDetectExactMultipleIsNoOp(t *testing.T) {
	_, ok := Detect(100, 200, 2)
	assert.False(t, ok)
}

func TestDetectFirstCrossing(t *testing.T) {
	// lastNotifiedMultiple starts at 0 so the 1x crossing fires once
	m, ok := Detect(100, 100, 0)
	require.True(t, ok)
	assert.Equal(t, 1, m)

	_, ok = Detect(100, 199, 1)
	assert.False(t, ok)
}

func TestDetectDegenerateInputs(t *testing.T) {
	_, ok := Detect(0, 500, 0)
	assert.False(t, ok, "zero initial market cap never notifies")

	_, ok = Detect(-10, 500, 0)
	assert.False(t, ok)

	m, ok := Detect(100, 0, 0)
	assert.False(t, ok)
	assert.Equal(t, 0, m)
}

func TestEventDelta(t *testing.T) {
	ev := Event{
		InitialMarketCap: 100_000,
		CurrentMarketCap: 310_000,
		EntryTime:        time.Now().Add(-90 * time.Minute),
	}
	assert.InDelta(t, 210_000, ev.Delta(), 0.001)
}
