package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesToCap(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 30*time.Second, b.Delay(1000))
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Jitter: 0.5}

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, b.Delay(1))

	b.rand = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(1500*time.Millisecond), float64(b.Delay(1)), float64(time.Millisecond))

	// Jitter never pushes past the cap.
	assert.LessOrEqual(t, b.Delay(10), 30*time.Second)
}

func TestBackoffZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 30*time.Second, b.Delay(6))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(99).String())
	data, err := StateConnected.MarshalJSON()
	assert.NoError(t, err)
	assert.JSONEq(t, `"connected"`, string(data))
}

func TestSubscriptionsSet(t *testing.T) {
	s := NewSubscriptions()
	assert.True(t, s.Add("b"))
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.Equal(t, []string{"a", "b"}, s.List())
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.True(t, s.Has("b"))
	s.Clear()
	assert.Zero(t, s.Len())
}
