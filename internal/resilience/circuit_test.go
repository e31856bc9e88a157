package resilience

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for range 3 {
		require.NoError(t, cb.Allow())
		cb.Record(eris.New("enrich failed"))
	}

	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAfterReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.nowFunc = func() time.Time { return now }

	cb.Record(eris.New("boom"))
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.NoError(t, cb.Allow(), "probe allowed after reset timeout")

	// Failed probe reopens immediately.
	cb.Record(eris.New("still down"))
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Millisecond)
	cb.Record(eris.New("a"))
	cb.Record(eris.New("b"))
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	cb.Record(eris.New("x"))
	assert.Equal(t, CircuitOpen, cb.State())
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}
