package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestLimiter_HalvesOnRateLimitSignal(t *testing.T) {
	l := New("pubmed", 8, 2)
	assert.Equal(t, rate.Limit(8), l.Limit())

	l.OnRateLimited()
	assert.Equal(t, rate.Limit(4), l.Limit())

	// Floor at initial/4.
	l.OnRateLimited()
	l.OnRateLimited()
	l.OnRateLimited()
	assert.Equal(t, rate.Limit(2), l.Limit())
}

func TestLimiter_RecoversTowardInitial(t *testing.T) {
	l := New("pubmed", 10, 2)
	l.OnRateLimited() // 5

	for range 10 {
		l.OnSuccess()
	}
	assert.Equal(t, rate.Limit(10), l.Limit(), "never exceeds initial rate")
}

func TestLimiter_WaitHonorsCancellation(t *testing.T) {
	l := New("slow", 0.001, 1)
	// Drain the single burst token.
	assert.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.Error(t, err)
}

func TestLimiter_DefaultsForBadInput(t *testing.T) {
	l := New("x", 0, 0)
	assert.Equal(t, rate.Limit(1), l.Limit())
}

func TestRegistry_ReturnsSameLimiterPerSource(t *testing.T) {
	r := NewRegistry()
	a := r.For("ndc", 5, 5)
	b := r.For("ndc", 99, 99)
	c := r.For("icd10", 5, 5)

	assert.Same(t, a, b, "limiter is created once per source")
	assert.NotSame(t, a, c)
}
