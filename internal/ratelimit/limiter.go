// Package ratelimit provides per-source request pacing. Each upstream gets
// one Limiter; acquisition workers share nothing across sources.
package ratelimit

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter wraps a token bucket with adaptive rate adjustment: on a
// rate-limit signal the rate halves (down to initial/4), on success it
// creeps back up by 20% (up to the configured initial).
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	source  string

	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// New creates a Limiter for one source at perSec requests per second.
func New(source string, perSec float64, burst int) *Limiter {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	initial := rate.Limit(perSec)
	return &Limiter{
		limiter:     rate.NewLimiter(initial, burst),
		source:      source,
		initialRate: initial,
		minRate:     initial / 4,
		currentRate: initial,
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// OnRateLimited halves the rate after an upstream rate-limit signal.
func (l *Limiter) OnRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRate := l.currentRate * 0.5
	if newRate < l.minRate {
		newRate = l.minRate
	}
	l.currentRate = newRate
	l.limiter.SetLimit(newRate)
	zap.L().Warn("rate limit signal: reducing request rate",
		zap.String("source", l.source),
		zap.Float64("new_rate", float64(newRate)),
	)
}

// OnSuccess increases the rate by 20%, never past the configured initial.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newRate := l.currentRate * 1.2
	if newRate > l.initialRate {
		newRate = l.initialRate
	}
	l.currentRate = newRate
	l.limiter.SetLimit(newRate)
}

// Limit returns the current rate limit.
func (l *Limiter) Limit() rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRate
}

// Registry hands out one Limiter per source id.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// For returns the limiter for the given source, creating it on first use
// with the given rate and burst.
func (r *Registry) For(source string, perSec float64, burst int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[source]; ok {
		return l
	}
	l := New(source, perSec, burst)
	r.limiters[source] = l
	return l
}
