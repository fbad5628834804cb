// Package ratelimit holds one token bucket per external provider.
//
// Buckets are independent, so a throttled provider never slows the others in
// the same fallback chain. Token withdrawal for one provider is serialized by
// that provider's rate.Limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/bookenrich/errors"
)

// Registry maps provider IDs to token buckets
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	maxWait  time.Duration
	timeNow  func() time.Time                                 // Injectable for testing
	sleep    func(ctx context.Context, d time.Duration) error // Injectable for testing
}

// NewRegistry creates a registry with real time.
// Acquire signals backpressure instead of waiting longer than maxWait.
func NewRegistry(maxWait time.Duration) *Registry {
	return NewRegistryWithClock(maxWait, time.Now, sleepContext)
}

// NewRegistryWithClock creates a registry with an injectable clock and sleeper (for testing)
func NewRegistryWithClock(maxWait time.Duration, timeNow func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Registry {
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
		maxWait:  maxWait,
		timeNow:  timeNow,
		sleep:    sleep,
	}
}

// SetLimit installs or updates the bucket for provider.
// perSecond <= 0 removes the bucket, leaving the provider unlimited.
func (r *Registry) SetLimit(provider string, perSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if perSecond <= 0 {
		delete(r.limiters, provider)
		return
	}
	if burst < 1 {
		burst = 1
	}

	now := r.timeNow()
	if lim, ok := r.limiters[provider]; ok {
		lim.SetLimitAt(now, rate.Limit(perSecond))
		lim.SetBurstAt(now, burst)
		return
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)
	// Start full relative to the injected clock
	lim.SetLimitAt(now, rate.Limit(perSecond))
	r.limiters[provider] = lim
}

// SetMaxWait changes the backpressure threshold
func (r *Registry) SetMaxWait(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxWait = d
}

// Acquire withdraws one token for provider, suspending until it is available.
// If the token would arrive later than the max wait, nothing is withdrawn and
// an ErrRateLimited error is returned along with the wait that was refused.
// The returned duration is the time the caller waited (or would have had to).
func (r *Registry) Acquire(ctx context.Context, provider string) (time.Duration, error) {
	r.mu.RLock()
	lim := r.limiters[provider]
	maxWait := r.maxWait
	r.mu.RUnlock()

	if lim == nil {
		return 0, nil
	}

	now := r.timeNow()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return 0, errors.Wrapf(errors.ErrRateLimited, "provider %s cannot grant a token", provider)
	}

	delay := res.DelayFrom(now)
	if delay > maxWait {
		res.CancelAt(now)
		err := errors.Wrapf(errors.ErrRateLimited, "provider %s", provider)
		err = errors.WithDetail(err, fmt.Sprintf("Required wait: %s", delay))
		err = errors.WithDetail(err, fmt.Sprintf("Max wait: %s", maxWait))
		return delay, err
	}
	if delay == 0 {
		return 0, nil
	}

	if err := r.sleep(ctx, delay); err != nil {
		res.CancelAt(r.timeNow())
		return 0, errors.Wrapf(err, "waiting for %s token", provider)
	}
	return delay, nil
}

// Tokens returns the tokens currently available for provider.
// ok is false for unlimited providers.
func (r *Registry) Tokens(provider string) (tokens float64, ok bool) {
	r.mu.RLock()
	lim := r.limiters[provider]
	r.mu.RUnlock()
	if lim == nil {
		return 0, false
	}
	return lim.TokensAt(r.timeNow()), true
}

// Providers returns the IDs that currently have a bucket
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
