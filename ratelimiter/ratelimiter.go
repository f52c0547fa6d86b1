// Package ratelimiter enforces the per-domain sliding-window-plus-backoff
// discipline every probe must obey before talking to a mail server,
// API, or login page. The Limiter is owned by the Engine, not kept as
// a package-level singleton, so independent Engine instances never
// share state.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// domainEntry is one domain's sliding window of request timestamps
// plus an optional explicit backoff deadline.
type domainEntry struct {
	window       []time.Time
	backoffUntil time.Time
}

// Limiter is a per-domain sliding window (N requests per W seconds)
// with explicit backoff windows set by probes (e.g. Microsoft's
// ThrottleStatus=1), plus a process-wide token bucket that caps the
// aggregate probe rate regardless of domain. The per-domain side is a
// hand-kept timestamp window rather than a token bucket so callers
// can introspect it (IsLimited/RemainingBackoff) before committing to
// a probe.
type Limiter struct {
	mu          sync.Mutex
	domains     map[string]*domainEntry
	maxRequests int
	window      time.Duration

	global *rate.Limiter
}

// New builds a Limiter with the given default window (N requests per
// W) and an aggregate global bucket four times as large (4N per W,
// burst 4N).
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		domains:     make(map[string]*domainEntry),
		maxRequests: maxRequests,
		window:      window,
		global:      rate.NewLimiter(rate.Limit(maxRequests*4)/rate.Limit(window.Seconds()), maxRequests*4),
	}
}

// IsLimited reports whether domain is currently in backoff or has
// saturated its sliding window.
func (l *Limiter) IsLimited(domain string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLimitedLocked(domain, time.Now())
}

func (l *Limiter) isLimitedLocked(domain string, now time.Time) bool {
	e, ok := l.domains[domain]
	if !ok {
		return false
	}
	if now.Before(e.backoffUntil) {
		return true
	}
	e.window = gcWindow(e.window, now, l.window)
	return len(e.window) >= l.maxRequests
}

// Record appends now to domain's sliding window, garbage-collecting
// entries older than the window.
func (l *Limiter) Record(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	e := l.entryLocked(domain)
	e.window = append(gcWindow(e.window, now, l.window), now)
}

// SetBackoff puts domain in backoff for the given duration.
func (l *Limiter) SetBackoff(domain string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(domain)
	until := time.Now().Add(d)
	if until.After(e.backoffUntil) {
		e.backoffUntil = until
	}
}

// RemainingBackoff returns how long the caller must still wait before
// domain clears its backoff window, or zero if it is not in backoff.
func (l *Limiter) RemainingBackoff(domain string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.domains[domain]
	if !ok {
		return 0
	}
	remaining := time.Until(e.backoffUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Wait blocks until domain is no longer limited (sleeping on backoff
// and/or the global bucket), honoring ctx cancellation. Callers still
// must call Record afterward — Wait only clears the way, it does not
// reserve a slot.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	for {
		l.mu.Lock()
		now := time.Now()
		limited := l.isLimitedLocked(domain, now)
		var sleepFor time.Duration
		if limited {
			e := l.domains[domain]
			if now.Before(e.backoffUntil) {
				sleepFor = e.backoffUntil.Sub(now)
			} else {
				sleepFor = l.window
			}
		}
		l.mu.Unlock()

		if !limited {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
	}
	return l.global.Wait(ctx)
}

func (l *Limiter) entryLocked(domain string) *domainEntry {
	e, ok := l.domains[domain]
	if !ok {
		e = &domainEntry{}
		l.domains[domain] = e
	}
	return e
}

func gcWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
