package teamvault

import (
	"fmt"
	"sync"
	"time"
)

// LoginGate throttles authentication attempts per principal. Allow is
// consulted before credentials are checked; RecordFailure and RecordSuccess
// report the outcome afterwards.
type LoginGate interface {
	// Allow returns nil when an attempt may proceed, or an error naming
	// the remaining lockout when the principal is still throttled.
	Allow(principal string) error
	RecordFailure(principal string)
	RecordSuccess(principal string)
}

// BackoffGate implements LoginGate with per-principal exponential backoff:
// the nth consecutive failure locks the principal out for 2^n seconds,
// capped at MaxDelay. A success clears the principal's record, and stale
// records decay after Retention so an attacker cannot pin a victim's email
// in a locked state forever.
type BackoffGate struct {
	mu        sync.Mutex
	records   map[string]*gateRecord
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Retention time.Duration
	now       func() time.Time
}

type gateRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// NewBackoffGate creates a gate with the default policy: 2^n second
// lockouts capped at 5 minutes, records retained for an hour.
func NewBackoffGate() *BackoffGate {
	return &BackoffGate{
		records:   make(map[string]*gateRecord),
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Minute,
		Retention: time.Hour,
		now:       time.Now,
	}
}

func (g *BackoffGate) Allow(principal string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[principal]
	if !ok {
		return nil
	}
	now := g.now()
	if now.Sub(rec.lastFailure) > g.Retention {
		delete(g.records, principal)
		return nil
	}
	if now.Before(rec.lockedUntil) {
		remaining := rec.lockedUntil.Sub(now).Round(time.Second)
		return fmt.Errorf("%w: too many failed attempts, retry in %s", ErrForbidden, remaining)
	}
	return nil
}

func (g *BackoffGate) RecordFailure(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[principal]
	if !ok {
		rec = &gateRecord{}
		g.records[principal] = rec
	}
	now := g.now()
	if now.Sub(rec.lastFailure) > g.Retention {
		rec.failures = 0
	}
	rec.failures++
	rec.lastFailure = now

	delay := g.BaseDelay << uint(rec.failures-1)
	if delay > g.MaxDelay || delay <= 0 {
		delay = g.MaxDelay
	}
	rec.lockedUntil = now.Add(delay)
}

func (g *BackoffGate) RecordSuccess(principal string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, principal)
}
