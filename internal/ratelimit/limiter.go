// Package ratelimit provides per-requester sliding-window rate limiting for
// track submissions.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks submission timestamps per requester display name and allows
// at most limit submissions within a trailing window. Names are matched by
// exact string equality; callers trim before checking.
//
// Pruning is lazy: every access drops timestamps older than now-window for
// that name. There is no background sweep, so the name map itself grows with
// the number of distinct requesters seen (accepted resource bound for a
// single-venue kiosk).
type Limiter struct {
	limit   int
	window  time.Duration
	mutex   sync.Mutex
	history map[string][]time.Time

	now func() time.Time // test seam
}

func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether the requester may submit another track right now.
// It prunes but does not record.
func (l *Limiter) Allow(name string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return len(l.prune(name)) < l.limit
}

// Record registers a submission for the requester.
func (l *Limiter) Record(name string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.history[name] = append(l.prune(name), l.now())
}

// prune drops timestamps outside the trailing window. Caller holds the lock.
func (l *Limiter) prune(name string) []time.Time {
	windowStart := l.now().Add(-l.window)
	timestamps := l.history[name]

	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	l.history[name] = valid
	return valid
}

// Stats contains limiter statistics for monitoring.
type Stats struct {
	KnownRequesters int           `json:"known_requesters"`
	Limit           int           `json:"limit"`
	Window          time.Duration `json:"window"`
}

// GetStats returns statistics about the limiter.
func (l *Limiter) GetStats() Stats {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return Stats{
		KnownRequesters: len(l.history),
		Limit:           l.limit,
		Window:          l.window,
	}
}
