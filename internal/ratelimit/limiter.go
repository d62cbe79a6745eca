// Package ratelimit enforces per-worker sliding-window request caps on the
// relay's trade-class and read-class operations.
package ratelimit

import (
	"sync"
	"time"

	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/identity"
)

// Class selects which bucket a request counts against.
type Class int

const (
	Trade Class = iota
	Read
)

func (c Class) String() string {
	if c == Trade {
		return "trade"
	}
	return "read"
}

type bucketConfig struct {
	max    int
	window time.Duration
}

// Limiter tracks request timestamps per worker per class. Expired entries
// are pruned on every check, so memory is bounded by max entries per live
// worker.
type Limiter struct {
	mu      sync.Mutex
	buckets map[Class]map[string][]time.Time
	cfg     map[Class]bucketConfig
	log     *audit.Log
	now     func() time.Time
}

// New builds a limiter with the given caps. Apex is never limited.
func New(tradeMax int, tradeWindow time.Duration, readMax int, readWindow time.Duration, auditLog *audit.Log) *Limiter {
	return &Limiter{
		buckets: map[Class]map[string][]time.Time{
			Trade: {},
			Read:  {},
		},
		cfg: map[Class]bucketConfig{
			Trade: {max: tradeMax, window: tradeWindow},
			Read:  {max: readMax, window: readWindow},
		},
		log: auditLog,
		now: time.Now,
	}
}

// Allow admits or rejects one request from worker for the named action.
// A rejection emits a RATE_LIMITED audit event.
func (l *Limiter) Allow(worker string, class Class, action string) bool {
	if identity.IsApex(worker) {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.cfg[class]
	now := l.now()
	cutoff := now.Add(-cfg.window)

	stamps := l.buckets[class][worker]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= cfg.max {
		l.buckets[class][worker] = kept
		l.log.Event("RATE_LIMITED", audit.Details{
			"worker":         worker,
			"blocked_action": action,
			"class":          class.String(),
			"count":          len(kept),
			"max":            cfg.max,
			"window_seconds": cfg.window.Seconds(),
		})
		return false
	}

	l.buckets[class][worker] = append(kept, now)
	return true
}
