// Package ratelimit implements the hierarchical, task-log-based admission
// controller shared by every network call an exchange instance makes.
//
// Unlike a plain token bucket, a request here can be gated by more than one
// budget at once — a per-endpoint limit plus one or more linked limits it
// shares with other endpoints (e.g. Binance's per-endpoint weight also
// debits the account's overall REQUEST_WEIGHT pool). Admission is a single
// mutex-guarded flush-check-append cycle; callers that lose the race simply
// sleep and retry.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"depthtracker/pkg/types"
)

const (
	defaultSafetyMarginPct = 0.05
	defaultRetryInterval   = 100 * time.Millisecond
	warningLogInterval     = 30 * time.Second
)

// Limiter gates admission across a fixed set of named RateLimits.
type Limiter struct {
	mu           sync.Mutex
	limits       map[string]types.RateLimit
	taskLog      []types.TaskLog
	safetyMargin float64
	retryWait    time.Duration

	logger     *slog.Logger
	lastWarned map[string]time.Time
}

// New builds a Limiter over the given limit table. safetyMarginPct and
// retryInterval default to 0.05 and 100ms when zero.
func New(limits []types.RateLimit, safetyMarginPct float64, retryInterval time.Duration, logger *slog.Logger) *Limiter {
	if safetyMarginPct == 0 {
		safetyMarginPct = defaultSafetyMarginPct
	}
	if retryInterval == 0 {
		retryInterval = defaultRetryInterval
	}
	byID := make(map[string]types.RateLimit, len(limits))
	for _, l := range limits {
		byID[l.ID] = l
	}
	return &Limiter{
		limits:       byID,
		safetyMargin: safetyMarginPct,
		retryWait:    retryInterval,
		logger:       logger,
		lastWarned:   make(map[string]time.Time),
	}
}

// Acquire blocks until admission is permitted under the named limit and
// every limit it links to, or ctx is cancelled first. On success it records
// task-log entries for the limit and each of its links; on cancellation it
// leaves no residue.
func (l *Limiter) Acquire(ctx context.Context, limitID string) error {
	limit, ok := l.limits[limitID]
	if !ok {
		return fmt.Errorf("ratelimit: unknown limit id %q", limitID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		admitted, wait := l.tryAdmit(limit)
		if admitted {
			return nil
		}

		l.warnAtCapacity(limit.ID)

		retry := l.retryWait
		if wait > 0 && wait < retry {
			retry = wait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

// tryAdmit performs one flush-check-append cycle. It returns true on
// admission, or false with a hint for how long until the tightest limit
// might free capacity.
func (l *Limiter) tryAdmit(limit types.RateLimit) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.flush(now)

	checks := make([]types.LinkedLimit, 0, 1+len(limit.LinkedLimits))
	checks = append(checks, types.LinkedLimit{ID: limit.ID, Weight: limit.Weight})
	checks = append(checks, limit.LinkedLimits...)

	var minWait time.Duration
	for _, c := range checks {
		rl, ok := l.limits[c.ID]
		if !ok {
			rl = limit
			rl.ID = c.ID
		}
		used := l.usedWeight(c.ID, rl.Interval, now)
		weight := c.Weight
		if weight == 0 {
			weight = 1
		}
		if used+weight > rl.Limit {
			if w := l.oldestAge(c.ID, rl.Interval, now); w > minWait {
				minWait = w
			}
			return false, minWait
		}
	}

	for _, c := range checks {
		weight := c.Weight
		if weight == 0 {
			weight = 1
		}
		l.taskLog = append(l.taskLog, types.TaskLog{Timestamp: now, RateLimitID: c.ID, Weight: weight})
	}
	return true, 0
}

// flush drops task-log entries whose age exceeds interval*(1+safetyMargin)
// for their own limit. Every limit's log shares one slice; this is the
// "rolling counters" tradeoff noted in the design notes — acceptable at the
// scale of a handful of limits with low task-log depth.
func (l *Limiter) flush(now time.Time) {
	kept := l.taskLog[:0]
	for _, entry := range l.taskLog {
		rl, ok := l.limits[entry.RateLimitID]
		var interval time.Duration
		if ok {
			interval = rl.Interval
		}
		if interval == 0 {
			continue // no limit registered under this id anymore; drop it
		}
		if now.Sub(entry.Timestamp) <= time.Duration(float64(interval)*(1+l.safetyMargin)) {
			kept = append(kept, entry)
		}
	}
	l.taskLog = kept
}

func (l *Limiter) usedWeight(limitID string, interval time.Duration, now time.Time) int {
	used := 0
	for _, entry := range l.taskLog {
		if entry.RateLimitID != limitID {
			continue
		}
		if now.Sub(entry.Timestamp) <= interval {
			used += entry.Weight
		}
	}
	return used
}

// oldestAge estimates how long until the oldest in-window entry for limitID
// ages out, used only to pick a tighter retry wait than the default.
func (l *Limiter) oldestAge(limitID string, interval time.Duration, now time.Time) time.Duration {
	var oldest time.Time
	for _, entry := range l.taskLog {
		if entry.RateLimitID != limitID {
			continue
		}
		if now.Sub(entry.Timestamp) > interval {
			continue
		}
		if oldest.IsZero() || entry.Timestamp.Before(oldest) {
			oldest = entry.Timestamp
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return interval - now.Sub(oldest)
}

func (l *Limiter) warnAtCapacity(limitID string) {
	if l.logger == nil {
		return
	}
	l.mu.Lock()
	now := time.Now()
	last, seen := l.lastWarned[limitID]
	if seen && now.Sub(last) < warningLogInterval {
		l.mu.Unlock()
		return
	}
	l.lastWarned[limitID] = now
	l.mu.Unlock()
	l.logger.Warn("rate limit at capacity", "limit_id", limitID)
}
