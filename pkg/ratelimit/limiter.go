// Package ratelimit implements the Rate Limiter & Anomaly Detector (§4.5):
// a pure Check/mutating Record split over a per-agent sliding window, and
// a velocity/spend-rate anomaly scan that may trigger an auto-freeze.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oxford22/guthwine/pkg/contracts"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

// Config holds the rate-limit tunables named in §6. BurstPerSecond bounds
// the coarse-grained, process-wide request rate ahead of the per-agent
// sliding window; 0 disables it.
type Config struct {
	WindowSizeMs    int64
	MaxAmount       float64
	MaxTransactions int
	BurstPerSecond  float64
}

// Limiter implements the sliding-window check/commit split. Commits are
// serialized per agent via a per-agent mutex, satisfying §5's requirement
// that two concurrent requests from the same agent never both commit past
// the cap.
type Limiter struct {
	storage contracts.Storage
	clock   contracts.Clock
	cfg     Config
	burst   *rate.Limiter

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewLimiter builds a Limiter. When cfg.BurstPerSecond > 0, Check is
// gated by an additional token-bucket guard shared across all agents,
// ahead of the per-agent sliding window.
func NewLimiter(storage contracts.Storage, clock contracts.Clock, cfg Config) *Limiter {
	l := &Limiter{storage: storage, clock: clock, cfg: cfg, locks: make(map[string]*sync.Mutex)}
	if cfg.BurstPerSecond > 0 {
		l.burst = rate.NewLimiter(rate.Limit(cfg.BurstPerSecond), int(cfg.BurstPerSecond))
	}
	return l
}

func (l *Limiter) agentLock(agentDID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[agentDID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[agentDID] = m
	}
	return m
}

// Check reads the current window without changing it, resetting the
// in-memory view (not the stored record) if the window has expired. When
// the burst guard is enabled, Check does consume one token from it.
func (l *Limiter) Check(ctx context.Context, agentDID string, amount float64) (contracts.RateLimitCheck, error) {
	if l.burst != nil && !l.burst.Allow() {
		now := l.clock.Now()
		return contracts.RateLimitCheck{Allowed: false, ResetAt: now.Add(time.Second)}, nil
	}
	w, err := l.storage.GetRateLimitWindow(ctx, agentDID, l.cfg.WindowSizeMs)
	if err != nil {
		return contracts.RateLimitCheck{}, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "read rate limit window", err)
	}
	now := l.clock.Now()
	w = resetIfExpired(w, agentDID, l.cfg.WindowSizeMs, now)

	projectedSpend := w.AccumulatedSpend + amount
	projectedCount := w.AccumulatedCount + 1
	allowed := projectedSpend <= l.cfg.MaxAmount && projectedCount <= l.cfg.MaxTransactions

	return contracts.RateLimitCheck{
		Allowed:      allowed,
		CurrentSpend: w.AccumulatedSpend,
		Count:        w.AccumulatedCount,
		Remaining:    l.cfg.MaxAmount - w.AccumulatedSpend,
		ResetAt:      w.WindowStart.Add(time.Duration(l.cfg.WindowSizeMs) * time.Millisecond),
	}, nil
}

// Record commits a DENY-free authorization's spend/count via
// optimistic-concurrency retry, and appends a transaction-history row for
// the anomaly detector. A commit that would take the window past MaxAmount
// or MaxTransactions is refused with a rate-limit error.
func (l *Limiter) Record(ctx context.Context, agentDID string, amount float64) error {
	lock := l.agentLock(agentDID)
	lock.Lock()
	defer lock.Unlock()

	now := l.clock.Now()
	for attempt := 0; attempt < 5; attempt++ {
		w, err := l.storage.GetRateLimitWindow(ctx, agentDID, l.cfg.WindowSizeMs)
		if err != nil {
			return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "record: read window", err)
		}
		w = resetIfExpired(w, agentDID, l.cfg.WindowSizeMs, now)
		expectedVersion := w.Version

		next := *w
		next.AccumulatedSpend += amount
		next.AccumulatedCount++
		next.Version = expectedVersion + 1
		if next.AccumulatedSpend > l.cfg.MaxAmount || next.AccumulatedCount > l.cfg.MaxTransactions {
			return guerr.New(guerr.KindConstraint, guerr.CodeRateLimit, "record: commit would exceed rate limit")
		}

		ok, err := l.storage.CASRateLimitWindow(ctx, &next, expectedVersion)
		if err != nil {
			return guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "record: cas window", err)
		}
		if ok {
			return l.storage.RecordTransactionHistory(ctx, contracts.TransactionHistoryRow{AgentDID: agentDID, Amount: amount, At: now})
		}
		// lost the race against a concurrent writer on this agent (should not
		// happen under the per-agent lock, but a storage-layer actor could
		// also write); retry.
	}
	return guerr.New(guerr.KindUpstream, guerr.CodeStorageUnavailable, "record: exhausted CAS retries")
}

func resetIfExpired(w *contracts.RateLimitWindow, agentDID string, windowSizeMs int64, now time.Time) *contracts.RateLimitWindow {
	if w == nil {
		return &contracts.RateLimitWindow{AgentDID: agentDID, WindowSizeMs: windowSizeMs, WindowStart: now}
	}
	windowSize := time.Duration(windowSizeMs) * time.Millisecond
	if now.Sub(w.WindowStart) > windowSize {
		return &contracts.RateLimitWindow{AgentDID: agentDID, WindowSizeMs: windowSizeMs, WindowStart: now, Version: w.Version}
	}
	return w
}
