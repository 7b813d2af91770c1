package main

import (
	"sync"
	"time"

	"github.com/pavitra93/go-loyalty-ledger/shared/config"
	"github.com/pavitra93/go-loyalty-ledger/shared/redemption"
)

// SweepStats is what /stats reports about the reconciler.
type SweepStats struct {
	Sweeps       int64          `json:"sweeps"`
	FailedSweeps int64          `json:"failed_sweeps"`
	LastSweepAt  *time.Time     `json:"last_sweep_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	LastTenants  int            `json:"last_tenants"`
	LastExamined int            `json:"last_examined"`
	Outcomes     map[string]int `json:"outcomes"`
}

// sweepTracker accumulates sweep summaries for the stats endpoint.
type sweepTracker struct {
	mu    sync.Mutex
	stats SweepStats
	now   func() time.Time
}

func newSweepTracker() *sweepTracker {
	return &sweepTracker{
		stats: SweepStats{Outcomes: make(map[string]int)},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Observe records one sweep. It is installed as the reconciler's OnSweep hook.
func (t *sweepTracker) Observe(summary redemption.Summary, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	at := t.now()
	t.stats.Sweeps++
	t.stats.LastSweepAt = &at
	t.stats.LastTenants = summary.Tenants
	t.stats.LastExamined = summary.Examined
	t.stats.LastError = ""
	if err != nil {
		t.stats.FailedSweeps++
		t.stats.LastError = err.Error()
	}
	for outcome, n := range summary.Outcomes {
		t.stats.Outcomes[outcome] += n
	}
}

// Snapshot returns a copy safe to serialise.
func (t *sweepTracker) Snapshot() SweepStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.stats
	out.Outcomes = make(map[string]int, len(t.stats.Outcomes))
	for k, v := range t.stats.Outcomes {
		out.Outcomes[k] = v
	}
	return out
}

func reconcilerConfig(cfg config.ReconcileConfig, tracker *sweepTracker) redemption.ReconcilerConfig {
	return redemption.ReconcilerConfig{
		Interval:   cfg.Interval,
		StaleAfter: cfg.StaleAfter,
		Workers:    cfg.Workers,
		OnSweep:    tracker.Observe,
	}
}
