// Package reaper implements a background, non-mutating stale-claim and
// stuck-run reporter. Unlike a conventional retention sweeper it never writes
// to a claim or run row: the three-party idempotency protocol and the
// claim-stale CAS are the only things allowed to change claim/run state, and
// a reaper that raced them would reintroduce the exact double-dispatch bugs
// that protocol exists to prevent. This reaper only observes and logs.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/postgres"
)

// PendingGraceWindow bounds how long an idempotency claim may sit in pending
// with no run failure marker before it is reported as stuck.
const PendingGraceWindow = 5 * time.Minute

// RunningOutageMultiple scales domain.StaleThreshold into the much larger
// window past which a `running` run is reported as an outage rather than an
// ordinary claim-stale takeover candidate (spec §9: the reaper's threshold is
// well above the single-worker liveness threshold so a healthy takeover never
// shows up as a false alarm).
const RunningOutageMultiple = 10

// DefaultSchedule runs the scan every 5 minutes.
const DefaultSchedule = "*/5 * * * *"

// ClaimReader is the read-only slice of postgres.ClaimStore the reporter uses.
type ClaimReader interface {
	ListStuckPending(ctx context.Context, olderThan time.Time) ([]postgres.StuckClaim, error)
}

// RunReader is the read-only slice of postgres.RunStore the reporter uses.
type RunReader interface {
	ListStuckRunning(ctx context.Context, olderThan time.Time) ([]domain.Run, error)
}

// Counts is the last scan's findings, exposed to GET /v1/admin/reaper.
type Counts struct {
	StuckClaims int       `json:"stuckClaims"`
	StuckRuns   int       `json:"stuckRuns"`
	LastScanAt  time.Time `json:"lastScanAt"`
	LastScanErr string    `json:"lastScanError,omitempty"`
}

// Reporter periodically scans for idempotency claims and runs that appear
// stuck and logs structured warnings. It never mutates a claim or run row.
type Reporter struct {
	claims   ClaimReader
	runs     RunReader
	schedule cron.Schedule

	mu     sync.RWMutex
	last   Counts
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Reporter scanning on the given cron schedule expression
// (standard five-field crontab syntax). An empty expression falls back to
// DefaultSchedule.
func New(claims ClaimReader, runs RunReader, scheduleExpr string) (*Reporter, error) {
	if scheduleExpr == "" {
		scheduleExpr = DefaultSchedule
	}
	sched, err := cron.ParseStandard(scheduleExpr)
	if err != nil {
		return nil, err
	}
	return &Reporter{claims: claims, runs: runs, schedule: sched}, nil
}

// Start begins the background scan goroutine, sleeping until each cron-computed
// next-run time rather than on a fixed ticker.
func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		now := time.Now()
		next := r.schedule.Next(now)

		for {
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case now = <-timer.C:
				r.safeRun("scan", func() { r.Scan(ctx) })
				next = r.schedule.Next(now)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// Last returns the counts from the most recent scan.
func (r *Reporter) Last() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Scan runs one pass over stuck claims and stuck runs, logging each finding
// and recording the counts. It never writes to the database.
func (r *Reporter) Scan(ctx context.Context) Counts {
	now := time.Now()
	counts := Counts{LastScanAt: now}

	if r.claims != nil {
		stuck, err := r.claims.ListStuckPending(ctx, now.Add(-PendingGraceWindow))
		if err != nil {
			slog.Error("reaper: failed to scan stuck pending claims", "error", err)
			counts.LastScanErr = err.Error()
		} else {
			for _, c := range stuck {
				slog.Warn("claim.stuck.detected",
					"claim_key", c.Key, "run_id", c.RunID, "created_at", c.CreatedAt)
			}
			counts.StuckClaims = len(stuck)
		}
	}

	if r.runs != nil {
		cutoff := now.Add(-domain.StaleThreshold * RunningOutageMultiple)
		stuck, err := r.runs.ListStuckRunning(ctx, cutoff)
		if err != nil {
			slog.Error("reaper: failed to scan stuck running runs", "error", err)
			if counts.LastScanErr == "" {
				counts.LastScanErr = err.Error()
			}
		} else {
			for _, run := range stuck {
				slog.Warn("run.stuck.detected",
					"run_id", run.ID, "current_station", run.CurrentStation, "heartbeat_at", run.HeartbeatAt)
			}
			counts.StuckRuns = len(stuck)
		}
	}

	slog.Info("reaper: scan complete", "stuck_claims", counts.StuckClaims, "stuck_runs", counts.StuckRuns)

	r.mu.Lock()
	r.last = counts
	r.mu.Unlock()
	return counts
}

// safeRun executes fn with panic recovery to isolate scan failures from the
// scheduling loop.
func (r *Reporter) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper: task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}
