// Package engine implements the Execution Engine: the queue consumer that
// claims queued runs, drives the fixed station pipeline through the
// persistent state machine, heartbeats progress, and resumes stale-running
// runs including externally long-running jobs (spec §4.2, §4.3, §5).
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tideworks/conductor/internal/coderunner"
	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/queue"
)

// DefaultPollInterval is how often Run polls the queue.
const DefaultPollInterval = 1 * time.Second

// DefaultRetryBackoff is how long a retried message stays invisible before
// it becomes reclaimable again.
const DefaultRetryBackoff = 5 * time.Second

// RunStore is the slice of postgres.RunStore the engine needs.
type RunStore interface {
	Get(ctx context.Context, id string) (domain.Run, error)
	ClaimQueued(ctx context.Context, id string) (bool, domain.Run, error)
	ClaimStale(ctx context.Context, id string, observedHeartbeat *time.Time, observedStartedAt time.Time) (bool, domain.Run, error)
	SetCurrentStationHeartbeat(ctx context.Context, id string, station domain.Station) (bool, error)
	RefreshHeartbeat(ctx context.Context, id string) error
	FinalizeSucceeded(ctx context.Context, id string) (bool, error)
	FinalizeFailed(ctx context.Context, id string, station domain.Station, failureReason string) (bool, error)
}

// StationStore is the slice of postgres.StationStore the engine needs.
type StationStore interface {
	Get(ctx context.Context, runID string, station domain.Station) (domain.StationExecution, error)
	UpsertRunning(ctx context.Context, runID string, station domain.Station, startedAt time.Time) (domain.StationExecution, error)
	PersistNonTerminal(ctx context.Context, runID string, station domain.Station, summary, externalRef, metadataJSON string) error
	CASSucceeded(ctx context.Context, runID string, station domain.Station, summary string, durationMs int64) (bool, error)
	CASFailed(ctx context.Context, runID string, station domain.Station, summary string, durationMs int64) (bool, error)
}

// ArtifactStore is the slice of postgres.ArtifactStore the engine needs.
type ArtifactStore interface {
	Upsert(ctx context.Context, a domain.Artifact) (domain.Artifact, error)
}

// RepoStore is the slice of postgres.RepoStore the engine needs.
type RepoStore interface {
	GetByID(ctx context.Context, id string) (domain.Repo, error)
}

// LogStore is the external-storage backend for oversized runner log excerpts
// (SPEC_FULL.md §3 supplement). Nil disables external storage: oversized
// logs are then truncated inline only.
type LogStore interface {
	Put(ctx context.Context, key string, content []byte) error
	Bucket() string
}

// Outcome is what the engine tells its caller to do with a claimed message:
// ack it away, retry it later, or (a success that did no real work, e.g. an
// already-terminal run) treat it as a harmless no-op ack.
type Outcome string

const (
	OutcomeAck   Outcome = "ack"
	OutcomeRetry Outcome = "retry"
	OutcomeNone  Outcome = "none"
)

// Engine drives runs through the station pipeline (spec §4.2-§4.4).
type Engine struct {
	Runs      RunStore
	Stations  StationStore
	Artifacts ArtifactStore
	Repos     RepoStore
	Queue     queue.Queue
	Adapter   coderunner.Adapter

	// Logs, if set, uploads oversized runner-log excerpts externally
	// (*artifacts.Store satisfies this interface).
	Logs LogStore

	// RetryBackoff overrides DefaultRetryBackoff for queue.Retry calls.
	RetryBackoff time.Duration
}

// Run polls the queue on pollInterval, draining and processing every
// claimable message on each tick, until ctx is canceled.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	e.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

// drain claims and processes messages until the queue reports nothing
// claimable.
func (e *Engine) drain(ctx context.Context) {
	for {
		d, ok, err := e.Queue.Claim(ctx)
		if err != nil {
			slog.Error("queue.claim.failed", "error", err)
			return
		}
		if !ok {
			return
		}

		outcome, err := e.HandleMessage(ctx, d.Message)
		if err != nil {
			slog.Error("engine.handle_message.failed", "run_id", d.Message.RunID, "error", err)
		}

		if outcome == OutcomeRetry {
			backoff := e.RetryBackoff
			if backoff <= 0 {
				backoff = DefaultRetryBackoff
			}
			if err := e.Queue.Retry(ctx, d, backoff); err != nil {
				slog.Error("queue.retry.failed", "run_id", d.Message.RunID, "error", err)
			}
			continue
		}

		if err := e.Queue.Ack(ctx, d); err != nil {
			slog.Error("queue.ack.failed", "run_id", d.Message.RunID, "error", err)
		}
	}
}

// ConsumeOne runs a single message through the same path a queue delivery
// takes. Used by the synthetic local `/__queue/consume` endpoint (spec §6).
func (e *Engine) ConsumeOne(ctx context.Context, msg queue.RunQueueMessage) (Outcome, error) {
	return e.HandleMessage(ctx, msg)
}

func validateMessage(msg queue.RunQueueMessage) error {
	if strings.TrimSpace(msg.RunID) == "" {
		return errors.New("runId is required")
	}
	if strings.TrimSpace(msg.RepoID) == "" {
		return errors.New("repoId is required")
	}
	if msg.IssueNumber <= 0 {
		return errors.New("issueNumber must be > 0")
	}
	if msg.RequestedAt.IsZero() {
		return errors.New("requestedAt is required")
	}
	if !domain.ValidPrMode(string(msg.PrMode)) {
		return fmt.Errorf("invalid prMode %q", msg.PrMode)
	}
	if strings.TrimSpace(msg.Requestor) == "" {
		return errors.New("requestor is required")
	}
	return nil
}

// HandleMessage implements the message-handling algorithm of spec §4.2
// steps 1-9.
func (e *Engine) HandleMessage(ctx context.Context, msg queue.RunQueueMessage) (Outcome, error) {
	if err := validateMessage(msg); err != nil {
		slog.Warn("queue.message.invalid", "run_id", msg.RunID, "error", err)
		return OutcomeNone, nil
	}

	run, err := e.Runs.Get(ctx, msg.RunID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Info("run.missing", "run_id", msg.RunID)
		return OutcomeNone, nil
	}
	if err != nil {
		return OutcomeRetry, fmt.Errorf("load run %s: %w", msg.RunID, err)
	}

	if !domain.ValidRunStatus(string(run.Status)) {
		slog.Warn("run.invalid_status", "run_id", run.ID, "status", run.Status)
		return OutcomeNone, nil
	}
	if domain.IsTerminalRunStatus(run.Status) {
		slog.Info("run.skip.terminal", "run_id", run.ID, "status", run.Status)
		return OutcomeNone, nil
	}

	var startIndex int
	switch run.Status {
	case domain.RunQueued:
		claimed, claimedRun, err := e.Runs.ClaimQueued(ctx, run.ID)
		if err != nil {
			return OutcomeRetry, fmt.Errorf("claim-queued cas: %w", err)
		}
		if !claimed {
			cur, err := e.Runs.Get(ctx, run.ID)
			if err == nil && domain.IsTerminalRunStatus(cur.Status) {
				return OutcomeNone, nil
			}
			return OutcomeRetry, nil
		}
		run = claimedRun
		startIndex = 0

	case domain.RunRunning:
		if isFresh(run) {
			return OutcomeRetry, nil
		}
		var observedStartedAt time.Time
		if run.StartedAt != nil {
			observedStartedAt = *run.StartedAt
		}
		claimed, claimedRun, err := e.Runs.ClaimStale(ctx, run.ID, run.HeartbeatAt, observedStartedAt)
		if err != nil {
			return OutcomeRetry, fmt.Errorf("claim-stale cas: %w", err)
		}
		if !claimed {
			return OutcomeRetry, nil
		}
		run = claimedRun
		idx, err := e.resumeIndex(ctx, run)
		if err != nil {
			return OutcomeRetry, fmt.Errorf("compute resume index: %w", err)
		}
		startIndex = idx

	default:
		slog.Warn("run.unexpected_status", "run_id", run.ID, "status", run.Status)
		return OutcomeNone, nil
	}

	repo, err := e.Repos.GetByID(ctx, run.RepoID)
	if err != nil {
		// A repo row that was valid at submission failing to read now is
		// almost certainly transient store trouble, not a permanent defect;
		// defer rather than failing the run outright.
		return OutcomeRetry, fmt.Errorf("load repo %s: %w", run.RepoID, err)
	}

	for i := startIndex; i < len(domain.StationOrder); i++ {
		station := domain.StationOrder[i]
		if err := e.executeStation(ctx, run, repo, station); err != nil {
			var retryable *RetryableStationExecutionError
			if errors.As(err, &retryable) {
				return OutcomeRetry, nil
			}

			failStation := station
			reason := err.Error()
			var terminal *StationTerminalFailureError
			if errors.As(err, &terminal) {
				failStation = terminal.Station
				reason = terminal.Reason
			}
			return e.handleTerminalRunFailure(ctx, run.ID, failStation, reason), nil
		}
	}

	changed, err := e.Runs.FinalizeSucceeded(ctx, run.ID)
	if err != nil {
		slog.Error("run.finalize_succeeded.failed", "run_id", run.ID, "error", err)
	} else if !changed {
		slog.Info("run.succeeded.noop", "run_id", run.ID)
	} else {
		e.writeWorkflowSummary(ctx, run)
	}

	return OutcomeAck, nil
}

// isFresh reports whether a running run's last known liveness signal is
// still within the stale threshold (spec §4.2 step 5, §5).
func isFresh(run domain.Run) bool {
	last := run.StartedAt
	if run.HeartbeatAt != nil {
		last = run.HeartbeatAt
	}
	if last == nil {
		return false
	}
	return time.Since(*last) < domain.StaleThreshold
}

// resumeIndex computes the station index a resumed-stale run should
// continue from (spec §4.2 step 6).
func (e *Engine) resumeIndex(ctx context.Context, run domain.Run) (int, error) {
	if run.CurrentStation == nil {
		return 0, nil
	}
	station := *run.CurrentStation
	idx := domain.StationIndex(station)
	if idx < 0 {
		return 0, nil
	}
	se, err := e.Stations.Get(ctx, run.ID, station)
	if errors.Is(err, domain.ErrNotFound) {
		return idx, nil
	}
	if err != nil {
		return 0, err
	}
	if se.Status == domain.StationSucceeded {
		return idx + 1, nil
	}
	return idx, nil
}

// handleTerminalRunFailure is handleTerminalRunFailure from spec §4.2
// exception handling: CAS the run to failed; if some other writer already
// finalized it, that's fine too.
func (e *Engine) handleTerminalRunFailure(ctx context.Context, runID string, station domain.Station, reason string) Outcome {
	changed, err := e.Runs.FinalizeFailed(ctx, runID, station, reason)
	if err != nil {
		slog.Error("run.finalize_failed.failed", "run_id", runID, "station", station, "error", err)
	}
	if changed {
		return OutcomeAck
	}
	cur, err := e.Runs.Get(ctx, runID)
	if err == nil && domain.IsTerminalRunStatus(cur.Status) {
		return OutcomeAck
	}
	return OutcomeRetry
}

// writeWorkflowSummary upserts the workflow_summary artifact after a
// successful finalize. Artifact-write failures never roll back the run's
// success (spec §4.2 step 8).
func (e *Engine) writeWorkflowSummary(ctx context.Context, run domain.Run) {
	payload := map[string]any{
		"runId":    run.ID,
		"stations": domain.StationOrder,
	}
	if err := e.writeArtifact(ctx, run.ID, domain.ArtifactWorkflowSummary, payload); err != nil {
		slog.Error("artifact.workflow_summary.failed", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) writeArtifact(ctx context.Context, runID string, t domain.ArtifactType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", t, err)
	}
	_, err = e.Artifacts.Upsert(ctx, domain.Artifact{
		ID:      domain.ArtifactID(runID, t),
		RunID:   runID,
		Type:    t,
		Storage: domain.ArtifactStorageInline,
		Payload: body,
	})
	return err
}
