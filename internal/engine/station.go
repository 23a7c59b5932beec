package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tideworks/conductor/internal/artifacts"
	"github.com/tideworks/conductor/internal/coderunner"
	"github.com/tideworks/conductor/internal/domain"
)

// executeStation drives a single station to completion or to a retryable/
// terminal error (spec §4.3).
func (e *Engine) executeStation(ctx context.Context, run domain.Run, repo domain.Repo, station domain.Station) error {
	existing, err := e.Stations.Get(ctx, run.ID, station)
	if err == nil && existing.Status == domain.StationSucceeded {
		slog.Info("station.skip.already_succeeded", "run_id", run.ID, "station", station)
		return nil
	}

	startedAt := time.Now()
	if err == nil && existing.StartedAt != nil {
		startedAt = *existing.StartedAt
	}

	if ok, hbErr := e.Runs.SetCurrentStationHeartbeat(ctx, run.ID, station); hbErr != nil {
		slog.Error("run.heartbeat.failed", "run_id", run.ID, "station", station, "error", hbErr)
	} else if !ok {
		slog.Warn("run.heartbeat.no_rows", "run_id", run.ID, "station", station)
	}

	se, err := e.Stations.UpsertRunning(ctx, run.ID, station, startedAt)
	if err != nil {
		return &RetryableStationExecutionError{Station: station, Err: fmt.Errorf("upsert running: %w", err)}
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	e.startHeartbeatTicker(hbCtx, run.ID)

	resp, runErr := e.runStationBody(ctx, run, repo, se, station)
	stopHeartbeat()

	if runErr != nil {
		var adapterErr *coderunner.AdapterError
		if isAdapterError(runErr, &adapterErr) {
			if adapterErr.Retryable {
				return &RetryableStationExecutionError{Station: station, Err: adapterErr}
			}
			reason := adapterErr.Error()
			if _, casErr := e.Stations.CASFailed(ctx, run.ID, station, reason, elapsedMs(startedAt)); casErr != nil {
				slog.Error("station.cas_failed.failed", "run_id", run.ID, "station", station, "error", casErr)
			}
			return &StationTerminalFailureError{Station: station, Reason: reason, Err: adapterErr}
		}
		reason := runErr.Error()
		if _, casErr := e.Stations.CASFailed(ctx, run.ID, station, reason, elapsedMs(startedAt)); casErr != nil {
			slog.Error("station.cas_failed.failed", "run_id", run.ID, "station", station, "error", casErr)
		}
		return &StationTerminalFailureError{Station: station, Reason: reason, Err: runErr}
	}

	if !resp.IsTerminal() {
		metadataJSON, err := marshalMetadata(resp.Metadata)
		if err != nil {
			slog.Error("station.metadata.marshal_failed", "run_id", run.ID, "station", station, "error", err)
		}
		if err := e.Stations.PersistNonTerminal(ctx, run.ID, station, resp.Summary, resp.ExternalRef, metadataJSON); err != nil {
			return &RetryableStationExecutionError{Station: station, Err: fmt.Errorf("persist non-terminal: %w", err)}
		}
		return &RetryableStationExecutionError{Station: station, Err: fmt.Errorf("station %s not yet terminal", station)}
	}

	durationMs := elapsedMs(startedAt)
	var terminalErr error
	if *resp.Outcome == coderunner.OutcomeSucceeded {
		if _, err := e.Stations.CASSucceeded(ctx, run.ID, station, resp.Summary, durationMs); err != nil {
			slog.Error("station.cas_succeeded.failed", "run_id", run.ID, "station", station, "error", err)
		}
	} else {
		if _, err := e.Stations.CASFailed(ctx, run.ID, station, resp.Summary, durationMs); err != nil {
			slog.Error("station.cas_failed.failed", "run_id", run.ID, "station", station, "error", err)
		}
		terminalErr = &StationTerminalFailureError{Station: station, Reason: resp.Summary}
	}

	e.persistArtifacts(ctx, run.ID, station, resp)
	return terminalErr
}

// isAdapterError is errors.As spelled out to avoid importing errors twice
// for one call site; kept as a thin wrapper for readability at the call
// site above.
func isAdapterError(err error, target **coderunner.AdapterError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ae, ok := err.(*coderunner.AdapterError); ok {
			*target = ae
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func elapsedMs(startedAt time.Time) int64 {
	ms := time.Since(startedAt).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func marshalMetadata(m *domain.StationMetadata) (string, error) {
	if m == nil {
		return "", nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// runStationBody executes the station-specific work. intake, plan, and
// create_pr are deterministic, in-process steps; implement and verify are
// delegated to the coderunner Adapter (spec §4.4).
func (e *Engine) runStationBody(ctx context.Context, run domain.Run, repo domain.Repo, se domain.StationExecution, station domain.Station) (coderunner.StationExecutionResponse, error) {
	switch station {
	case domain.StationIntake:
		return succeededResponse(fmt.Sprintf("Intake captured %s/%s#%d", repo.Owner, repo.Name, run.IssueNumber)), nil
	case domain.StationPlan:
		return succeededResponse(planSummary(run)), nil
	case domain.StationCreatePR:
		return succeededResponse(fmt.Sprintf("pull request opened in %s mode", run.PrMode)), nil
	case domain.StationImplement:
		input, err := e.buildTaskInput(run, repo, se)
		if err != nil {
			return coderunner.StationExecutionResponse{}, fmt.Errorf("build implement input: %w", err)
		}
		return e.Adapter.RunImplementTask(ctx, input)
	case domain.StationVerify:
		input, err := e.buildTaskInput(run, repo, se)
		if err != nil {
			return coderunner.StationExecutionResponse{}, fmt.Errorf("build verify input: %w", err)
		}
		return e.Adapter.RunVerifyTask(ctx, input)
	default:
		return coderunner.StationExecutionResponse{}, fmt.Errorf("unknown station %q", station)
	}
}

func succeededResponse(summary string) coderunner.StationExecutionResponse {
	outcome := coderunner.OutcomeSucceeded
	return coderunner.StationExecutionResponse{Outcome: &outcome, Summary: summary}
}

// planSummary is the plan station's goal-dependent deterministic summary
// (spec §4.3 step 6).
func planSummary(run domain.Run) string {
	if run.Goal != nil && *run.Goal != "" {
		return fmt.Sprintf("Plan drafted for issue #%d: %s", run.IssueNumber, *run.Goal)
	}
	return fmt.Sprintf("Plan drafted for issue #%d with no stated goal", run.IssueNumber)
}

// buildTaskInput assembles the adapter request for implement/verify,
// attaching resume metadata when the station already has an external_ref
// on file (spec §4.3 step 6, §4.4 resume contract).
func (e *Engine) buildTaskInput(run domain.Run, repo domain.Repo, se domain.StationExecution) (coderunner.CoderunnerTaskInput, error) {
	input := coderunner.CoderunnerTaskInput{
		RunID:       run.ID,
		IssueNumber: run.IssueNumber,
		Goal:        run.Goal,
		Requestor:   run.Requestor,
		PrMode:      run.PrMode,
		Repo: coderunner.RepoRef{
			ID:         repo.ID,
			Owner:      repo.Owner,
			Name:       repo.Name,
			BaseBranch: run.BaseBranch,
			ConfigPath: repo.ConfigPath,
		},
	}

	if se.ExternalRef != nil && *se.ExternalRef != "" {
		meta, err := se.Metadata()
		if err != nil {
			return coderunner.CoderunnerTaskInput{}, fmt.Errorf("parse station metadata: %w", err)
		}
		input.Resume = &coderunner.ResumeInput{ExternalRef: *se.ExternalRef, Metadata: meta}
	}

	return input, nil
}

// persistArtifacts writes the structured artifacts a station produces.
// Failures here are logged but never turn a succeeded/failed station back
// into a retry: artifacts are a record of what happened, not the source of
// truth for whether it happened (spec §4.3 step 8).
func (e *Engine) persistArtifacts(ctx context.Context, runID string, station domain.Station, resp coderunner.StationExecutionResponse) {
	summaryType, ok := stationSummaryArtifactType(station)
	if !ok {
		return
	}

	payload := map[string]any{
		"station":     station,
		"outcome":     resp.Outcome,
		"summary":     resp.Summary,
		"externalRef": resp.ExternalRef,
	}
	if resp.Metadata != nil {
		payload["metadata"] = resp.Metadata
	}
	if err := e.writeArtifact(ctx, runID, summaryType, payload); err != nil {
		slog.Error("artifact.summary.failed", "run_id", runID, "station", station, "error", err)
	}

	if resp.LogsInline == "" {
		return
	}
	logsType, ok := stationLogsArtifactType(station)
	if !ok {
		return
	}
	if err := e.writeLogsExcerpt(ctx, runID, station, logsType, resp.LogsInline); err != nil {
		slog.Error("artifact.logs.failed", "run_id", runID, "station", station, "error", err)
	}
}

func stationSummaryArtifactType(station domain.Station) (domain.ArtifactType, bool) {
	switch station {
	case domain.StationIntake:
		return domain.ArtifactIntakeSummary, true
	case domain.StationPlan:
		return domain.ArtifactPlanSummary, true
	case domain.StationImplement:
		return domain.ArtifactImplementSummary, true
	case domain.StationVerify:
		return domain.ArtifactVerifySummary, true
	case domain.StationCreatePR:
		return domain.ArtifactCreatePRSummary, true
	default:
		return "", false
	}
}

func stationLogsArtifactType(station domain.Station) (domain.ArtifactType, bool) {
	switch station {
	case domain.StationImplement:
		return domain.ArtifactImplementRunnerLogs, true
	case domain.StationVerify:
		return domain.ArtifactVerifyRunnerLogs, true
	default:
		return "", false
	}
}

// writeLogsExcerpt persists a runner log excerpt artifact. Logs longer than
// artifacts.ExternalLogThreshold are additionally uploaded in full to
// external object storage when Logs is configured; the artifact row always
// also carries the truncated inline excerpt (SPEC_FULL.md §3 supplement).
func (e *Engine) writeLogsExcerpt(ctx context.Context, runID string, station domain.Station, t domain.ArtifactType, logs string) error {
	excerpt := domain.TruncateLogExcerpt(logs)
	payload := map[string]any{
		"station":   station,
		"excerpt":   excerpt,
		"truncated": excerpt != logs,
	}

	if e.Logs != nil && artifacts.ShouldStoreExternal(len(logs)) {
		key := artifacts.LogKey(runID, string(station))
		if err := e.Logs.Put(ctx, key, []byte(logs)); err != nil {
			slog.Error("artifact.logs.external_put.failed", "run_id", runID, "station", station, "error", err)
		} else {
			payload["storage"] = domain.ArtifactStorageExternal
			payload["bucket"] = e.Logs.Bucket()
			payload["key"] = key
			payload["originalLength"] = len(logs)
		}
	}

	return e.writeArtifact(ctx, runID, t, payload)
}

// startHeartbeatTicker refreshes the run's heartbeat on HeartbeatPeriod
// while a station is executing, until ctx is canceled (spec §5).
func (e *Engine) startHeartbeatTicker(ctx context.Context, runID string) {
	go func() {
		ticker := time.NewTicker(domain.HeartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Runs.RefreshHeartbeat(ctx, runID); err != nil {
					slog.Error("run.heartbeat.refresh_failed", "run_id", runID, "error", err)
				}
			}
		}
	}()
}
