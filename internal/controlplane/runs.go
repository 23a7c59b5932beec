package controlplane

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/postgres"
	"github.com/tideworks/conductor/internal/queue"
)

type createRunRequest struct {
	Repo struct {
		Owner string `json:"owner"`
		Name  string `json:"name"`
	} `json:"repo"`
	Issue struct {
		Number int `json:"number"`
	} `json:"issue"`
	Requestor string  `json:"requestor"`
	PrMode    string  `json:"prMode"`
	Goal      *string `json:"goal"`
}

// canonicalRequestHash reproduces the canonicalJSON{repoOwner,repoName,
// issueNumber,goal,requestor,prMode} hash of spec §4.1: field order is
// fixed so the same logical request always hashes identically regardless of
// how the client ordered its JSON.
func canonicalRequestHash(owner, name string, issueNumber int, goal *string, requestor, prMode string) string {
	goalValue := ""
	if goal != nil {
		goalValue = *goal
	}
	canonical := map[string]any{
		"repoOwner":   owner,
		"repoName":    name,
		"issueNumber": issueNumber,
		"goal":        goalValue,
		"requestor":   requestor,
		"prMode":      prMode,
	}
	body, _ := json.Marshal(canonical)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// HandleCreateRun implements POST /v1/runs: the three-party idempotency
// protocol of spec §4.1.
func (s *Server) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		errorJSON(w, "Idempotency-Key header is required", errValidation, http.StatusBadRequest)
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", errValidation, http.StatusBadRequest)
		return
	}

	req.Requestor = strings.TrimSpace(req.Requestor)
	if req.Repo.Owner == "" || req.Repo.Name == "" || req.Issue.Number <= 0 || req.Requestor == "" {
		errorJSON(w, "repo.owner, repo.name, issue.number>0 and requestor are required", errValidation, http.StatusBadRequest)
		return
	}
	if req.Goal != nil && *req.Goal == "" {
		errorJSON(w, "goal must not be an empty string", errValidation, http.StatusBadRequest)
		return
	}
	prMode := req.PrMode
	if prMode == "" {
		prMode = string(domain.PrModeDraft)
	}
	if !domain.ValidPrMode(prMode) {
		errorJSON(w, "prMode must be draft or ready", errValidation, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	requestHash := canonicalRequestHash(req.Repo.Owner, req.Repo.Name, req.Issue.Number, req.Goal, req.Requestor, prMode)

	repo, err := s.Repos.GetByOwnerName(ctx, req.Repo.Owner, req.Repo.Name)
	if errors.Is(err, domain.ErrNotFound) {
		errorJSON(w, "repo not registered", errValidation, http.StatusBadRequest)
		return
	}
	if err != nil {
		internalError(w, "failed to look up repo", err)
		return
	}
	if !repo.Enabled {
		errorJSON(w, "repo is disabled", errValidation, http.StatusBadRequest)
		return
	}

	claim, err := s.Claims.GetByKey(ctx, idempotencyKey)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		internalError(w, "failed to look up idempotency claim", err)
		return
	}
	if err == nil {
		s.handleExistingClaim(w, r, claim, requestHash)
		return
	}

	s.submitNewRun(w, r, repo, req, requestHash, idempotencyKey, prMode)
}

// handleExistingClaim is step 1 of the submission algorithm: branch on a
// claim that already exists for this idempotency key.
func (s *Server) handleExistingClaim(w http.ResponseWriter, r *http.Request, claim domain.IdempotencyClaim, requestHash string) {
	if claim.RequestHash != requestHash {
		errorJSON(w, "idempotency key reused with a different request payload", errConflict, http.StatusConflict)
		return
	}

	ctx := r.Context()
	run, err := s.Runs.Get(ctx, claim.RunID)
	if err != nil {
		internalError(w, "failed to load run for existing claim", err)
		return
	}

	switch {
	case claim.Status == domain.ClaimSucceeded:
		writeJSON(w, http.StatusOK, map[string]any{
			"run":        serializeRun(run),
			"idempotency": map[string]any{"key": claim.Key, "replayed": true},
		})
		return

	case claim.Status == domain.ClaimFailed || (claim.Status == domain.ClaimPending && run.FailureReason != nil && *run.FailureReason == domain.QueuePublishFailedReason):
		s.requeueClaim(w, r, claim, run)
		return

	default: // pending, no explicit failure marker: ambiguous prior outcome
		writeJSON(w, http.StatusAccepted, map[string]any{
			"run":        serializeRun(run),
			"idempotency": map[string]any{"key": claim.Key, "replayed": true},
		})
	}
}

// requeueClaim is spec §4.1 step 4: exactly one concurrent retrier wins the
// CAS and performs the enqueue; everyone else observes the replay.
func (s *Server) requeueClaim(w http.ResponseWriter, r *http.Request, claim domain.IdempotencyClaim, run domain.Run) {
	ctx := r.Context()

	var won bool
	var err error
	if claim.Status == domain.ClaimFailed {
		won, claim, err = s.Claims.CASRequeueFromFailed(ctx, claim.Key)
	} else {
		won, claim, err = s.Claims.CASRequeueFromPendingStale(ctx, claim.Key, claim.UpdatedAt)
	}
	if err != nil {
		slog.Error("run.idempotency.requeue_claim.failed", "key", claim.Key, "error", err)
		internalError(w, "failed to requeue idempotency claim", err)
		return
	}
	if !won {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"run":        serializeRun(run),
			"idempotency": map[string]any{"key": claim.Key, "replayed": true},
		})
		return
	}

	msg := queue.RunQueueMessage{
		RunID:       run.ID,
		RepoID:      run.RepoID,
		IssueNumber: run.IssueNumber,
		RequestedAt: run.CreatedAt,
		PrMode:      run.PrMode,
		Requestor:   run.Requestor,
	}
	if err := s.Queue.Enqueue(ctx, msg); err != nil {
		slog.Error("run.queue_failure_marker.failed.requeue", "run_id", run.ID, "error", err)
		if _, casErr := s.Claims.CASDemoteFailed(ctx, claim.Key); casErr != nil {
			slog.Error("run.idempotency.demote_failed.failed", "key", claim.Key, "error", casErr)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"run":        serializeRun(run),
			"idempotency": map[string]any{"key": claim.Key, "status": domain.ClaimFailed},
		})
		return
	}

	if _, err := s.Claims.CASPromoteSucceeded(ctx, claim.Key); err != nil {
		slog.Error("run.idempotency.promote_succeeded.failed", "key", claim.Key, "error", err)
	}
	if err := s.Runs.ClearFailureReason(ctx, run.ID); err != nil {
		slog.Error("run.clear_failure_reason.failed", "run_id", run.ID, "error", err)
	}

	run.FailureReason = nil
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run":        serializeRun(run),
		"idempotency": map[string]any{"key": claim.Key, "status": domain.ClaimSucceeded, "requeued": true},
	})
}

// submitNewRun is spec §4.1 steps 2-3: no prior claim exists.
func (s *Server) submitNewRun(w http.ResponseWriter, r *http.Request, repo domain.Repo, req createRunRequest, requestHash, idempotencyKey, prMode string) {
	ctx := r.Context()

	run := domain.Run{
		ID:          "run_" + uuid.New().String(),
		RepoID:      repo.ID,
		IssueNumber: req.Issue.Number,
		Goal:        req.Goal,
		Requestor:   req.Requestor,
		BaseBranch:  repo.DefaultBranch,
		PrMode:      domain.PrMode(prMode),
	}

	created, err := s.Runs.Create(ctx, run)
	if err != nil {
		internalError(w, "failed to create run", err)
		return
	}

	claim, err := s.Claims.Create(ctx, idempotencyKey, requestHash, created.ID)
	if errors.Is(err, domain.ErrAlreadyExists) {
		// A concurrent submitter won the idempotency-key race. Unwind our
		// run insert and restart from the lookup path (spec §4.1 step 2).
		if delErr := s.Runs.Delete(ctx, created.ID); delErr != nil {
			slog.Error("run.orphan_cleanup.failed", "run_id", created.ID, "error", delErr)
			internalError(w, "failed to reconcile concurrent submission", delErr)
			return
		}
		existing, getErr := s.Claims.GetByKey(ctx, idempotencyKey)
		if getErr != nil {
			internalError(w, "failed to load concurrent idempotency claim", getErr)
			return
		}
		s.handleExistingClaim(w, r, existing, requestHash)
		return
	}
	if err != nil {
		internalError(w, "failed to create idempotency claim", err)
		return
	}

	msg := queue.RunQueueMessage{
		RunID:       created.ID,
		RepoID:      created.RepoID,
		IssueNumber: created.IssueNumber,
		RequestedAt: created.CreatedAt,
		PrMode:      created.PrMode,
		Requestor:   created.Requestor,
	}
	if err := s.Queue.Enqueue(ctx, msg); err != nil {
		slog.Error("run.queue_failure_marker.failed.initial", "run_id", created.ID, "error", err)
		if markErr := s.Runs.MarkQueuePublishFailed(ctx, created.ID); markErr != nil {
			slog.Error("run.queue_failure_marker.failed", "run_id", created.ID, "error", markErr)
		}
		if _, casErr := s.Claims.CASDemoteFailed(ctx, claim.Key); casErr != nil {
			slog.Error("run.idempotency.demote_failed.failed", "key", claim.Key, "error", casErr)
		}
		reason := domain.QueuePublishFailedReason
		created.FailureReason = &reason
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"run":        serializeRun(created),
			"idempotency": map[string]any{"key": claim.Key, "status": domain.ClaimFailed},
		})
		return
	}

	if _, err := s.Claims.CASPromoteSucceeded(ctx, claim.Key); err != nil {
		slog.Error("run.idempotency.promote_succeeded.failed", "key", claim.Key, "error", err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run":        serializeRun(created),
		"idempotency": map[string]any{"key": claim.Key, "status": domain.ClaimSucceeded},
	})
}

// HandleListRuns implements GET /v1/runs.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parsePagination(r)
	if !ok {
		errorJSON(w, "limit must be a positive integer <= 100", errValidation, http.StatusBadRequest)
		return
	}

	filter := postgres.ListFilter{Limit: limit}
	if v := r.URL.Query().Get("status"); v != "" {
		if !domain.ValidRunStatus(v) {
			errorJSON(w, "invalid status filter", errValidation, http.StatusBadRequest)
			return
		}
		status := domain.RunStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("repo"); v != "" {
		owner, name, found := strings.Cut(v, "/")
		if !found || owner == "" || name == "" {
			errorJSON(w, "repo filter must be owner/name", errValidation, http.StatusBadRequest)
			return
		}
		repo, err := s.Repos.GetByOwnerName(r.Context(), owner, name)
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}})
			return
		}
		if err != nil {
			internalError(w, "failed to resolve repo filter", err)
			return
		}
		filter.RepoID = &repo.ID
	}

	runs, err := s.Runs.List(r.Context(), filter)
	if err != nil {
		internalError(w, "failed to list runs", err)
		return
	}

	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, serializeRun(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// HandleGetRun implements GET /v1/runs/:id: run + stations + artifacts
// projection (spec §4.1 get_run).
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		errorJSON(w, "runID is required", errValidation, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	run, err := s.Runs.Get(ctx, runID)
	if errors.Is(err, domain.ErrNotFound) {
		errorJSON(w, "run not found", errNotFound, http.StatusNotFound)
		return
	}
	if err != nil {
		internalError(w, "failed to load run", err)
		return
	}

	stations, err := s.Stations.ListByRun(ctx, runID)
	if err != nil {
		internalError(w, "failed to load stations", err)
		return
	}
	artifacts, err := s.Artifacts.ListByRun(ctx, runID)
	if err != nil {
		internalError(w, "failed to load artifacts", err)
		return
	}
	if stations == nil {
		stations = []domain.StationExecution{}
	}
	if artifacts == nil {
		artifacts = []domain.Artifact{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":       serializeRun(run),
		"stations":  stations,
		"artifacts": artifacts,
	})
}

// serializeRun produces the camelCase run projection spec §4.1 calls for.
func serializeRun(run domain.Run) map[string]any {
	return map[string]any{
		"id":             run.ID,
		"repoId":         run.RepoID,
		"issueNumber":    run.IssueNumber,
		"goal":           run.Goal,
		"status":         run.Status,
		"currentStation": run.CurrentStation,
		"requestor":      run.Requestor,
		"baseBranch":     run.BaseBranch,
		"workBranch":     run.WorkBranch,
		"prMode":         run.PrMode,
		"prUrl":          run.PrURL,
		"createdAt":      run.CreatedAt,
		"startedAt":      run.StartedAt,
		"heartbeatAt":    run.HeartbeatAt,
		"finishedAt":     run.FinishedAt,
		"failureReason":  run.FailureReason,
	}
}
