// Package domain holds the entities that make up a run: the repo it targets,
// the run itself, its per-station executions, the artifacts each station
// produces, and the idempotency claims that guard submission retries.
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrAlreadyExists is returned by store Create methods on a unique-key
// collision (mapped from a Postgres 23505 error).
var ErrAlreadyExists = errors.New("already exists")

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("not found")

// ErrCASFailed describes a compare-and-set write that changed zero rows.
// The stores in internal/postgres report that case as a false bool result
// rather than returning this error.
var ErrCASFailed = errors.New("compare-and-set: no rows changed")

// Repo is an allowlisted (owner, name) pair used as a dispatch target.
type Repo struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	DefaultBranch string    `json:"defaultBranch"`
	ConfigPath    string    `json:"configPath,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// ValidRunStatus reports whether s is a recognized run status.
func ValidRunStatus(s string) bool {
	switch RunStatus(s) {
	case RunQueued, RunRunning, RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// IsTerminalRunStatus reports whether s has no outgoing transitions.
func IsTerminalRunStatus(s RunStatus) bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	}
	return false
}

// runTransitions encodes the allowed run status transition table from
// spec §3: queued → {running, canceled}; running → {succeeded, failed,
// canceled}; terminals have no outgoing transitions.
var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunQueued:  {RunRunning: true, RunCanceled: true},
	RunRunning: {RunSucceeded: true, RunFailed: true, RunCanceled: true},
}

// ValidRunTransition reports whether from→to is an allowed run transition.
func ValidRunTransition(from, to RunStatus) bool {
	return runTransitions[from][to]
}

// Station is a named step in the fixed pipeline.
type Station string

const (
	StationIntake    Station = "intake"
	StationPlan      Station = "plan"
	StationImplement Station = "implement"
	StationVerify    Station = "verify"
	StationCreatePR  Station = "create_pr"
)

// StationOrder is the fixed, total pipeline sequence. A station at index i
// may only execute once every station at an index < i is succeeded or
// skipped.
var StationOrder = []Station{StationIntake, StationPlan, StationImplement, StationVerify, StationCreatePR}

// StationIndex returns the position of s in StationOrder, or -1 if s is not
// a recognized station.
func StationIndex(s Station) int {
	for i, st := range StationOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ValidStation reports whether s is one of the fixed pipeline stations.
func ValidStation(s string) bool {
	return StationIndex(Station(s)) >= 0
}

// PrMode controls whether create_pr opens a draft or ready-for-review PR.
type PrMode string

const (
	PrModeDraft PrMode = "draft"
	PrModeReady PrMode = "ready"
)

// ValidPrMode reports whether m is a recognized PR mode.
func ValidPrMode(m string) bool {
	switch PrMode(m) {
	case PrModeDraft, PrModeReady:
		return true
	}
	return false
}

// maxFailureReasonLen bounds Run.FailureReason and StationExecution.Summary
// per spec §7/§9.
const maxFailureReasonLen = 500

// maxLogExcerptLen bounds runner log excerpt artifacts per spec §4.3/§9.
const maxLogExcerptLen = 4000

const truncationSuffix = "... [truncated]"

// Truncate bounds s to maxLen characters, appending truncationSuffix when it
// had to cut. A string of length exactly maxLen is left untouched.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - len(truncationSuffix)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + truncationSuffix
}

// TruncateFailureReason bounds a run failure reason or station summary to
// 500 characters.
func TruncateFailureReason(s string) string {
	return Truncate(s, maxFailureReasonLen)
}

// TruncateLogExcerpt bounds a runner log excerpt to 4000 characters.
func TruncateLogExcerpt(s string) string {
	return Truncate(s, maxLogExcerptLen)
}

// Run is one attempt to drive one issue through the full station pipeline.
type Run struct {
	ID             string     `json:"id"`
	RepoID         string     `json:"repoId"`
	IssueNumber    int        `json:"issueNumber"`
	Goal           *string    `json:"goal,omitempty"`
	Status         RunStatus  `json:"status"`
	CurrentStation *Station   `json:"currentStation,omitempty"`
	Requestor      string     `json:"requestor"`
	BaseBranch     string     `json:"baseBranch"`
	WorkBranch     *string    `json:"workBranch,omitempty"`
	PrMode         PrMode     `json:"prMode"`
	PrURL          *string    `json:"prUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	HeartbeatAt    *time.Time `json:"heartbeatAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	FailureReason  *string    `json:"failureReason,omitempty"`
}

// StationStatus is the lifecycle state of a StationExecution.
type StationStatus string

const (
	StationPending   StationStatus = "pending"
	StationRunning   StationStatus = "running"
	StationSucceeded StationStatus = "succeeded"
	StationFailed    StationStatus = "failed"
	StationSkipped   StationStatus = "skipped"
)

var stationTransitions = map[StationStatus]map[StationStatus]bool{
	StationPending: {StationRunning: true, StationSkipped: true},
	StationRunning: {StationSucceeded: true, StationFailed: true, StationSkipped: true},
}

// ValidStationTransition reports whether from→to is allowed for a station.
func ValidStationTransition(from, to StationStatus) bool {
	return stationTransitions[from][to]
}

// IsTerminalStationStatus reports whether s has no outgoing transitions.
func IsTerminalStationStatus(s StationStatus) bool {
	switch s {
	case StationSucceeded, StationFailed, StationSkipped:
		return true
	}
	return false
}

// StationExecutionID returns the deterministic, resumable id of a station
// row: station_<runId>_<station>.
func StationExecutionID(runID string, station Station) string {
	return "station_" + runID + "_" + string(station)
}

// StationMetadata is the validated shape of StationExecution.MetadataJson.
type StationMetadata struct {
	Phase          string  `json:"phase"`
	Mode           string  `json:"mode"`
	Attempt        int     `json:"attempt"`
	ProviderStatus *string `json:"providerStatus,omitempty"`
	UpdatedAt      *string `json:"updatedAt,omitempty"`
}

// StationExecution is the persistent row for one station's attempt on one run.
type StationExecution struct {
	ID           string        `json:"id"`
	RunID        string        `json:"runId"`
	Station      Station       `json:"station"`
	Status       StationStatus `json:"status"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	DurationMs   *int64        `json:"durationMs,omitempty"`
	Summary      *string       `json:"summary,omitempty"`
	ExternalRef  *string       `json:"externalRef,omitempty"`
	MetadataJSON *string       `json:"-"`
}

// Metadata parses and validates MetadataJSON (spec §3: "validated on
// read"). Returns nil, nil when no metadata has been recorded yet.
// Attempt is floored at 1 regardless of what was stored.
func (se StationExecution) Metadata() (*StationMetadata, error) {
	if se.MetadataJSON == nil || *se.MetadataJSON == "" {
		return nil, nil
	}
	var m StationMetadata
	if err := json.Unmarshal([]byte(*se.MetadataJSON), &m); err != nil {
		return nil, err
	}
	if m.Attempt < 1 {
		m.Attempt = 1
	}
	return &m, nil
}

// ArtifactType enumerates the structured artifacts the core pipeline produces.
type ArtifactType string

const (
	ArtifactIntakeSummary       ArtifactType = "intake_summary"
	ArtifactPlanSummary         ArtifactType = "plan_summary"
	ArtifactCreatePRSummary     ArtifactType = "create_pr_summary"
	ArtifactImplementSummary    ArtifactType = "implement_summary"
	ArtifactVerifySummary       ArtifactType = "verify_summary"
	ArtifactImplementRunnerLogs ArtifactType = "implement_runner_logs_excerpt"
	ArtifactVerifyRunnerLogs    ArtifactType = "verify_runner_logs_excerpt"
	ArtifactWorkflowSummary     ArtifactType = "workflow_summary"
)

// ArtifactStorage is where an artifact's payload actually lives.
type ArtifactStorage string

const (
	ArtifactStorageInline   ArtifactStorage = "inline"
	ArtifactStorageExternal ArtifactStorage = "external"
)

// ArtifactID returns the deterministic, upsertable id of an artifact row:
// artifact_<runId>_<type>.
func ArtifactID(runID string, t ArtifactType) string {
	return "artifact_" + runID + "_" + string(t)
}

// Artifact is a structured, upsert-on-conflict record a station produces.
type Artifact struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Type      ArtifactType    `json:"type"`
	Storage   ArtifactStorage `json:"storage"`
	Payload   []byte          `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ClaimStatus is the lifecycle state of an IdempotencyClaim.
type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimSucceeded ClaimStatus = "succeeded"
	ClaimFailed    ClaimStatus = "failed"
)

// IdempotencyClaim guards submission retries: one row per client-supplied
// idempotency key, binding it to the request hash and the run it produced.
type IdempotencyClaim struct {
	Key         string      `json:"key"`
	RequestHash string      `json:"requestHash"`
	RunID       string      `json:"runId"`
	Status      ClaimStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// QueuePublishFailedReason is the well-known failure_reason value written
// when enqueue fails, used both to mark the run and to recognize the
// requeue-eligible branch of the idempotency protocol (spec §4.1 step 4).
const QueuePublishFailedReason = "queue_publish_failed"

// StaleThreshold is the liveness window: a running run with no heartbeat (or
// started_at as fallback) newer than this is eligible for takeover.
const StaleThreshold = 30 * time.Second

// HeartbeatPeriod is how often the engine refreshes a running run's
// heartbeat_at while a station is in progress.
const HeartbeatPeriod = 5 * time.Second
