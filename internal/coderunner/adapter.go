// Package coderunner implements the Coderunner Adapter (spec §4.4, §6): the
// engine's only dependency for the implement/verify stations. Two modes are
// provided — mock (deterministic, in-process) and external (plain
// JSON-over-HTTP against a real coderunner service).
package coderunner

import (
	"context"
	"fmt"

	"github.com/tideworks/conductor/internal/domain"
)

// RepoRef is the repo slice of a CoderunnerTaskInput.
type RepoRef struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	BaseBranch string `json:"baseBranch"`
	ConfigPath string `json:"configPath,omitempty"`
}

// ResumeInput carries the externalRef a station is resuming against.
type ResumeInput struct {
	ExternalRef string                  `json:"externalRef"`
	Metadata    *domain.StationMetadata `json:"metadata,omitempty"`
}

// CoderunnerTaskInput is the request envelope for both implement and verify
// (spec §6).
type CoderunnerTaskInput struct {
	RunID       string       `json:"runId"`
	IssueNumber int          `json:"issueNumber"`
	Goal        *string      `json:"goal,omitempty"`
	Requestor   string       `json:"requestor"`
	PrMode      domain.PrMode `json:"prMode"`
	Repo        RepoRef      `json:"repo"`
	Resume      *ResumeInput `json:"resume,omitempty"`
}

// Outcome is the terminal discriminant of a StationExecutionResponse.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeTimeout   Outcome = "timeout"
)

// IsTerminalOutcome reports whether o is one of the four terminal outcomes.
func IsTerminalOutcome(o Outcome) bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeCanceled, OutcomeTimeout:
		return true
	}
	return false
}

// StationExecutionResponse is the tagged union from spec §4.3/§9: Outcome
// nil means non-terminal (the engine must persist ExternalRef and retry);
// Outcome set means terminal.
type StationExecutionResponse struct {
	Outcome     *Outcome
	Summary     string
	ExternalRef string
	Metadata    *domain.StationMetadata
	LogsInline  string
}

// IsTerminal reports whether this response carries a terminal outcome.
func (r StationExecutionResponse) IsTerminal() bool {
	return r.Outcome != nil
}

// ErrorCategory classifies an adapter-side failure (spec §4.4, §6, §7).
type ErrorCategory string

const (
	CategoryConfig             ErrorCategory = "config"
	CategoryAuth               ErrorCategory = "auth"
	CategoryTransportRetryable ErrorCategory = "transport_retryable"
	CategoryProvider           ErrorCategory = "provider"
)

// AdapterError is the error type every Adapter method returns on failure. It
// always carries a category and the retryable flag that category implies.
type AdapterError struct {
	Category  ErrorCategory
	Retryable bool
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("coderunner adapter [%s]: %v", e.Category, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// CategoryRetryable reports whether errors of category c are retryable,
// independent of any particular AdapterError instance (spec §4.4: auth/config
// non-retryable; transport_retryable retryable; provider non-retryable).
func CategoryRetryable(c ErrorCategory) bool {
	return c == CategoryTransportRetryable
}

// NewAdapterError builds an AdapterError with Retryable derived from
// category.
func NewAdapterError(category ErrorCategory, err error) *AdapterError {
	return &AdapterError{Category: category, Retryable: CategoryRetryable(category), Err: err}
}

// Adapter is the engine's sole dependency for executing the implement and
// verify stations (spec §4.4, §9: "injecting an adapter instance is the
// preferred test seam").
type Adapter interface {
	RunImplementTask(ctx context.Context, input CoderunnerTaskInput) (StationExecutionResponse, error)
	RunVerifyTask(ctx context.Context, input CoderunnerTaskInput) (StationExecutionResponse, error)
}
