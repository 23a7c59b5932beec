package coderunner

import (
	"context"
	"strings"
	"time"

	"github.com/tideworks/conductor/internal/domain"
)

// Mock is the deterministic, synchronous-terminal-outcome adapter (spec
// §4.4). It recognizes markers in the goal string to force a particular
// outcome, which is how the engine's state machine and resume logic are
// exercised in tests without a real coderunner service.
type Mock struct{}

// NewMock builds a Mock adapter.
func NewMock() *Mock { return &Mock{} }

const (
	markerTimeout    = "[mock-timeout]"
	markerCanceled   = "[mock-canceled]"
	markerFail       = "[mock-fail]"
	markerVerifyFail = "[verify-fail]"
)

func (m *Mock) RunImplementTask(ctx context.Context, input CoderunnerTaskInput) (StationExecutionResponse, error) {
	return m.run(input, "implement")
}

func (m *Mock) RunVerifyTask(ctx context.Context, input CoderunnerTaskInput) (StationExecutionResponse, error) {
	return m.run(input, "verify")
}

func (m *Mock) run(input CoderunnerTaskInput, phase string) (StationExecutionResponse, error) {
	goal := ""
	if input.Goal != nil {
		goal = *input.Goal
	}

	outcome := OutcomeSucceeded
	switch {
	case strings.Contains(goal, markerTimeout):
		outcome = OutcomeTimeout
	case strings.Contains(goal, markerCanceled):
		outcome = OutcomeCanceled
	case strings.Contains(goal, markerFail):
		outcome = OutcomeFailed
	case phase == "verify" && strings.Contains(goal, markerVerifyFail):
		outcome = OutcomeFailed
	}

	attempt := 1
	if input.Resume != nil && input.Resume.Metadata != nil && input.Resume.Metadata.Attempt > 0 {
		attempt = input.Resume.Metadata.Attempt + 1
	}
	updatedAt := time.Now().UTC().Format(time.RFC3339)

	return StationExecutionResponse{
		Outcome:    &outcome,
		Summary:    "mock " + phase + " " + string(outcome),
		LogsInline: "mock " + phase + " run: outcome=" + string(outcome),
		Metadata: &domain.StationMetadata{
			Phase:     phase,
			Mode:      "mock",
			Attempt:   attempt,
			UpdatedAt: &updatedAt,
		},
	}, nil
}
