package coderunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/transport"
)

// External is the pluggable-transport adapter mode (spec §4.4, §6). The
// three operations are plain JSON-over-HTTP rather than ConnectRPC, because
// this codebase's ConnectRPC/protobuf generated stubs were filtered out of
// the retrieved example pack and cannot legitimately be regenerated (see
// DESIGN.md). The HTTP client itself is built the same way this codebase
// builds any other gRPC-style client (internal/transport.NewGRPCClient):
// h2c when no TLS config is supplied, TLS/mTLS otherwise.
type External struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

// NewExternal builds an External adapter talking to baseURL.
func NewExternal(baseURL string, timeout time.Duration, tlsCfg transport.TLSConfig) (*External, error) {
	client, err := transport.NewGRPCClient(tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("coderunner external transport: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &External{client: client, baseURL: baseURL, timeout: timeout}, nil
}

// jobHandle is the wire shape returned by submitJob and getJobStatus.
type jobHandle struct {
	ExternalRef string `json:"externalRef"`
	Status      string `json:"status"`
}

// jobResult is the wire shape returned by getJobResult.
type jobResult struct {
	Outcome     string          `json:"outcome"`
	Summary     string          `json:"summary"`
	ExternalRef string          `json:"externalRef,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	LogsInline  string          `json:"logsInline,omitempty"`
}

func nonTerminalStatuses() map[string]bool {
	return map[string]bool{"queued": true, "running": true}
}

// HealthCheck verifies the coderunner service is reachable, satisfying
// api.HealthChecker.
func (e *External) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build healthcheck request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("coderunner healthcheck: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("coderunner healthcheck: status %d", resp.StatusCode)
}

func (e *External) RunImplementTask(ctx context.Context, input CoderunnerTaskInput) (StationExecutionResponse, error) {
	return e.run(ctx, "implement", input)
}

func (e *External) RunVerifyTask(ctx context.Context, input CoderunnerTaskInput) (StationExecutionResponse, error) {
	return e.run(ctx, "verify", input)
}

// run implements the resume policy from spec §4.4: if input carries
// resume.externalRef, poll getJobStatus (never re-submit); otherwise submit
// a new job. Either way, a non-terminal status yields a non-terminal
// response; a terminal status fetches and returns getJobResult.
func (e *External) run(ctx context.Context, phase string, input CoderunnerTaskInput) (StationExecutionResponse, error) {
	var handle jobHandle
	var err error

	if input.Resume != nil && input.Resume.ExternalRef != "" {
		handle, err = e.getJobStatus(ctx, input.Resume.ExternalRef)
	} else {
		handle, err = e.submitJob(ctx, phase, input)
	}
	if err != nil {
		return StationExecutionResponse{}, err
	}

	meta := e.metadata(phase, input, handle.Status)

	if nonTerminalStatuses()[handle.Status] {
		return StationExecutionResponse{ExternalRef: handle.ExternalRef, Metadata: meta}, nil
	}

	result, err := e.getJobResult(ctx, handle.ExternalRef)
	if err != nil {
		return StationExecutionResponse{}, err
	}
	outcome := Outcome(result.Outcome)
	return StationExecutionResponse{
		Outcome:     &outcome,
		Summary:     result.Summary,
		ExternalRef: result.ExternalRef,
		Metadata:    meta,
		LogsInline:  result.LogsInline,
	}, nil
}

// metadata builds the {phase, mode, attempt, providerStatus, updatedAt}
// envelope spec §4.4 mandates: attempt = (resumeMetadata.attempt ?? 0)+1,
// floored at 1, carried across resumes the same way the mock adapter does.
func (e *External) metadata(phase string, input CoderunnerTaskInput, providerStatus string) *domain.StationMetadata {
	attempt := 1
	if input.Resume != nil && input.Resume.Metadata != nil && input.Resume.Metadata.Attempt > 0 {
		attempt = input.Resume.Metadata.Attempt + 1
	}
	updatedAt := time.Now().UTC().Format(time.RFC3339)
	return &domain.StationMetadata{
		Phase:          phase,
		Mode:           "external",
		Attempt:        attempt,
		ProviderStatus: &providerStatus,
		UpdatedAt:      &updatedAt,
	}
}

func (e *External) submitJob(ctx context.Context, phase string, input CoderunnerTaskInput) (jobHandle, error) {
	body, err := json.Marshal(struct {
		Phase string `json:"phase"`
		CoderunnerTaskInput
	}{Phase: phase, CoderunnerTaskInput: input})
	if err != nil {
		return jobHandle{}, NewAdapterError(CategoryConfig, fmt.Errorf("marshal submit body: %w", err))
	}
	var handle jobHandle
	err = e.doJSON(ctx, http.MethodPost, "/jobs", bytes.NewReader(body), &handle)
	return handle, err
}

func (e *External) getJobStatus(ctx context.Context, externalRef string) (jobHandle, error) {
	var handle jobHandle
	err := e.doJSON(ctx, http.MethodGet, "/jobs/"+externalRef, nil, &handle)
	return handle, err
}

func (e *External) getJobResult(ctx context.Context, externalRef string) (jobResult, error) {
	var result jobResult
	err := e.doJSON(ctx, http.MethodGet, "/jobs/"+externalRef+"/result", nil, &result)
	return result, err
}

func (e *External) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return NewAdapterError(CategoryConfig, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewAdapterError(CategoryTransportRetryable, fmt.Errorf("request timed out: %w", err))
		}
		return NewAdapterError(CategoryTransportRetryable, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewAdapterError(CategoryProvider, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	return classifyHTTPError(resp.StatusCode)
}

// classifyHTTPError maps a coderunner transport's HTTP status into the three
// categories spec §4.4 names: auth/config (non-retryable), retryable
// transport (408, 429, >=500), or provider (other 4xx).
func classifyHTTPError(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAdapterError(CategoryAuth, fmt.Errorf("coderunner returned %d", status))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return NewAdapterError(CategoryTransportRetryable, fmt.Errorf("coderunner returned %d", status))
	default:
		return NewAdapterError(CategoryProvider, fmt.Errorf("coderunner returned %d", status))
	}
}
