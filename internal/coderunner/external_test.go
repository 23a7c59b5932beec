package coderunner_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideworks/conductor/internal/coderunner"
	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/transport"
)

func TestExternal_SubmitThenTerminal(t *testing.T) {
	var sawSubmit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			sawSubmit = true
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"externalRef": "job-1", "status": "succeeded"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1/result":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"outcome": "succeeded", "summary": "done"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ext, err := coderunner.NewExternal(srv.URL, 5*time.Second, transport.TLSConfig{})
	require.NoError(t, err)

	resp, err := ext.RunImplementTask(t.Context(), coderunner.CoderunnerTaskInput{RunID: "r1"})
	require.NoError(t, err)
	assert.True(t, sawSubmit)
	require.True(t, resp.IsTerminal())
	assert.Equal(t, coderunner.OutcomeSucceeded, *resp.Outcome)
	assert.Equal(t, "done", resp.Summary)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, "implement", resp.Metadata.Phase)
	assert.Equal(t, "external", resp.Metadata.Mode)
	assert.Equal(t, 1, resp.Metadata.Attempt)
	require.NotNil(t, resp.Metadata.ProviderStatus)
	assert.Equal(t, "succeeded", *resp.Metadata.ProviderStatus)
}

func TestExternal_ResumeNeverResubmits(t *testing.T) {
	var submitCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			submitCalls++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"externalRef": "job-9", "status": "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-9":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"externalRef": "job-9", "status": "running"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ext, err := coderunner.NewExternal(srv.URL, 5*time.Second, transport.TLSConfig{})
	require.NoError(t, err)

	resp, err := ext.RunImplementTask(t.Context(), coderunner.CoderunnerTaskInput{
		RunID:  "r1",
		Resume: &coderunner.ResumeInput{ExternalRef: "job-9"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, submitCalls, "resume must never call submitJob")
	assert.False(t, resp.IsTerminal())
	assert.Equal(t, "job-9", resp.ExternalRef)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, "running", *resp.Metadata.ProviderStatus)
}

func TestExternal_ResumeAttemptIncrements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-2":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"externalRef": "job-2", "status": "succeeded"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-2/result":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"outcome": "succeeded", "summary": "done"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ext, err := coderunner.NewExternal(srv.URL, 5*time.Second, transport.TLSConfig{})
	require.NoError(t, err)

	resumeMeta := &domain.StationMetadata{Phase: "implement", Mode: "external", Attempt: 3}
	resp, err := ext.RunImplementTask(t.Context(), coderunner.CoderunnerTaskInput{
		RunID:  "r1",
		Resume: &coderunner.ResumeInput{ExternalRef: "job-2", Metadata: resumeMeta},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, 4, resp.Metadata.Attempt)
}

func TestExternal_ClassifiesTransportErrors(t *testing.T) {
	cases := []struct {
		status    int
		category  coderunner.ErrorCategory
		retryable bool
	}{
		{http.StatusUnauthorized, coderunner.CategoryAuth, false},
		{http.StatusForbidden, coderunner.CategoryAuth, false},
		{http.StatusRequestTimeout, coderunner.CategoryTransportRetryable, true},
		{http.StatusTooManyRequests, coderunner.CategoryTransportRetryable, true},
		{http.StatusInternalServerError, coderunner.CategoryTransportRetryable, true},
		{http.StatusBadRequest, coderunner.CategoryProvider, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		ext, err := coderunner.NewExternal(srv.URL, 2*time.Second, transport.TLSConfig{})
		require.NoError(t, err)

		_, taskErr := ext.RunImplementTask(t.Context(), coderunner.CoderunnerTaskInput{RunID: "r1"})
		require.Error(t, taskErr)

		var adapterErr *coderunner.AdapterError
		require.ErrorAs(t, taskErr, &adapterErr)
		assert.Equal(t, tc.category, adapterErr.Category, "status %d", tc.status)
		assert.Equal(t, tc.retryable, adapterErr.Retryable, "status %d", tc.status)

		srv.Close()
	}
}

func TestCategoryRetryable(t *testing.T) {
	assert.True(t, coderunner.CategoryRetryable(coderunner.CategoryTransportRetryable))
	assert.False(t, coderunner.CategoryRetryable(coderunner.CategoryConfig))
	assert.False(t, coderunner.CategoryRetryable(coderunner.CategoryAuth))
	assert.False(t, coderunner.CategoryRetryable(coderunner.CategoryProvider))
}
