package controlplane_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideworks/conductor/internal/controlplane"
	"github.com/tideworks/conductor/internal/reaper"
)

type fakeReaperReporter struct{ counts reaper.Counts }

func (f fakeReaperReporter) Last() reaper.Counts { return f.counts }

func TestHandleAdminReaper_NilReaperReportsZero(t *testing.T) {
	srv := newTestServer()
	router := controlplane.NewRouter(srv)

	req := httptest.NewRequest("GET", "/v1/admin/reaper", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	counts := out["reaper"].(map[string]any)
	assert.Equal(t, float64(0), counts["stuckClaims"])
	assert.Equal(t, float64(0), counts["stuckRuns"])
}

func TestHandleAdminReaper_ReportsLastScan(t *testing.T) {
	srv := newTestServer()
	now := time.Now().UTC()
	srv.Reaper = fakeReaperReporter{counts: reaper.Counts{StuckClaims: 2, StuckRuns: 1, LastScanAt: now}}
	router := controlplane.NewRouter(srv)

	req := httptest.NewRequest("GET", "/v1/admin/reaper", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	counts := out["reaper"].(map[string]any)
	assert.Equal(t, float64(2), counts["stuckClaims"])
	assert.Equal(t, float64(1), counts["stuckRuns"])
}

func TestRequireBearer_GatesWhenConfigured(t *testing.T) {
	srv := newTestServer()
	srv.BearerToken = "secret-token"
	router := controlplane.NewRouter(srv)

	req := httptest.NewRequest("GET", "/v1/ping", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)

	req2 := httptest.NewRequest("GET", "/v1/ping", nil)
	req2.Header.Set("Authorization", "Bearer secret-token")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	assert.Equal(t, 200, rec2.Code)
}
