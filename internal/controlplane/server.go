// Package controlplane implements the Control Plane HTTP service: run
// submission and its three-party idempotency protocol, repo registration,
// and the observational list/get endpoints (spec §4.1, §6).
package controlplane

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tideworks/conductor/internal/api"
	"github.com/tideworks/conductor/internal/cache"
	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/postgres"
	"github.com/tideworks/conductor/internal/queue"
	"github.com/tideworks/conductor/internal/reaper"
)

// ReaperReporter is the slice of *reaper.Reporter the admin endpoint needs.
type ReaperReporter interface {
	Last() reaper.Counts
}

// RepoStore is the slice of postgres.RepoStore the Control Plane needs.
type RepoStore interface {
	Create(ctx context.Context, r domain.Repo) (domain.Repo, error)
	GetByOwnerName(ctx context.Context, owner, name string) (domain.Repo, error)
	GetByID(ctx context.Context, id string) (domain.Repo, error)
	List(ctx context.Context) ([]domain.Repo, error)
}

// RunStore is the slice of postgres.RunStore the Control Plane needs.
type RunStore interface {
	Create(ctx context.Context, r domain.Run) (domain.Run, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Run, error)
	List(ctx context.Context, f postgres.ListFilter) ([]domain.Run, error)
	MarkQueuePublishFailed(ctx context.Context, id string) error
	ClearFailureReason(ctx context.Context, id string) error
}

// ClaimStore is the slice of postgres.ClaimStore the Control Plane needs.
type ClaimStore interface {
	GetByKey(ctx context.Context, key string) (domain.IdempotencyClaim, error)
	Create(ctx context.Context, key, requestHash, runID string) (domain.IdempotencyClaim, error)
	CASPromoteSucceeded(ctx context.Context, key string) (bool, error)
	CASDemoteFailed(ctx context.Context, key string) (bool, error)
	CASRequeueFromFailed(ctx context.Context, key string) (bool, domain.IdempotencyClaim, error)
	CASRequeueFromPendingStale(ctx context.Context, key string, observedUpdatedAt time.Time) (bool, domain.IdempotencyClaim, error)
}

// StationStore is the slice of postgres.StationStore the Control Plane needs.
type StationStore interface {
	ListByRun(ctx context.Context, runID string) ([]domain.StationExecution, error)
}

// ArtifactStore is the slice of postgres.ArtifactStore the Control Plane needs.
type ArtifactStore interface {
	ListByRun(ctx context.Context, runID string) ([]domain.Artifact, error)
}

// RunMarker is the well-known run failure_reason the requeue-claim CAS
// branches on (spec §4.1 step 1/4). Re-exported from domain for readability
// at call sites in this package.
const RunMarker = domain.QueuePublishFailedReason

// Server holds every dependency the Control Plane's HTTP handlers need.
type Server struct {
	Repos    RepoStore
	Runs     RunStore
	Claims   ClaimStore
	Stations StationStore
	Artifacts ArtifactStore
	Queue    queue.Queue
	Health   *api.Registry

	// Reaper, if set, backs GET /v1/admin/reaper (SPEC_FULL.md §6 supplement).
	// Nil disables the route's data (the handler still responds, with zero
	// counts) since the reaper is an optional singleton worker.
	Reaper ReaperReporter

	// RepoCache, if set, caches GET /v1/repos responses briefly to absorb
	// bursty polling clients (internal/cache, spec ambient-stack supplement).
	RepoCache *cache.Cache[string, []domain.Repo]

	// BearerToken gates every /v1 route; /healthz, /health/live,
	// /health/ready and /metrics stay public. Empty disables auth.
	BearerToken string

	// CORSOrigins configures cross-origin access for the API; empty allows
	// no browser origins (conductor's clients are server-to-server by default).
	CORSOrigins []string

	// rateLimiters holds every per-IP limiter NewRouter started, so Close can
	// stop their background cleanup goroutines on shutdown.
	rateLimiters []*api.RateLimiter
}

// Close stops the background cleanup goroutine of every rate limiter NewRouter
// started for this Server. Safe to call even if NewRouter was never called.
func (s *Server) Close() {
	for _, rl := range s.rateLimiters {
		rl.Stop()
	}
}

// NewRouter assembles the chi router for the Control Plane.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOpts := cors.Options{
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowedOrigins:   srv.CORSOrigins,
		AllowCredentials: false,
		MaxAge:           300,
	}
	if len(srv.CORSOrigins) == 0 {
		// go-chi/cors treats an empty AllowedOrigins as "allow all".
		corsOpts.AllowOriginFunc = func(_ *http.Request, _ string) bool { return false }
	}
	r.Use(cors.Handler(corsOpts))
	r.Use(securityHeaders)
	r.Use(api.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.RequestLogger)
	r.Use(middleware.Recoverer)

	if srv.Health != nil {
		r.Get("/healthz", srv.Health.HandleHealth("conductord-controlplane"))
		r.Get("/health/live", srv.Health.HandleHealthLive)
		r.Get("/health/ready", srv.Health.HandleHealthReady)
		r.Get("/metrics", srv.Health.HandleMetrics)
	}

	endpointCfg := api.DefaultEndpointRateLimitConfig()
	globalLimiter, globalRateLimit := api.RateLimit(api.DefaultRateLimitConfig())
	submissionLimiter, submissionRateLimit := api.RateLimitForEndpoint(endpointCfg.Submission)
	mutationLimiter, mutationRateLimit := api.RateLimitForEndpoint(endpointCfg.Mutation)
	srv.rateLimiters = append(srv.rateLimiters, globalLimiter, submissionLimiter, mutationLimiter)

	r.Group(func(r chi.Router) {
		r.Use(limitJSONBody)
		r.Use(requireBearer(srv.BearerToken))
		r.Use(globalRateLimit)

		r.Get("/v1/ping", handlePing)
		r.With(mutationRateLimit).Post("/v1/repos", srv.HandleRegisterRepo)
		r.Get("/v1/repos", srv.HandleListRepos)
		r.With(submissionRateLimit).Post("/v1/runs", srv.HandleCreateRun)
		r.Get("/v1/runs", srv.HandleListRuns)
		r.Get("/v1/runs/{runID}", srv.HandleGetRun)
		r.Get("/v1/admin/reaper", srv.HandleAdminReaper)
	})

	return r
}

// requireBearer gates every wrapped route behind a static bearer token,
// returning the exact `{"error":"Unauthorized"}` envelope spec.md §6
// mandates (a narrower shape than the rest of the API's structured error
// envelope, used only on this path). An empty token disables the check —
// conductor's local/testing deployments run with no auth configured.
func requireBearer(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	tokenBytes := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			h := r.Header.Get("Authorization")
			if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
				unauthorized(w)
				return
			}
			presented := h[len(prefix):]
			if subtle.ConstantTimeCompare([]byte(presented), tokenBytes) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"Unauthorized"}`))
}

func handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "pong"})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// limitJSONBody caps request body size at 1MB.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		next.ServeHTTP(w, r)
	})
}
