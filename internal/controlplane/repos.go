package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/tideworks/conductor/internal/domain"
)

// repoNameRe matches a GitHub-style owner/repo path segment: letters,
// digits, hyphens, underscores, and dots, 1-128 characters.
var repoNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

func validRepoName(s string) bool {
	return repoNameRe.MatchString(s)
}

type registerRepoRequest struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
	ConfigPath    string `json:"configPath"`
	Enabled       *bool  `json:"enabled"`
}

// HandleRegisterRepo implements POST /v1/repos (spec §4.1 "Other
// control-plane operations").
func (s *Server) HandleRegisterRepo(w http.ResponseWriter, r *http.Request) {
	var req registerRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", errValidation, http.StatusBadRequest)
		return
	}

	if !validRepoName(req.Owner) || !validRepoName(req.Name) {
		errorJSON(w, "owner and name are required and must be valid repo path segments", errValidation, http.StatusBadRequest)
		return
	}

	defaultBranch := req.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	repo := domain.Repo{
		ID:            "repo_" + uuid.New().String(),
		Owner:         req.Owner,
		Name:          req.Name,
		DefaultBranch: defaultBranch,
		ConfigPath:    req.ConfigPath,
		Enabled:       enabled,
	}

	created, err := s.Repos.Create(r.Context(), repo)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			errorJSON(w, "repo already registered", errConflict, http.StatusConflict)
			return
		}
		internalError(w, "failed to register repo", err)
		return
	}

	if s.RepoCache != nil {
		s.RepoCache.Clear()
	}

	writeJSON(w, http.StatusCreated, map[string]any{"repo": created})
}

// HandleListRepos implements GET /v1/repos.
func (s *Server) HandleListRepos(w http.ResponseWriter, r *http.Request) {
	const cacheKey = "repos"
	if s.RepoCache != nil {
		if cached, ok := s.RepoCache.Get(cacheKey); ok {
			writeJSON(w, http.StatusOK, map[string]any{"repos": cached})
			return
		}
	}

	repos, err := s.Repos.List(r.Context())
	if err != nil {
		internalError(w, "failed to list repos", err)
		return
	}
	if repos == nil {
		repos = []domain.Repo{}
	}

	if s.RepoCache != nil {
		s.RepoCache.Set(cacheKey, repos)
	}

	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}
