package controlplane

import (
	"net/http"

	"github.com/tideworks/conductor/internal/reaper"
)

// HandleAdminReaper implements GET /v1/admin/reaper (SPEC_FULL.md §6): the
// last non-mutating stale-claim/stuck-run scan's counts. The reaper is an
// optional singleton worker, so a nil Reaper just reports zero counts rather
// than erroring.
func (s *Server) HandleAdminReaper(w http.ResponseWriter, r *http.Request) {
	var counts reaper.Counts
	if s.Reaper != nil {
		counts = s.Reaper.Last()
	}
	writeJSON(w, http.StatusOK, map[string]any{"reaper": counts})
}
