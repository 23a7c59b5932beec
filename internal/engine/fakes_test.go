package engine_test

import (
	"context"
	"sync"
	"time"

	"github.com/tideworks/conductor/internal/domain"
)

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[string]domain.Run{}}
}

func (f *fakeRunStore) put(r domain.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID] = r
}

func (f *fakeRunStore) Get(_ context.Context, id string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeRunStore) ClaimQueued(_ context.Context, id string) (bool, domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || r.Status != domain.RunQueued {
		return false, r, nil
	}
	now := time.Now().UTC()
	r.Status = domain.RunRunning
	r.StartedAt = &now
	f.runs[id] = r
	return true, r, nil
}

func (f *fakeRunStore) ClaimStale(_ context.Context, id string, _ *time.Time, _ time.Time) (bool, domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || r.Status != domain.RunRunning {
		return false, r, nil
	}
	return true, r, nil
}

func (f *fakeRunStore) SetCurrentStationHeartbeat(_ context.Context, id string, station domain.Station) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	r.CurrentStation = &station
	r.HeartbeatAt = &now
	f.runs[id] = r
	return true, nil
}

func (f *fakeRunStore) RefreshHeartbeat(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	r.HeartbeatAt = &now
	f.runs[id] = r
	return nil
}

func (f *fakeRunStore) FinalizeSucceeded(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || domain.IsTerminalRunStatus(r.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status = domain.RunSucceeded
	r.FinishedAt = &now
	f.runs[id] = r
	return true, nil
}

func (f *fakeRunStore) FinalizeFailed(_ context.Context, id string, station domain.Station, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || domain.IsTerminalRunStatus(r.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status = domain.RunFailed
	r.CurrentStation = &station
	r.FailureReason = &reason
	r.FinishedAt = &now
	f.runs[id] = r
	return true, nil
}

type stationKey struct {
	runID   string
	station domain.Station
}

type fakeStationStore struct {
	mu       sync.Mutex
	stations map[stationKey]domain.StationExecution
}

func newFakeStationStore() *fakeStationStore {
	return &fakeStationStore{stations: map[stationKey]domain.StationExecution{}}
}

func (f *fakeStationStore) preset(runID string, station domain.Station, status domain.StationStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stations[stationKey{runID, station}] = domain.StationExecution{
		ID: domain.StationExecutionID(runID, station), RunID: runID, Station: station, Status: status,
	}
}

func (f *fakeStationStore) Get(_ context.Context, runID string, station domain.Station) (domain.StationExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	se, ok := f.stations[stationKey{runID, station}]
	if !ok {
		return domain.StationExecution{}, domain.ErrNotFound
	}
	return se, nil
}

func (f *fakeStationStore) UpsertRunning(_ context.Context, runID string, station domain.Station, startedAt time.Time) (domain.StationExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	se := domain.StationExecution{
		ID: domain.StationExecutionID(runID, station), RunID: runID, Station: station,
		Status: domain.StationRunning, StartedAt: &startedAt,
	}
	f.stations[stationKey{runID, station}] = se
	return se, nil
}

func (f *fakeStationStore) PersistNonTerminal(_ context.Context, runID string, station domain.Station, summary, externalRef, metadataJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	se := f.stations[stationKey{runID, station}]
	se.Summary = &summary
	se.ExternalRef = &externalRef
	if metadataJSON != "" {
		se.MetadataJSON = &metadataJSON
	}
	f.stations[stationKey{runID, station}] = se
	return nil
}

func (f *fakeStationStore) CASSucceeded(_ context.Context, runID string, station domain.Station, summary string, durationMs int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	se := f.stations[stationKey{runID, station}]
	se.Status = domain.StationSucceeded
	se.Summary = &summary
	se.DurationMs = &durationMs
	f.stations[stationKey{runID, station}] = se
	return true, nil
}

func (f *fakeStationStore) CASFailed(_ context.Context, runID string, station domain.Station, summary string, durationMs int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	se := f.stations[stationKey{runID, station}]
	se.Status = domain.StationFailed
	se.Summary = &summary
	se.DurationMs = &durationMs
	f.stations[stationKey{runID, station}] = se
	return true, nil
}

type fakeArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]domain.Artifact
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{artifacts: map[string]domain.Artifact{}}
}

func (f *fakeArtifactStore) Upsert(_ context.Context, a domain.Artifact) (domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.CreatedAt = time.Now().UTC()
	f.artifacts[a.ID] = a
	return a, nil
}

func (f *fakeArtifactStore) get(id string) (domain.Artifact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artifacts[id]
	return a, ok
}

type fakeRepoStore struct {
	repos map[string]domain.Repo
}

func newFakeRepoStore(repos ...domain.Repo) *fakeRepoStore {
	m := map[string]domain.Repo{}
	for _, r := range repos {
		m[r.ID] = r
	}
	return &fakeRepoStore{repos: m}
}

func (f *fakeRepoStore) GetByID(_ context.Context, id string) (domain.Repo, error) {
	r, ok := f.repos[id]
	if !ok {
		return domain.Repo{}, domain.ErrNotFound
	}
	return r, nil
}
