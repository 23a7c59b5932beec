package controlplane_test

import (
	"context"
	"sync"
	"time"

	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/postgres"
	"github.com/tideworks/conductor/internal/queue"
)

// fakeRepoStore is a minimal in-memory controlplane.RepoStore.
type fakeRepoStore struct {
	mu    sync.Mutex
	repos map[string]domain.Repo
}

func newFakeRepoStore() *fakeRepoStore {
	return &fakeRepoStore{repos: map[string]domain.Repo{}}
}

func (f *fakeRepoStore) Create(_ context.Context, r domain.Repo) (domain.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.Owner + "/" + r.Name
	for _, existing := range f.repos {
		if existing.Owner == r.Owner && existing.Name == r.Name {
			return domain.Repo{}, domain.ErrAlreadyExists
		}
	}
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	f.repos[key] = r
	return r, nil
}

func (f *fakeRepoStore) GetByOwnerName(_ context.Context, owner, name string) (domain.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[owner+"/"+name]
	if !ok {
		return domain.Repo{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeRepoStore) GetByID(_ context.Context, id string) (domain.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.repos {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Repo{}, domain.ErrNotFound
}

func (f *fakeRepoStore) List(_ context.Context) ([]domain.Repo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Repo, 0, len(f.repos))
	for _, r := range f.repos {
		out = append(out, r)
	}
	return out, nil
}

// fakeRunStore is a minimal in-memory controlplane.RunStore.
type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[string]domain.Run{}}
}

func (f *fakeRunStore) Create(_ context.Context, r domain.Run) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.Status = domain.RunQueued
	r.CreatedAt = time.Now().UTC()
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeRunStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runs, id)
	return nil
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

func (f *fakeRunStore) List(_ context.Context, filter postgres.ListFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Run, 0, len(f.runs))
	for _, r := range f.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.RepoID != nil && r.RepoID != *filter.RepoID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRunStore) MarkQueuePublishFailed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	reason := domain.QueuePublishFailedReason
	r.FailureReason = &reason
	f.runs[id] = r
	return nil
}

func (f *fakeRunStore) ClearFailureReason(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.FailureReason = nil
	f.runs[id] = r
	return nil
}

// fakeClaimStore is a minimal in-memory controlplane.ClaimStore.
type fakeClaimStore struct {
	mu     sync.Mutex
	claims map[string]domain.IdempotencyClaim
}

func newFakeClaimStore() *fakeClaimStore {
	return &fakeClaimStore{claims: map[string]domain.IdempotencyClaim{}}
}

func (f *fakeClaimStore) GetByKey(_ context.Context, key string) (domain.IdempotencyClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[key]
	if !ok {
		return domain.IdempotencyClaim{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeClaimStore) Create(_ context.Context, key, requestHash, runID string) (domain.IdempotencyClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.claims[key]; ok {
		return domain.IdempotencyClaim{}, domain.ErrAlreadyExists
	}
	now := time.Now().UTC()
	c := domain.IdempotencyClaim{
		Key: key, RequestHash: requestHash, RunID: runID,
		Status: domain.ClaimPending, CreatedAt: now, UpdatedAt: now,
	}
	f.claims[key] = c
	return c, nil
}

func (f *fakeClaimStore) CASPromoteSucceeded(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[key]
	if !ok || c.Status != domain.ClaimPending {
		return false, nil
	}
	c.Status = domain.ClaimSucceeded
	c.UpdatedAt = time.Now().UTC()
	f.claims[key] = c
	return true, nil
}

func (f *fakeClaimStore) CASDemoteFailed(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[key]
	if !ok {
		return false, nil
	}
	c.Status = domain.ClaimFailed
	c.UpdatedAt = time.Now().UTC()
	f.claims[key] = c
	return true, nil
}

func (f *fakeClaimStore) CASRequeueFromFailed(_ context.Context, key string) (bool, domain.IdempotencyClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[key]
	if !ok || c.Status != domain.ClaimFailed {
		return false, c, nil
	}
	c.Status = domain.ClaimPending
	c.UpdatedAt = time.Now().UTC()
	f.claims[key] = c
	return true, c, nil
}

func (f *fakeClaimStore) CASRequeueFromPendingStale(_ context.Context, key string, observedUpdatedAt time.Time) (bool, domain.IdempotencyClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.claims[key]
	if !ok || c.Status != domain.ClaimPending || !c.UpdatedAt.Equal(observedUpdatedAt) {
		return false, c, nil
	}
	c.UpdatedAt = time.Now().UTC()
	f.claims[key] = c
	return true, c, nil
}

// fakeStationStore is a minimal in-memory controlplane.StationStore.
type fakeStationStore struct {
	byRun map[string][]domain.StationExecution
}

func newFakeStationStore() *fakeStationStore {
	return &fakeStationStore{byRun: map[string][]domain.StationExecution{}}
}

func (f *fakeStationStore) ListByRun(_ context.Context, runID string) ([]domain.StationExecution, error) {
	return f.byRun[runID], nil
}

// fakeArtifactStore is a minimal in-memory controlplane.ArtifactStore.
type fakeArtifactStore struct {
	byRun map[string][]domain.Artifact
}

func newFakeArtifactStore() *fakeArtifactStore {
	return &fakeArtifactStore{byRun: map[string][]domain.Artifact{}}
}

func (f *fakeArtifactStore) ListByRun(_ context.Context, runID string) ([]domain.Artifact, error) {
	return f.byRun[runID], nil
}

// failingQueue always fails Enqueue, to test the queue-publish-failed branch.
type failingQueue struct {
	inner *queue.Memory
	fail  bool
}

func newFailingQueue() *failingQueue {
	return &failingQueue{inner: queue.NewMemory()}
}

func (q *failingQueue) Enqueue(ctx context.Context, msg queue.RunQueueMessage) error {
	if q.fail {
		return context.DeadlineExceeded
	}
	return q.inner.Enqueue(ctx, msg)
}

func (q *failingQueue) Claim(ctx context.Context) (*queue.Delivery, bool, error) {
	return q.inner.Claim(ctx)
}

func (q *failingQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.inner.Ack(ctx, d)
}

func (q *failingQueue) Retry(ctx context.Context, d *queue.Delivery, backoff time.Duration) error {
	return q.inner.Retry(ctx, d, backoff)
}
