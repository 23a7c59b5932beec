package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/postgres"
)

// seedRun inserts a repo and a queued run, returning the created run.
func seedRun(t *testing.T, repos *postgres.RepoStore, runs *postgres.RunStore, id string) domain.Run {
	t.Helper()
	ctx := context.Background()
	repo, err := repos.Create(ctx, domain.Repo{ID: "repo_" + id, Owner: "acme", Name: "widgets-" + id, DefaultBranch: "main", Enabled: true})
	require.NoError(t, err)

	run, err := runs.Create(ctx, domain.Run{ID: id, RepoID: repo.ID, IssueNumber: 1, Requestor: "alice", BaseBranch: "main", PrMode: domain.PrModeDraft})
	require.NoError(t, err)
	return run
}

func TestRunStore_CreateGetDelete(t *testing.T) {
	pool := testPool(t)
	repos := postgres.NewRepoStore(pool)
	runs := postgres.NewRunStore(pool)
	ctx := context.Background()

	run := seedRun(t, repos, runs, "run_1")
	assert.Equal(t, domain.RunQueued, run.Status)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	require.NoError(t, runs.Delete(ctx, run.ID))
	_, err = runs.Get(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunStore_ClaimQueuedIsSingleWinner(t *testing.T) {
	pool := testPool(t)
	repos := postgres.NewRepoStore(pool)
	runs := postgres.NewRunStore(pool)
	ctx := context.Background()

	run := seedRun(t, repos, runs, "run_1")

	claimed, claimedRun, err := runs.ClaimQueued(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, domain.RunRunning, claimedRun.Status)
	require.NotNil(t, claimedRun.CurrentStation)
	assert.Equal(t, domain.StationIntake, *claimedRun.CurrentStation)

	claimedAgain, _, err := runs.ClaimQueued(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, claimedAgain, "a second claim-queued CAS must not win")
}

func TestRunStore_ClaimStaleRequiresMatchingHeartbeat(t *testing.T) {
	pool := testPool(t)
	repos := postgres.NewRepoStore(pool)
	runs := postgres.NewRunStore(pool)
	ctx := context.Background()

	run := seedRun(t, repos, runs, "run_1")
	_, claimedRun, err := runs.ClaimQueued(ctx, run.ID)
	require.NoError(t, err)

	// Stale claim against a wrong (stale) heartbeat snapshot should lose.
	staleHeartbeat := claimedRun.HeartbeatAt.Add(-time.Minute)
	claimed, _, err := runs.ClaimStale(ctx, run.ID, &staleHeartbeat, time.Time{})
	require.NoError(t, err)
	assert.False(t, claimed)

	// Fetch current heartbeat and retry with the accurate snapshot.
	current, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	claimed, _, err = runs.ClaimStale(ctx, run.ID, current.HeartbeatAt, time.Time{})
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRunStore_FinalizeSucceededAndFailedAreSingleWinner(t *testing.T) {
	pool := testPool(t)
	repos := postgres.NewRepoStore(pool)
	runs := postgres.NewRunStore(pool)
	ctx := context.Background()

	run := seedRun(t, repos, runs, "run_1")
	_, _, err := runs.ClaimQueued(ctx, run.ID)
	require.NoError(t, err)

	changed, err := runs.FinalizeSucceeded(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changedAgain, err := runs.FinalizeSucceeded(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, changedAgain)

	changedFailed, err := runs.FinalizeFailed(ctx, run.ID, domain.StationImplement, "boom")
	require.NoError(t, err)
	assert.False(t, changedFailed, "an already-terminal run cannot be finalized again")
}

func TestRunStore_ListFiltersByStatusAndRepo(t *testing.T) {
	pool := testPool(t)
	repos := postgres.NewRepoStore(pool)
	runs := postgres.NewRunStore(pool)
	ctx := context.Background()

	run1 := seedRun(t, repos, runs, "run_1")
	seedRun(t, repos, runs, "run_2")
	_, _, err := runs.ClaimQueued(ctx, run1.ID)
	require.NoError(t, err)

	running := domain.RunRunning
	filtered, err := runs.List(ctx, postgres.ListFilter{Status: &running, Limit: 10})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, run1.ID, filtered[0].ID)

	byRepo, err := runs.List(ctx, postgres.ListFilter{RepoID: &run1.RepoID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, byRepo, 1)
}

func TestRunStore_ListStuckRunning(t *testing.T) {
	pool := testPool(t)
	repos := postgres.NewRepoStore(pool)
	runs := postgres.NewRunStore(pool)
	ctx := context.Background()

	run := seedRun(t, repos, runs, "run_1")
	_, _, err := runs.ClaimQueued(ctx, run.ID)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	stuck, err := runs.ListStuckRunning(ctx, future)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, run.ID, stuck[0].ID)

	past := time.Now().Add(-time.Hour)
	none, err := runs.ListStuckRunning(ctx, past)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRunStore_MarkAndClearQueuePublishFailed(t *testing.T) {
	pool := testPool(t)
	repos := postgres.NewRepoStore(pool)
	runs := postgres.NewRunStore(pool)
	ctx := context.Background()

	run := seedRun(t, repos, runs, "run_1")
	require.NoError(t, runs.MarkQueuePublishFailed(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, domain.QueuePublishFailedReason, *got.FailureReason)

	require.NoError(t, runs.ClearFailureReason(ctx, run.ID))
	got, err = runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.FailureReason)
}
