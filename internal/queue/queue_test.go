package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideworks/conductor/internal/domain"
	"github.com/tideworks/conductor/internal/queue"
)

func TestMemory_EnqueueClaimAck(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	msg := queue.RunQueueMessage{RunID: "run_1", RepoID: "repo_1", IssueNumber: 1, RequestedAt: time.Now(), PrMode: domain.PrModeDraft, Requestor: "alice"}
	require.NoError(t, q.Enqueue(ctx, msg))
	assert.Equal(t, 1, q.Len())

	d, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run_1", d.Message.RunID)
	assert.Equal(t, 1, d.DeliveryCount)

	require.NoError(t, q.Ack(ctx, d))
	assert.Equal(t, 0, q.Len())
}

func TestMemory_ClaimNothingAvailable(t *testing.T) {
	q := queue.NewMemory()
	_, ok, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_ClaimedMessageNotReclaimableUntilRetry(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	msg := queue.RunQueueMessage{RunID: "run_1", RepoID: "repo_1", IssueNumber: 1, RequestedAt: time.Now(), PrMode: domain.PrModeDraft, Requestor: "alice"}
	require.NoError(t, q.Enqueue(ctx, msg))

	d1, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a claimed, unacked message must not be immediately reclaimable")

	require.NoError(t, q.Retry(ctx, d1, -time.Second)) // negative backoff: immediately visible again

	d2, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, d2.DeliveryCount)
}

func TestMemory_RetryIncrementsDeliveryCount(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	msg := queue.RunQueueMessage{RunID: "run_1", RepoID: "repo_1", IssueNumber: 1, RequestedAt: time.Now(), PrMode: domain.PrModeDraft, Requestor: "alice"}
	require.NoError(t, q.Enqueue(ctx, msg))

	for i := 1; i <= 3; i++ {
		d, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, d.DeliveryCount)
		require.NoError(t, q.Retry(ctx, d, -time.Second))
	}
}

func TestMemory_PreservesFIFOOrderWithinPartition(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"run_1", "run_2", "run_3"} {
		require.NoError(t, q.Enqueue(ctx, queue.RunQueueMessage{RunID: id, RepoID: "repo_1", IssueNumber: 1, RequestedAt: time.Now(), PrMode: domain.PrModeDraft, Requestor: "alice"}))
	}

	var order []string
	for i := 0; i < 3; i++ {
		d, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, d.Message.RunID)
		require.NoError(t, q.Ack(ctx, d))
	}
	assert.Equal(t, []string{"run_1", "run_2", "run_3"}, order)
}
