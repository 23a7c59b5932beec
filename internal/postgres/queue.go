package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tideworks/conductor/internal/queue"
)

// Queue is a Postgres-backed queue.Queue grounded in `queue_messages` +
// `SELECT ... FOR UPDATE SKIP LOCKED` claiming, since no message-broker
// client appears anywhere in the retrieved example pack (see DESIGN.md).
// Ordering is preserved within a partition (partition_key = run id) by
// insertion order; no ordering is guaranteed across partitions, matching
// spec §2/§5.
type Queue struct {
	pool     *pgxpool.Pool
	eventBus EventBus
}

// NewQueue builds a Postgres-backed Queue. eventBus may be nil; when set,
// Enqueue publishes a queue_message_ready notification on it. Claim always
// polls and never waits on the bus.
func NewQueue(pool *pgxpool.Pool, eventBus EventBus) *Queue {
	return &Queue{pool: pool, eventBus: eventBus}
}

type pgHandle struct {
	id int64
}

// Enqueue inserts a new queue_messages row and notifies any idle listener.
func (q *Queue) Enqueue(ctx context.Context, msg queue.RunQueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO queue_messages (run_id, partition_key, body, visible_at, delivery_count, created_at)
		VALUES ($1, $1, $2, now(), 0, now())`,
		msg.RunID, body,
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if q.eventBus != nil {
		_ = q.eventBus.Publish(ctx, ChannelQueueMessageReady, QueueMessageReadyPayload{PartitionKey: msg.RunID})
	}
	return nil
}

// Claim atomically claims the first visible message in (partition_key, id)
// order via SKIP LOCKED,
// bumping its visible_at forward by a default in-flight timeout and its
// delivery_count.
func (q *Queue) Claim(ctx context.Context) (*queue.Delivery, bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	var body []byte
	var deliveryCount int
	err = tx.QueryRow(ctx, `
		SELECT id, body, delivery_count FROM queue_messages
		WHERE visible_at <= now()
		ORDER BY partition_key, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`,
	).Scan(&id, &body, &deliveryCount)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim: select: %w", err)
	}

	deliveryCount++
	if _, err := tx.Exec(ctx, `
		UPDATE queue_messages SET visible_at=now() + interval '60 seconds', delivery_count=$2 WHERE id=$1`,
		id, deliveryCount,
	); err != nil {
		return nil, false, fmt.Errorf("claim: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("claim: commit: %w", err)
	}

	var msg queue.RunQueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		// Unparseable body: ack it away so it never blocks the partition again.
		_, _ = q.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id=$1`, id)
		return nil, false, fmt.Errorf("claim: unmarshal body (message dropped): %w", err)
	}

	return &queue.Delivery{Message: msg, DeliveryCount: deliveryCount}, true, nil
}

// Ack deletes a claimed row. The delivery handle round-trips through the id;
// since queue.Delivery does not expose its handle field outside package
// queue, the Postgres queue instead re-derives the row by run id, which is
// safe because a run has at most one in-flight message at a time under this
// engine's single-writer discipline.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM queue_messages WHERE run_id=$1`, d.Message.RunID)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Retry makes a claimed message visible again after backoff.
func (q *Queue) Retry(ctx context.Context, d *queue.Delivery, backoff time.Duration) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE queue_messages SET visible_at=now() + $2 WHERE run_id=$1`,
		d.Message.RunID, backoff,
	)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}
