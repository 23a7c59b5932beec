package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tideworks/conductor/internal/domain"
)

const claimColumns = "key, request_hash, run_id, status, created_at, updated_at"

// ClaimStore persists IdempotencyClaim rows and the CAS operations the
// three-party submission protocol (spec §4.1) needs.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore builds a ClaimStore backed by pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

func scanClaim(row pgx.Row) (domain.IdempotencyClaim, error) {
	var c domain.IdempotencyClaim
	if err := row.Scan(&c.Key, &c.RequestHash, &c.RunID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.IdempotencyClaim{}, err
	}
	return c, nil
}

// GetByKey looks up a claim by its idempotency key.
func (s *ClaimStore) GetByKey(ctx context.Context, key string) (domain.IdempotencyClaim, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM idempotency_claims WHERE key=$1`, key)
	c, err := scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyClaim{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.IdempotencyClaim{}, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// Create inserts a pending claim row bound to runID. Returns
// domain.ErrAlreadyExists on a unique-key collision (spec §4.1 step 2: a
// concurrent submitter won the race).
func (s *ClaimStore) Create(ctx context.Context, key, requestHash, runID string) (domain.IdempotencyClaim, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_claims (key, request_hash, run_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', now(), now())
		RETURNING `+claimColumns,
		key, requestHash, runID,
	)
	c, err := scanClaim(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.IdempotencyClaim{}, domain.ErrAlreadyExists
		}
		return domain.IdempotencyClaim{}, fmt.Errorf("create claim: %w", err)
	}
	return c, nil
}

// CASPromoteSucceeded is spec §4.1 step 3 success branch: pending →
// succeeded after a successful enqueue. Never downgrades an
// already-succeeded claim.
func (s *ClaimStore) CASPromoteSucceeded(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_claims SET status='succeeded', updated_at=now() WHERE key=$1 AND status='pending'`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("cas claim succeeded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CASDemoteFailed is spec §4.1 step 3 failure branch: pending → failed
// after an enqueue failure.
func (s *ClaimStore) CASDemoteFailed(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_claims SET status='failed', updated_at=now() WHERE key=$1 AND status='pending'`,
		key,
	)
	if err != nil {
		return false, fmt.Errorf("cas claim failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CASRequeueFromFailed is the first branch of the requeue-claim CAS (spec
// §4.1 step 4): failed → pending. Exactly one concurrent retrier wins.
func (s *ClaimStore) CASRequeueFromFailed(ctx context.Context, key string) (won bool, claim domain.IdempotencyClaim, err error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE idempotency_claims SET status='pending', updated_at=now() WHERE key=$1 AND status='failed'
		RETURNING `+claimColumns,
		key,
	)
	claim, err = scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.IdempotencyClaim{}, nil
	}
	if err != nil {
		return false, domain.IdempotencyClaim{}, fmt.Errorf("cas requeue from failed: %w", err)
	}
	return true, claim, nil
}

// StuckClaim is a pending idempotency claim the reaper considers stuck: no
// run failure marker explains why it never resolved.
type StuckClaim struct {
	Key       string
	RunID     string
	CreatedAt time.Time
}

// ListStuckPending returns pending claims older than olderThan whose bound
// run carries no queue_publish_failed marker — i.e. claims stuck for a
// reason the requeue-claim protocol doesn't already explain (reaper read-only
// scan, spec §9 Open Question 2: report, never mutate).
func (s *ClaimStore) ListStuckPending(ctx context.Context, olderThan time.Time) ([]StuckClaim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.key, c.run_id, c.created_at
		FROM idempotency_claims c
		JOIN runs r ON r.id = c.run_id
		WHERE c.status = 'pending'
		  AND c.created_at < $1
		  AND (r.failure_reason IS NULL OR r.failure_reason <> $2)
		ORDER BY c.created_at ASC`,
		olderThan, domain.QueuePublishFailedReason,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck pending claims: %w", err)
	}
	defer rows.Close()

	var out []StuckClaim
	for rows.Next() {
		var c StuckClaim
		if err := rows.Scan(&c.Key, &c.RunID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stuck claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CASRequeueFromPendingStale is the second branch of the requeue-claim CAS
// (spec §4.1 step 4): optimistic-concurrency bump of updated_at, keyed on
// the updated_at the caller observed, for a claim still pending with the
// run's queue_publish_failed marker set. Exactly one concurrent retrier wins.
func (s *ClaimStore) CASRequeueFromPendingStale(ctx context.Context, key string, observedUpdatedAt time.Time) (won bool, claim domain.IdempotencyClaim, err error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE idempotency_claims SET updated_at=now() WHERE key=$1 AND status='pending' AND updated_at=$2
		RETURNING `+claimColumns,
		key, observedUpdatedAt,
	)
	claim, err = scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.IdempotencyClaim{}, nil
	}
	if err != nil {
		return false, domain.IdempotencyClaim{}, fmt.Errorf("cas requeue from pending-stale: %w", err)
	}
	return true, claim, nil
}
