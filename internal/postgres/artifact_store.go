package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tideworks/conductor/internal/domain"
)

const artifactColumns = "id, run_id, type, storage, payload, created_at"

// ArtifactStore persists Artifact rows with upsert-on-conflict semantics
// (spec §3: deterministic id, later writes supersede earlier payloads).
type ArtifactStore struct {
	pool *pgxpool.Pool
}

// NewArtifactStore builds an ArtifactStore backed by pool.
func NewArtifactStore(pool *pgxpool.Pool) *ArtifactStore {
	return &ArtifactStore{pool: pool}
}

func scanArtifact(row pgx.Row) (domain.Artifact, error) {
	var a domain.Artifact
	if err := row.Scan(&a.ID, &a.RunID, &a.Type, &a.Storage, &a.Payload, &a.CreatedAt); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// Upsert writes an artifact, overwriting any prior payload for the same
// deterministic id.
func (s *ArtifactStore) Upsert(ctx context.Context, a domain.Artifact) (domain.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO artifacts (id, run_id, type, storage, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET storage=EXCLUDED.storage, payload=EXCLUDED.payload, created_at=EXCLUDED.created_at
		RETURNING `+artifactColumns,
		a.ID, a.RunID, a.Type, a.Storage, a.Payload,
	)
	out, err := scanArtifact(row)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("upsert artifact: %w", err)
	}
	return out, nil
}

// ListByRun returns every artifact for a run, newest first.
func (s *ArtifactStore) ListByRun(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE run_id=$1 ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get looks up a single artifact by id.
func (s *ArtifactStore) Get(ctx context.Context, id string) (domain.Artifact, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=$1`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Artifact{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}
