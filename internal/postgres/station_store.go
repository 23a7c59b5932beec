package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tideworks/conductor/internal/domain"
)

const stationColumns = `id, run_id, station, status, started_at, finished_at, duration_ms, summary, external_ref, metadata_json`

// StationStore persists StationExecution rows.
type StationStore struct {
	pool *pgxpool.Pool
}

// NewStationStore builds a StationStore backed by pool.
func NewStationStore(pool *pgxpool.Pool) *StationStore {
	return &StationStore{pool: pool}
}

func scanStation(row pgx.Row) (domain.StationExecution, error) {
	var se domain.StationExecution
	var summary, externalRef, metadataJSON pgtype.Text
	var startedAt, finishedAt pgtype.Timestamptz
	var durationMs pgtype.Int8

	err := row.Scan(&se.ID, &se.RunID, &se.Station, &se.Status, &startedAt, &finishedAt, &durationMs, &summary, &externalRef, &metadataJSON)
	if err != nil {
		return domain.StationExecution{}, err
	}

	se.Summary = nullableTextToPtr(summary)
	se.ExternalRef = nullableTextToPtr(externalRef)
	se.MetadataJSON = nullableTextToPtr(metadataJSON)
	if startedAt.Valid {
		t := startedAt.Time
		se.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		se.FinishedAt = &t
	}
	if durationMs.Valid {
		se.DurationMs = &durationMs.Int64
	}
	return se, nil
}

// Get looks up a station execution by (runID, station).
func (s *StationStore) Get(ctx context.Context, runID string, station domain.Station) (domain.StationExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stationColumns+` FROM station_executions WHERE id=$1`, domain.StationExecutionID(runID, station))
	se, err := scanStation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StationExecution{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StationExecution{}, fmt.Errorf("get station: %w", err)
	}
	return se, nil
}

// ListByRun returns every station row for a run, ordered by the fixed
// station sequence then startedAt (spec §4.1 get_run projection).
func (s *StationStore) ListByRun(ctx context.Context, runID string) ([]domain.StationExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stationColumns+` FROM station_executions WHERE run_id=$1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	var out []domain.StationExecution
	for rows.Next() {
		se, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	order := make(map[domain.Station]int, len(domain.StationOrder))
	for i, st := range domain.StationOrder {
		order[st] = i
	}
	sortStations(out, order)
	return out, nil
}

func sortStations(out []domain.StationExecution, order map[domain.Station]int) {
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			less := order[a.Station] < order[b.Station]
			equal := order[a.Station] == order[b.Station]
			byStarted := a.StartedAt != nil && b.StartedAt != nil && a.StartedAt.After(*b.StartedAt)
			if less || (equal && !byStarted) {
				break
			}
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
}

// UpsertRunning upserts a station row into the running state, preserving
// started_at, external_ref, and metadata_json across redeliveries via
// COALESCE (spec §3 StationExecution lifecycle, §4.3 step 4).
func (s *StationStore) UpsertRunning(ctx context.Context, runID string, station domain.Station, startedAt time.Time) (domain.StationExecution, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO station_executions (id, run_id, station, status, started_at)
		VALUES ($1, $2, $3, 'running', $4)
		ON CONFLICT (id) DO UPDATE SET
			status='running',
			started_at=COALESCE(station_executions.started_at, EXCLUDED.started_at)
		RETURNING `+stationColumns,
		domain.StationExecutionID(runID, station), runID, station, startedAt,
	)
	se, err := scanStation(row)
	if err != nil {
		return domain.StationExecution{}, fmt.Errorf("upsert station running: %w", err)
	}
	return se, nil
}

// PersistNonTerminal writes external_ref/metadata_json/summary onto a
// running station row without changing its status (spec §4.3 step 7,
// non-terminal branch). externalRef/metadataJSON use COALESCE-on-null-only
// semantics for externalRef per the invariant that it is never overwritten
// with null, but a non-nil new value always wins (the adapter may refresh
// provider status on each poll).
func (s *StationStore) PersistNonTerminal(ctx context.Context, runID string, station domain.Station, summary string, externalRef string, metadataJSON string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE station_executions
		SET summary=$3, external_ref=COALESCE(NULLIF($4, ''), external_ref), metadata_json=$5
		WHERE id=$1 AND run_id=$2 AND status='running'`,
		domain.StationExecutionID(runID, station), runID, domain.TruncateFailureReason(summary), externalRef, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("persist non-terminal station: %w", err)
	}
	return nil
}

// CASSucceeded transitions a running station to succeeded (spec §4.3 step 7
// terminal-success branch).
func (s *StationStore) CASSucceeded(ctx context.Context, runID string, station domain.Station, summary string, durationMs int64) (bool, error) {
	if durationMs < 1 {
		durationMs = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE station_executions
		SET status='succeeded', finished_at=now(), duration_ms=$3, summary=$4
		WHERE id=$1 AND run_id=$2 AND status='running'`,
		domain.StationExecutionID(runID, station), runID, durationMs, domain.TruncateFailureReason(summary),
	)
	if err != nil {
		return false, fmt.Errorf("cas station succeeded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CASFailed transitions a running station to failed (spec §4.3 step 7/9
// terminal-failure and non-retryable-error branches). Best-effort: callers
// do not fail the outer operation if this returns 0 rows changed.
func (s *StationStore) CASFailed(ctx context.Context, runID string, station domain.Station, summary string, durationMs int64) (bool, error) {
	if durationMs < 1 {
		durationMs = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE station_executions
		SET status='failed', finished_at=now(), duration_ms=$3, summary=$4
		WHERE id=$1 AND run_id=$2 AND status='running'`,
		domain.StationExecutionID(runID, station), runID, durationMs, domain.TruncateFailureReason(summary),
	)
	if err != nil {
		return false, fmt.Errorf("cas station failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
