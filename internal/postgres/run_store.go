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

const runColumns = `id, repo_id, issue_number, goal, status, current_station, requestor,
	base_branch, work_branch, pr_mode, pr_url, created_at, started_at, heartbeat_at,
	finished_at, failure_reason`

// RunStore persists Run rows and implements every CAS transition the
// Execution Engine and Control Plane need.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore builds a RunStore backed by pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var r domain.Run
	var goal, currentStation, workBranch, prURL, failureReason pgtype.Text
	var startedAt, heartbeatAt, finishedAt pgtype.Timestamptz

	err := row.Scan(
		&r.ID, &r.RepoID, &r.IssueNumber, &goal, &r.Status, &currentStation, &r.Requestor,
		&r.BaseBranch, &workBranch, &r.PrMode, &prURL, &r.CreatedAt, &startedAt, &heartbeatAt,
		&finishedAt, &failureReason,
	)
	if err != nil {
		return domain.Run{}, err
	}

	r.Goal = nullableTextToPtr(goal)
	r.WorkBranch = nullableTextToPtr(workBranch)
	r.PrURL = nullableTextToPtr(prURL)
	r.FailureReason = nullableTextToPtr(failureReason)
	if currentStation.Valid {
		st := domain.Station(currentStation.String)
		r.CurrentStation = &st
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		r.HeartbeatAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// Create inserts a run in the queued state.
func (s *RunStore) Create(ctx context.Context, r domain.Run) (domain.Run, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO runs (id, repo_id, issue_number, goal, status, requestor, base_branch, pr_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		RETURNING `+runColumns,
		r.ID, r.RepoID, r.IssueNumber, textPtrToNullable(r.Goal), domain.RunQueued, r.Requestor, r.BaseBranch, r.PrMode,
	)
	created, err := scanRun(row)
	if err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	return created, nil
}

// Delete removes a run row outright. Used only to unwind an insert when a
// concurrent submitter wins the idempotency-claim insert race (spec §4.1
// step 2).
func (s *RunStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// Get looks up a run by id.
func (s *RunStore) Get(ctx context.Context, id string) (domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status *domain.RunStatus
	RepoID *string
	Limit  int
}

// List returns runs newest-first, optionally filtered by status and repo.
func (s *RunStore) List(ctx context.Context, f ListFilter) ([]domain.Run, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}
	if f.Status != nil {
		args = append(args, *f.Status)
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if f.RepoID != nil {
		args = append(args, *f.RepoID)
		query += fmt.Sprintf(" AND repo_id=$%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListStuckRunning returns runs still `running` whose last-known liveness
// signal (heartbeat_at, falling back to started_at when no heartbeat has ever
// landed) is older than olderThan — the reaper's read-only outage scan (spec
// §9 Open Question 2: report, never mutate).
func (s *RunStore) ListStuckRunning(ctx context.Context, olderThan time.Time) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM runs
		WHERE status = 'running'
		  AND COALESCE(heartbeat_at, started_at) < $1
		ORDER BY COALESCE(heartbeat_at, started_at) ASC`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck running: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stuck run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimQueued is the claim-queued CAS (spec §4.2 step 5): queued → running.
// Returns the updated run and claimed=true iff exactly one row changed.
func (s *RunStore) ClaimQueued(ctx context.Context, id string) (claimed bool, run domain.Run, err error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE runs
		SET status='running', started_at=COALESCE(started_at, now()), current_station='intake',
		    heartbeat_at=now(), failure_reason=NULL
		WHERE id=$1 AND status='queued'
		RETURNING `+runColumns,
		id,
	)
	run, err = scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.Run{}, nil
	}
	if err != nil {
		return false, domain.Run{}, fmt.Errorf("claim-queued cas: %w", err)
	}
	return true, run, nil
}

// ClaimStale is the claim-stale CAS (spec §4.2 step 5): takes over a
// `running` run whose heartbeat snapshot still matches what the caller
// observed, proving no other writer has touched it since. observedHeartbeat
// is nil when the run has never had a heartbeat written (fallback keys off
// started_at instead).
func (s *RunStore) ClaimStale(ctx context.Context, id string, observedHeartbeat *time.Time, observedStartedAt time.Time) (claimed bool, run domain.Run, err error) {
	var row pgx.Row
	if observedHeartbeat != nil {
		row = s.pool.QueryRow(ctx, `
			UPDATE runs
			SET heartbeat_at=now()
			WHERE id=$1 AND status='running' AND heartbeat_at=$2
			RETURNING `+runColumns,
			id, *observedHeartbeat,
		)
	} else {
		row = s.pool.QueryRow(ctx, `
			UPDATE runs
			SET heartbeat_at=now()
			WHERE id=$1 AND status='running' AND heartbeat_at IS NULL AND started_at=$2
			RETURNING `+runColumns,
			id, observedStartedAt,
		)
	}
	run, err = scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.Run{}, nil
	}
	if err != nil {
		return false, domain.Run{}, fmt.Errorf("claim-stale cas: %w", err)
	}
	return true, run, nil
}

// SetCurrentStationHeartbeat refreshes current_station and heartbeat_at for
// a running run (spec §4.3 step 3). A zero-row change is tolerated — the
// caller only logs, since the CAS predicate is just "still running".
func (s *RunStore) SetCurrentStationHeartbeat(ctx context.Context, id string, station domain.Station) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET current_station=$2, heartbeat_at=now() WHERE id=$1 AND status='running'`,
		id, station,
	)
	if err != nil {
		return false, fmt.Errorf("set current station heartbeat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RefreshHeartbeat is the heartbeat-ticker write (spec §5): best effort,
// only while the run is still running.
func (s *RunStore) RefreshHeartbeat(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET heartbeat_at=now() WHERE id=$1 AND status='running'`, id)
	if err != nil {
		return fmt.Errorf("refresh heartbeat: %w", err)
	}
	return nil
}

// FinalizeSucceeded is the terminal-success CAS (spec §4.2 step 8).
func (s *RunStore) FinalizeSucceeded(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status='succeeded', finished_at=now(), current_station=NULL, failure_reason=NULL, heartbeat_at=now()
		WHERE id=$1 AND status='running'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("finalize succeeded cas: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeFailed is the terminal-failure CAS (spec §4.2 step "exception
// handling", handleTerminalRunFailure).
func (s *RunStore) FinalizeFailed(ctx context.Context, id string, station domain.Station, failureReason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status='failed', finished_at=now(), current_station=$2, failure_reason=$3, heartbeat_at=now()
		WHERE id=$1 AND status='running'`,
		id, station, domain.TruncateFailureReason(failureReason),
	)
	if err != nil {
		return false, fmt.Errorf("finalize failed cas: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkQueuePublishFailed records the enqueue-failure marker on the queued
// run (spec §4.1 step 3, enqueue failure branch). Best-effort: callers log
// but do not fail the request on an error here.
func (s *RunStore) MarkQueuePublishFailed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET failure_reason=$2 WHERE id=$1`, id, domain.QueuePublishFailedReason)
	if err != nil {
		return fmt.Errorf("mark queue publish failed: %w", err)
	}
	return nil
}

// ClearFailureReason clears the queue_publish_failed marker after a
// successful requeue-claim enqueue.
func (s *RunStore) ClearFailureReason(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET failure_reason=NULL WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("clear failure reason: %w", err)
	}
	return nil
}
