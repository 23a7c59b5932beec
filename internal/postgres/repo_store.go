package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tideworks/conductor/internal/domain"
)

const repoColumns = "id, owner, name, default_branch, config_path, enabled, created_at, updated_at"

// RepoStore persists Repo rows.
type RepoStore struct {
	pool *pgxpool.Pool
}

// NewRepoStore builds a RepoStore backed by pool.
func NewRepoStore(pool *pgxpool.Pool) *RepoStore {
	return &RepoStore{pool: pool}
}

func scanRepo(row pgx.Row) (domain.Repo, error) {
	var r domain.Repo
	var configPath pgtype.Text
	if err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.DefaultBranch, &configPath, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return domain.Repo{}, err
	}
	r.ConfigPath = nullableTextToString(configPath)
	return r, nil
}

// Create inserts a new repo row. Returns domain.ErrAlreadyExists on a
// unique-key collision of (owner, name).
func (s *RepoStore) Create(ctx context.Context, r domain.Repo) (domain.Repo, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO repos (id, owner, name, default_branch, config_path, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+repoColumns,
		r.ID, r.Owner, r.Name, r.DefaultBranch, textOrNull(r.ConfigPath), r.Enabled,
	)
	created, err := scanRepo(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Repo{}, domain.ErrAlreadyExists
		}
		return domain.Repo{}, fmt.Errorf("create repo: %w", err)
	}
	return created, nil
}

// GetByOwnerName looks up a repo by its (owner, name) pair.
func (s *RepoStore) GetByOwnerName(ctx context.Context, owner, name string) (domain.Repo, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+repoColumns+` FROM repos WHERE owner=$1 AND name=$2`, owner, name)
	r, err := scanRepo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Repo{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Repo{}, fmt.Errorf("get repo by owner/name: %w", err)
	}
	return r, nil
}

// GetByID looks up a repo by id.
func (s *RepoStore) GetByID(ctx context.Context, id string) (domain.Repo, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+repoColumns+` FROM repos WHERE id=$1`, id)
	r, err := scanRepo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Repo{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Repo{}, fmt.Errorf("get repo by id: %w", err)
	}
	return r, nil
}

// List returns all repos ordered by (owner, name).
func (s *RepoStore) List(ctx context.Context) ([]domain.Repo, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+repoColumns+` FROM repos ORDER BY owner, name`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var out []domain.Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
