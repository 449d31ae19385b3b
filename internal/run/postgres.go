package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"jobflow/internal/apperrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig configures the Postgres store.
type PGConfig struct {
	DSN      string
	MaxConns int32 // default 10
	MinConns int32 // default 2
}

// PGStore keeps records in Postgres. The record is stored as JSONB next to
// the columns used for filtering.
type PGStore struct {
	pool *pgxpool.Pool
}

const schemaSQL = `
create table if not exists jobflow_runs (
  id         text primary key,
  platform   text not null,
  stage      text not null,
  record     jsonb not null,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists jobflow_runs_created_at_idx on jobflow_runs (created_at desc);
`

// NewPGStore connects, verifies the connection and creates the table if
// needed.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 2
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Create(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Internal("run.create", err)
	}

	tag, err := s.pool.Exec(ctx, `
insert into jobflow_runs (id, platform, stage, record, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6)
on conflict (id) do nothing`,
		rec.ID, rec.Platform, string(rec.Stage), data, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return apperrors.Internal("run.create", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict("run", rec.ID, "run "+rec.ID+" already exists")
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, id string, fn func(*Record)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Internal("run.update", fmt.Errorf("beginning transaction: %w", err))
	}
	// No-op once committed
	defer tx.Rollback(ctx) //nolint:errcheck

	var raw []byte
	err = tx.QueryRow(ctx, `select record from jobflow_runs where id = $1 for update`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("run", id)
	}
	if err != nil {
		return apperrors.Internal("run.update", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return apperrors.Internal("run.update", err)
	}
	fn(&rec)
	data, err := json.Marshal(&rec)
	if err != nil {
		return apperrors.Internal("run.update", err)
	}

	if _, err := tx.Exec(ctx, `update jobflow_runs set stage = $2, record = $3, updated_at = $4 where id = $1`,
		id, string(rec.Stage), data, rec.UpdatedAt); err != nil {
		return apperrors.Internal("run.update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Internal("run.update", fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Record, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `select record from jobflow_runs where id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("run", id)
	}
	if err != nil {
		return nil, apperrors.Internal("run.get", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperrors.Internal("run.get", err)
	}
	return &rec, nil
}

func (s *PGStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
select record from jobflow_runs
where ($1 = '' or platform = $1) and ($2 = '' or stage = $2)
order by created_at desc, id
limit $3`,
		opts.Platform, string(opts.Stage), opts.limit())
	if err != nil {
		return nil, apperrors.Internal("run.list", err)
	}
	defer rows.Close()

	out := make([]*Record, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, apperrors.Internal("run.list", err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, apperrors.Internal("run.list", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("run.list", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) Close() {
	s.pool.Close()
}

var _ Store = (*PGStore)(nil)
