package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/annotate-cli/internal/db"
	"github.com/sells-group/annotate-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entries (
	id             TEXT PRIMARY KEY,
	identity_key   TEXT NOT NULL,
	source_locator TEXT,
	fields         JSONB,
	status         TEXT NOT NULL,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	state      TEXT NOT NULL DEFAULT 'loading',
	summary    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entries_identity_key ON entries(identity_key);
CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, entry model.PersistedEntry) error {
	fieldsJSON, err := marshalFields(entry.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO entries (id, identity_key, source_locator, fields, status, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			identity_key   = EXCLUDED.identity_key,
			source_locator = EXCLUDED.source_locator,
			fields         = EXCLUDED.fields,
			status         = EXCLUDED.status,
			last_error     = EXCLUDED.last_error,
			updated_at     = EXCLUDED.updated_at`,
		entry.ID, entry.IdentityKey, entry.SourceLocator, fieldsJSON,
		string(entry.Status), nullIfEmpty(entry.LastError), entry.CreatedAt, entry.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert entry %s", entry.ID)
}

// UpsertBatch persists many entries in one round trip via COPY into a temp
// table plus INSERT ... ON CONFLICT.
func (s *PostgresStore) UpsertBatch(ctx context.Context, entries []model.PersistedEntry) (int64, error) {
	rows := make([][]any, 0, len(entries))
	for _, entry := range entries {
		fieldsJSON, err := marshalFields(entry.Fields)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: marshal fields %s", entry.ID)
		}
		rows = append(rows, []any{
			entry.ID, entry.IdentityKey, entry.SourceLocator, fieldsJSON,
			string(entry.Status), nullIfEmpty(entry.LastError), entry.CreatedAt, entry.UpdatedAt,
		})
	}

	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "entries",
		Columns:      []string{"id", "identity_key", "source_locator", "fields", "status", "last_error", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"identity_key", "source_locator", "fields", "status", "last_error", "updated_at"},
	}, rows)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.PersistedEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, identity_key, source_locator, fields, status, last_error, created_at, updated_at
		 FROM entries WHERE id = $1`,
		id,
	)
	return scanEntryPG(row)
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]model.PersistedEntry, error) {
	query := `SELECT id, identity_key, source_locator, fields, status, last_error, created_at, updated_at
		FROM entries`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entries")
	}
	defer rows.Close()

	var entries []model.PersistedEntry
	for rows.Next() {
		e, err := scanEntryPG(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list entries iterate")
}

// AlreadyProcessed matches both successfully annotated entries and
// failure-marked ones: a failed entry stays skipped on re-runs until
// ResetFailed clears its marker.
func (s *PostgresStore) AlreadyProcessed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM entries
			WHERE (id = $1 OR identity_key = $1)
			  AND ((status = $2 AND fields IS NOT NULL) OR status = $3)
		 )`,
		key, string(model.RecordStatusAnnotated), string(model.RecordStatusFailed),
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: already processed %s", key)
	}
	return exists, nil
}

func (s *PostgresStore) ResetFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM entries WHERE status = $1`,
		string(model.RecordStatusFailed),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset failed entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, state, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		id, string(model.RunStateLoading), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		State:     model.RunStateLoading,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunState(ctx context.Context, runID string, state model.RunState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $1, updated_at = $2 WHERE id = $3`,
		string(state), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run state %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, state model.RunState, summary *model.RunSummary) error {
	var summaryJSON any
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal summary")
		}
		summaryJSON = string(data)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $1, summary = $2, updated_at = $3 WHERE id = $4`,
		string(state), summaryJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, state, summary, created_at, updated_at FROM runs
		 ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRunPG(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanEntryPG(row scannable) (*model.PersistedEntry, error) {
	var e model.PersistedEntry
	var fieldsJSON []byte
	var lastError *string

	err := row.Scan(&e.ID, &e.IdentityKey, &e.SourceLocator, &fieldsJSON,
		&e.Status, &lastError, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("entry not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan entry")
	}

	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal fields")
		}
	}
	if lastError != nil {
		e.LastError = *lastError
	}
	return &e, nil
}

func scanRunPG(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON []byte

	err := row.Scan(&r.ID, &r.State, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if len(summaryJSON) > 0 {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}
