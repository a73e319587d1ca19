package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/annotate-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entries (
	id             TEXT PRIMARY KEY,
	identity_key   TEXT NOT NULL,
	source_locator TEXT,
	fields         TEXT,
	status         TEXT NOT NULL,
	last_error     TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL DEFAULT 'loading',
	summary    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_entries_identity_key ON entries(identity_key);
CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert writes the entry keyed by id. Re-running a record overwrites every
// mutable column but keeps the original created_at, so replays converge on
// one row instead of accumulating.
func (s *SQLiteStore) Upsert(ctx context.Context, entry model.PersistedEntry) error {
	fieldsJSON, err := marshalFields(entry.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (id, identity_key, source_locator, fields, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			identity_key   = excluded.identity_key,
			source_locator = excluded.source_locator,
			fields         = excluded.fields,
			status         = excluded.status,
			last_error     = excluded.last_error,
			updated_at     = excluded.updated_at`,
		entry.ID, entry.IdentityKey, entry.SourceLocator, fieldsJSON,
		string(entry.Status), nullIfEmpty(entry.LastError), entry.CreatedAt, entry.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert entry %s", entry.ID)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.PersistedEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, identity_key, source_locator, fields, status, last_error, created_at, updated_at
		 FROM entries WHERE id = ?`,
		id,
	)
	return scanEntry(row)
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]model.PersistedEntry, error) {
	query := `SELECT id, identity_key, source_locator, fields, status, last_error, created_at, updated_at
		FROM entries WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entries")
	}
	defer rows.Close()

	var entries []model.PersistedEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list entries iterate")
}

// AlreadyProcessed matches both successfully annotated entries and
// failure-marked ones: a failed entry stays skipped on re-runs until
// ResetFailed clears its marker.
func (s *SQLiteStore) AlreadyProcessed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM entries
			WHERE (id = ? OR identity_key = ?)
			  AND ((status = ? AND fields IS NOT NULL) OR status = ?)
		 )`,
		key, key, string(model.RecordStatusAnnotated), string(model.RecordStatusFailed),
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: already processed %s", key)
	}
	return exists, nil
}

func (s *SQLiteStore) ResetFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE status = ?`,
		string(model.RecordStatusFailed),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset failed entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CreateRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, string(model.RunStateLoading), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		State:     model.RunStateLoading,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, state model.RunState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run state %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, state model.RunState, summary *model.RunSummary) error {
	var summaryJSON any
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal summary")
		}
		summaryJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(state), summaryJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, summary, created_at, updated_at FROM runs
		 ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// marshalFields keeps the fields column NULL when there is no annotation,
// which is what AlreadyProcessed keys off.
func marshalFields(fields map[string]any) (any, error) {
	if fields == nil {
		return nil, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.PersistedEntry, error) {
	var e model.PersistedEntry
	var fieldsJSON, lastError sql.NullString

	err := row.Scan(&e.ID, &e.IdentityKey, &e.SourceLocator, &fieldsJSON,
		&e.Status, &lastError, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("entry not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entry")
	}

	if fieldsJSON.Valid {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal fields")
		}
	}
	e.LastError = lastError.String
	return &e, nil
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON sql.NullString

	err := row.Scan(&r.ID, &r.State, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if summaryJSON.Valid {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}
