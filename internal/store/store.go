// Package store persists annotation entries and run bookkeeping. Two
// implementations exist: SQLite for local single-user runs and Postgres for
// shared deployments.
package store

import (
	"context"

	"github.com/sells-group/annotate-cli/internal/model"
)

// Filter specifies criteria for listing persisted entries.
type Filter struct {
	Status model.RecordStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// Store defines the persistence interface for the annotation pipeline.
type Store interface {
	// Entries
	Upsert(ctx context.Context, entry model.PersistedEntry) error
	Get(ctx context.Context, id string) (*model.PersistedEntry, error)
	List(ctx context.Context, filter Filter) ([]model.PersistedEntry, error)

	// AlreadyProcessed reports whether a record matching the given key
	// (by id or identity key) was previously annotated successfully or
	// carries a failure marker. Failed entries stay skipped until
	// ResetFailed clears them.
	AlreadyProcessed(ctx context.Context, key string) (bool, error)

	// ResetFailed clears failed entries so the next run re-annotates them.
	// Returns the number of entries removed.
	ResetFailed(ctx context.Context) (int, error)

	// Runs
	CreateRun(ctx context.Context) (*model.Run, error)
	UpdateRunState(ctx context.Context, runID string, state model.RunState) error
	FinishRun(ctx context.Context, runID string, state model.RunState, summary *model.RunSummary) error
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
