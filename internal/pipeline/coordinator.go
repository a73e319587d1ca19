// Package pipeline coordinates one annotation run end to end: load records,
// deduplicate, skip already-processed work, annotate, and persist.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/annotate-cli/internal/annotate"
	"github.com/sells-group/annotate-cli/internal/dedup"
	"github.com/sells-group/annotate-cli/internal/model"
	"github.com/sells-group/annotate-cli/internal/resilience"
	"github.com/sells-group/annotate-cli/internal/source"
	"github.com/sells-group/annotate-cli/internal/store"
)

// Annotator is the scheduler surface the coordinator depends on.
type Annotator interface {
	Run(ctx context.Context, records []model.Record) ([]model.Record, annotate.Stats, error)
}

// BatchUpserter is an optional store capability: persisting a whole run's
// entries in one round trip. The Postgres store implements it; stores that
// don't get per-entry writes.
type BatchUpserter interface {
	UpsertBatch(ctx context.Context, entries []model.PersistedEntry) (int64, error)
}

// Options configures a Coordinator.
type Options struct {
	// IDPrefix seeds generated record ids. Default: "rec".
	IDPrefix string

	// PersistRetry shapes the retry loop around each store write.
	PersistRetry resilience.RetryConfig
}

// Coordinator drives a run through its states. A run fails as a whole only
// when acquisition yields nothing or the sink stops accepting writes;
// individual record failures are recorded and the run completes.
type Coordinator struct {
	source    source.Source
	store     store.Store
	annotator Annotator
	opts      Options
}

// New creates a Coordinator.
func New(src source.Source, st store.Store, an Annotator, opts Options) *Coordinator {
	if opts.IDPrefix == "" {
		opts.IDPrefix = "rec"
	}
	return &Coordinator{source: src, store: st, annotator: an, opts: opts}
}

// Run executes one annotation run and returns its summary. The summary is
// also persisted on the run row, so interrupted or failed runs leave a
// trail behind.
func (c *Coordinator) Run(ctx context.Context) (*model.RunSummary, error) {
	start := time.Now()
	log := zap.L()

	run, err := c.store.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log = log.With(zap.String("run_id", run.ID))

	setState := func(state model.RunState) {
		log.Info("pipeline: state change", zap.String("state", string(state)))
		if stateErr := c.store.UpdateRunState(ctx, run.ID, state); stateErr != nil {
			log.Warn("pipeline: failed to update run state", zap.Error(stateErr))
		}
	}

	summary := &model.RunSummary{}
	fail := func(stage string, cause error) (*model.RunSummary, error) {
		summary.DurationMS = time.Since(start).Milliseconds()
		if finishErr := c.store.FinishRun(ctx, run.ID, model.RunStateFailed, summary); finishErr != nil {
			log.Warn("pipeline: failed to finish run", zap.Error(finishErr))
		}
		return summary, eris.Wrapf(cause, "pipeline: %s", stage)
	}

	// Loading
	raw, err := c.source.Fetch(ctx)
	if err != nil {
		return fail("load records", err)
	}
	if len(raw) == 0 {
		return fail("load records", eris.New("source yielded no records"))
	}
	summary.Total = len(raw)
	log.Info("pipeline: records loaded", zap.Int("count", len(raw)))

	records := make([]model.Record, len(raw))
	for i, r := range raw {
		records[i] = model.Record{
			IdentityKey:   r.IdentityKey,
			RawPayload:    r.Payload,
			SourceLocator: r.SourceLocator,
			Status:        model.RecordStatusNew,
		}
	}

	// Deduplicating
	setState(model.RunStateDeduplicating)
	res := dedup.NewEngine(c.opts.IDPrefix).Process(records)
	summary.Duplicates = len(res.Duplicates)
	summary.DuplicateKeys = res.Duplicates
	records = res.Records
	if summary.Duplicates > 0 {
		log.Info("pipeline: duplicates dropped", zap.Int("count", summary.Duplicates))
	}

	// Filtering out work finished, or failure-marked, by a previous run.
	setState(model.RunStateFiltering)
	pending := records[:0]
	for _, rec := range records {
		done, err := c.store.AlreadyProcessed(ctx, rec.IdentityKey)
		if err != nil {
			return fail("check processed", err)
		}
		if done {
			summary.AlreadyProcessed++
			log.Debug("pipeline: record already processed",
				zap.String("identity_key", rec.IdentityKey))
			continue
		}
		pending = append(pending, rec)
	}
	records = pending

	// Annotating
	setState(model.RunStateAnnotating)
	annotated, stats, err := c.annotator.Run(ctx, records)
	if err != nil {
		return fail("annotate", err)
	}
	summary.Annotated = stats.Annotated
	summary.Failed = stats.Failed
	summary.Exhausted = stats.Exhausted
	summary.Usage = stats.Usage

	// Persisting
	setState(model.RunStatePersisting)
	now := time.Now().UTC()
	entries := make([]model.PersistedEntry, 0, len(annotated))
	for _, rec := range annotated {
		if rec.Status == model.RecordStatusFailed {
			summary.FailedRecords = append(summary.FailedRecords, model.FailedRecord{
				ID:          rec.ID,
				IdentityKey: rec.IdentityKey,
				LastError:   rec.LastError,
			})
		}
		entries = append(entries, model.EntryFromRecord(rec, now))
	}

	if err := c.persist(ctx, entries); err != nil {
		return fail("persist entries", err)
	}

	summary.DurationMS = time.Since(start).Milliseconds()
	if err := c.store.FinishRun(ctx, run.ID, model.RunStateCompleted, summary); err != nil {
		return summary, eris.Wrap(err, "pipeline: finish run")
	}

	log.Info("pipeline: run complete",
		zap.Int("total", summary.Total),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("already_processed", summary.AlreadyProcessed),
		zap.Int("annotated", summary.Annotated),
		zap.Int("failed", summary.Failed),
		zap.Int64("duration_ms", summary.DurationMS),
	)
	return summary, nil
}

// persist writes all entries to the sink, in one round trip when the store
// supports batch upserts and entry by entry otherwise. Both paths retry
// under the coordinator's persist budget.
func (c *Coordinator) persist(ctx context.Context, entries []model.PersistedEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if batcher, ok := c.store.(BatchUpserter); ok {
		return resilience.Do(ctx, c.persistRetryConfig(), func(ctx context.Context) error {
			_, err := batcher.UpsertBatch(ctx, entries)
			return err
		})
	}

	for _, entry := range entries {
		err := resilience.Do(ctx, c.persistRetryConfig(), func(ctx context.Context) error {
			return c.store.Upsert(ctx, entry)
		})
		if err != nil {
			return eris.Wrapf(err, "entry %s", entry.ID)
		}
	}
	return nil
}

// persistRetryConfig retries every store error: the sink owns its error
// taxonomy and a failed write is worth a second try regardless of cause.
func (c *Coordinator) persistRetryConfig() resilience.RetryConfig {
	cfg := c.opts.PersistRetry
	cfg.ShouldRetry = func(error) bool { return true }
	cfg.OnRetry = resilience.RetryLogger("store", "upsert")
	return cfg
}
