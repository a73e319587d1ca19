package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/annotate-cli/internal/annotate"
	"github.com/sells-group/annotate-cli/internal/model"
	"github.com/sells-group/annotate-cli/internal/resilience"
	"github.com/sells-group/annotate-cli/internal/source"
	"github.com/sells-group/annotate-cli/internal/store"
)

// fakeSource returns canned raw records.
type fakeSource struct {
	records []source.RawRecord
	err     error
}

func (f *fakeSource) Fetch(context.Context) ([]source.RawRecord, error) {
	return f.records, f.err
}

// fakeAnnotator marks every record annotated unless its identity key is in
// failKeys.
type fakeAnnotator struct {
	failKeys map[string]bool
}

func (f *fakeAnnotator) Run(_ context.Context, records []model.Record) ([]model.Record, annotate.Stats, error) {
	out := make([]model.Record, len(records))
	copy(out, records)
	var stats annotate.Stats
	for i := range out {
		if f.failKeys[out[i].IdentityKey] {
			out[i].Status = model.RecordStatusFailed
			out[i].LastError = "exhausted 3 attempts: api: overloaded"
			stats.Failed++
			stats.Exhausted++
			continue
		}
		out[i].Status = model.RecordStatusAnnotated
		out[i].Annotation = map[string]any{"title": "t"}
		stats.Annotated++
	}
	stats.Usage = model.TokenUsage{InputTokens: 10 * len(records)}
	return out, stats, nil
}

// memStore is an in-memory Store for coordinator tests.
type memStore struct {
	mu         sync.Mutex
	entries    map[string]model.PersistedEntry
	processed  map[string]bool
	runStates  []model.RunState
	finalState model.RunState
	summary    *model.RunSummary
	upsertErr  error
	upsertTry  int
}

func newMemStore() *memStore {
	return &memStore{
		entries:   make(map[string]model.PersistedEntry),
		processed: make(map[string]bool),
	}
}

func (m *memStore) Upsert(_ context.Context, entry model.PersistedEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertTry++
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.entries[entry.ID] = entry
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.PersistedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, errors.New("entry not found")
	}
	return &e, nil
}

func (m *memStore) List(context.Context, store.Filter) ([]model.PersistedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PersistedEntry
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) AlreadyProcessed(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[key], nil
}

func (m *memStore) ResetFailed(context.Context) (int, error) { return 0, nil }

func (m *memStore) CreateRun(context.Context) (*model.Run, error) {
	return &model.Run{ID: "run-1", State: model.RunStateLoading, CreatedAt: time.Now().UTC()}, nil
}

func (m *memStore) UpdateRunState(_ context.Context, _ string, state model.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runStates = append(m.runStates, state)
	return nil
}

func (m *memStore) FinishRun(_ context.Context, _ string, state model.RunState, summary *model.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalState = state
	m.summary = summary
	return nil
}

func (m *memStore) ListRuns(context.Context, int) ([]model.Run, error) { return nil, nil }
func (m *memStore) Migrate(context.Context) error                     { return nil }
func (m *memStore) Close() error                                      { return nil }

func fastPersistRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
	}
}

func TestRun_DeduplicatesAndAnnotates(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []source.RawRecord{
		{IdentityKey: "https://example.com/a", Payload: "x", SourceLocator: "in.jsonl#1"},
		{IdentityKey: "https://example.com/b", Payload: "y", SourceLocator: "in.jsonl#2"},
		{IdentityKey: "https://example.com/a", Payload: "x-dup", SourceLocator: "in.jsonl#3"},
	}}
	st := newMemStore()

	c := New(src, st, &fakeAnnotator{}, Options{PersistRetry: fastPersistRetry()})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, []string{"https://example.com/a"}, summary.DuplicateKeys)
	assert.Equal(t, 2, summary.Annotated)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 20, summary.Usage.InputTokens)

	// The first occurrence won; its payload survived.
	entry, err := st.Get(context.Background(), "rec_001")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", entry.IdentityKey)
	assert.Equal(t, model.RecordStatusAnnotated, entry.Status)

	assert.Equal(t, model.RunStateCompleted, st.finalState)
	assert.Equal(t, []model.RunState{
		model.RunStateDeduplicating,
		model.RunStateFiltering,
		model.RunStateAnnotating,
		model.RunStatePersisting,
	}, st.runStates)
}

func TestRun_SkipsAlreadyProcessed(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []source.RawRecord{
		{IdentityKey: "done-key", Payload: "x", SourceLocator: "in.jsonl#1"},
		{IdentityKey: "new-key", Payload: "y", SourceLocator: "in.jsonl#2"},
	}}
	st := newMemStore()
	st.processed["done-key"] = true

	c := New(src, st, &fakeAnnotator{}, Options{PersistRetry: fastPersistRetry()})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AlreadyProcessed)
	assert.Equal(t, 1, summary.Annotated)
	require.Len(t, st.entries, 1)
}

func TestRun_ZeroRecordsIsFatal(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	c := New(&fakeSource{}, st, &fakeAnnotator{}, Options{PersistRetry: fastPersistRetry()})

	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no records")
	assert.Equal(t, model.RunStateFailed, st.finalState)
}

func TestRun_SourceErrorIsFatal(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	src := &fakeSource{err: errors.New("connect refused")}
	c := New(src, st, &fakeAnnotator{}, Options{PersistRetry: fastPersistRetry()})

	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.RunStateFailed, st.finalState)
}

func TestRun_FailedRecordsPersistWithMarkers(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []source.RawRecord{
		{IdentityKey: "good", Payload: "x", SourceLocator: "in.jsonl#1"},
		{IdentityKey: "bad", Payload: "y", SourceLocator: "in.jsonl#2"},
	}}
	st := newMemStore()
	an := &fakeAnnotator{failKeys: map[string]bool{"bad": true}}

	c := New(src, st, an, Options{PersistRetry: fastPersistRetry()})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Annotated)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Exhausted)
	require.Len(t, summary.FailedRecords, 1)
	assert.Equal(t, "bad", summary.FailedRecords[0].IdentityKey)

	// Failed records land in the sink with their error, not silently dropped.
	entry, err := st.Get(context.Background(), "rec_002")
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusFailed, entry.Status)
	assert.Contains(t, entry.LastError, "exhausted")
	assert.Nil(t, entry.Fields)

	assert.Equal(t, model.RunStateCompleted, st.finalState)
}

func TestRun_PersistFailureIsFatalAfterRetries(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []source.RawRecord{
		{IdentityKey: "k", Payload: "x", SourceLocator: "in.jsonl#1"},
	}}
	st := newMemStore()
	st.upsertErr = errors.New("disk full")

	c := New(src, st, &fakeAnnotator{}, Options{PersistRetry: fastPersistRetry()})
	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist entries")
	assert.Contains(t, err.Error(), "entry rec_001")
	assert.Equal(t, model.RunStateFailed, st.finalState)
	assert.Equal(t, 3, st.upsertTry)
}

// batchMemStore adds the batch persistence capability to memStore.
type batchMemStore struct {
	*memStore
	batchCalls int
	batchErr   error
}

func (m *batchMemStore) UpsertBatch(_ context.Context, entries []model.PersistedEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchCalls++
	if m.batchErr != nil {
		return 0, m.batchErr
	}
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	return int64(len(entries)), nil
}

func TestRun_BatchCapableStorePersistsInOneCall(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []source.RawRecord{
		{IdentityKey: "k1", Payload: "x", SourceLocator: "in.jsonl#1"},
		{IdentityKey: "k2", Payload: "y", SourceLocator: "in.jsonl#2"},
	}}
	st := &batchMemStore{memStore: newMemStore()}

	c := New(src, st, &fakeAnnotator{}, Options{PersistRetry: fastPersistRetry()})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Annotated)
	assert.Equal(t, 1, st.batchCalls)
	assert.Zero(t, st.upsertTry, "per-entry path must not run when the store batches")
	require.Len(t, st.entries, 2)
}

func TestRun_BatchPersistFailureIsFatalAfterRetries(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []source.RawRecord{
		{IdentityKey: "k", Payload: "x", SourceLocator: "in.jsonl#1"},
	}}
	st := &batchMemStore{memStore: newMemStore(), batchErr: errors.New("disk full")}

	c := New(src, st, &fakeAnnotator{}, Options{PersistRetry: fastPersistRetry()})
	_, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist entries")
	assert.Equal(t, model.RunStateFailed, st.finalState)
	assert.Equal(t, 3, st.batchCalls)
}

func TestRun_SummaryPersistedOnFinish(t *testing.T) {
	t.Parallel()

	src := &fakeSource{records: []source.RawRecord{
		{IdentityKey: "k", Payload: "x", SourceLocator: "in.jsonl#1"},
	}}
	st := newMemStore()

	c := New(src, st, &fakeAnnotator{}, Options{PersistRetry: fastPersistRetry()})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, st.summary)
	assert.Equal(t, summary.Annotated, st.summary.Annotated)
	assert.GreaterOrEqual(t, st.summary.DurationMS, int64(0))
}
