package annotate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/annotate-cli/internal/model"
	"github.com/sells-group/annotate-cli/internal/resilience"
	"github.com/sells-group/annotate-cli/internal/schema"
	"github.com/sells-group/annotate-cli/pkg/anthropic"
)

func testSchema() schema.Schema {
	return schema.Schema{
		Name: "article",
		Fields: []schema.FieldSpec{
			{Key: "title", Type: schema.TypeString, Required: true},
			{Key: "category", Type: schema.TypeEnum, Required: true, Enum: []string{"news", "analysis"}},
		},
	}
}

// fakeClient returns canned responses per record payload, tracking call
// counts and concurrent in-flight requests.
type fakeClient struct {
	mu       sync.Mutex
	calls    map[string]int
	respond  func(payload string, call int) (*anthropic.MessageResponse, error)
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeClient(respond func(payload string, call int) (*anthropic.MessageResponse, error)) *fakeClient {
	return &fakeClient{calls: make(map[string]int), respond: respond}
}

func (f *fakeClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	payload := req.Messages[0].Content
	f.mu.Lock()
	f.calls[payload]++
	call := f.calls[payload]
	f.mu.Unlock()
	return f.respond(payload, call)
}

func textResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

func fastOptions() Options {
	return Options{
		Concurrency: 4,
		MaxAttempts: 3,
		Backoff: resilience.RetryConfig{
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2.0,
			JitterFraction: 0,
		},
	}
}

func newRecords(n int) []model.Record {
	recs := make([]model.Record, n)
	for i := range recs {
		recs[i] = model.Record{
			ID:          string(rune('a' + i)),
			IdentityKey: string(rune('a' + i)),
			RawPayload:  string(rune('a' + i)),
			Status:      model.RecordStatusNew,
		}
	}
	return recs
}

func TestRun_AllSucceed(t *testing.T) {
	t.Parallel()

	client := newFakeClient(func(_ string, _ int) (*anthropic.MessageResponse, error) {
		return textResponse(`{"title": "x", "category": "news"}`), nil
	})
	s := NewScheduler(client, testSchema(), fastOptions())

	out, stats, err := s.Run(context.Background(), newRecords(5))
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Annotated)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 500, stats.Usage.InputTokens)
	for _, rec := range out {
		assert.Equal(t, model.RecordStatusAnnotated, rec.Status)
		assert.Equal(t, "x", rec.Annotation["title"])
		assert.Equal(t, 1, rec.Attempts)
	}
}

func TestRun_MalformedThenValid_ConsumesAttempts(t *testing.T) {
	t.Parallel()

	client := newFakeClient(func(_ string, call int) (*anthropic.MessageResponse, error) {
		if call == 1 {
			return textResponse("I am unable to annotate this record."), nil
		}
		return textResponse("```json\n{\"title\": \"ok\", \"category\": \"analysis\"}\n```"), nil
	})
	s := NewScheduler(client, testSchema(), fastOptions())

	out, stats, err := s.Run(context.Background(), newRecords(1))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Annotated)
	assert.Equal(t, model.RecordStatusAnnotated, out[0].Status)
	assert.Equal(t, 2, out[0].Attempts)
}

func TestRun_TransportFailure_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	client := newFakeClient(func(_ string, _ int) (*anthropic.MessageResponse, error) {
		return nil, errors.New("api: overloaded")
	})
	s := NewScheduler(client, testSchema(), fastOptions())

	out, stats, err := s.Run(context.Background(), newRecords(1))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Exhausted)
	assert.Equal(t, model.RecordStatusFailed, out[0].Status)
	assert.Equal(t, 3, out[0].Attempts)
	assert.Contains(t, out[0].LastError, "exhausted 3 attempts")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 3, client.calls[buildUserPrompt(testSchema(), "a")])
}

func TestRun_ValidationFailure_IsNotExhausted(t *testing.T) {
	t.Parallel()

	client := newFakeClient(func(_ string, _ int) (*anthropic.MessageResponse, error) {
		return textResponse(`{"title": "x", "category": "editorial"}`), nil
	})
	s := NewScheduler(client, testSchema(), fastOptions())

	out, stats, err := s.Run(context.Background(), newRecords(1))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Exhausted)
	assert.Equal(t, model.RecordStatusFailed, out[0].Status)
	assert.Contains(t, out[0].LastError, "category")
}

func TestRun_PerJobFailureIsolation(t *testing.T) {
	t.Parallel()

	client := newFakeClient(func(payload string, _ int) (*anthropic.MessageResponse, error) {
		if payload == buildUserPrompt(testSchema(), "b") {
			return nil, errors.New("api: internal error")
		}
		return textResponse(`{"title": "x", "category": "news"}`), nil
	})
	s := NewScheduler(client, testSchema(), fastOptions())

	out, stats, err := s.Run(context.Background(), newRecords(3))
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Annotated)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, model.RecordStatusAnnotated, out[0].Status)
	assert.Equal(t, model.RecordStatusFailed, out[1].Status)
	assert.Equal(t, model.RecordStatusAnnotated, out[2].Status)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	client := newFakeClient(func(_ string, _ int) (*anthropic.MessageResponse, error) {
		return textResponse(`{"title": "x", "category": "news"}`), nil
	})
	opts := fastOptions()
	opts.Concurrency = 2
	s := NewScheduler(client, testSchema(), opts)

	_, stats, err := s.Run(context.Background(), newRecords(10))
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Annotated)
	assert.LessOrEqual(t, client.maxSeen.Load(), int32(2))
}

func TestRun_RateLimitDelayExceedsDeadline_RecordsStayTerminal(t *testing.T) {
	t.Parallel()

	// At 0.001 rps only one token is available up front; the second record's
	// limiter wait cannot fit the deadline, so Wait fails while the context
	// itself is still live.
	client := newFakeClient(func(_ string, _ int) (*anthropic.MessageResponse, error) {
		return textResponse(`{"title": "x", "category": "news"}`), nil
	})
	opts := fastOptions()
	opts.Concurrency = 1
	opts.RateLimit = 0.001
	s := NewScheduler(client, testSchema(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, stats, err := s.Run(ctx, newRecords(2))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Annotated)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Exhausted)
	for _, rec := range out {
		assert.NotEqual(t, model.RecordStatusNew, rec.Status, "record %s left without a terminal status", rec.ID)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	client := newFakeClient(func(_ string, _ int) (*anthropic.MessageResponse, error) {
		cancel()
		return nil, context.Canceled
	})
	s := NewScheduler(client, testSchema(), fastOptions())

	out, _, err := s.Run(ctx, newRecords(1))
	require.ErrorIs(t, err, context.Canceled)
	// Unresolved records keep a non-terminal status so a later run retries them.
	assert.Equal(t, model.RecordStatusNew, out[0].Status)
}

func TestRun_EmptyInput(t *testing.T) {
	t.Parallel()

	client := newFakeClient(func(_ string, _ int) (*anthropic.MessageResponse, error) {
		t.Fatal("client must not be called")
		return nil, nil
	})
	s := NewScheduler(client, testSchema(), fastOptions())

	out, stats, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, stats.Annotated)
}
