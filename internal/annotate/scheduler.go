// Package annotate runs schema-guided annotation jobs against the Anthropic
// API with bounded concurrency, per-job retry, and run-level accounting.
package annotate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/annotate-cli/internal/model"
	"github.com/sells-group/annotate-cli/internal/resilience"
	"github.com/sells-group/annotate-cli/internal/schema"
	"github.com/sells-group/annotate-cli/pkg/anthropic"
)

// Options configures a Scheduler.
type Options struct {
	// Concurrency bounds the number of in-flight annotation requests.
	// Default: 4.
	Concurrency int

	// MaxAttempts is the per-record attempt budget, shared by transport
	// failures and invalid responses. Default: 3.
	MaxAttempts int

	// Backoff shapes the delay between attempts for one record.
	Backoff resilience.RetryConfig

	// RateLimit caps request starts per second across all workers.
	// Zero disables rate limiting.
	RateLimit float64

	// Model and MaxTokens are passed through to the API.
	Model     string
	MaxTokens int64
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Model == "" {
		o.Model = "claude-haiku-4-5-20251001"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 2048
	}
	return o
}

// Stats aggregates the outcome of one scheduler run.
type Stats struct {
	Annotated int
	Failed    int
	Exhausted int
	Usage     model.TokenUsage
}

// Scheduler fans annotation jobs out over a bounded worker pool. Each record
// is an independent job: one job failing never affects the others.
type Scheduler struct {
	opts    Options
	client  anthropic.Client
	schema  schema.Schema
	limiter *rate.Limiter
}

// NewScheduler creates a Scheduler for one schema.
func NewScheduler(client anthropic.Client, s schema.Schema, opts Options) *Scheduler {
	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return &Scheduler{opts: opts, client: client, schema: s, limiter: limiter}
}

// Run annotates every record and returns the records with terminal statuses
// applied, in input order. Each record ends as exactly one of annotated or
// failed unless the context is cancelled, in which case unresolved records
// keep their current status and the context error is returned.
func (s *Scheduler) Run(ctx context.Context, records []model.Record) ([]model.Record, Stats, error) {
	out := make([]model.Record, len(records))
	copy(out, records)

	var (
		mu    sync.Mutex
		stats Stats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for i := range out {
		g.Go(func() error {
			res, err := s.runJob(gctx, out[i])
			if err != nil {
				// Only cancellation aborts the pool; job failures are
				// terminal statuses, not errors.
				return err
			}

			mu.Lock()
			out[i] = res.record
			stats.Usage.Add(res.usage)
			switch res.record.Status {
			case model.RecordStatusAnnotated:
				stats.Annotated++
			case model.RecordStatusFailed:
				stats.Failed++
				if res.transportExhausted {
					stats.Exhausted++
				}
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out, stats, err
	}
	return out, stats, nil
}

// jobResult carries one resolved job back to the pool.
type jobResult struct {
	record model.Record
	usage  model.TokenUsage

	// transportExhausted marks a terminal failure whose final error came
	// from the transport layer rather than response validation.
	transportExhausted bool
}

// runJob drives one record through its attempt budget. It returns an error
// only for context cancellation; all other outcomes resolve to a terminal
// record status.
func (s *Scheduler) runJob(ctx context.Context, rec model.Record) (jobResult, error) {
	var usage model.TokenUsage
	var lastErr error

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if delay := resilience.BackoffFor(attempt, s.opts.Backoff); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return jobResult{record: rec, usage: usage}, ctx.Err()
			case <-timer.C:
			}
		}

		rec.Attempts = attempt

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return jobResult{record: rec, usage: usage}, ctx.Err()
				}
				// Wait also fails with a live context when the remaining
				// rate-limit delay cannot fit the deadline. That consumes
				// an attempt like any transport failure.
				lastErr = resilience.NewTransportError(err, 0)
				zap.L().Warn("annotation rate limit wait failed",
					zap.String("record_id", rec.ID),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				continue
			}
		}

		resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     s.opts.Model,
			MaxTokens: s.opts.MaxTokens,
			System:    anthropic.BuildCachedSystemBlocks(systemPrompt),
			Messages: []anthropic.Message{
				{Role: "user", Content: buildUserPrompt(s.schema, rec.RawPayload)},
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return jobResult{record: rec, usage: usage}, ctx.Err()
			}
			lastErr = resilience.NewTransportError(err, 0)
			zap.L().Warn("annotation request failed",
				zap.String("record_id", rec.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		usage.Add(model.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		})

		fields, verr := schema.ParseAndValidate(resp.Text(), s.schema)
		if verr != nil {
			// Invalid responses burn the same attempt budget as transport
			// failures.
			lastErr = verr
			zap.L().Warn("annotation response rejected",
				zap.String("record_id", rec.ID),
				zap.Int("attempt", attempt),
				zap.Error(verr),
			)
			continue
		}

		rec.Status = model.RecordStatusAnnotated
		rec.Annotation = fields
		rec.LastError = ""
		rec.UpdatedAt = time.Now().UTC()
		return jobResult{record: rec, usage: usage}, nil
	}

	final := &resilience.ExhaustedError{Attempts: s.opts.MaxAttempts, LastErr: lastErr}
	rec.Status = model.RecordStatusFailed
	rec.LastError = final.Error()
	rec.UpdatedAt = time.Now().UTC()
	zap.L().Error("annotation job exhausted",
		zap.String("record_id", rec.ID),
		zap.Int("attempts", s.opts.MaxAttempts),
		zap.Error(lastErr),
	)
	return jobResult{
		record:             rec,
		usage:              usage,
		transportExhausted: resilience.IsTransient(lastErr),
	}, nil
}
