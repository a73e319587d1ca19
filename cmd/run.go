package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/annotate-cli/internal/annotate"
	"github.com/sells-group/annotate-cli/internal/pipeline"
	"github.com/sells-group/annotate-cli/internal/resilience"
	"github.com/sells-group/annotate-cli/internal/schema"
	"github.com/sells-group/annotate-cli/internal/source"
	anthropicpkg "github.com/sells-group/annotate-cli/pkg/anthropic"
)

var (
	runInput  string
	runSchema string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Annotate a batch of records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		sch, err := schema.LoadFile(runSchema)
		if err != nil {
			return eris.Wrap(err, "load schema")
		}

		src := initSource(runInput)

		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		scheduler := annotate.NewScheduler(client, sch, annotate.Options{
			Concurrency: cfg.Annotate.Concurrency,
			MaxAttempts: cfg.Annotate.MaxAttempts,
			Backoff:     retryConfigFromFlags(cfg.Annotate.MaxAttempts),
			RateLimit:   cfg.Annotate.RateLimitRPS,
			Model:       cfg.Anthropic.Model,
			MaxTokens:   cfg.Anthropic.MaxTokens,
		})

		p := pipeline.New(src, st, scheduler, pipeline.Options{
			IDPrefix:     cfg.Pipeline.IDPrefix,
			PersistRetry: retryConfigFromFlags(cfg.Pipeline.PersistRetries),
		})

		summary, err := p.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("annotation complete",
			zap.Int("total", summary.Total),
			zap.Int("annotated", summary.Annotated),
			zap.Int("failed", summary.Failed),
		)

		usage := anthropicpkg.TokenUsage{
			InputTokens:  int64(summary.Usage.InputTokens),
			OutputTokens: int64(summary.Usage.OutputTokens),
		}
		usage.LogCost(cfg.Anthropic.Model, "annotate")

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

// initSource picks the acquisition backend from the input locator scheme.
func initSource(input string) source.Source {
	timeout := time.Duration(cfg.Source.TimeoutSecs) * time.Second

	switch {
	case strings.HasPrefix(input, "http://"), strings.HasPrefix(input, "https://"):
		return source.NewHTTPSource(input, source.HTTPOptions{
			UserAgent: cfg.Source.UserAgent,
			Timeout:   timeout,
			Retry:     retryConfigFromFlags(cfg.Annotate.MaxAttempts),
			RateLimit: cfg.Source.RateLimitRPS,
		})
	case strings.HasPrefix(input, "ftp://"):
		return source.NewFTPSource(input, source.FTPOptions{Timeout: timeout})
	default:
		return source.NewFileSource(input)
	}
}

func retryConfigFromFlags(maxAttempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Duration(cfg.Annotate.BackoffInitialMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Annotate.BackoffMaxMS) * time.Millisecond,
		Multiplier:     cfg.Annotate.Multiplier,
		JitterFraction: cfg.Annotate.JitterFraction,
	}
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "input records: path, http(s) URL, or ftp URL (required)")
	runCmd.Flags().StringVar(&runSchema, "schema", "", "annotation schema file (required)")
	_ = runCmd.MarkFlagRequired("input")
	_ = runCmd.MarkFlagRequired("schema")
	rootCmd.AddCommand(runCmd)
}
