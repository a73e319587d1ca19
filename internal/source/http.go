package source

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/annotate-cli/internal/resilience"
)

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig

	// RateLimit caps request starts per second. Zero disables limiting.
	RateLimit float64
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.UserAgent == "" {
		o.UserAgent = "annotate-cli/1.0"
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// HTTPSource fetches a JSON document of records over HTTP. The endpoint
// returns either a top-level array of objects or newline-delimited JSON;
// the body shape decides which decoder runs.
type HTTPSource struct {
	url     string
	client  *http.Client
	opts    HTTPOptions
	limiter *rate.Limiter
}

// NewHTTPSource creates an HTTPSource for the given URL.
func NewHTTPSource(url string, opts HTTPOptions) *HTTPSource {
	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return &HTTPSource{
		url: url,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:    opts,
		limiter: limiter,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]RawRecord, error) {
	cfg := s.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("source", "http_fetch")

	data, err := resilience.DoVal(ctx, cfg, s.fetchOnce)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return decodeJSONArray(trimmed, s.url)
	}
	return decodeJSONL(ctx, bytes.NewReader(trimmed), s.url)
}

func (s *HTTPSource) fetchOnce(ctx context.Context) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "source: rate limiter wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "source: create request")
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransportError(eris.Wrap(err, "source: http get"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		zap.L().Warn("http source returned retryable status",
			zap.String("url", s.url),
			zap.Int("status", resp.StatusCode),
		)
		return nil, resilience.NewTransportError(
			eris.Errorf("source: http %d from %s", resp.StatusCode, s.url),
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("source: unexpected status %d from %s", resp.StatusCode, s.url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransportError(eris.Wrap(err, "source: read body"), 0)
	}
	return data, nil
}
