// Package fetch retrieves pages concurrently and reduces them to text.
package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kensaku-ai/kensaku/internal/extract"
	"github.com/kensaku-ai/kensaku/internal/metrics"
)

// Cap on how much of any single page is read into memory.
const maxBodyBytes = 2 << 20

const userAgent = "kensaku/1.0 (+https://github.com/kensaku-ai/kensaku)"

// Fetcher retrieves a bounded set of URLs concurrently, each under its own
// failure boundary, and reduces every page to extracted body text.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func New(timeout time.Duration, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: timeout,
		logger:  logger,
	}
}

// FetchAll retrieves every URL concurrently and returns one extracted text
// per input, in input order. A failing URL yields an empty string at its
// index and never affects sibling fetches. Callers bound the fan-out by
// passing only their top-ranked URLs.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []string {
	texts := make([]string, len(urls))
	var wg sync.WaitGroup
	for i, pageURL := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("page fetch panicked", zap.String("url", pageURL), zap.Any("panic", r))
				}
			}()
			texts[i] = f.fetchOne(ctx, pageURL)
		}()
	}
	wg.Wait()
	return texts
}

func (f *Fetcher) fetchOne(ctx context.Context, pageURL string) string {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		f.logger.Warn("skipping unfetchable URL", zap.String("url", pageURL), zap.Error(err))
		metrics.PageFetches.WithLabelValues("error").Inc()
		return ""
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("page fetch failed", zap.String("url", pageURL), zap.Error(err))
		metrics.PageFetches.WithLabelValues("error").Inc()
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.logger.Warn("page fetch failed", zap.String("url", pageURL), zap.String("status", resp.Status))
		metrics.PageFetches.WithLabelValues("error").Inc()
		return ""
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") && !strings.Contains(ct, "text/plain") {
		f.logger.Debug("skipping non-text page", zap.String("url", pageURL), zap.String("content_type", ct))
		metrics.PageFetches.WithLabelValues("skipped").Inc()
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		f.logger.Warn("page read failed", zap.String("url", pageURL), zap.Error(err))
		metrics.PageFetches.WithLabelValues("error").Inc()
		return ""
	}

	metrics.PageFetches.WithLabelValues("ok").Inc()
	return extract.Text(string(body))
}
