package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"linkscrub/internal/links"
	"linkscrub/internal/metrics"
)

// page is one downloaded response.
type page struct {
	requested *url.URL
	final     *url.URL
	mimeType  string
	body      []byte
	oversized bool
}

// transientError marks a failure worth another attempt: no response at all,
// a 5xx, or a 429.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// download fetches link, retrying transient failures. The n-th retry waits
// n times the configured delay.
func (s crawlState) download(ctx context.Context, link string) (*page, error) {
	for attempt := 1; ; attempt++ {
		p, err := s.get(ctx, link)

		var transient *transientError
		if err == nil || !errors.As(err, &transient) || attempt > s.retries {
			return p, err
		}

		delay := time.Duration(attempt) * s.retryDelay
		s.logger.Warn("Retrying fetch", "url", link, "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s crawlState) get(ctx context.Context, link string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.Crawl.UserAgent)
	for name, value := range s.cfg.Crawl.Headers {
		if strings.EqualFold(name, "Host") {
			req.Host = value
			continue
		}
		req.Header.Set(name, value)
	}

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.RecordFetch(0, time.Since(started).Seconds())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()
	metrics.RecordFetch(resp.StatusCode, time.Since(started).Seconds())

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &transientError{err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	maxSize := s.cfg.MaxResponseSize()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, readError(ctx, err)
	}

	oversized := int64(len(body)) > maxSize
	if oversized {
		rest, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, readError(ctx, err)
		}
		body = append(body, rest...)
		s.logger.Info("Response too large, saving without processing", "url", link,
			"size", len(body), "max", maxSize)
	}

	return &page{
		requested: req.URL,
		final:     resp.Request.URL,
		mimeType:  links.ExtractMimeType(resp.Header.Get("Content-Type")),
		body:      body,
		oversized: oversized,
	}, nil
}

func readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &transientError{err: fmt.Errorf("failed to read response body: %w", err)}
}
