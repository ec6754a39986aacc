// Package crawler mirrors a site to disk, passing every link it discovers
// through the plugin chain before it is fetched or saved.
//
// Pages are fetched breadth-first, one depth level at a time, by a bounded
// group of workers. Documents whose MIME type is configured for processing are
// saved with their links rewritten.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"linkscrub/internal/config"
	"linkscrub/internal/links"
	"linkscrub/pkg/linkplugin"
)

// ErrStartRejected is returned when the plugin chain rejects the start URL.
var ErrStartRejected = errors.New("start URL rejected by plugin chain")

// Seen records the URLs a crawl has already queued.
type Seen interface {
	// MarkSeen adds link to the crawl's visited set and reports whether it
	// was not there before.
	MarkSeen(ctx context.Context, crawlID, link string) (bool, error)
}

// Stats summarises a crawl.
type Stats struct {
	Pages     int
	Bytes     int64
	Rewritten int
	Rejected  int
	Errors    int
}

type Crawler struct {
	cfg      *config.Config
	detector links.Detector
	seen     Seen
	scope    *Scope
	start    *url.URL
	client   *http.Client
	limiter  *rate.Limiter

	concurrency int
	retries     int
	retryDelay  time.Duration

	mu    sync.Mutex
	stats Stats
}

// New returns a crawler for cfg.Crawl. A nil seen keeps the visited set in
// memory.
func New(cfg *config.Config, detector links.Detector, seen Seen) (*Crawler, error) {
	if err := cfg.ValidateMirror(); err != nil {
		return nil, err
	}

	start, err := url.Parse(cfg.Crawl.StartURL)
	if err != nil {
		return nil, fmt.Errorf("invalid start URL: %w", err)
	}

	scope, err := NewScope(start.Host, cfg.Crawl.Rules)
	if err != nil {
		return nil, fmt.Errorf("invalid crawl rules: %w", err)
	}

	if seen == nil {
		seen = NewMemorySeen()
	}

	limit := rate.Inf
	if cfg.Crawl.RatePerSecond > 0 {
		limit = rate.Limit(cfg.Crawl.RatePerSecond)
	}

	return &Crawler{
		cfg:         cfg,
		detector:    detector,
		seen:        seen,
		scope:       scope,
		start:       start,
		client:      &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second},
		limiter:     rate.NewLimiter(limit, 1),
		concurrency: max(cfg.Crawl.Concurrency, 1),
		retries:     max(cfg.Crawl.Retries, 0),
		retryDelay:  cfg.Crawl.RetryDelay(),
	}, nil
}

// Run mirrors the site until every reachable in-scope page within the depth
// and page limits has been fetched, then writes an index page at the root of
// the output directory. Transient fetch failures are retried with a linear
// backoff; failures that remain are counted in Stats.Errors. Only
// cancellation of ctx stops the crawl early.
func (c *Crawler) Run(ctx context.Context) (Stats, error) {
	crawlID := uuid.NewString()
	logger := slog.With("crawl_id", crawlID)
	crawl := crawlState{Crawler: c, id: crawlID, logger: logger, index: &pageIndex{}}
	c.record(func(st *Stats) { *st = Stats{} })

	link := &linkplugin.Link{URL: c.start.String(), Tag: "start"}
	if !c.detector.LinkDetected(linkplugin.WithCrawl(ctx, linkplugin.Crawl{ID: crawlID}), link) {
		return c.snapshot(), ErrStartRejected
	}
	start, err := url.Parse(link.URL)
	if err != nil {
		return c.snapshot(), fmt.Errorf("invalid start URL after plugin chain: %w", err)
	}
	start.Fragment = ""

	if _, err := c.seen.MarkSeen(ctx, crawlID, start.String()); err != nil {
		return c.snapshot(), err
	}

	logger.Info("Starting crawl", "url", start.String(), "depth", c.cfg.Crawl.Depth,
		"output", c.cfg.Crawl.OutputDir)

	scheduled := 0
	level := []string{start.String()}
	for depth := 0; len(level) > 0; depth++ {
		if c.cfg.Crawl.Depth > 0 && depth >= c.cfg.Crawl.Depth {
			break
		}
		if limit := c.cfg.Crawl.MaxPages; limit > 0 {
			if scheduled >= limit {
				break
			}
			if remaining := limit - scheduled; len(level) > remaining {
				level = level[:remaining]
			}
		}
		scheduled += len(level)

		found, err := crawl.fetchLevel(ctx, level)
		if err != nil {
			return c.snapshot(), err
		}
		if err := ctx.Err(); err != nil {
			return c.snapshot(), err
		}

		level, err = crawl.nextLevel(ctx, found)
		if err != nil {
			return c.snapshot(), err
		}
		logger.Debug("Finished depth level", "depth", depth, "queued", len(level))
	}

	if err := writeIndex(c.cfg.Crawl.OutputDir, start, crawl.index.sorted()); err != nil {
		logger.Error("Failed to write mirror index", "error", err)
		c.record(func(st *Stats) { st.Errors++ })
	}

	stats := c.snapshot()
	logger.Info("Crawl complete", "pages", stats.Pages, "bytes", stats.Bytes,
		"rewritten", stats.Rewritten, "rejected", stats.Rejected, "errors", stats.Errors)
	return stats, nil
}

func (c *Crawler) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Crawler) record(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

// crawlState carries one Run's identity through its workers.
type crawlState struct {
	*Crawler
	id     string
	logger *slog.Logger
	index  *pageIndex
}

// fetchLevel fetches every URL of one depth level and returns the links found
// on each page, in level order.
func (s crawlState) fetchLevel(ctx context.Context, level []string) ([][]string, error) {
	found := make([][]string, len(level))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, link := range level {
		i, link := i, link
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			pageLinks, err := s.fetch(gctx, link)
			if err != nil {
				s.logger.Warn("Failed to mirror page", "url", link, "error", err)
				s.record(func(st *Stats) { st.Errors++ })
				return nil
			}
			found[i] = pageLinks
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// nextLevel keeps the in-scope links not seen before.
func (s crawlState) nextLevel(ctx context.Context, found [][]string) ([]string, error) {
	var next []string
	for _, pageLinks := range found {
		for _, link := range pageLinks {
			u, err := url.Parse(link)
			if err != nil || !s.scope.Allowed(u) {
				continue
			}
			isNew, err := s.seen.MarkSeen(ctx, s.id, link)
			if err != nil {
				return nil, err
			}
			if isNew {
				next = append(next, link)
			}
		}
	}
	return next, nil
}

// fetch downloads link, saves it, and returns the links it contains.
func (s crawlState) fetch(ctx context.Context, link string) ([]string, error) {
	page, err := s.download(ctx, link)
	if err != nil {
		return nil, err
	}

	body := page.body
	var result links.Result
	if !page.oversized && s.cfg.IsHTMLXMLMimeType(page.mimeType) {
		pageCtx := linkplugin.WithCrawl(ctx, linkplugin.Crawl{ID: s.id, Page: page.final})
		processed, res, err := links.Process(pageCtx, s.detector, page.final, page.mimeType, body, links.Options{
			DropSrcset: s.cfg.DropSrcset,
		})
		if err != nil {
			s.logger.Warn("Failed to process links, saving original", "url", link, "error", err)
		} else {
			body, result = processed, res
		}
	}

	target := outputPath(s.cfg.Crawl.OutputDir, page.requested)
	if err := writeFile(target, body); err != nil {
		return nil, err
	}
	s.index.add(link, target)

	s.record(func(st *Stats) {
		st.Pages++
		st.Bytes += int64(len(body))
		st.Rewritten += result.Rewritten
		st.Rejected += result.Rejected
	})
	s.logger.Debug("Mirrored page", "url", link, "file", target, "links", len(result.Links))

	return result.Links, nil
}

func writeFile(target string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(target, body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

// outputPath maps u to its file under dir: dir/<host>/<path>. Directory paths
// and extensionless names get index.html inside a directory of that name, so
// /news and /news/item can both be mirrored. A query string adds a hash suffix
// before the extension.
func outputPath(dir string, u *url.URL) string {
	host := strings.ReplaceAll(strings.ToLower(u.Host), ":", "_")
	if host == "" || host == "." || host == ".." {
		host = "_"
	}

	// Rooting the path before cleaning keeps ".." from climbing out of dir.
	p := path.Clean("/" + u.Path)
	if p == "/" || strings.HasSuffix(u.Path, "/") || path.Ext(p) == "" {
		p = path.Join(p, "index.html")
	}
	p = strings.TrimPrefix(p, "/")

	if u.RawQuery != "" {
		ext := path.Ext(p)
		p = strings.TrimSuffix(p, ext) + "_" + strconv.FormatUint(xxhash.Sum64String(u.RawQuery), 16) + ext
	}

	return filepath.Join(dir, host, filepath.FromSlash(p))
}
