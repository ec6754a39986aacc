package crawler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkscrub/internal/config"
	"linkscrub/pkg/amzstrip"
	"linkscrub/pkg/linkplugin"
)

type detectorFunc func(ctx context.Context, link *linkplugin.Link) bool

func (f detectorFunc) LinkDetected(ctx context.Context, link *linkplugin.Link) bool {
	return f(ctx, link)
}

var stripDetector = detectorFunc(func(_ context.Context, link *linkplugin.Link) bool {
	link.URL = amzstrip.Strip(link.URL)
	return true
})

// site is a small intranet served over httptest that records every request.
type site struct {
	*httptest.Server

	mu       sync.Mutex
	requests []string
	agents   []string
	cookies  []string
}

func newSite(t *testing.T) *site {
	t.Helper()

	pages := map[string]struct {
		contentType string
		body        string
	}{
		"/": {"text/html; charset=utf-8", `<html><body>
<a href="/a?X-Amz-Algorithm=AWS4-HMAC-SHA256">a</a>
<a href="/b/">b</a>
<img src="/logo.png">
<a href="https://elsewhere.example/x">external</a>
<a href="/private/secret">private</a>
<a href="/missing">missing</a>
</body></html>`},
		"/a":              {"text/html", `<html><body><a href="/">home</a><a href="/c">c</a></body></html>`},
		"/b/":             {"text/html", `<html><body><a href="/a">a</a></body></html>`},
		"/c":              {"text/plain", "plain c"},
		"/logo.png":       {"image/png", "PNG"},
		"/private/secret": {"text/html", "secret"},
	}

	s := &site{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.URL.RequestURI())
		s.agents = append(s.agents, r.UserAgent())
		s.cookies = append(s.cookies, r.Header.Get("Cookie"))
		s.mu.Unlock()

		page, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", page.contentType)
		io.WriteString(w, page.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *site) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *site) hostDir(outputDir string) string {
	u, _ := url.Parse(s.URL)
	return filepath.Join(outputDir, strings.ReplaceAll(u.Host, ":", "_"))
}

func newConfig(t *testing.T, s *site) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Crawl.StartURL = s.URL + "/"
	cfg.Crawl.OutputDir = t.TempDir()
	cfg.Crawl.Headers = map[string]string{"Cookie": "dw_agency=hq"}
	cfg.Crawl.Rules = []string{"-*/private/*"}
	cfg.Crawl.RetryDelaySeconds = 0.001
	return cfg
}

func TestRunMirrorsSite(t *testing.T) {
	s := newSite(t)
	cfg := newConfig(t, s)

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Pages)
	assert.Equal(t, 1, stats.Errors, "the missing page is counted, not fatal")
	assert.Equal(t, 1, stats.Rewritten)
	assert.Zero(t, stats.Rejected)
	assert.Positive(t, stats.Bytes)

	requests := s.requested()
	assert.ElementsMatch(t, []string{"/", "/a", "/b/", "/logo.png", "/missing", "/c"}, requests)
	for _, r := range requests {
		assert.NotContains(t, r, "X-Amz-Algorithm")
	}

	s.mu.Lock()
	for i := range s.agents {
		assert.Equal(t, "intranet-archive", s.agents[i])
		assert.Equal(t, "dw_agency=hq", s.cookies[i])
	}
	s.mu.Unlock()

	root := s.hostDir(cfg.Crawl.OutputDir)
	index, err := os.ReadFile(filepath.Join(root, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(index), `href="/a"`)
	assert.NotContains(t, string(index), "X-Amz-Algorithm")

	for _, name := range []string{filepath.Join("a", "index.html"), filepath.Join("b", "index.html"), filepath.Join("c", "index.html"), "logo.png"} {
		assert.FileExists(t, filepath.Join(root, name))
	}
	assert.NoFileExists(t, filepath.Join(root, "private", "secret"))
}

func TestRunDepthLimit(t *testing.T) {
	tests := []struct {
		depth int
		pages int
	}{
		{depth: 1, pages: 1},
		{depth: 2, pages: 4},
		{depth: 0, pages: 5},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.depth), func(t *testing.T) {
			s := newSite(t)
			cfg := newConfig(t, s)
			cfg.Crawl.Depth = tt.depth

			c, err := New(cfg, stripDetector, nil)
			require.NoError(t, err)

			stats, err := c.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.pages, stats.Pages)
		})
	}
}

func TestRunMaxPages(t *testing.T) {
	s := newSite(t)
	cfg := newConfig(t, s)
	cfg.Crawl.MaxPages = 2

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, []string{"/", "/a"}, s.requested())
}

func TestRunRejectedLinksAreNotFetched(t *testing.T) {
	s := newSite(t)
	cfg := newConfig(t, s)

	detector := detectorFunc(func(ctx context.Context, link *linkplugin.Link) bool {
		crawl, ok := linkplugin.CrawlFrom(ctx)
		assert.True(t, ok)
		assert.NotEmpty(t, crawl.ID)

		link.URL = amzstrip.Strip(link.URL)
		return !strings.HasSuffix(link.URL, "/b/")
	})

	c, err := New(cfg, detector, nil)
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Rejected)
	assert.NotContains(t, s.requested(), "/b/")
}

func TestRunStartRejected(t *testing.T) {
	s := newSite(t)
	cfg := newConfig(t, s)

	reject := detectorFunc(func(context.Context, *linkplugin.Link) bool { return false })

	c, err := New(cfg, reject, nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrStartRejected)
	assert.Empty(t, s.requested())
}

func TestRunCancelled(t *testing.T) {
	s := newSite(t)
	cfg := newConfig(t, s)

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSharedSeenSet(t *testing.T) {
	s := newSite(t)
	cfg := newConfig(t, s)
	seen := NewMemorySeen()

	c, err := New(cfg, stripDetector, seen)
	require.NoError(t, err)

	first, err := c.Run(context.Background())
	require.NoError(t, err)
	second, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second, "each run gets its own crawl ID and visited set")
}

func TestNewRequiresStartURL(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg, stripDetector, nil)
	assert.Error(t, err)

	cfg.Crawl.StartURL = "https://intranet.example.com/"
	cfg.Crawl.Rules = []string{"*.png"}
	_, err = New(cfg, stripDetector, nil)
	assert.Error(t, err)
}

func TestOutputPath(t *testing.T) {
	hash := func(query string) string {
		return strconv.FormatUint(xxhash.Sum64String(query), 16)
	}

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"root", "https://Intranet.example.com", "intranet.example.com/index.html"},
		{"directory", "https://intranet.example.com/docs/", "intranet.example.com/docs/index.html"},
		{"file", "https://intranet.example.com/img/logo.png", "intranet.example.com/img/logo.png"},
		{"port", "http://intranet.example.com:8080/a", "intranet.example.com_8080/a/index.html"},
		{"extensionless", "https://intranet.example.com/news", "intranet.example.com/news/index.html"},
		{"extensionless child", "https://intranet.example.com/news/item", "intranet.example.com/news/item/index.html"},
		{"extensionless query", "https://intranet.example.com/news?p=1", "intranet.example.com/news/index_" + hash("p=1") + ".html"},
		{"query", "https://intranet.example.com/x.html?p=1", "intranet.example.com/x_" + hash("p=1") + ".html"},
		{"directory query", "https://intranet.example.com/?p=1", "intranet.example.com/index_" + hash("p=1") + ".html"},
		{"escape attempt", "https://intranet.example.com/a/../../../etc/passwd.txt", "intranet.example.com/etc/passwd.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)

			got := outputPath("out", u)
			assert.Equal(t, filepath.Join("out", filepath.FromSlash(tt.want)), got)
		})
	}
}

func TestMemorySeen(t *testing.T) {
	seen := NewMemorySeen()
	ctx := context.Background()

	isNew, err := seen.MarkSeen(ctx, "crawl-1", "https://intranet.example.com/")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = seen.MarkSeen(ctx, "crawl-1", "https://intranet.example.com/")
	require.NoError(t, err)
	assert.False(t, isNew)

	isNew, err = seen.MarkSeen(ctx, "crawl-2", "https://intranet.example.com/")
	require.NoError(t, err)
	assert.True(t, isNew, "visited sets are per crawl")
}

// serveSite starts a server for handler and returns a config crawling it.
func serveSite(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *config.Config) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Crawl.StartURL = srv.URL + "/"
	cfg.Crawl.OutputDir = t.TempDir()
	cfg.Crawl.RetryDelaySeconds = 0.001
	return srv, cfg
}

func hostDir(t *testing.T, srv *httptest.Server, outputDir string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return filepath.Join(outputDir, strings.ReplaceAll(u.Host, ":", "_"))
}

func TestRunPageAndDirectorySharePath(t *testing.T) {
	srv, cfg := serveSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch r.URL.Path {
		case "/":
			io.WriteString(w, `<a href="/news">news</a>`)
		case "/news":
			io.WriteString(w, `<a href="/news/item">item</a>`)
		case "/news/item":
			io.WriteString(w, `item`)
		default:
			http.NotFound(w, r)
		}
	})

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pages)
	assert.Zero(t, stats.Errors)

	root := hostDir(t, srv, cfg.Crawl.OutputDir)
	assert.FileExists(t, filepath.Join(root, "news", "index.html"))
	assert.FileExists(t, filepath.Join(root, "news", "item", "index.html"))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}

	srv, cfg := serveSite(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts[r.URL.Path]++
		n := attempts[r.URL.Path]
		mu.Unlock()

		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, `<a href="/flaky.txt">f</a><a href="/down.txt">d</a><a href="/gone.txt">g</a><a href="/busy.txt">b</a>`)
		case "/flaky.txt":
			if n < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			io.WriteString(w, "flaky")
		case "/busy.txt":
			if n < 2 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			io.WriteString(w, "busy")
		case "/down.txt":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	})
	cfg.Crawl.Retries = 2

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Pages, "start page, flaky and busy")
	assert.Equal(t, 2, stats.Errors, "down after all retries, gone without retrying")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts["/flaky.txt"])
	assert.Equal(t, 2, attempts["/busy.txt"])
	assert.Equal(t, 3, attempts["/down.txt"], "one attempt plus two retries")
	assert.Equal(t, 1, attempts["/gone.txt"], "client errors are not retried")

	assert.FileExists(t, filepath.Join(hostDir(t, srv, cfg.Crawl.OutputDir), "flaky.txt"))
}

func TestRunRetriesDisabled(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	_, cfg := serveSite(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	cfg.Crawl.Retries = -1

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	_, cfg := serveSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	cfg.Crawl.Retries = 5
	cfg.Crawl.RetryDelaySeconds = 60

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err = c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 30*time.Second)
}

func TestRunWritesIndex(t *testing.T) {
	s := newSite(t)
	cfg := newConfig(t, s)

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.NoError(t, err)

	index, err := os.ReadFile(filepath.Join(cfg.Crawl.OutputDir, "index.html"))
	require.NoError(t, err)

	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	host := strings.ReplaceAll(u.Host, ":", "_")

	rendered := string(index)
	assert.Contains(t, rendered, "<title>Intranet Archive Index</title>")
	assert.Contains(t, rendered, "<h2>"+u.Host+"</h2>")
	assert.Contains(t, rendered, `<a href="`+host+`/index.html">`+s.URL+`/</a>`)
	assert.Contains(t, rendered, `<a href="`+host+`/a/index.html">`+s.URL+`/a</a>`)
	assert.Contains(t, rendered, `<a href="`+host+`/logo.png">`)
	assert.NotContains(t, rendered, "/missing")
}

func TestNewClampsConcurrency(t *testing.T) {
	s := newSite(t)
	cfg := newConfig(t, s)
	cfg.Crawl.Concurrency = 0
	cfg.Crawl.Retries = -3

	c, err := New(cfg, stripDetector, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.concurrency)
	assert.Zero(t, c.retries)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err = c.Run(context.Background())
	}()

	select {
	case <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("crawl with zero concurrency did not finish")
	}
}
