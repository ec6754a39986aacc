package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"linkscrub/internal/cache"
	"linkscrub/internal/config"
	"linkscrub/internal/links"
	"linkscrub/internal/plugins"
)

const (
	versionHeader = "X-Linkscrub-Version"
	cacheHeader   = "X-Linkscrub-Cache"
)

// Proxy serves a backend with every link in its HTML and XML responses passed
// through the plugin chain.
type Proxy struct {
	mu           sync.RWMutex
	config       *config.Config
	reverseProxy *httputil.ReverseProxy
	cache        *cache.Cache
	plugins      *plugins.Manager
	version      string
}

func New(cfg *config.Config, pluginManager *plugins.Manager, version string) (*Proxy, error) {
	target, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	var cacheClient *cache.Cache
	if cfg.Redis.Enabled() {
		cacheClient, err = cache.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache client: %w", err)
		}
	}

	p := &Proxy{
		config:  cfg,
		cache:   cacheClient,
		plugins: pluginManager,
		version: version,
	}
	p.reverseProxy = p.newReverseProxy(target)

	return p, nil
}

func (p *Proxy) newReverseProxy(target *url.URL) *httputil.ReverseProxy {
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ModifyResponse = p.modifyResponse
	return rp
}

// UpdateConfig swaps in a reloaded configuration. Plugins are reloaded by the
// caller through the shared manager.
func (p *Proxy) UpdateConfig(cfg *config.Config) error {
	target, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.Redis != cfg.Redis {
		var newCache *cache.Cache
		if cfg.Redis.Enabled() {
			newCache, err = cache.New(cfg.Redis)
			if err != nil {
				return fmt.Errorf("failed to create new cache client: %w", err)
			}
		}
		if p.cache != nil {
			if err := p.cache.Close(); err != nil {
				slog.Error("Failed to close previous cache client", "error", err)
			}
		}
		p.cache = newCache
	}

	p.config = cfg
	p.reverseProxy = p.newReverseProxy(target)

	return nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if r.Method == http.MethodGet && p.cache != nil && !p.hasDenylistedCookies(r) {
		if cached := p.cache.Get(r); cached != nil {
			slog.Info("Serving cached response", "url", r.URL.Path)
			p.serveCachedResponse(w, cached)
			return
		}
	}

	p.reverseProxy.ServeHTTP(w, r)
}

// modifyResponse runs under the read lock taken in ServeHTTP.
func (p *Proxy) modifyResponse(resp *http.Response) error {
	resp.Header.Set(versionHeader, p.version)

	mimeType := links.ExtractMimeType(resp.Header.Get("Content-Type"))
	if !p.config.IsHTMLXMLMimeType(mimeType) || resp.StatusCode != http.StatusOK {
		return nil
	}
	// Compressed bodies are passed through untouched.
	if encoding := resp.Header.Get("Content-Encoding"); encoding != "" && encoding != "identity" {
		return nil
	}

	resp.Header.Set(cacheHeader, "MISS")

	body, err := p.processResponse(resp, mimeType)
	if err != nil {
		slog.Error("Failed to process response", "error", err)
		return err
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))

	if resp.Request.Method == http.MethodGet && p.shouldCache(resp) {
		entry := &cache.Entry{
			Body:       body,
			Headers:    resp.Header.Clone(),
			StatusCode: resp.StatusCode,
			Timestamp:  time.Now(),
		}
		if err := p.cache.Set(resp.Request, entry); err != nil {
			slog.Error("Failed to cache response", "error", err)
		}
	}

	return nil
}

func (p *Proxy) processResponse(resp *http.Response, mimeType string) ([]byte, error) {
	maxSize := p.config.MaxResponseSize()

	// Use LimitReader to prevent reading more than maxSize
	limitedReader := io.LimitReader(resp.Body, maxSize+1) // +1 to detect if limit exceeded
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(body)) > maxSize {
		slog.Info("Response too large, skipping processing", "size", len(body), "max", maxSize)
		rest, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if err := resp.Body.Close(); err != nil {
			slog.Error("Failed to close response body", "error", err)
		}
		return append(body, rest...), nil
	}

	if err := resp.Body.Close(); err != nil {
		slog.Error("Failed to close response body", "error", err)
	}

	req := resp.Request
	processed, result, err := links.Process(req.Context(), p.plugins, req.URL, mimeType, body, links.Options{
		DropSrcset: p.config.DropSrcset,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("Processed response", "url", req.URL.Path, "links", len(result.Links),
		"rewritten", result.Rewritten, "rejected", result.Rejected)
	return processed, nil
}

func (p *Proxy) shouldCache(resp *http.Response) bool {
	if p.cache == nil {
		return false
	}

	if p.hasDenylistedCookies(resp.Request) {
		return false
	}

	return p.cache.IsCacheable(resp)
}

func (p *Proxy) hasDenylistedCookies(req *http.Request) bool {
	for _, denyName := range p.config.CookieDenylist {
		if _, err := req.Cookie(denyName); err == nil {
			return true
		}
	}
	return false
}

func (p *Proxy) serveCachedResponse(w http.ResponseWriter, entry *cache.Entry) {
	for key, values := range entry.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.Header().Set(versionHeader, p.version)
	w.Header().Set(cacheHeader, "HIT")

	w.WriteHeader(entry.StatusCode)
	if _, err := w.Write(entry.Body); err != nil {
		slog.Error("Failed to write cached response body", "error", err)
	}
}
