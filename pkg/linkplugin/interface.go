package linkplugin

import (
	"context"
	"log/slog"
	"net/url"
)

// Link is a single URL found by a host while walking a document.
// Handlers may rewrite URL in place; Tag is informational only.
type Link struct {
	// URL is the raw link value as it appeared in the document.
	URL string

	// Tag names where the link was found, e.g. "a href", "img srcset" or "loc".
	Tag string
}

// LinkDetectedFunc is called once per discovered link, before the host
// fetches or stores it. Returning false tells the host to skip the link.
type LinkDetectedFunc func(ctx context.Context, link *Link) bool

// Host is the extension point a plugin registers against.
type Host interface {
	// ChainLinkDetected appends fn to the host's link-discovered chain.
	ChainLinkDetected(name string, fn LinkDetectedFunc)

	// Logger returns the host's diagnostic logger.
	Logger() *slog.Logger
}

// Plugin defines the interface that all linkscrub plugins must implement.
// Plugins are plugged once per load and unplugged before the host drops them;
// the host owns the chain and removes a plugin's callbacks on unplug.
type Plugin interface {
	Plug(host Host, args string) error
	Unplug(host Host) error
}

type crawlKey struct{}

// Crawl is the per-crawl state handed to link callbacks through the context.
type Crawl struct {
	ID   string
	Page *url.URL
}

// WithCrawl returns a copy of ctx carrying crawl.
func WithCrawl(ctx context.Context, crawl Crawl) context.Context {
	return context.WithValue(ctx, crawlKey{}, crawl)
}

// CrawlFrom returns the crawl stored in ctx, if any.
func CrawlFrom(ctx context.Context) (Crawl, bool) {
	crawl, ok := ctx.Value(crawlKey{}).(Crawl)
	return crawl, ok
}
