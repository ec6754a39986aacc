package links

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"

	"github.com/beevik/etree"

	"linkscrub/pkg/linkplugin"
)

// htmlLinkAttrs lists the link-bearing attributes per element.
var htmlLinkAttrs = map[string][]string{
	"a":      {"href"},
	"area":   {"href"},
	"link":   {"href"},
	"img":    {"src", "srcset"},
	"script": {"src"},
	"iframe": {"src"},
	"frame":  {"src"},
	"source": {"src", "srcset"},
	"embed":  {"src"},
	"audio":  {"src"},
	"video":  {"src", "poster"},
	"track":  {"src"},
	"form":   {"action"},
	"object": {"data"},
	"body":   {"background"},
}

// xmlTextLinks are elements whose text is a URL (sitemaps, RSS).
var xmlTextLinks = map[string]bool{
	"loc":  true,
	"link": true,
	"url":  true,
}

// xmlLinkAttrs are attributes holding a URL (Atom links, RSS enclosures).
var xmlLinkAttrs = map[string]bool{
	"href": true,
	"url":  true,
	"src":  true,
}

// Links with these schemes are never fetched, so the chain never sees them.
var skippedSchemes = []string{"javascript:", "mailto:", "data:", "tel:", "about:"}

type walker struct {
	ctx      context.Context
	detector Detector
	base     *url.URL
	opts     Options

	result   Result
	modified bool
	seen     map[string]bool
}

func newWalker(ctx context.Context, detector Detector, base *url.URL, opts Options) *walker {
	return &walker{
		ctx:      ctx,
		detector: detector,
		base:     base,
		opts:     opts,
		seen:     make(map[string]bool),
	}
}

// visit hands one raw link to the chain and returns the value to write back.
func (w *walker) visit(raw, tag string) string {
	value := strings.TrimSpace(raw)
	if !followable(value) {
		return raw
	}

	link := &linkplugin.Link{URL: value, Tag: tag}
	proceed := w.detector.LinkDetected(w.ctx, link)

	changed := link.URL != value
	if changed {
		w.result.Rewritten++
		w.modified = true
	}

	if !proceed {
		w.result.Rejected++
	} else {
		w.accept(link.URL)
	}

	if !changed {
		return raw
	}
	return link.URL
}

func (w *walker) accept(link string) {
	abs := link
	if w.base != nil {
		resolved, err := w.base.Parse(link)
		if err != nil {
			return
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		resolved.Fragment = ""
		resolved.RawFragment = ""
		abs = resolved.String()
	}
	if w.seen[abs] {
		return
	}
	w.seen[abs] = true
	w.result.Links = append(w.result.Links, abs)
}

func followable(link string) bool {
	if link == "" || strings.HasPrefix(link, "#") {
		return false
	}
	lower := strings.ToLower(link)
	for _, scheme := range skippedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	return true
}

func (w *walker) visitHTML(node *html.Node) {
	if node.Type == html.ElementNode {
		if attrs, ok := htmlLinkAttrs[node.Data]; ok {
			w.rewriteAttrs(node, attrs)
		}
	}

	for child := node.FirstChild; child != nil; child = child.NextSibling {
		w.visitHTML(child)
	}
}

func (w *walker) rewriteAttrs(node *html.Node, names []string) {
	kept := node.Attr[:0]
	for _, attr := range node.Attr {
		if !slices.Contains(names, attr.Key) || attr.Namespace != "" {
			kept = append(kept, attr)
			continue
		}

		if attr.Key == "srcset" {
			if w.opts.DropSrcset {
				w.modified = true
				continue
			}
			attr.Val = w.rewriteSrcset(node.Data, attr.Val)
		} else {
			attr.Val = w.visit(attr.Val, node.Data+" "+attr.Key)
		}
		kept = append(kept, attr)
	}
	node.Attr = kept
}

// rewriteSrcset visits each "url [descriptor]" candidate of a srcset value.
func (w *walker) rewriteSrcset(element, srcset string) string {
	candidates := strings.Split(srcset, ",")
	changed := false
	for i, candidate := range candidates {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		rewritten := w.visit(fields[0], element+" srcset")
		if rewritten == fields[0] {
			continue
		}
		fields[0] = rewritten
		candidates[i] = strings.Join(fields, " ")
		changed = true
	}
	if !changed {
		return srcset
	}
	for i := range candidates {
		candidates[i] = strings.TrimSpace(candidates[i])
	}
	return strings.Join(candidates, ", ")
}

func findBaseHref(node *html.Node) string {
	if node.Type == html.ElementNode && node.Data == "base" {
		for _, attr := range node.Attr {
			if attr.Key == "href" {
				return strings.TrimSpace(attr.Val)
			}
		}
	}

	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if href := findBaseHref(child); href != "" {
			return href
		}
	}
	return ""
}

// isPermalinkGUID reports whether element is an RSS guid holding a URL.
// RSS treats a guid without isPermaLink as a permalink.
func isPermalinkGUID(element *etree.Element) bool {
	if element.Tag != "guid" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(element.SelectAttrValue("isPermaLink", "true")), "true")
}

func (w *walker) visitXML(element *etree.Element) {
	for i, attr := range element.Attr {
		if xmlLinkAttrs[attr.Key] {
			element.Attr[i].Value = w.visit(attr.Value, element.Tag+" "+attr.Key)
		}
	}

	children := element.ChildElements()
	if len(children) == 0 && (xmlTextLinks[element.Tag] || isPermalinkGUID(element)) {
		if text := element.Text(); strings.TrimSpace(text) != "" {
			if rewritten := w.visit(text, element.Tag); rewritten != text {
				element.SetText(rewritten)
			}
		}
	}

	for _, child := range children {
		w.visitXML(child)
	}
}
