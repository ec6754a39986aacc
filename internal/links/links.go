// This file contains the document pipeline: parse a body, hand every link in
// it to the plugin chain, and render the result back to bytes.
package links

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/beevik/etree"

	"linkscrub/pkg/linkplugin"
)

// Detector is the link-discovered chain a document walk reports to.
type Detector interface {
	LinkDetected(ctx context.Context, link *linkplugin.Link) bool
}

type Options struct {
	// DropSrcset removes srcset attributes instead of rewriting them.
	DropSrcset bool
}

// Result summarises one document walk.
type Result struct {
	// Links holds the accepted links, resolved against the document URL,
	// without fragments and without duplicates, in document order.
	Links     []string
	Rewritten int
	Rejected  int
}

// ParserFunc defines a function that parses body bytes into a document
type ParserFunc func(body []byte) (interface{}, error)

// WalkerFunc defines a function that visits every link in a document
type WalkerFunc func(w *walker, document interface{}) error

// RendererFunc defines a function that renders a document back to bytes
type RendererFunc func(document interface{}) ([]byte, error)

type format struct {
	parse  ParserFunc
	walk   WalkerFunc
	render RendererFunc
}

var (
	htmlFormat = format{parse: parseHTML, walk: walkHTML, render: renderHTML}
	xmlFormat  = format{parse: parseXML, walk: walkXML, render: renderXML}
)

func formatFor(mimeType string) (format, bool) {
	switch mimeType {
	case "text/html", "application/xhtml+xml":
		return htmlFormat, true
	case "text/xml", "application/xml", "application/rss+xml", "application/atom+xml":
		return xmlFormat, true
	}
	return format{}, false
}

// Supported reports whether Process understands mimeType.
func Supported(mimeType string) bool {
	_, ok := formatFor(mimeType)
	return ok
}

// Process runs every link in body through detector and returns the rewritten
// body. Bodies of unsupported types, and documents in which nothing changed,
// are returned as they came in.
func Process(ctx context.Context, detector Detector, base *url.URL, mimeType string, body []byte, opts Options) ([]byte, Result, error) {
	f, ok := formatFor(mimeType)
	if !ok {
		return body, Result{}, nil
	}

	document, err := f.parse(body)
	if err != nil {
		return nil, Result{}, err
	}

	w := newWalker(ctx, detector, base, opts)
	if err := f.walk(w, document); err != nil {
		return nil, Result{}, err
	}

	if !w.modified {
		return body, w.result, nil
	}

	output, err := f.render(document)
	if err != nil {
		return nil, Result{}, err
	}
	return output, w.result, nil
}

// ExtractMimeType returns the media type of a Content-Type header value.
func ExtractMimeType(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// HTML processing functions
func parseHTML(body []byte) (interface{}, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

func walkHTML(w *walker, document interface{}) error {
	node, ok := document.(*html.Node)
	if !ok {
		return fmt.Errorf("invalid document type for HTML processing")
	}
	if href := findBaseHref(node); href != "" && w.base != nil {
		if resolved, err := w.base.Parse(href); err == nil {
			w.base = resolved
		}
	}
	w.visitHTML(node)
	return nil
}

func renderHTML(document interface{}) ([]byte, error) {
	node, ok := document.(*html.Node)
	if !ok {
		return nil, fmt.Errorf("invalid document type for HTML rendering")
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, node); err != nil {
		return nil, fmt.Errorf("failed to render HTML: %w", err)
	}
	return buf.Bytes(), nil
}

// XML processing functions
func parseXML(body []byte) (interface{}, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	return doc, nil
}

func walkXML(w *walker, document interface{}) error {
	doc, ok := document.(*etree.Document)
	if !ok {
		return fmt.Errorf("invalid document type for XML processing")
	}
	if root := doc.Root(); root != nil {
		w.visitXML(root)
	}
	return nil
}

func renderXML(document interface{}) ([]byte, error) {
	doc, ok := document.(*etree.Document)
	if !ok {
		return nil, fmt.Errorf("invalid document type for XML rendering")
	}

	output, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize XML: %w", err)
	}
	return output, nil
}
