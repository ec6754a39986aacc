package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const indexTitle = "Intranet Archive Index"

type indexEntry struct {
	URL  string
	File string
}

// pageIndex collects the pages a crawl saved.
type pageIndex struct {
	mu      sync.Mutex
	entries []indexEntry
}

func (i *pageIndex) add(link, file string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = append(i.entries, indexEntry{URL: link, File: file})
}

func (i *pageIndex) sorted() []indexEntry {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries := append([]indexEntry(nil), i.entries...)
	sort.Slice(entries, func(a, b int) bool { return entries[a].URL < entries[b].URL })
	return entries
}

// writeIndex writes dir/index.html linking every saved page by its path
// relative to dir.
func writeIndex(dir string, start *url.URL, entries []indexEntry) error {
	list := element(atom.Ul)
	for _, entry := range entries {
		rel, err := filepath.Rel(dir, entry.File)
		if err != nil {
			return fmt.Errorf("failed to locate %s: %w", entry.File, err)
		}
		href := (&url.URL{Path: filepath.ToSlash(rel)}).String()

		item := element(atom.Li)
		item.AppendChild(withText(element(atom.A, html.Attribute{Key: "href", Val: href}), entry.URL))
		list.AppendChild(item)
	}

	head := element(atom.Head)
	head.AppendChild(element(atom.Meta, html.Attribute{Key: "charset", Val: "utf-8"}))
	head.AppendChild(withText(element(atom.Title), indexTitle))

	content := element(atom.Main)
	content.AppendChild(withText(element(atom.H1), indexTitle))
	content.AppendChild(withText(element(atom.H2), start.Host))
	content.AppendChild(list)

	body := element(atom.Body)
	body.AppendChild(content)

	root := element(atom.Html, html.Attribute{Key: "lang", Val: "en"})
	root.AppendChild(head)
	root.AppendChild(body)

	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})
	doc.AppendChild(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return fmt.Errorf("failed to render index: %w", err)
	}
	return writeFile(filepath.Join(dir, "index.html"), buf.Bytes())
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

func withText(node *html.Node, text string) *html.Node {
	node.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return node
}
