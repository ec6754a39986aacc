// Package amzstrip removes AWS X-Amz-Algorithm authorisation parameters from
// discovered links.
//
// X-Amz parameters authorise a request to an AWS resource. A crawler that is
// already authorised does not need them, and leaving them in place makes every
// signed link look like a new URL. The stripper also understands the
// HTML-entity-mangled forms "amp;X-Amz-Algorithm=" and "#038;X-Amz-Algorithm="
// that show up when a page escapes its links twice.
package amzstrip

import (
	"bytes"
	"strings"
)

// DefaultParam is the query parameter removed by Strip and StripBytes.
const DefaultParam = "X-Amz-Algorithm"

// entityPrefixes are the leftovers of "&amp;" and "&#038;" once the host has
// split the query string on the bare '&'.
var entityPrefixes = []string{"", "amp;", "#038;"}

var defaultStripper = New()

// Stripper removes a fixed set of query parameters from URLs.
// A Stripper holds no mutable state and is safe for concurrent use.
type Stripper struct {
	params   []string
	prefixes [][]byte
}

// New returns a Stripper targeting DefaultParam plus any extra parameter names.
// Blank and duplicate names are ignored.
func New(extra ...string) *Stripper {
	s := &Stripper{}
	for _, name := range append([]string{DefaultParam}, extra...) {
		name = strings.TrimSpace(name)
		if name == "" || s.targets(name) {
			continue
		}
		s.params = append(s.params, name)
		for _, entity := range entityPrefixes {
			s.prefixes = append(s.prefixes, []byte(entity+name+"="))
		}
	}
	return s
}

// Params returns the parameter names this Stripper removes.
func (s *Stripper) Params() []string {
	return append([]string(nil), s.params...)
}

func (s *Stripper) targets(name string) bool {
	for _, p := range s.params {
		if p == name {
			return true
		}
	}
	return false
}

// Strip returns u without any targeted parameter and without trailing '&' or
// '?' left behind by the removal.
func (s *Stripper) Strip(u string) string {
	if strings.IndexByte(u, '?') < 0 {
		return u
	}
	return string(s.StripBytes([]byte(u)))
}

// StripBytes rewrites buf in place and returns the shortened slice. It never
// writes past len(buf) and never allocates.
func (s *Stripper) StripBytes(buf []byte) []byte {
	q := bytes.IndexByte(buf, '?')
	if q < 0 {
		return buf
	}

	start := q + 1
	for start < len(buf) {
		if s.matchAt(buf[start:]) {
			amp := bytes.IndexByte(buf[start:], '&')
			if amp < 0 {
				buf = buf[:start]
				break
			}
			// Slide the rest of the string over the parameter and test the
			// same position again.
			n := copy(buf[start:], buf[start+amp+1:])
			buf = buf[:start+n]
			continue
		}

		amp := bytes.IndexByte(buf[start:], '&')
		if amp < 0 {
			break
		}
		start += amp + 1
	}

	for len(buf) > 0 && (buf[len(buf)-1] == '&' || buf[len(buf)-1] == '?') {
		buf = buf[:len(buf)-1]
	}
	return buf
}

func (s *Stripper) matchAt(param []byte) bool {
	for _, prefix := range s.prefixes {
		if bytes.HasPrefix(param, prefix) {
			return true
		}
	}
	return false
}

// Strip removes X-Amz-Algorithm and its entity-escaped variants from u.
func Strip(u string) string {
	return defaultStripper.Strip(u)
}

// StripBytes is the in-place form of Strip.
func StripBytes(buf []byte) []byte {
	return defaultStripper.StripBytes(buf)
}
