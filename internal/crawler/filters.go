package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// rule is one "+pattern" or "-pattern" filter. Patterns are wildcards where
// '*' matches any run of characters, matched against host/path?query.
type rule struct {
	include bool
	pattern string
	re      *regexp.Regexp
}

// Scope decides which discovered URLs the crawler fetches. URLs on the start
// host are in scope unless a rule says otherwise; the last matching rule wins.
type Scope struct {
	host  string
	rules []rule
}

func NewScope(startHost string, rules []string) (*Scope, error) {
	s := &Scope{host: strings.ToLower(startHost)}
	for i, raw := range rules {
		r, err := parseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		s.rules = append(s.rules, r)
	}
	return s, nil
}

func parseRule(raw string) (rule, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || (raw[0] != '+' && raw[0] != '-') {
		return rule{}, fmt.Errorf("invalid rule '%s': must start with '+' or '-'", raw)
	}

	pattern := raw[1:]
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return rule{}, fmt.Errorf("invalid rule '%s': %w", raw, err)
	}

	return rule{include: raw[0] == '+', pattern: pattern, re: re}, nil
}

// Allowed reports whether u should be fetched.
func (s *Scope) Allowed(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	allowed := strings.EqualFold(u.Host, s.host)
	target := matchTarget(u)
	for _, r := range s.rules {
		if r.re.MatchString(target) {
			allowed = r.include
		}
	}
	return allowed
}

func matchTarget(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	target := strings.ToLower(u.Host) + path
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}
