package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeAllowed(t *testing.T) {
	scope, err := NewScope("intranet.example.com", []string{
		"+*.png",
		"+*.css",
		"-ad.doubleclick.net/*",
		"-*intranet.example.com/agency-switcher/",
		"-*intranet.example.com/?p=*",
		"-*intranet.example.com/wp/*",
		"+*intranet.example.com/?*agency=hq",
	})
	require.NoError(t, err)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://intranet.example.com/news", true},
		{"https://INTRANET.example.com/news", true},
		{"https://intranet.example.com", true},
		{"https://cdn.example.com/logo.png", true},
		{"https://cdn.example.com/site.css", true},
		{"https://cdn.example.com/page", false},
		{"https://ad.doubleclick.net/banner.png", false},
		{"https://intranet.example.com/agency-switcher/", false},
		{"https://intranet.example.com/?p=12", false},
		{"https://intranet.example.com/wp/admin", false},
		{"https://intranet.example.com/?agency=hq", true},
		{"https://intranet.example.com/?x=1&agency=hq", true},
		{"ftp://intranet.example.com/file", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, scope.Allowed(u))
		})
	}
}

func TestScopeLastMatchWins(t *testing.T) {
	scope, err := NewScope("intranet.example.com", []string{"-*", "+*/keep/*"})
	require.NoError(t, err)

	keep, _ := url.Parse("https://intranet.example.com/keep/me")
	drop, _ := url.Parse("https://intranet.example.com/drop/me")

	assert.True(t, scope.Allowed(keep))
	assert.False(t, scope.Allowed(drop))
}

func TestNewScopeInvalidRule(t *testing.T) {
	for _, raw := range []string{"", "+", "*.png", "~*"} {
		_, err := NewScope("intranet.example.com", []string{raw})
		assert.Error(t, err, "rule %q", raw)
	}
}
