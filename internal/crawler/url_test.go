package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTP://Example.COM:80/a?b=2&a=1#frag": "http://example.com/a?a=1&b=2",
		"https://example.com:443":              "https://example.com/",
		"https://example.com:8443/x":           "https://example.com:8443/x",
		"  https://example.com/path/  ":        "https://example.com/path/",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestNormalizeURLRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"mailto:a@example.com", "/relative/path", "ftp://example.com/f", "https://"} {
		_, err := NormalizeURL(in)
		require.Error(t, err, in)
	}
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	got, err := ResolveLink("https://example.com/shop/index.html", "../item?id=3#top")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/item?id=3", got)

	_, err = ResolveLink("https://example.com/", "javascript:void(0)")
	require.Error(t, err)
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	require.True(t, SameHost("https://Example.com/a", "http://example.com:8080/b"))
	require.False(t, SameHost("https://example.com/", "https://cdn.example.com/"))
	require.False(t, SameHost("not a url", "https://example.com/"))
}
