package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainBlocklist(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		bl := NewDomainBlocklist([]string{" Ads.Example.org "})
		require.NotNil(t, bl)
		require.True(t, bl.IsBlocked("ads.example.org"))
		require.False(t, bl.IsBlocked("sub.ads.example.org"))
		require.False(t, bl.IsBlocked("example.org"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		bl := NewDomainBlocklist([]string{"*.tracker.net", ".cdn.io"})
		cases := map[string]bool{
			"tracker.net":      true,
			"a.b.tracker.net":  true,
			"img.cdn.io":       true,
			"nottracker.net":   false,
			"shop.example.com": false,
			"":                 false,
		}
		for host, want := range cases {
			require.Equal(t, want, bl.IsBlocked(host), host)
		}
	})

	t.Run("urls", func(t *testing.T) {
		t.Parallel()
		bl := NewDomainBlocklist([]string{"*.tracker.net"})
		require.True(t, bl.BlocksURL("https://px.tracker.net:8443/p?id=1"))
		require.False(t, bl.BlocksURL("https://shop.example.com/p/1"))
		require.False(t, bl.BlocksURL("://bad"))
	})

	t.Run("empty and nil", func(t *testing.T) {
		t.Parallel()
		require.Nil(t, NewDomainBlocklist([]string{"", "  ", "*.", "."}))
		var bl *DomainBlocklist
		require.False(t, bl.IsBlocked("anything"))
		require.False(t, bl.BlocksURL("https://anything/"))
	})
}
