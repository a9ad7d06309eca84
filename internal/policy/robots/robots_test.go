package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

func robotsServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /private\n\nUser-agent: twostage\nDisallow: /cart")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPolicyAllowed(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, &hits)
	ctx := context.Background()

	generic := New("generic-bot", srv.Client(), nil)
	require.True(t, generic.Allowed(ctx, srv.URL+"/p/1"))
	require.False(t, generic.Allowed(ctx, srv.URL+"/private/x"))
	require.True(t, generic.Allowed(ctx, srv.URL+"/cart"))

	named := New("twostage", srv.Client(), nil)
	require.False(t, named.Allowed(ctx, srv.URL+"/cart"))

	require.EqualValues(t, 2, hits.Load(), "robots.txt is fetched once per policy and host")
	require.False(t, generic.Allowed(ctx, "not a url"))
}

func TestPolicyAllowsWhenRobotsUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New("twostage", nil, nil)
	require.True(t, p.Allowed(context.Background(), url+"/anything"))
}

type okFetcher struct{ calls atomic.Int32 }

func (f *okFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.calls.Add(1)
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
}

func (f *okFetcher) Discover(_ context.Context, url string) (crawler.DiscoveredPage, error) {
	f.calls.Add(1)
	return crawler.DiscoveredPage{URL: url}, nil
}

func TestGuards(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := robotsServer(t, &hits)
	p := New("twostage", srv.Client(), nil)
	next := &okFetcher{}
	ctx := context.Background()

	fetcher := GuardFetcher(p, next)
	_, err := fetcher.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/p/1"})
	require.NoError(t, err)
	_, err = fetcher.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/cart"})
	require.ErrorIs(t, err, ErrDisallowed)
	require.ErrorIs(t, err, crawler.ErrTransport)

	discoverer := GuardDiscoverer(p, next)
	_, err = discoverer.Discover(ctx, srv.URL+"/private/a")
	require.ErrorIs(t, err, ErrDisallowed)
	_, err = discoverer.Discover(ctx, srv.URL+"/")
	require.NoError(t, err)

	require.EqualValues(t, 2, next.calls.Load())
}
