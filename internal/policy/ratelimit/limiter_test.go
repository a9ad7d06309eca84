package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiterWait(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()
	url := "https://example.com/foo"

	require.NoError(t, l.Wait(ctx, url))

	// 10 RPS with burst 1 releases the next token after about 100ms.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, url))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://a.example.com/x"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/x"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 2, l.Domains())
}

func TestLimiterRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example.com/"))
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for range 50 {
		require.NoError(t, l.Wait(context.Background(), "https://example.com/"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestFromDelay(t *testing.T) {
	t.Parallel()

	require.Equal(t, Config{}, FromDelay(0))
	require.Equal(t, Config{DefaultRPS: 2, DefaultBurst: 1}, FromDelay(500*time.Millisecond))
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "shop.example.com", Domain("https://Shop.Example.com:8443/p/1"))
	require.Equal(t, "unknown", Domain("::bad"))
}

func TestDomainDelayOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
		DomainDelays: map[string]time.Duration{
			"cdn.example.com":  0,
			"Slow.example.org": 2 * time.Second,
			" ":                time.Second,
		},
	})
	require.Equal(t, rate.Inf, l.limitFor("cdn.example.com"))
	require.Equal(t, rate.Inf, l.limitFor("img.cdn.example.com"))
	require.Equal(t, rate.Limit(0.5), l.limitFor("slow.example.org"))
	require.Equal(t, rate.Limit(0.5), l.limitFor("a.b.slow.example.org"))
	require.Equal(t, rate.Limit(1), l.limitFor("example.com"))
	require.Equal(t, rate.Limit(1), l.limitFor("unknown"))

	start := time.Now()
	for range 20 {
		require.NoError(t, l.Wait(context.Background(), "https://img.cdn.example.com/a.png"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
