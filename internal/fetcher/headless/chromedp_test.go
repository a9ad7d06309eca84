package headless

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.ErrorIs(t, err, crawler.ErrConfig)

	fetcher, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.Equal(t, 2, cap(fetcher.slots))
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.Settle)
	require.Equal(t, 45*time.Second, fetcher.cfg.NavigationTimeout)

	unbounded, err := NewChromedp(Config{NavigationTimeout: time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(unbounded.Close)
	require.Nil(t, unbounded.slots)
	require.Equal(t, time.Second, unbounded.cfg.NavigationTimeout)
}

func TestTakeSlotBlocksAtCapacity(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{slots: make(chan struct{}, 1)}
	release, err := fetcher.takeSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = fetcher.takeSlot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release, err = fetcher.takeSlot(context.Background())
	require.NoError(t, err)
	release()

	free := &Fetcher{}
	release, err = free.takeSlot(context.Background())
	require.NoError(t, err)
	release()
}
