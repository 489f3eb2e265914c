package redisbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/huncho416/MythicPrisonCore/internal/economy/cache"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

// dial connects to the redis named by PRISON_TEST_REDIS_ADDR, skipping when unset. Keys and channel are
// unique per test.
func dial(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("PRISON_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRISON_TEST_REDIS_ADDR not set")
	}
	ns := "prisontest:" + uuid.NewString() + ":"
	c, err := Dial(context.Background(), Config{Addr: addr, Channel: ns + "updates", KeyPrefix: ns, TTL: time.Minute}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSharedSetIfNewer(t *testing.T) {
	c := dial(t)
	ctx := context.Background()
	acct := store.Account{Player: "p1", Currency: "money"}

	_, ok, err := c.Get(ctx, acct)
	require.NoError(t, err)
	require.False(t, ok)

	set, err := c.SetIfNewer(ctx, acct, cache.Entry{Balance: 300, Version: 3})
	require.NoError(t, err)
	require.True(t, set)
	set, err = c.SetIfNewer(ctx, acct, cache.Entry{Balance: 100, Version: 1})
	require.NoError(t, err)
	require.False(t, set)
	set, err = c.SetIfNewer(ctx, acct, cache.Entry{Balance: 999, Version: 3})
	require.NoError(t, err)
	require.False(t, set)

	e, ok, err := c.Get(ctx, acct)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(300), e.Balance)
	require.Equal(t, uint64(3), e.Version)
}

func TestPublishSubscribe(t *testing.T) {
	c := dial(t)
	ctx := context.Background()
	got := make(chan cache.Update, 1)
	cancel, err := c.Subscribe(ctx, func(u cache.Update) { got <- u })
	require.NoError(t, err)
	defer cancel()

	want := cache.Update{Account: store.Account{Player: "p1", Currency: "gems"}, Balance: 5, Version: 2, Origin: "node-a"}
	require.NoError(t, c.Publish(ctx, want))
	select {
	case u := <-got:
		require.Equal(t, want, u)
	case <-time.After(5 * time.Second):
		t.Fatal("no update delivered")
	}
}
