package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store/storetest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "economy.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t) })
}

// Two handles on one file stand in for two nodes sharing a store.
func TestSQLiteSharedFile(t *testing.T) {
	storetest.RunShared(t, func(t *testing.T) (store.Store, store.Store) {
		path := filepath.Join(t.TempDir(), "economy.sqlite")
		var out [2]store.Store
		for i := range out {
			s, err := Open(path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			out[i] = s
		}
		return out[0], out[1]
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "economy.sqlite")
	ctx := context.Background()
	acct := store.Account{Player: "p1", Currency: "money"}

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.CompareAndSet(ctx, acct, 0, 1234, "k")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Get(ctx, acct)
	require.NoError(t, err)
	require.Equal(t, int64(1234), rec.Balance)
	require.Equal(t, uint64(1), rec.Version)

	_, err = s.CompareAndSet(ctx, acct, 1, 0, "k")
	require.ErrorIs(t, err, store.ErrDuplicate)
}

func TestSQLiteClosedIsUnavailable(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), store.Account{Player: "p", Currency: "money"})
	require.ErrorIs(t, err, store.ErrUnavailable)
}
