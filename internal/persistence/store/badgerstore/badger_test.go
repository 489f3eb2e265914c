package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store/storetest"
)

func TestBadgerContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(Options{Dir: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerInMemory(t *testing.T) {
	s, err := Open(Options{Retention: time.Hour})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	acct := store.Account{Player: "p1", Currency: "souls"}
	rec, err := s.CompareAndSet(ctx, acct, 0, 42, "k")
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Version)

	applied, err := s.Applied(ctx, "k")
	require.NoError(t, err)
	require.True(t, applied)
}
