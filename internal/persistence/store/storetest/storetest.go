// Package storetest is the behaviour suite every store.Store implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

// Run exercises open against the full contract. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("MissingAccountReadsZero", func(t *testing.T) {
		s := open(t)
		acct := store.Account{Player: "p1", Currency: "money"}
		rec, err := s.Get(context.Background(), acct)
		require.NoError(t, err)
		require.Equal(t, acct, rec.Account)
		require.Zero(t, rec.Balance)
		require.Zero(t, rec.Version)
	})

	t.Run("CompareAndSetBumpsVersion", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		acct := store.Account{Player: "p1", Currency: "money"}

		rec, err := s.CompareAndSet(ctx, acct, 0, 500, "k1")
		require.NoError(t, err)
		require.Equal(t, uint64(1), rec.Version)
		require.Equal(t, int64(500), rec.Balance)

		rec, err = s.CompareAndSet(ctx, acct, 1, 300, "k2")
		require.NoError(t, err)
		require.Equal(t, uint64(2), rec.Version)

		got, err := s.Get(ctx, acct)
		require.NoError(t, err)
		require.Equal(t, int64(300), got.Balance)
		require.Equal(t, uint64(2), got.Version)
		require.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		acct := store.Account{Player: "p1", Currency: "money"}
		_, err := s.CompareAndSet(ctx, acct, 0, 10, "")
		require.NoError(t, err)

		_, err = s.CompareAndSet(ctx, acct, 0, 20, "late")
		require.ErrorIs(t, err, store.ErrVersionConflict)

		applied, err := s.Applied(ctx, "late")
		require.NoError(t, err)
		require.False(t, applied, "a conflicting write must not record its key")
	})

	t.Run("DuplicateKeyRejected", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		acct := store.Account{Player: "p1", Currency: "money"}
		_, err := s.CompareAndSet(ctx, acct, 0, 10, "once")
		require.NoError(t, err)

		_, err = s.CompareAndSet(ctx, acct, 1, 20, "once")
		require.ErrorIs(t, err, store.ErrDuplicate)

		applied, err := s.Applied(ctx, "once")
		require.NoError(t, err)
		require.True(t, applied)

		rec, err := s.Get(ctx, acct)
		require.NoError(t, err)
		require.Equal(t, int64(10), rec.Balance)
	})

	t.Run("NegativeBalanceRejected", func(t *testing.T) {
		s := open(t)
		_, err := s.CompareAndSet(context.Background(), store.Account{Player: "p1", Currency: "money"}, 0, -1, "")
		require.ErrorIs(t, err, store.ErrNegativeBalance)
	})

	t.Run("AccountsAreIndependent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		money := store.Account{Player: "p1", Currency: "money"}
		tokens := store.Account{Player: "p1", Currency: "tokens"}
		_, err := s.CompareAndSet(ctx, money, 0, 7, "")
		require.NoError(t, err)
		_, err = s.CompareAndSet(ctx, tokens, 0, 9, "")
		require.NoError(t, err)

		rec, err := s.Get(ctx, tokens)
		require.NoError(t, err)
		require.Equal(t, int64(9), rec.Balance)
		require.Equal(t, uint64(1), rec.Version)
	})

	t.Run("PruneApplied", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		acct := store.Account{Player: "p1", Currency: "money"}
		_, err := s.CompareAndSet(ctx, acct, 0, 1, "old")
		require.NoError(t, err)

		n, err := s.PruneApplied(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = s.PruneApplied(ctx, time.Now().Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		applied, err := s.Applied(ctx, "old")
		require.NoError(t, err)
		require.False(t, applied)
	})

	// Racing writers that each read-modify-write must never lose an increment.
	t.Run("ConcurrentIncrements", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		acct := store.Account{Player: "p1", Currency: "money"}
		const writers, each = 4, 25

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < each; i++ {
					key := fmt.Sprintf("w%d-%d", w, i)
					for {
						cur, err := s.Get(ctx, acct)
						if err != nil {
							errs <- err
							return
						}
						_, err = s.CompareAndSet(ctx, acct, cur.Version, cur.Balance+1, key)
						if err == nil {
							break
						}
						if !errors.Is(err, store.ErrVersionConflict) {
							errs <- err
							return
						}
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		rec, err := s.Get(ctx, acct)
		require.NoError(t, err)
		require.Equal(t, int64(writers*each), rec.Balance)
		require.Equal(t, uint64(writers*each), rec.Version)
	})
}

// RunShared exercises two handles over the same data, as two nodes sharing one store see it.
func RunShared(t *testing.T, open func(t *testing.T) (a, b store.Store)) {
	// Both handles create the same account at version 0: one wins, the other sees a conflict it can retry.
	t.Run("FirstWriteRace", func(t *testing.T) {
		a, b := open(t)
		ctx := context.Background()
		for i := 0; i < 16; i++ {
			acct := store.Account{Player: fmt.Sprintf("p%d", i), Currency: "money"}
			var wg sync.WaitGroup
			errs := make([]error, 2)
			for n, s := range []store.Store{a, b} {
				wg.Add(1)
				go func(n int, s store.Store) {
					defer wg.Done()
					_, errs[n] = s.CompareAndSet(ctx, acct, 0, int64(100+n), fmt.Sprintf("%s-%d", acct.Player, n))
				}(n, s)
			}
			wg.Wait()

			won := 0
			for _, err := range errs {
				if err == nil {
					won++
					continue
				}
				require.ErrorIs(t, err, store.ErrVersionConflict)
			}
			require.Equal(t, 1, won, "account %s", acct.Player)

			rec, err := b.Get(ctx, acct)
			require.NoError(t, err)
			require.Equal(t, uint64(1), rec.Version)
		}
	})

	t.Run("KeyVisibleToOtherHandle", func(t *testing.T) {
		a, b := open(t)
		ctx := context.Background()
		acct := store.Account{Player: "p1", Currency: "money"}
		_, err := a.CompareAndSet(ctx, acct, 0, 10, "k")
		require.NoError(t, err)
		_, err = b.CompareAndSet(ctx, acct, 1, 20, "k")
		require.ErrorIs(t, err, store.ErrDuplicate)
	})
}
