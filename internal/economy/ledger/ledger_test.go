package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/huncho416/MythicPrisonCore/internal/coord"
	"github.com/huncho416/MythicPrisonCore/internal/economy/cache"
	plog "github.com/huncho416/MythicPrisonCore/internal/persistence/log"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

var p1 = Account{Player: "p1", Currency: "money"}

func newNode(t *testing.T, node string, st store.Store, bus cache.Bus, j *plog.Journal) *Ledger {
	t.Helper()
	local, err := cache.NewLocal(cache.LocalConfig{StaleFor: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	layer := cache.New(cache.Config{NodeID: node, FreshFor: time.Minute}, st, local, nil, bus, nil, nil)
	require.NoError(t, layer.Start(context.Background()))
	t.Cleanup(layer.Stop)
	return New(Config{NodeID: node, MaxConflictRetries: 64}, layer, st, j, nil, nil)
}

func seed(t *testing.T, l *Ledger, acct Account, amount int64) {
	t.Helper()
	_, err := l.Apply(context.Background(), Transaction{Account: acct, Delta: amount, Source: SourceAdmin, IdempotencyKey: "seed-" + acct.Key()})
	require.NoError(t, err)
}

// Balance 500, purchase of 1000 fails and leaves 500 in place.
func TestInsufficientFunds(t *testing.T) {
	l := newNode(t, "n1", store.NewMemory(), nil, nil)
	ctx := context.Background()
	seed(t, l, p1, 500)

	_, err := l.Apply(ctx, Transaction{Account: p1, Delta: -1000, Source: SourcePurchase, IdempotencyKey: "buy-1"})
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(500), insufficient.Balance)

	bal, err := l.GetBalance(ctx, p1)
	require.NoError(t, err)
	require.Equal(t, int64(500), bal)

	// the failed key was not consumed
	_, err = l.Apply(ctx, Transaction{Account: p1, Delta: 600, Source: SourceAdmin, IdempotencyKey: "topup"})
	require.NoError(t, err)
	res, err := l.Apply(ctx, Transaction{Account: p1, Delta: -1000, Source: SourcePurchase, IdempotencyKey: "buy-1"})
	require.NoError(t, err)
	require.Equal(t, int64(100), res.Balance)
}

// The same reward key delivered twice credits once.
func TestDuplicateKeyAppliesOnce(t *testing.T) {
	l := newNode(t, "n1", store.NewMemory(), nil, nil)
	ctx := context.Background()
	tx := Transaction{Account: p1, Delta: 100, Source: SourceMining, IdempotencyKey: "K"}

	first, err := l.Apply(ctx, tx)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := l.Apply(ctx, tx)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Balance, second.Balance)
	require.Equal(t, first.Version, second.Version)

	bal, err := l.GetBalance(ctx, p1)
	require.NoError(t, err)
	require.Equal(t, int64(100), bal)
}

func TestInvalidTransactions(t *testing.T) {
	l := newNode(t, "n1", store.NewMemory(), nil, nil)
	ctx := context.Background()
	cases := []Transaction{
		{Account: Account{Currency: "money"}, Delta: 1, IdempotencyKey: "k"},
		{Account: p1, Delta: 1},
		{Account: Account{Player: "p1", Currency: "dogecoin"}, Delta: 1, IdempotencyKey: "k"},
		{Account: p1, Delta: 0, IdempotencyKey: "k"},
	}
	for i, tx := range cases {
		_, err := l.Apply(ctx, tx)
		require.ErrorIs(t, err, ErrInvalidTransaction, "case %d", i)
	}

	res, err := l.Apply(ctx, Transaction{Account: Account{Player: "p1"}, Delta: 5, IdempotencyKey: "default-currency"})
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Balance)
	bal, err := l.GetBalance(ctx, Account{Player: "p1", Currency: "MONEY"})
	require.NoError(t, err)
	require.Equal(t, int64(5), bal)
}

// Random deltas with duplicated keys, applied concurrently from two nodes, end at the sum of the distinct
// deltas that were accepted, and never go negative along the way.
func TestBalanceIsSumOfDistinctDeltas(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bus := cache.NewMemoryBus()
	nodes := []*Ledger{newNode(t, "a", st, bus, nil), newNode(t, "b", st, bus, nil)}

	rng := rand.New(rand.NewSource(7))
	type item struct {
		key   string
		delta int64
	}
	var items []item
	for i := 0; i < 200; i++ {
		d := rng.Int63n(200) - 60
		if d == 0 {
			d = 1
		}
		items = append(items, item{key: fmt.Sprintf("k%d", i), delta: d})
	}

	var mu sync.Mutex
	accepted := map[string]int64{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			l := nodes[w%2]
			for i := w; i < len(items)*2; i += 8 {
				it := items[i%len(items)]
				res, err := l.Apply(ctx, Transaction{Account: p1, Delta: it.delta, Source: SourceAdmin, IdempotencyKey: it.key})
				var insufficient *InsufficientFundsError
				if errors.As(err, &insufficient) {
					continue
				}
				if err != nil {
					t.Errorf("apply %s: %v", it.key, err)
					return
				}
				if res.Balance < 0 {
					t.Errorf("negative balance %d", res.Balance)
				}
				if !res.Duplicate {
					mu.Lock()
					_, dup := accepted[it.key]
					accepted[it.key] = it.delta
					mu.Unlock()
					if dup {
						t.Errorf("key %s applied twice", it.key)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	var sum int64
	for _, d := range accepted {
		sum += d
	}
	rec, err := st.Get(ctx, p1)
	require.NoError(t, err)
	require.Equal(t, sum, rec.Balance)
	require.Equal(t, uint64(len(accepted)), rec.Version)

	for _, l := range nodes {
		_, err := l.cache.Refresh(ctx, p1)
		require.NoError(t, err)
		bal, err := l.GetBalance(ctx, p1)
		require.NoError(t, err)
		require.Equal(t, sum, bal)
	}
}

// Two nodes each add 50 to the same balance at the same moment: both land.
func TestConcurrentNodesBothLand(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bus := cache.NewMemoryBus()
	a := newNode(t, "a", st, bus, nil)
	b := newNode(t, "b", st, bus, nil)
	seed(t, a, p1, 100)
	_, err := b.GetBalance(ctx, p1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, l := range []*Ledger{a, b} {
		wg.Add(1)
		go func(i int, l *Ledger) {
			defer wg.Done()
			if _, err := l.Apply(ctx, Transaction{Account: p1, Delta: 50, Source: SourceAdmin, IdempotencyKey: fmt.Sprintf("add-%d", i)}); err != nil {
				t.Errorf("node %d: %v", i, err)
			}
		}(i, l)
	}
	wg.Wait()

	rec, err := st.Get(ctx, p1)
	require.NoError(t, err)
	require.Equal(t, int64(200), rec.Balance)
	require.Equal(t, uint64(3), rec.Version)
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	l := newNode(t, "n1", store.NewMemory(), nil, nil)
	p2 := Account{Player: "p2", Currency: "money"}
	seed(t, l, p1, 1000)

	res, err := l.Transfer(ctx, p1, p2, 400, "pay-1")
	require.NoError(t, err)
	require.Equal(t, int64(600), res.From.Balance)
	require.Equal(t, int64(400), res.To.Balance)

	again, err := l.Transfer(ctx, p1, p2, 400, "pay-1")
	require.NoError(t, err)
	require.True(t, again.From.Duplicate)
	require.True(t, again.To.Duplicate)

	_, err = l.Transfer(ctx, p1, p2, 5000, "pay-2")
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)

	_, err = l.Transfer(ctx, p1, p1, 1, "self")
	require.ErrorIs(t, err, ErrInvalidTransaction)
	_, err = l.Transfer(ctx, p1, Account{Player: "p2", Currency: "tokens"}, 1, "mixed")
	require.ErrorIs(t, err, ErrInvalidTransaction)

	b1, _ := l.GetBalance(ctx, p1)
	b2, _ := l.GetBalance(ctx, p2)
	require.Equal(t, int64(1000), b1+b2)
}

// A credit that fails after the debit landed is reported unresolved and finishes on resubmission.
func TestTransferUnresolvedThenResubmitted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := newNode(t, "n1", st, nil, nil)
	p2 := Account{Player: "p2", Currency: "money"}
	seed(t, l, p1, 100)

	failing := &failCredit{Store: st, player: "p2"}
	l.store = failing
	l.cache = cache.New(cache.Config{NodeID: "n1"}, failing, mustLocal(t), nil, nil, nil, nil)

	_, err := l.Transfer(ctx, p1, p2, 30, "pay")
	var unresolved *UnresolvedTransferError
	require.ErrorAs(t, err, &unresolved)
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.True(t, coord.IsTransient(err))

	failing.off = true
	res, err := l.Transfer(ctx, p1, p2, 30, "pay")
	require.NoError(t, err)
	require.True(t, res.From.Duplicate)
	require.Equal(t, int64(70), res.From.Balance)
	require.Equal(t, int64(30), res.To.Balance)
}

func TestJournalRecordsApplied(t *testing.T) {
	dir := t.TempDir()
	j := plog.Open(dir, 0, nil)
	l := newNode(t, "n1", store.NewMemory(), nil, j)
	seed(t, l, p1, 10)
	_, err := l.Apply(context.Background(), Transaction{Account: p1, Delta: -3, Source: SourcePurchase, IdempotencyKey: "x"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	files, err := plog.Files(filepath.Join(dir, "transactions"), "tx")
	require.NoError(t, err)
	require.Len(t, files, 1)
	var entries []plog.TxEntry
	require.NoError(t, plog.ReadJSONL(files[0], func(line json.RawMessage) error {
		var e plog.TxEntry
		require.NoError(t, json.Unmarshal(line, &e))
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 2)
	require.Equal(t, int64(7), entries[1].Balance)
	require.Equal(t, "n1", entries[1].Node)
}

func mustLocal(t *testing.T) *cache.Local {
	t.Helper()
	l, err := cache.NewLocal(cache.LocalConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// failCredit refuses writes to one player's account until off is set.
type failCredit struct {
	store.Store
	player string
	off    bool
}

func (f *failCredit) CompareAndSet(ctx context.Context, acct store.Account, v uint64, bal int64, key string) (store.Record, error) {
	if !f.off && acct.Player == f.player {
		return store.Record{}, store.Unavailable("test", errors.New("injected"))
	}
	return f.Store.CompareAndSet(ctx, acct, v, bal, key)
}
