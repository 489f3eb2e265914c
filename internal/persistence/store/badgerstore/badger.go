// Package badgerstore keeps balances in an embedded badger database. Idempotency keys are written with a
// TTL so retention needs no sweeper, though PruneApplied still honours an explicit cutoff.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"

	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

var (
	balancePrefix = []byte("bal/")
	appliedPrefix = []byte("idem/")
)

type Options struct {
	// Dir is the data directory. Empty runs in memory.
	Dir string
	// Retention is the idempotency key TTL. Zero keeps keys until pruned.
	Retention time.Duration
}

type Store struct {
	db        *badgerdb.DB
	retention time.Duration
}

var _ store.Store = (*Store)(nil)

type balanceValue struct {
	Player    string `json:"player"`
	Currency  string `json:"currency"`
	Balance   int64  `json:"balance"`
	Version   uint64 `json:"version"`
	UpdatedAt int64  `json:"updated_at"`
}

func Open(opts Options) (*Store, error) {
	bo := badgerdb.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.Dir == "" {
		bo = bo.WithInMemory(true)
	}
	db, err := badgerdb.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, retention: opts.Retention}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func balanceKey(acct store.Account) []byte {
	return append(append([]byte{}, balancePrefix...), acct.Key()...)
}

func appliedKey(k string) []byte {
	return append(append([]byte{}, appliedPrefix...), k...)
}

func readBalance(txn *badgerdb.Txn, acct store.Account) (store.Record, bool, error) {
	rec := store.Record{Account: acct}
	item, err := txn.Get(balanceKey(acct))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return store.Record{}, false, err
	}
	var v balanceValue
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
		return store.Record{}, false, err
	}
	rec.Balance = v.Balance
	rec.Version = v.Version
	rec.UpdatedAt = time.Unix(0, v.UpdatedAt).UTC()
	return rec, true, nil
}

func (s *Store) Get(ctx context.Context, acct store.Account) (store.Record, error) {
	var rec store.Record
	err := s.db.View(func(txn *badgerdb.Txn) error {
		r, _, err := readBalance(txn, acct)
		rec = r
		return err
	})
	if err != nil {
		return store.Record{}, store.Unavailable("badger get", err)
	}
	return rec, nil
}

func (s *Store) CompareAndSet(ctx context.Context, acct store.Account, expectedVersion uint64, balance int64, idemKey string) (store.Record, error) {
	if err := store.ValidateWrite(acct, balance); err != nil {
		return store.Record{}, err
	}
	now := time.Now().UTC()
	out := store.Record{Account: acct, Balance: balance, Version: expectedVersion + 1, UpdatedAt: now}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		if idemKey != "" {
			_, err := txn.Get(appliedKey(idemKey))
			if err == nil {
				return store.ErrDuplicate
			}
			if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
		}
		cur, _, err := readBalance(txn, acct)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return store.ErrVersionConflict
		}
		b, err := json.Marshal(balanceValue{
			Player: acct.Player, Currency: acct.Currency,
			Balance: balance, Version: out.Version, UpdatedAt: now.UnixNano(),
		})
		if err != nil {
			return err
		}
		if err := txn.Set(balanceKey(acct), b); err != nil {
			return err
		}
		if idemKey == "" {
			return nil
		}
		var at [8]byte
		binary.BigEndian.PutUint64(at[:], uint64(now.UnixNano()))
		e := badgerdb.NewEntry(appliedKey(idemKey), at[:])
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrVersionConflict):
		return store.Record{}, err
	case errors.Is(err, badgerdb.ErrConflict):
		// another transaction touched the same keys between our read and commit
		return store.Record{}, store.ErrVersionConflict
	default:
		return store.Record{}, store.Unavailable("badger compare-and-set", err)
	}
}

func (s *Store) Applied(ctx context.Context, idemKey string) (bool, error) {
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(appliedKey(idemKey))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, store.Unavailable("badger applied", err)
	}
	return found, nil
}

func (s *Store) PruneApplied(ctx context.Context, before time.Time) (int, error) {
	var stale [][]byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: appliedPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				if len(val) == 8 && int64(binary.BigEndian.Uint64(val)) < before.UnixNano() {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, store.Unavailable("badger prune scan", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, store.Unavailable("badger prune", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, store.Unavailable("badger prune", err)
	}
	return len(stale), nil
}
