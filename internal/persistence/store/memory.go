package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process Store. Several engines sharing one Memory behave like nodes sharing a database.
type Memory struct {
	mu      sync.Mutex
	records map[Account]Record
	applied map[string]time.Time
	now     func() time.Time

	down atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{
		records: map[Account]Record{},
		applied: map[string]time.Time{},
		now:     time.Now,
	}
}

// SetDown makes every call fail with ErrUnavailable until cleared.
func (m *Memory) SetDown(down bool) { m.down.Store(down) }

func (m *Memory) check(op string) error {
	if m.down.Load() {
		return Unavailable(op, errDown)
	}
	return nil
}

var errDown = errors.New("memory store marked down")

func (m *Memory) Get(ctx context.Context, acct Account) (Record, error) {
	if err := m.check("get"); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[acct]
	if !ok {
		return Record{Account: acct}, nil
	}
	return rec, nil
}

func (m *Memory) CompareAndSet(ctx context.Context, acct Account, expectedVersion uint64, balance int64, idemKey string) (Record, error) {
	if err := ValidateWrite(acct, balance); err != nil {
		return Record{}, err
	}
	if err := m.check("compare-and-set"); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idemKey != "" {
		if _, ok := m.applied[idemKey]; ok {
			return Record{}, ErrDuplicate
		}
	}
	cur := m.records[acct]
	if cur.Version != expectedVersion {
		return Record{}, ErrVersionConflict
	}
	now := m.now()
	rec := Record{Account: acct, Balance: balance, Version: expectedVersion + 1, UpdatedAt: now}
	m.records[acct] = rec
	if idemKey != "" {
		m.applied[idemKey] = now
	}
	return rec, nil
}

func (m *Memory) Applied(ctx context.Context, idemKey string) (bool, error) {
	if err := m.check("applied"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.applied[idemKey]
	return ok, nil
}

func (m *Memory) PruneApplied(ctx context.Context, before time.Time) (int, error) {
	if err := m.check("prune"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, at := range m.applied {
		if at.Before(before) {
			delete(m.applied, k)
			n++
		}
	}
	return n, nil
}

// Accounts lists every account with a record.
func (m *Memory) Accounts() []Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.records))
	for a := range m.records {
		out = append(out, a)
	}
	return out
}

func (m *Memory) Close() error { return nil }
