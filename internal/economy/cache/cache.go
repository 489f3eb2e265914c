// Package cache keeps balances close to the tick while the store stays the source of truth.
//
// Reads go node-local L1, then the optional shared L2, then the store. Writes go to the store first with
// a version compare-and-set and only then fan out to L1, L2 and the cluster bus. Every tier applies an
// entry only when its version is newer than what it holds, so delayed or reordered updates can never
// move a cached balance backwards.
package cache

import (
	"context"
	"time"

	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

type unavailable struct{}

func (unavailable) Error() string   { return "balance cache unavailable" }
func (unavailable) Transient() bool { return true }

// ErrCacheUnavailable is returned when no tier can serve a read.
var ErrCacheUnavailable error = unavailable{}

type Entry struct {
	Balance  int64
	Version  uint64
	CachedAt time.Time
}

// Update is the cross-node notification of a committed balance.
type Update struct {
	Account store.Account `json:"account"`
	Balance int64         `json:"balance"`
	Version uint64        `json:"version"`
	Origin  string        `json:"origin"`
}

// Shared is a cluster-wide cache tier.
type Shared interface {
	Get(ctx context.Context, acct store.Account) (Entry, bool, error)
	// SetIfNewer stores e only when its version exceeds the stored one.
	SetIfNewer(ctx context.Context, acct store.Account, e Entry) (bool, error)
}

// Bus carries balance updates between nodes. Delivery is best effort and may reorder.
type Bus interface {
	Publish(ctx context.Context, u Update) error
	Subscribe(ctx context.Context, fn func(Update)) (cancel func(), err error)
}
