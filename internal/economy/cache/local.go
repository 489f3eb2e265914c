package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

const entrySize = 24

// maxEvicted bounds how many evicted versions Local remembers.
const maxEvicted = 1 << 18

type LocalConfig struct {
	// StaleFor is how long an entry survives at all. Entries older than the layer's fresh window are
	// still served when the store is down.
	StaleFor time.Duration
	// MaxSizeMB caps memory; zero is unbounded.
	MaxSizeMB int
}

// Local is the node-local tier. Writes are version guarded under one lock; bigcache does the storage and
// expiry. The last version of an evicted entry is remembered so a late update cannot move the account
// backwards once the entry is gone.
type Local struct {
	mu    sync.Mutex
	cache *bigcache.BigCache
	now   func() time.Time

	evMu    sync.Mutex
	evicted map[string]uint64
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.StaleFor <= 0 {
		cfg.StaleFor = 10 * time.Minute
	}
	bc := bigcache.DefaultConfig(cfg.StaleFor)
	bc.Shards = 256
	bc.MaxEntrySize = 64
	bc.MaxEntriesInWindow = 100000
	bc.CleanWindow = time.Minute
	bc.HardMaxCacheSize = cfg.MaxSizeMB
	bc.Verbose = false
	l := &Local{now: time.Now, evicted: map[string]uint64{}}
	bc.OnRemoveWithReason = l.onRemove
	c, err := bigcache.New(context.Background(), bc)
	if err != nil {
		return nil, err
	}
	l.cache = c
	return l, nil
}

// onRemove runs under a bigcache shard lock, so it only touches evicted.
func (l *Local) onRemove(key string, b []byte, _ bigcache.RemoveReason) {
	e, ok := decodeEntry(b)
	if !ok {
		return
	}
	l.evMu.Lock()
	defer l.evMu.Unlock()
	if v, seen := l.evicted[key]; seen && v >= e.Version {
		return
	}
	if len(l.evicted) >= maxEvicted {
		for k := range l.evicted {
			delete(l.evicted, k)
			break
		}
	}
	l.evicted[key] = e.Version
}

func (l *Local) evictedVersion(key string) (uint64, bool) {
	l.evMu.Lock()
	defer l.evMu.Unlock()
	v, ok := l.evicted[key]
	return v, ok
}

func (l *Local) forgetEvicted(key string) {
	l.evMu.Lock()
	delete(l.evicted, key)
	l.evMu.Unlock()
}

func encodeEntry(e Entry) []byte {
	b := make([]byte, entrySize)
	binary.BigEndian.PutUint64(b[0:], uint64(e.Balance))
	binary.BigEndian.PutUint64(b[8:], e.Version)
	binary.BigEndian.PutUint64(b[16:], uint64(e.CachedAt.UnixNano()))
	return b
}

func decodeEntry(b []byte) (Entry, bool) {
	if len(b) != entrySize {
		return Entry{}, false
	}
	return Entry{
		Balance:  int64(binary.BigEndian.Uint64(b[0:])),
		Version:  binary.BigEndian.Uint64(b[8:]),
		CachedAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[16:]))),
	}, true
}

func (l *Local) Get(acct store.Account) (Entry, bool) {
	b, err := l.cache.Get(acct.Key())
	if err != nil {
		return Entry{}, false
	}
	return decodeEntry(b)
}

// SetIfNewer applies e when its version is strictly greater than the cached one.
func (l *Local) SetIfNewer(acct store.Account, e Entry) bool {
	return l.set(acct, e, false)
}

// SetIfNotOlder also accepts an equal version, which renews the entry's timestamp.
func (l *Local) SetIfNotOlder(acct store.Account, e Entry) bool {
	return l.set(acct, e, true)
}

func (l *Local) set(acct store.Account, e Entry, allowEqual bool) bool {
	if e.CachedAt.IsZero() {
		e.CachedAt = l.now()
	}
	key := acct.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	older := func(cur uint64) bool {
		return e.Version < cur || (e.Version == cur && !allowEqual)
	}
	b, err := l.cache.Get(key)
	switch {
	case err == nil:
		if cur, ok := decodeEntry(b); ok && older(cur.Version) {
			return false
		}
	case errors.Is(err, bigcache.ErrEntryNotFound):
		if cur, ok := l.evictedVersion(key); ok && older(cur) {
			return false
		}
	default:
		return false
	}
	if l.cache.Set(key, encodeEntry(e)) != nil {
		return false
	}
	l.forgetEvicted(key)
	return true
}

// Expire keeps the entry and its version but marks it as no longer fresh.
func (l *Local) Expire(acct store.Account) {
	key := acct.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.cache.Get(key)
	if err != nil {
		return
	}
	if e, ok := decodeEntry(b); ok {
		e.CachedAt = time.Unix(0, 0)
		_ = l.cache.Set(key, encodeEntry(e))
	}
}

func (l *Local) Len() int { return l.cache.Len() }

func (l *Local) Close() error { return l.cache.Close() }
