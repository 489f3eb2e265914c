package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/huncho416/MythicPrisonCore/internal/metrics"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

type Config struct {
	NodeID string
	// FreshFor is how long an L1 entry is trusted without asking further down.
	FreshFor time.Duration
	// RevalidateWindow bounds which accounts Revalidate re-reads: those touched this recently.
	RevalidateWindow time.Duration
	// SharedTimeout bounds each best-effort L2 or bus call.
	SharedTimeout time.Duration
}

type Layer struct {
	cfg     Config
	store   store.Store
	local   *Local
	shared  Shared
	bus     Bus
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	sf singleflight.Group

	mu      sync.Mutex
	touched map[store.Account]time.Time
	cancel  func()
}

// New wires the tiers. shared and bus may be nil on a single-node deployment.
func New(cfg Config, st store.Store, local *Local, shared Shared, bus Bus, log *zap.Logger, m *metrics.Metrics) *Layer {
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = 5 * time.Second
	}
	if cfg.RevalidateWindow <= 0 {
		cfg.RevalidateWindow = 5 * time.Minute
	}
	if cfg.SharedTimeout <= 0 {
		cfg.SharedTimeout = 250 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Layer{
		cfg:     cfg,
		store:   st,
		local:   local,
		shared:  shared,
		bus:     bus,
		log:     log.Named("cache"),
		metrics: m,
		now:     time.Now,
		touched: map[store.Account]time.Time{},
	}
}

func (l *Layer) NodeID() string { return l.cfg.NodeID }

// Start subscribes to the cluster bus. It is a no-op without one.
func (l *Layer) Start(ctx context.Context) error {
	if l.bus == nil {
		return nil
	}
	cancel, err := l.bus.Subscribe(ctx, l.onUpdate)
	if err != nil {
		return fmt.Errorf("subscribe balance updates: %w", err)
	}
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	return nil
}

func (l *Layer) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Layer) onUpdate(u Update) {
	if u.Origin == l.cfg.NodeID {
		l.metrics.BusUpdate("own")
		return
	}
	if l.local.SetIfNewer(u.Account, Entry{Balance: u.Balance, Version: u.Version, CachedAt: l.now()}) {
		l.touch(u.Account)
		l.metrics.BusUpdate("applied")
		return
	}
	l.metrics.BusUpdate("discarded")
}

// Cached returns the L1 entry without any I/O.
func (l *Layer) Cached(acct store.Account) (Entry, bool) {
	return l.local.Get(acct)
}

// Get returns the freshest balance it can find without writing.
func (l *Layer) Get(ctx context.Context, acct store.Account) (Entry, error) {
	now := l.now()
	cached, hit := l.local.Get(acct)
	if hit && now.Sub(cached.CachedAt) < l.cfg.FreshFor {
		l.metrics.CacheLookup("l1")
		return cached, nil
	}

	if l.shared != nil {
		sctx, cancel := context.WithTimeout(ctx, l.cfg.SharedTimeout)
		e, ok, err := l.shared.Get(sctx, acct)
		cancel()
		switch {
		case err != nil:
			l.log.Debug("shared cache read failed", zap.String("account", acct.Key()), zap.Error(err))
		case ok && (!hit || e.Version >= cached.Version):
			e.CachedAt = now
			l.local.SetIfNotOlder(acct, e)
			l.metrics.CacheLookup("l2")
			return e, nil
		}
	}

	e, err := l.readThrough(ctx, acct)
	if err == nil {
		l.touch(acct)
		l.metrics.CacheLookup("store")
		return e, nil
	}
	if hit {
		l.metrics.CacheLookup("stale")
		l.log.Warn("serving stale balance", zap.String("account", acct.Key()), zap.Error(err))
		return cached, nil
	}
	return Entry{}, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
}

// readThrough collapses concurrent misses for one account into a single store read.
func (l *Layer) readThrough(ctx context.Context, acct store.Account) (Entry, error) {
	v, err, _ := l.sf.Do(acct.Key(), func() (any, error) {
		return l.load(ctx, acct)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (l *Layer) load(ctx context.Context, acct store.Account) (Entry, error) {
	rec, err := l.store.Get(ctx, acct)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Balance: rec.Balance, Version: rec.Version, CachedAt: l.now()}
	l.local.SetIfNotOlder(acct, e)
	l.setShared(ctx, acct, e)
	return e, nil
}

// Refresh forces a store read and applies it if it is not older than L1.
func (l *Layer) Refresh(ctx context.Context, acct store.Account) (Entry, error) {
	e, err := l.load(ctx, acct)
	if err != nil {
		return Entry{}, err
	}
	l.touch(acct)
	return e, nil
}

// Commit writes balance at expectedVersion+1 through the store and then propagates it. Only the store
// write can fail the call.
func (l *Layer) Commit(ctx context.Context, acct store.Account, expectedVersion uint64, balance int64, idemKey string) (Entry, error) {
	rec, err := l.store.CompareAndSet(ctx, acct, expectedVersion, balance, idemKey)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// our L1 view is behind; the next read must go to the store
			l.local.Expire(acct)
		}
		return Entry{}, err
	}
	e := Entry{Balance: rec.Balance, Version: rec.Version, CachedAt: l.now()}
	l.local.SetIfNewer(acct, e)
	l.setShared(ctx, acct, e)
	l.publish(ctx, Update{Account: acct, Balance: e.Balance, Version: e.Version, Origin: l.cfg.NodeID})
	l.touch(acct)
	return e, nil
}

func (l *Layer) setShared(ctx context.Context, acct store.Account, e Entry) {
	if l.shared == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, l.cfg.SharedTimeout)
	defer cancel()
	if _, err := l.shared.SetIfNewer(sctx, acct, e); err != nil {
		l.log.Warn("shared cache write failed", zap.String("account", acct.Key()), zap.Error(err))
	}
}

func (l *Layer) publish(ctx context.Context, u Update) {
	if l.bus == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, l.cfg.SharedTimeout)
	defer cancel()
	if err := l.bus.Publish(pctx, u); err != nil {
		l.metrics.BusUpdate("publish_error")
		l.log.Warn("publish balance update failed", zap.String("account", u.Account.Key()), zap.Uint64("version", u.Version), zap.Error(err))
	}
}

func (l *Layer) touch(acct store.Account) {
	l.mu.Lock()
	l.touched[acct] = l.now()
	l.mu.Unlock()
}

// Revalidate re-reads every account touched within the revalidate window so a lost publish cannot leave
// L1 behind for long. It returns how many accounts were refreshed.
func (l *Layer) Revalidate(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.cfg.RevalidateWindow)
	l.mu.Lock()
	accts := make([]store.Account, 0, len(l.touched))
	for a, at := range l.touched {
		if at.Before(cutoff) {
			delete(l.touched, a)
			continue
		}
		accts = append(accts, a)
	}
	l.mu.Unlock()

	n := 0
	for _, a := range accts {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := l.load(ctx, a); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
