// Package engine assembles a node from its configuration and attaches it to a host.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/config"
	"github.com/huncho416/MythicPrisonCore/internal/coord"
	"github.com/huncho416/MythicPrisonCore/internal/economy/cache"
	"github.com/huncho416/MythicPrisonCore/internal/economy/ledger"
	"github.com/huncho416/MythicPrisonCore/internal/metrics"
	plog "github.com/huncho416/MythicPrisonCore/internal/persistence/log"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store/badgerstore"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store/sqlitestore"
	"github.com/huncho416/MythicPrisonCore/internal/sim/host"
	"github.com/huncho416/MythicPrisonCore/internal/sim/mining"
	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
	"github.com/huncho416/MythicPrisonCore/internal/sim/reset"
	"github.com/huncho416/MythicPrisonCore/internal/transport/redisbus"
	"github.com/huncho416/MythicPrisonCore/internal/transport/ws"
)

// TopicRegionReset carries a reset.Report after a region is regenerated.
const TopicRegionReset = "region:reset"

type Options struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// Store and Bus replace the configured drivers. The engine does not close them.
	Store store.Store
	Bus   cache.Bus
}

type Engine struct {
	cfg     config.Config
	nodeID  string
	log     *zap.Logger
	metrics *metrics.Metrics
	events  evbus.Bus

	store   store.Store
	local   *cache.Local
	cache   *cache.Layer
	ledger  *ledger.Ledger
	coord   *coord.Coordinator
	journal *plog.Journal

	regions *region.Registry
	reset   *reset.Scheduler
	mining  *mining.Handler

	closers  []func() error
	detach   []func()
	upkeep   map[string]bool
	attached bool
}

func New(ctx context.Context, cfg config.Config, opts Options) (_ *Engine, err error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}
	e := &Engine{
		cfg:     cfg,
		nodeID:  nodeID,
		log:     log.With(zap.String("node", nodeID)),
		events:  evbus.New(),
		regions: region.NewRegistry(),
		upkeep:  map[string]bool{},
	}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	if e.metrics, err = metrics.New(opts.Registerer); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if e.store, err = e.openStore(opts.Store); err != nil {
		return nil, err
	}
	if e.local, err = cache.NewLocal(cache.LocalConfig{StaleFor: cfg.Cache.StaleFor, MaxSizeMB: cfg.Cache.LocalMaxMB}); err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	e.closers = append(e.closers, e.local.Close)

	shared, bus, err := e.openCluster(ctx, opts.Bus)
	if err != nil {
		return nil, err
	}

	if cfg.Journal.Dir != "" {
		e.journal = plog.Open(cfg.Journal.Dir, cfg.Journal.Buffer, e.log)
	}
	e.cache = cache.New(cache.Config{
		NodeID:           nodeID,
		FreshFor:         cfg.Cache.FreshFor,
		RevalidateWindow: cfg.Cache.RevalidateWindow,
		SharedTimeout:    cfg.Cache.SharedTimeout,
	}, e.store, e.local, shared, bus, e.log, e.metrics)
	if err := e.cache.Start(ctx); err != nil {
		return nil, err
	}
	e.ledger = ledger.New(ledger.Config{NodeID: nodeID, MaxConflictRetries: cfg.Ledger.MaxConflictRetries},
		e.cache, e.store, e.journal, e.log, e.metrics)

	cc := cfg.Coordinator
	e.coord = coord.New(coord.Config{
		Workers:          cc.Workers,
		MaxPending:       cc.MaxPending,
		JobTimeout:       cc.JobTimeout,
		RetryAttempts:    cc.RetryAttempts,
		RetryBackoff:     cc.RetryBackoff,
		MaxRetryBackoff:  cc.MaxRetryBackoff,
		CompletionBuffer: cc.CompletionBuffer,
	}, e.log, e.metrics)

	for _, m := range cfg.Mines {
		rc, err := m.RegionConfig()
		if err != nil {
			return nil, fmt.Errorf("mine %s: %w", m.ID, err)
		}
		r, err := region.New(rc)
		if err != nil {
			return nil, err
		}
		if err := e.regions.Add(r); err != nil {
			return nil, err
		}
	}

	e.log.Info("engine ready",
		zap.String("store", cfg.Store.Driver), zap.String("bus", cfg.Bus.Driver),
		zap.Bool("shared_cache", shared != nil), zap.Int("mines", e.regions.Len()))
	return e, nil
}

func (e *Engine) openStore(override store.Store) (store.Store, error) {
	if override != nil {
		return override, nil
	}
	sc := e.cfg.Store
	switch sc.Driver {
	case config.StoreSQLite:
		st, err := sqlitestore.Open(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		e.closers = append(e.closers, st.Close)
		return st, nil
	case config.StoreBadger:
		st, err := badgerstore.Open(badgerstore.Options{Dir: sc.Path, Retention: sc.IdempotencyRetention})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		e.closers = append(e.closers, st.Close)
		return st, nil
	case config.StoreMemory:
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
}

// openCluster dials the shared cache and the update bus. Redis serves as the shared tier whenever an
// address is configured, and as the bus when selected.
func (e *Engine) openCluster(ctx context.Context, busOverride cache.Bus) (cache.Shared, cache.Bus, error) {
	var (
		shared cache.Shared
		bus    cache.Bus
		rc     *redisbus.Client
	)
	if e.cfg.Redis.Addr != "" {
		c, err := redisbus.Dial(ctx, redisbus.Config{
			Addr:      e.cfg.Redis.Addr,
			Password:  e.cfg.Redis.Password,
			DB:        e.cfg.Redis.DB,
			Channel:   e.cfg.Redis.Channel,
			KeyPrefix: e.cfg.Redis.KeyPrefix,
			TTL:       e.cfg.Redis.TTL,
		}, e.log)
		if err != nil {
			return nil, nil, err
		}
		e.closers = append(e.closers, c.Close)
		rc = c
		shared = c
	}
	if busOverride != nil {
		return shared, busOverride, nil
	}
	switch e.cfg.Bus.Driver {
	case config.BusRedis:
		if rc == nil {
			return nil, nil, errors.New("redis bus without redis.addr")
		}
		bus = rc
	case config.BusWS:
		c, err := ws.Dial(ctx, ws.ClientConfig{URL: e.cfg.Bus.WSURL, NodeID: e.nodeID}, e.log)
		if err != nil {
			return nil, nil, err
		}
		e.closers = append(e.closers, c.Close)
		bus = c
	case config.BusMemory:
		bus = cache.NewMemoryBus()
	}
	return shared, bus, nil
}

func (e *Engine) NodeID() string                  { return e.nodeID }
func (e *Engine) Ledger() *ledger.Ledger          { return e.ledger }
func (e *Engine) Regions() *region.Registry       { return e.regions }
func (e *Engine) Coordinator() *coord.Coordinator { return e.coord }
func (e *Engine) Metrics() *metrics.Metrics       { return e.metrics }

// Events is the in-process bus carrying ledger.TopicBalanceChanged and TopicRegionReset.
func (e *Engine) Events() evbus.Bus { return e.events }

// Attach hooks the engine into h: block breaks, the per-tick completion drain, reset checks and the
// cache and store upkeep jobs. Everything registered here runs on the host's tick goroutine.
func (e *Engine) Attach(h host.Host) error {
	if e.attached {
		return errors.New("engine already attached")
	}
	e.attached = true
	tick := time.Second / time.Duration(e.cfg.Tick.RateHz)

	e.reset = reset.New(reset.Config{
		NodeID:          e.nodeID,
		BatchSize:       e.cfg.Reset.BatchSize,
		MaxAttempts:     e.cfg.Reset.MaxAttempts,
		BaseBackoff:     e.cfg.Reset.BaseBackoff,
		MaxBackoff:      e.cfg.Reset.MaxBackoff,
		BlocksPerSecond: e.cfg.Reset.BlocksPerSecond,
		BatchTimeout:    e.cfg.Reset.BatchTimeout,
		JobTimeout:      e.cfg.Reset.JobTimeout,
		Seed:            e.cfg.Reset.Seed,
	}, e.regions, h, e.coord, e.journal, e.log, e.metrics)
	e.reset.OnReset(func(r reset.Report) { e.events.Publish(TopicRegionReset, r) })

	e.mining = mining.New(mining.Config{}, e.regions, e.ledger, e.coord, e.events, e.log, e.metrics)

	e.detach = append(e.detach,
		e.mining.Attach(h),
		h.ScheduleRepeating(tick, func() { e.coord.Drain(e.cfg.Tick.DrainPerTick) }),
		e.reset.Start(h, e.cfg.Reset.CheckInterval),
	)
	if every := e.cfg.Cache.RevalidateInterval; every > 0 {
		e.detach = append(e.detach, h.ScheduleRepeating(every, func() { e.runUpkeep("cache:revalidate", e.revalidate) }))
	}
	if every := e.cfg.Store.PruneInterval; every > 0 && e.cfg.Store.IdempotencyRetention > 0 {
		e.detach = append(e.detach, h.ScheduleRepeating(every, func() { e.runUpkeep("store:prune", e.prune) }))
	}
	// fill every mine now rather than on the first check
	e.reset.Check(time.Now())
	return nil
}

// runUpkeep submits job unless the previous run is still going. Tick goroutine only.
func (e *Engine) runUpkeep(key string, job coord.Job) {
	if e.upkeep[key] {
		return
	}
	err := e.coord.Submit(key, job, func(c coord.Completion) {
		e.upkeep[key] = false
		if c.Err != nil {
			e.log.Warn("upkeep failed", zap.String("job", key), zap.Error(c.Err))
			return
		}
		e.log.Debug("upkeep done", zap.String("job", key), zap.Any("result", c.Value), zap.Duration("elapsed", c.Elapsed))
	}, coord.WithoutRetry(), coord.WithTimeout(0))
	if err != nil {
		e.log.Warn("upkeep not queued", zap.String("job", key), zap.Error(err))
		return
	}
	e.upkeep[key] = true
}

func (e *Engine) revalidate(ctx context.Context) (any, error) {
	return e.cache.Revalidate(ctx)
}

func (e *Engine) prune(ctx context.Context) (any, error) {
	return e.store.PruneApplied(ctx, time.Now().Add(-e.cfg.Store.IdempotencyRetention))
}

// ResetNow forces a regeneration. Tick goroutine only.
func (e *Engine) ResetNow(id string) error {
	if e.reset == nil {
		return errors.New("engine not attached")
	}
	return e.reset.ResetNow(id)
}

// Apply runs an admin or purchase transaction directly, from any goroutine, and announces the change.
func (e *Engine) Apply(ctx context.Context, tx ledger.Transaction) (ledger.Result, error) {
	res, err := e.ledger.Apply(ctx, tx)
	if err == nil && !res.Duplicate {
		e.events.Publish(ledger.TopicBalanceChanged, ledger.BalanceChanged{
			Account: tx.Account, Balance: res.Balance, Version: res.Version, Delta: tx.Delta, Source: tx.Source,
		})
	}
	return res, err
}

func (e *Engine) Balance(ctx context.Context, acct ledger.Account) (cache.Entry, error) {
	return e.ledger.Balance(ctx, acct)
}

func (e *Engine) Transfer(ctx context.Context, from, to ledger.Account, amount int64, key string) (ledger.TransferResult, error) {
	return e.ledger.Transfer(ctx, from, to, amount, key)
}

// MiningStats reports rewards applied and rewards dropped under backpressure.
func (e *Engine) MiningStats() (rewarded, dropped uint64) {
	if e.mining == nil {
		return 0, 0
	}
	return e.mining.Stats()
}

// Close detaches from the host, lets queued work finish within ctx, then releases every resource.
func (e *Engine) Close(ctx context.Context) error {
	for _, fn := range e.detach {
		fn()
	}
	e.detach = nil
	var err error
	if e.coord != nil {
		err = e.coord.Close(ctx)
		// run what finished so resets and rewards are logged
		e.coord.Drain(0)
	}
	if e.cache != nil {
		e.cache.Stop()
	}
	if e.journal != nil {
		if jerr := e.journal.Close(); jerr != nil && err == nil {
			err = jerr
		}
	}
	if cerr := e.closeAll(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) closeAll() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
