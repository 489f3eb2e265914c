// Package simhost is an in-memory game server: a block map, a tick loop and the three host capabilities.
// The CLI simulator and the engine tests run against it.
package simhost

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/sim/host"
	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
)

var ErrInboxFull = errors.New("break inbox full")

type Config struct {
	TickRateHz int
	InboxSize  int
	// WriteLatency delays every WriteBlocksBatch call.
	WriteLatency time.Duration
}

type task struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func()
}

type Host struct {
	cfg Config
	log *zap.Logger

	inbox chan host.BreakEvent
	stop  chan struct{}

	// tick goroutine state; the mutex only guards registration from other goroutines
	regMu  sync.Mutex
	subs   map[int]func(host.BreakEvent)
	tasks  map[int]*task
	hooks  []func()
	nextID int
	tick   uint64

	worldMu    sync.RWMutex
	blocks     map[region.Pos]string
	writes     uint64
	failWrites int
	failErr    error
}

var _ host.Host = (*Host)(nil)

func New(cfg Config, log *zap.Logger) *Host {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 4096
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{
		cfg:    cfg,
		log:    log.Named("simhost"),
		inbox:  make(chan host.BreakEvent, cfg.InboxSize),
		stop:   make(chan struct{}),
		subs:   map[int]func(host.BreakEvent){},
		tasks:  map[int]*task{},
		blocks: map[region.Pos]string{},
	}
}

func (h *Host) SubscribeBlockBreak(fn func(host.BreakEvent)) (cancel func()) {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs[id] = fn
	return func() {
		h.regMu.Lock()
		delete(h.subs, id)
		h.regMu.Unlock()
	}
}

// ScheduleRepeating runs task on the tick goroutine. The first run is one interval after the next tick.
func (h *Host) ScheduleRepeating(interval time.Duration, fn func()) (cancel func()) {
	if interval <= 0 {
		interval = time.Second / time.Duration(h.cfg.TickRateHz)
	}
	h.regMu.Lock()
	defer h.regMu.Unlock()
	h.nextID++
	id := h.nextID
	h.tasks[id] = &task{id: id, interval: interval, fn: fn}
	return func() {
		h.regMu.Lock()
		delete(h.tasks, id)
		h.regMu.Unlock()
	}
}

// OnTick runs fn once per tick after breaks and scheduled tasks.
func (h *Host) OnTick(fn func()) {
	h.regMu.Lock()
	h.hooks = append(h.hooks, fn)
	h.regMu.Unlock()
}

func (h *Host) WriteBlocksBatch(ctx context.Context, writes []host.BlockWrite) error {
	if h.cfg.WriteLatency > 0 {
		t := time.NewTimer(h.cfg.WriteLatency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	h.worldMu.Lock()
	defer h.worldMu.Unlock()
	if h.failWrites != 0 {
		if h.failWrites > 0 {
			h.failWrites--
		}
		return h.failErr
	}
	for _, w := range writes {
		h.blocks[w.Pos] = w.Block
	}
	h.writes++
	return nil
}

// FailWrites makes the next n batch writes fail with err. n < 0 fails every write until called again.
func (h *Host) FailWrites(n int, err error) {
	if err == nil {
		err = errors.New("injected write failure")
	}
	h.worldMu.Lock()
	h.failWrites = n
	h.failErr = err
	h.worldMu.Unlock()
}

func (h *Host) Block(p region.Pos) (string, bool) {
	h.worldMu.RLock()
	defer h.worldMu.RUnlock()
	b, ok := h.blocks[p]
	return b, ok
}

func (h *Host) BlockCount() int {
	h.worldMu.RLock()
	defer h.worldMu.RUnlock()
	return len(h.blocks)
}

// Break queues a player break from any goroutine. It is delivered on the next tick.
func (h *Host) Break(ev host.BreakEvent) error {
	select {
	case h.inbox <- ev:
		return nil
	default:
		return ErrInboxFull
	}
}

func (h *Host) Tick() uint64 { return h.tick }

func (h *Host) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(h.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []host.BreakEvent
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stop:
			return nil
		case ev := <-h.inbox:
			pending = append(pending, ev)
		case now := <-ticker.C:
			h.step(now, pending)
			pending = pending[:0]
		}
	}
}

func (h *Host) Stop() { close(h.stop) }

// StepOnce delivers whatever is queued and advances one tick at now. It must not be mixed with Run.
func (h *Host) StepOnce(now time.Time) {
	var pending []host.BreakEvent
	for len(h.inbox) > 0 {
		pending = append(pending, <-h.inbox)
	}
	h.step(now, pending)
}

func (h *Host) step(now time.Time, breaks []host.BreakEvent) {
	h.tick++
	h.regMu.Lock()
	subs := make([]func(host.BreakEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	var due []*task
	for _, t := range h.tasks {
		if t.next.IsZero() {
			t.next = now.Add(t.interval)
			continue
		}
		if !now.Before(t.next) {
			due = append(due, t)
			t.next = now.Add(t.interval)
		}
	}
	hooks := append([]func(){}, h.hooks...)
	h.regMu.Unlock()

	for _, ev := range breaks {
		h.worldMu.Lock()
		_, present := h.blocks[ev.Pos]
		delete(h.blocks, ev.Pos)
		h.worldMu.Unlock()
		if !present {
			continue
		}
		for _, fn := range subs {
			fn(ev)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	for _, t := range due {
		t.fn()
	}
	for _, fn := range hooks {
		fn()
	}
}
