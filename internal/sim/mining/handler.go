// Package mining turns block breaks inside mine regions into currency rewards.
//
// Everything here runs on the tick goroutine. The handler only touches region state and enqueues; the
// ledger write happens on a coordinator worker and its outcome comes back through Drain.
package mining

import (
	"context"
	"encoding/hex"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/huncho416/MythicPrisonCore/internal/coord"
	"github.com/huncho416/MythicPrisonCore/internal/economy/currency"
	"github.com/huncho416/MythicPrisonCore/internal/economy/ledger"
	"github.com/huncho416/MythicPrisonCore/internal/metrics"
	"github.com/huncho416/MythicPrisonCore/internal/sim/host"
	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
)

// Applier is the part of the ledger the handler needs.
type Applier interface {
	Apply(ctx context.Context, tx ledger.Transaction) (ledger.Result, error)
}

// Publisher fans events out in process. *EventBus satisfies it.
type Publisher interface {
	Publish(topic string, args ...interface{})
}

type Config struct {
	// BootID distinguishes this process's event counter from earlier runs. Empty picks a random one.
	BootID string
	Seed   int64
}

type Handler struct {
	regions *region.Registry
	ledger  Applier
	coord   *coord.Coordinator
	events  Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	bootID  string
	counter uint64
	rng     *rand.Rand

	rewarded   uint64
	dropped    uint64
	unresolved uint64
}

func New(cfg Config, regions *region.Registry, l Applier, c *coord.Coordinator, events Publisher, log *zap.Logger, m *metrics.Metrics) *Handler {
	if cfg.BootID == "" {
		cfg.BootID = uuid.NewString()
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		regions: regions,
		ledger:  l,
		coord:   c,
		events:  events,
		log:     log.Named("mining"),
		metrics: m,
		now:     time.Now,
		bootID:  cfg.BootID,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Attach subscribes the handler to the host's break events.
func (h *Handler) Attach(src host.BreakSource) (cancel func()) {
	return src.SubscribeBlockBreak(func(ev host.BreakEvent) {
		h.OnBlockBroken(ev.RegionKey, ev.Pos, ev.Player)
	})
}

// OnBlockBroken mines pos and queues the reward. It returns the transaction and whether it was queued;
// breaks that earn nothing return nil, false.
func (h *Handler) OnBlockBroken(key string, pos region.Pos, player string) (*ledger.Transaction, bool) {
	if player == "" {
		return nil, false
	}
	r, ok := h.resolve(key, pos)
	if !ok || r.State() != region.StateActive {
		return nil, false
	}
	_, value, err := r.Mine(pos, h.now(), h.rng)
	if err != nil {
		return nil, false
	}
	delta := value * r.MultiplierPermille() / 1000
	if delta <= 0 {
		return nil, false
	}

	h.counter++
	tx := &ledger.Transaction{
		Account:        ledger.Account{Player: player, Currency: currency.Normalize(r.Currency())},
		Delta:          delta,
		Source:         ledger.SourceMining,
		IdempotencyKey: rewardKey(h.bootID, player, pos, h.counter),
	}
	regionID := r.ID()
	queued := *tx
	err = h.coord.Submit(tx.Account.Key(), func(ctx context.Context) (any, error) {
		return h.ledger.Apply(ctx, queued)
	}, func(c coord.Completion) { h.done(regionID, queued, c) })
	if err != nil {
		h.dropped++
		h.log.Warn("reward not queued", zap.String("player", player), zap.String("region", regionID), zap.Int64("delta", delta), zap.Error(err))
		return tx, false
	}
	return tx, true
}

func (h *Handler) resolve(key string, pos region.Pos) (*region.Region, bool) {
	if key != "" {
		return h.regions.Get(key)
	}
	return h.regions.Locate(pos)
}

func (h *Handler) done(regionID string, tx ledger.Transaction, c coord.Completion) {
	if c.Err != nil {
		h.unresolved++
		h.metrics.MiningUnresolved(regionID)
		h.log.Warn("reward unresolved", zap.String("account", tx.Account.Key()), zap.String("key", tx.IdempotencyKey),
			zap.Int("attempts", c.Attempts), zap.Error(c.Err))
		if h.events != nil {
			h.events.Publish(ledger.TopicUnresolved, ledger.Unresolved{Transaction: tx, Attempts: c.Attempts, Err: c.Err})
		}
		return
	}
	res, _ := c.Value.(ledger.Result)
	if res.Duplicate {
		return
	}
	h.rewarded++
	h.metrics.MiningReward(regionID, tx.Account.Currency, tx.Delta)
	if h.events != nil {
		h.events.Publish(ledger.TopicBalanceChanged, ledger.BalanceChanged{
			Account: tx.Account, Balance: res.Balance, Version: res.Version, Delta: tx.Delta, Source: tx.Source,
		})
	}
}

// Stats reports rewards applied and rewards that could not be queued.
func (h *Handler) Stats() (rewarded, dropped uint64) { return h.rewarded, h.dropped }

// Unresolved counts rewards that failed after the coordinator's retries.
func (h *Handler) Unresolved() uint64 { return h.unresolved }

// rewardKey is unique per break for this boot: the counter never repeats within one process.
func rewardKey(boot, player string, pos region.Pos, n uint64) string {
	b := make([]byte, 0, len(boot)+len(player)+48)
	b = append(b, boot...)
	b = append(b, 0)
	b = append(b, player...)
	b = append(b, 0)
	b = append(b, pos.String()...)
	b = append(b, 0)
	b = strconv.AppendUint(b, n, 10)
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
