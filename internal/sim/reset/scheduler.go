// Package reset regenerates mine regions.
//
// The scheduler decides on the tick goroutine which regions need a reset, hands the bulk rewrite to the
// coordinator, and installs the result when the completion is drained back on the tick goroutine. Block
// writes happen in paced batches; a batch that keeps failing is recorded and skipped so one bad batch
// cannot wedge a region in RESETTING.
package reset

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/huncho416/MythicPrisonCore/internal/coord"
	"github.com/huncho416/MythicPrisonCore/internal/metrics"
	plog "github.com/huncho416/MythicPrisonCore/internal/persistence/log"
	"github.com/huncho416/MythicPrisonCore/internal/sim/host"
	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
)

var ErrUnknownRegion = errors.New("unknown region")

type Config struct {
	NodeID string
	// BatchSize is the number of positions per WriteBlocksBatch call.
	BatchSize int
	// MaxAttempts bounds the writes of one batch, first try included.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// BlocksPerSecond paces writes across all resets on this node. Zero means unpaced.
	BlocksPerSecond float64
	BatchTimeout    time.Duration
	// JobTimeout bounds a whole reset. Zero means no bound beyond coordinator shutdown.
	JobTimeout time.Duration
	// Seed makes layouts reproducible. Zero seeds from the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 4096
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff * 32
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Second
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// BatchWriteFailure is one batch that still failed after MaxAttempts writes.
type BatchWriteFailure struct {
	Region   string
	Batch    int
	First    region.Pos
	Count    int
	Attempts int
	Err      error
}

func (e *BatchWriteFailure) Error() string {
	return fmt.Sprintf("region %s batch %d (%d blocks from %s): %d attempts: %v", e.Region, e.Batch, e.Count, e.First, e.Attempts, e.Err)
}

func (e *BatchWriteFailure) Unwrap() error { return e.Err }

// Report describes one finished reset.
type Report struct {
	Region   string
	Total    int64
	Blocks   int64
	Batches  int
	Retries  int
	Failures []*BatchWriteFailure
	Elapsed  time.Duration
	// Err is set when the rewrite stopped early; the region then keeps its previous layout.
	Err error

	layout []int16
}

func (r *Report) Inconsistent() bool { return r.Err != nil || len(r.Failures) > 0 }

type Scheduler struct {
	cfg     Config
	regions *region.Registry
	writer  host.BlockWriter
	coord   *coord.Coordinator
	journal *plog.Journal
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
	now     func() time.Time

	seq      int64
	inflight map[string]time.Time
	onReset  []func(Report)
}

func New(cfg Config, regions *region.Registry, w host.BlockWriter, c *coord.Coordinator, j *plog.Journal, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg,
		regions:  regions,
		writer:   w,
		coord:    c,
		journal:  j,
		log:      log.Named("reset"),
		metrics:  m,
		now:      time.Now,
		inflight: map[string]time.Time{},
	}
	if cfg.BlocksPerSecond > 0 {
		burst := cfg.BatchSize
		if b := int(cfg.BlocksPerSecond); b > burst {
			burst = b
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BlocksPerSecond), burst)
	}
	return s
}

// OnReset registers fn to run on the tick goroutine after each reset is installed.
func (s *Scheduler) OnReset(fn func(Report)) {
	s.onReset = append(s.onReset, fn)
}

// Start runs Check on the host's scheduler every interval.
func (s *Scheduler) Start(ts host.TaskScheduler, every time.Duration) (cancel func()) {
	return ts.ScheduleRepeating(every, func() { s.Check(s.now()) })
}

// InFlight counts resets submitted and not yet installed.
func (s *Scheduler) InFlight() int { return len(s.inflight) }

// Check starts a reset for every region whose policy asks for one. It returns how many were started.
func (s *Scheduler) Check(now time.Time) int {
	n := 0
	for _, r := range s.regions.All() {
		s.metrics.RegionRemaining(r.ID(), r.Remaining())
		if !r.NeedsReset(now) {
			continue
		}
		if err := s.begin(r, now); err != nil {
			s.log.Warn("reset not started", zap.String("region", r.ID()), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// ResetNow forces a reset of id regardless of policy.
func (s *Scheduler) ResetNow(id string) error {
	r, ok := s.regions.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, id)
	}
	if r.State() == region.StateResetting {
		return region.ErrResetInProgress
	}
	return s.begin(r, s.now())
}

func (s *Scheduler) begin(r *region.Region, now time.Time) error {
	id := r.ID()
	s.seq++
	seed := s.cfg.Seed ^ int64(fnv64(id)) + s.seq
	job := s.rewriteJob(id, r.Bounds(), r.Palette(), seed)

	opts := []coord.Option{coord.WithoutRetry(), coord.WithTimeout(s.cfg.JobTimeout)}
	if err := s.coord.Submit("region:"+id, job, func(c coord.Completion) { s.complete(id, c) }, opts...); err != nil {
		return err
	}
	if err := r.BeginReset(); err != nil {
		// unreachable while only the tick goroutine begins resets
		return err
	}
	s.inflight[id] = now
	s.log.Debug("reset started", zap.String("region", id), zap.Int64("volume", r.Bounds().Volume()))
	return nil
}

func (s *Scheduler) complete(id string, c coord.Completion) {
	delete(s.inflight, id)
	r, ok := s.regions.Get(id)
	if !ok {
		return
	}
	rep, _ := c.Value.(*Report)
	if rep == nil {
		rep = &Report{Region: id}
	}
	if c.Err != nil && rep.Err == nil {
		rep.Err = c.Err
	}
	if rep.Elapsed == 0 {
		rep.Elapsed = c.Elapsed
	}

	now := s.now()
	var err error
	if rep.Err != nil {
		err = r.CompleteReset(nil, 0, now, true)
	} else {
		err = r.CompleteReset(rep.layout, rep.Total, now, rep.Inconsistent())
	}
	if err != nil {
		s.log.Error("reset not installed", zap.String("region", id), zap.Error(err))
		return
	}
	rep.layout = nil

	switch {
	case rep.Err != nil:
		s.log.Warn("reset failed, region reopened inconsistent", zap.String("region", id), zap.Error(rep.Err))
	case len(rep.Failures) > 0:
		s.log.Warn("reset finished with failed batches", zap.String("region", id),
			zap.Int("failed_batches", len(rep.Failures)), zap.Int("batches", rep.Batches), zap.Error(rep.Failures[0]))
	}
	s.metrics.RegionReset(id, rep.Inconsistent(), rep.Elapsed)
	s.metrics.RegionRemaining(id, r.Remaining())

	entry := plog.ResetEntry{
		Time: now.UTC(), Node: s.cfg.NodeID, Region: id,
		Total: r.Max(), Blocks: rep.Blocks, Batches: rep.Batches, FailedBatches: len(rep.Failures),
		Inconsistent: rep.Inconsistent(), ElapsedMS: rep.Elapsed.Milliseconds(),
	}
	if rep.Err != nil {
		entry.Error = rep.Err.Error()
	}
	s.journal.WriteReset(entry)

	for _, fn := range s.onReset {
		fn(*rep)
	}
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
