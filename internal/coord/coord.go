// Package coord runs blocking work off the tick goroutine.
//
// Jobs are grouped into lanes by key. A lane runs its jobs strictly in submission order while distinct
// lanes run in parallel on a fixed worker pool. Results come back through a bounded completion queue that
// the tick goroutine drains with Drain, so callbacks never race with tick-owned state.
package coord

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/metrics"
)

var (
	ErrBackpressure = errors.New("coordinator queue full")
	ErrClosed       = errors.New("coordinator closed")
)

// Job is the unit of off-tick work. The context carries the per-attempt timeout.
type Job func(ctx context.Context) (any, error)

// Completion is what the tick goroutine sees once a job has finished, successfully or not.
type Completion struct {
	Key      string
	Value    any
	Err      error
	Attempts int
	Elapsed  time.Duration
}

type Config struct {
	Workers          int
	MaxPending       int
	JobTimeout       time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
	CompletionBuffer int

	// IsTransient decides which errors are retried. Nil means IsTransient.
	IsTransient func(error) bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 4096
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Second
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		c.MaxRetryBackoff = c.RetryBackoff * 16
	}
	if c.CompletionBuffer <= 0 {
		c.CompletionBuffer = c.MaxPending
	}
	if c.IsTransient == nil {
		c.IsTransient = IsTransient
	}
	return c
}

// Transient marks an error as worth retrying.
type Transient interface {
	Transient() bool
}

// IsTransient reports deadline expiry and errors that declare themselves transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t Transient
	return errors.As(err, &t) && t.Transient()
}

type task struct {
	job       Job
	onDone    func(Completion)
	submitted time.Time
	timeout   time.Duration
	noRetry   bool
}

// Option adjusts how a single job runs.
type Option func(*task)

// WithTimeout replaces JobTimeout for one job. d <= 0 leaves the job bounded only by Close.
func WithTimeout(d time.Duration) Option {
	return func(t *task) { t.timeout = d }
}

// WithoutRetry delivers the first failure as is.
func WithoutRetry() Option {
	return func(t *task) { t.noRetry = true }
}

type lane struct {
	key   string
	queue []task
}

type done struct {
	fn func(Completion)
	c  Completion
}

type Coordinator struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	lanes   map[string]*lane
	pending int
	closed  bool
	idle    chan struct{}

	// at most one entry per lane with queued work, so len(ready) <= pending <= MaxPending
	ready chan *lane
	done  chan done

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log *zap.Logger, m *metrics.Metrics) *Coordinator {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		log:     log.Named("coord"),
		metrics: m,
		lanes:   map[string]*lane{},
		ready:   make(chan *lane, cfg.MaxPending),
		done:    make(chan done, cfg.CompletionBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Submit queues job behind any earlier job with the same key. It never blocks. onDone, if set, runs on
// whichever goroutine calls Drain.
func (c *Coordinator) Submit(key string, job Job, onDone func(Completion), opts ...Option) error {
	if job == nil {
		return fmt.Errorf("nil job")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.pending >= c.cfg.MaxPending {
		return ErrBackpressure
	}
	t := task{job: job, onDone: onDone, submitted: time.Now(), timeout: c.cfg.JobTimeout}
	for _, o := range opts {
		o(&t)
	}
	l, ok := c.lanes[key]
	if !ok {
		l = &lane{key: key}
		c.lanes[key] = l
	}
	l.queue = append(l.queue, t)
	c.pending++
	c.metrics.CoordPending(c.pending)
	// A lane with more than one queued task is already in ready or held by a worker.
	if len(l.queue) == 1 {
		c.ready <- l
	}
	return nil
}

// Pending counts queued and running jobs.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Drain runs up to max completion callbacks on the calling goroutine and returns how many ran.
// max <= 0 drains everything currently queued.
func (c *Coordinator) Drain(max int) int {
	n := 0
	for max <= 0 || n < max {
		select {
		case d := <-c.done:
			c.callback(d)
			n++
		default:
			return n
		}
	}
	return n
}

func (c *Coordinator) callback(d done) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("completion callback panic", zap.String("key", d.c.Key), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	d.fn(d.c)
}

// Close stops intake and waits for queued work to finish. When ctx expires first, running jobs are
// cancelled and their completions are dropped.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.idle = make(chan struct{})
		if c.pending == 0 {
			close(c.idle)
		}
	}
	idle := c.idle
	c.mu.Unlock()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.cancel()
	c.wg.Wait()
	return err
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case l := <-c.ready:
			c.runHead(l)
		}
	}
}

// runHead runs the first task of l. If more remain the lane goes back on ready so other lanes get a turn.
func (c *Coordinator) runHead(l *lane) {
	c.mu.Lock()
	t := l.queue[0]
	c.mu.Unlock()

	comp := c.run(l.key, t)
	if t.onDone != nil {
		select {
		case c.done <- done{fn: t.onDone, c: comp}:
		case <-c.ctx.Done():
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	l.queue[0] = task{}
	l.queue = l.queue[1:]
	if len(l.queue) > 0 {
		c.ready <- l
	} else {
		delete(c.lanes, l.key)
	}
	c.pending--
	c.metrics.CoordPending(c.pending)
	if c.closed && c.pending == 0 {
		close(c.idle)
	}
}

func (c *Coordinator) run(key string, t task) Completion {
	backoff := c.cfg.RetryBackoff
	var (
		v   any
		err error
	)
	attempt := 0
	for {
		attempt++
		v, err = c.attempt(t)
		if err == nil || t.noRetry || attempt > c.cfg.RetryAttempts || !c.cfg.IsTransient(err) {
			break
		}
		c.log.Debug("retrying transient failure", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
		c.metrics.CoordJob("retried", 0)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			err = fmt.Errorf("%w: %w", ErrClosed, err)
			return c.finish(key, t, v, err, attempt)
		}
		backoff *= 2
		if backoff > c.cfg.MaxRetryBackoff {
			backoff = c.cfg.MaxRetryBackoff
		}
	}
	return c.finish(key, t, v, err, attempt)
}

func (c *Coordinator) finish(key string, t task, v any, err error, attempts int) Completion {
	comp := Completion{Key: key, Value: v, Err: err, Attempts: attempts, Elapsed: time.Since(t.submitted)}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.CoordJob(outcome, comp.Elapsed)
	return comp
}

func (c *Coordinator) attempt(t task) (v any, err error) {
	ctx, cancel := c.ctx, context.CancelFunc(func() {})
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, t.timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("job panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return t.job(ctx)
}
