package reset

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/sim/host"
	"github.com/huncho416/MythicPrisonCore/internal/sim/palette"
	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
)

// rewriteJob captures only immutable region data; the job runs off the tick goroutine.
func (s *Scheduler) rewriteJob(id string, bounds region.Cuboid, pal *palette.Palette, seed int64) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		return s.rewrite(ctx, id, bounds, pal, seed), nil
	}
}

// rewrite walks the cuboid in index order, drawing every cell and writing it in batches.
func (s *Scheduler) rewrite(ctx context.Context, id string, bounds region.Cuboid, pal *palette.Palette, seed int64) *Report {
	start := time.Now()
	rng := rand.New(rand.NewSource(seed))
	vol := int(bounds.Volume())
	rep := &Report{Region: id}
	layout := make([]int16, vol)
	writes := make([]host.BlockWrite, 0, min(s.cfg.BatchSize, vol))

	for first := 0; first < vol; first += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			rep.Err = err
			break
		}
		last := min(first+s.cfg.BatchSize, vol)
		writes = writes[:0]
		for i := first; i < last; i++ {
			idx := pal.DrawIndex(rng)
			e := pal.Entry(idx)
			layout[i] = int16(idx)
			rep.Total += e.Value
			writes = append(writes, host.BlockWrite{Pos: bounds.PosAt(i), Block: e.Block})
		}

		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, len(writes)); err != nil {
				rep.Err = err
				break
			}
		}
		attempts, err := s.writeBatch(ctx, writes)
		rep.Batches++
		rep.Retries += attempts - 1
		if err != nil {
			if ctx.Err() != nil {
				rep.Err = ctx.Err()
				break
			}
			rep.Failures = append(rep.Failures, &BatchWriteFailure{
				Region: id, Batch: rep.Batches - 1, First: writes[0].Pos, Count: len(writes), Attempts: attempts, Err: err,
			})
			continue
		}
		rep.Blocks += int64(len(writes))
	}

	rep.Elapsed = time.Since(start)
	if rep.Err == nil {
		rep.layout = layout
	}
	return rep
}

// writeBatch retries with exponential backoff until MaxAttempts or ctx ends.
func (s *Scheduler) writeBatch(ctx context.Context, writes []host.BlockWrite) (int, error) {
	backoff := s.cfg.BaseBackoff
	var err error
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
		err = s.writer.WriteBlocksBatch(actx, writes)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if attempt >= s.cfg.MaxAttempts || ctx.Err() != nil {
			return attempt, err
		}
		s.metrics.ResetRetry()
		s.log.Debug("batch write failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}
