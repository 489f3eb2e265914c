// Package host declares what the engine needs from the game server it is embedded in.
package host

import (
	"context"
	"time"

	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
)

type BreakEvent struct {
	// RegionKey is the region id the host resolved, or empty to locate by position.
	RegionKey string
	Pos       region.Pos
	Player    string
}

type BlockWrite struct {
	Pos   region.Pos
	Block string
}

// BreakSource delivers block-break events on the tick goroutine.
type BreakSource interface {
	SubscribeBlockBreak(fn func(BreakEvent)) (cancel func())
}

// BlockWriter mutates many blocks in one host call. It is called off the tick goroutine.
type BlockWriter interface {
	WriteBlocksBatch(ctx context.Context, writes []BlockWrite) error
}

// TaskScheduler runs task on the tick goroutine every interval.
type TaskScheduler interface {
	ScheduleRepeating(interval time.Duration, task func()) (cancel func())
}

// Host is the full capability set.
type Host interface {
	BreakSource
	BlockWriter
	TaskScheduler
}
