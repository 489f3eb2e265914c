// Package region models mine regions: a cuboid of minable cells, the palette they are filled from,
// and the ACTIVE -> DEPLETING -> RESETTING -> ACTIVE lifecycle.
//
// A Region is owned by the tick goroutine. Nothing here locks; callers on other goroutines must go
// through the tick loop.
package region

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/huncho416/MythicPrisonCore/internal/sim/palette"
)

// MaxVolume bounds the dense per-cell layout a region keeps.
const MaxVolume = 1 << 24

const mined int16 = -1

var (
	ErrUnavailable     = errors.New("region temporarily unavailable")
	ErrNotActive       = errors.New("region not active")
	ErrOutOfBounds     = errors.New("position outside region")
	ErrAlreadyMined    = errors.New("cell already mined")
	ErrResetInProgress = errors.New("reset already in progress")
)

type Config struct {
	ID                 string
	Bounds             Cuboid
	Palette            *palette.Palette
	Policy             Policy
	Currency           string
	MultiplierPermille int64
}

type Region struct {
	id         string
	bounds     Cuboid
	pal        *palette.Palette
	policy     Policy
	currency   string
	multiplier int64

	state        State
	remaining    int64
	max          int64
	lastReset    time.Time
	depletedAt   time.Time
	inconsistent bool
	resets       uint64

	// palette index per cell, or mined; nil until the first reset lands
	layout []int16
	broken int64
}

// New registers nothing; it only validates. The region starts DEPLETING with nothing to mine so the
// scheduler fills it on its first check.
func New(cfg Config) (*Region, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, fmt.Errorf("region id must not be empty")
	}
	if !cfg.Bounds.Valid() {
		return nil, fmt.Errorf("region %s: bounds min must be <= max", id)
	}
	if v := cfg.Bounds.Volume(); v > MaxVolume {
		return nil, fmt.Errorf("region %s: volume %d exceeds %d", id, v, MaxVolume)
	}
	if cfg.Palette == nil {
		return nil, fmt.Errorf("region %s: palette required", id)
	}
	if cfg.Palette.Len() > math.MaxInt16 {
		return nil, fmt.Errorf("region %s: palette too large", id)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("region %s: %w", id, err)
	}
	mult := cfg.MultiplierPermille
	if mult <= 0 {
		mult = 1000
	}
	return &Region{
		id:         id,
		bounds:     cfg.Bounds,
		pal:        cfg.Palette,
		policy:     cfg.Policy,
		currency:   cfg.Currency,
		multiplier: mult,
		state:      StateDepleting,
	}, nil
}

func (r *Region) ID() string                  { return r.id }
func (r *Region) Bounds() Cuboid              { return r.bounds }
func (r *Region) Palette() *palette.Palette   { return r.pal }
func (r *Region) Policy() Policy              { return r.policy }
func (r *Region) Currency() string            { return r.currency }
func (r *Region) MultiplierPermille() int64   { return r.multiplier }
func (r *Region) State() State                { return r.state }
func (r *Region) Remaining() int64            { return r.remaining }
func (r *Region) Max() int64                  { return r.max }
func (r *Region) LastReset() time.Time        { return r.lastReset }
func (r *Region) Inconsistent() bool          { return r.inconsistent }
func (r *Region) Resets() uint64              { return r.resets }
func (r *Region) BlocksBroken() int64         { return r.broken }
func (r *Region) SinceReset(now time.Time) time.Duration {
	if r.lastReset.IsZero() {
		return 0
	}
	return now.Sub(r.lastReset)
}

// Progress is the fraction of the region's value already mined.
func (r *Region) Progress() float64 {
	if r.max <= 0 {
		return 0
	}
	return 1 - float64(r.remaining)/float64(r.max)
}

func (r *Region) thresholdValue() int64 {
	return int64(float64(r.max) * r.policy.Threshold)
}

// Mine breaks the cell at p and returns the block and its value. The value comes from the layout the
// last reset wrote. Without a layout the value is drawn from the palette with rng.
func (r *Region) Mine(p Pos, now time.Time, rng *rand.Rand) (string, int64, error) {
	switch r.state {
	case StateResetting:
		return "", 0, ErrUnavailable
	case StateDepleting:
		return "", 0, ErrNotActive
	}
	if !r.bounds.Contains(p) {
		return "", 0, ErrOutOfBounds
	}

	var e palette.Entry
	if r.layout != nil {
		i := r.bounds.Index(p)
		c := r.layout[i]
		if c == mined {
			return "", 0, ErrAlreadyMined
		}
		e = r.pal.Entry(int(c))
		r.layout[i] = mined
	} else {
		e = r.pal.Entry(r.pal.DrawIndex(rng))
	}

	if e.Value >= r.remaining {
		r.remaining = 0
	} else {
		r.remaining -= e.Value
	}
	r.broken++

	if r.policy.Kind == PolicyDepletion && r.remaining <= r.thresholdValue() {
		r.state = StateDepleting
		r.depletedAt = now
	}
	return e.Block, e.Value, nil
}

// NeedsReset reports whether the policy wants a regeneration now.
func (r *Region) NeedsReset(now time.Time) bool {
	if r.state == StateResetting {
		return false
	}
	if r.lastReset.IsZero() {
		return true
	}
	switch r.policy.Kind {
	case PolicyInterval:
		return now.Sub(r.lastReset) >= r.policy.Interval
	case PolicyDepletion:
		return r.state == StateDepleting && now.Sub(r.depletedAt) >= r.policy.Grace
	}
	return false
}

func (r *Region) BeginReset() error {
	if r.state == StateResetting {
		return ErrResetInProgress
	}
	r.state = StateResetting
	return nil
}

// CompleteReset installs the freshly written layout and flips the region back to ACTIVE.
//
// A nil layout means the rewrite failed as a whole. The region keeps its previous layout, maximum and
// remaining value and is flagged inconsistent. A region that was never filled has nothing to keep and
// goes back to DEPLETING so the next check retries the fill.
func (r *Region) CompleteReset(layout []int16, total int64, now time.Time, inconsistent bool) error {
	if r.state != StateResetting {
		return fmt.Errorf("region %s: complete reset in state %s", r.id, r.state)
	}
	if layout == nil {
		r.failReset(now)
		return nil
	}
	if int64(len(layout)) != r.bounds.Volume() {
		return fmt.Errorf("region %s: layout has %d cells, want %d", r.id, len(layout), r.bounds.Volume())
	}
	r.layout = layout
	r.max = total
	r.remaining = total
	r.lastReset = now
	r.depletedAt = time.Time{}
	r.inconsistent = inconsistent
	r.broken = 0
	r.resets++
	r.state = StateActive
	return nil
}

func (r *Region) failReset(now time.Time) {
	r.inconsistent = true
	if r.layout == nil {
		r.state = StateDepleting
		return
	}
	r.lastReset = now
	if r.policy.Kind == PolicyDepletion && r.remaining <= r.thresholdValue() {
		r.state = StateDepleting
		r.depletedAt = now
		return
	}
	r.depletedAt = time.Time{}
	r.state = StateActive
}

// BlockAt reports what the last reset wrote at p, if the cell is still intact.
func (r *Region) BlockAt(p Pos) (string, bool) {
	if r.layout == nil || !r.bounds.Contains(p) {
		return "", false
	}
	c := r.layout[r.bounds.Index(p)]
	if c == mined {
		return "", false
	}
	return r.pal.Entry(int(c)).Block, true
}
