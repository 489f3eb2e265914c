package region

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/huncho416/MythicPrisonCore/internal/sim/palette"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func stoneDiamondPalette() *palette.Palette {
	return palette.MustNew([]palette.Entry{
		{Block: "STONE", Weight: 9, Value: 1},
		{Block: "DIAMOND_ORE", Weight: 1, Value: 100},
	})
}

func fill(t *testing.T, r *Region, seed int64) (layout []int16, total int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	layout = make([]int16, r.Bounds().Volume())
	for i := range layout {
		idx := r.Palette().DrawIndex(rng)
		layout[i] = int16(idx)
		total += r.Palette().Entry(idx).Value
	}
	return layout, total
}

func newRegion(t *testing.T, policy Policy) *Region {
	t.Helper()
	r, err := New(Config{
		ID:      "A",
		Bounds:  NewCuboid(Pos{0, 0, 0}, Pos{9, 9, 9}),
		Palette: stoneDiamondPalette(),
		Policy:  policy,
	})
	if err != nil {
		t.Fatalf("new region: %v", err)
	}
	return r
}

func TestCuboid_IndexRoundTrip(t *testing.T) {
	c := NewCuboid(Pos{5, -3, 2}, Pos{-1, 4, 7})
	if c.Volume() != 7*8*6 {
		t.Fatalf("volume: got %d", c.Volume())
	}
	seen := map[int]bool{}
	for x := c.Min.X; x <= c.Max.X; x++ {
		for y := c.Min.Y; y <= c.Max.Y; y++ {
			for z := c.Min.Z; z <= c.Max.Z; z++ {
				p := Pos{x, y, z}
				i := c.Index(p)
				if i < 0 || int64(i) >= c.Volume() || seen[i] {
					t.Fatalf("bad index %d for %v", i, p)
				}
				seen[i] = true
				if got := c.PosAt(i); got != p {
					t.Fatalf("PosAt(%d)=%v want %v", i, got, p)
				}
			}
		}
	}
}

func TestRegion_StartsUnfilledAndNeedsReset(t *testing.T) {
	r := newRegion(t, Policy{Kind: PolicyInterval, Interval: time.Minute})
	if r.State() != StateDepleting {
		t.Fatalf("fresh region state: got %s", r.State())
	}
	if !r.NeedsReset(t0) {
		t.Fatalf("fresh region should need a reset")
	}
	if _, _, err := r.Mine(Pos{1, 1, 1}, t0, rand.New(rand.NewSource(1))); !errors.Is(err, ErrNotActive) {
		t.Fatalf("mining unfilled region: got %v", err)
	}
}

// Mining every cell drains the counter to exactly zero and the awarded total is the literal sum of
// what was drawn.
func TestRegion_MineEverythingDrainsToZero(t *testing.T) {
	r := newRegion(t, Policy{Kind: PolicyInterval, Interval: time.Hour})
	layout, total := fill(t, r, 99)
	if err := r.BeginReset(); err != nil {
		t.Fatalf("begin reset: %v", err)
	}
	if _, _, err := r.Mine(Pos{0, 0, 0}, t0, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("mining while resetting: got %v", err)
	}
	if err := r.CompleteReset(layout, total, t0, false); err != nil {
		t.Fatalf("complete reset: %v", err)
	}
	if r.State() != StateActive || r.Remaining() != total || r.Max() != total {
		t.Fatalf("after reset: state=%s remaining=%d max=%d total=%d", r.State(), r.Remaining(), r.Max(), total)
	}
	if total < 1000 || total > 100000 {
		t.Fatalf("total %d out of range", total)
	}

	var awarded int64
	for i := 0; i < int(r.Bounds().Volume()); i++ {
		_, v, err := r.Mine(r.Bounds().PosAt(i), t0, nil)
		if err != nil {
			t.Fatalf("mine cell %d: %v", i, err)
		}
		awarded += v
		if r.Remaining() < 0 {
			t.Fatalf("remaining went negative")
		}
	}
	if r.Remaining() != 0 {
		t.Fatalf("remaining after mining everything: %d", r.Remaining())
	}
	if awarded != total {
		t.Fatalf("awarded %d, want %d", awarded, total)
	}
	if r.State() != StateActive {
		t.Fatalf("interval policy should ignore depletion, got %s", r.State())
	}
	if _, _, err := r.Mine(Pos{3, 3, 3}, t0, nil); !errors.Is(err, ErrAlreadyMined) {
		t.Fatalf("second break of same cell: got %v", err)
	}
}

func TestRegion_DepletionPolicyWithGrace(t *testing.T) {
	r := newRegion(t, Policy{Kind: PolicyDepletion, Threshold: 0.5, Grace: 10 * time.Second})
	layout, total := fill(t, r, 3)
	_ = r.BeginReset()
	_ = r.CompleteReset(layout, total, t0, false)

	now := t0
	for i := 0; r.State() == StateActive; i++ {
		now = now.Add(time.Millisecond)
		if _, _, err := r.Mine(r.Bounds().PosAt(i), now, nil); err != nil {
			t.Fatalf("mine %d: %v", i, err)
		}
	}
	if r.State() != StateDepleting {
		t.Fatalf("expected DEPLETING, got %s", r.State())
	}
	if r.Remaining() > total/2 {
		t.Fatalf("depleting above threshold: remaining=%d total=%d", r.Remaining(), total)
	}
	if r.NeedsReset(now.Add(5 * time.Second)) {
		t.Fatalf("reset must wait for the grace window")
	}
	if !r.NeedsReset(now.Add(10 * time.Second)) {
		t.Fatalf("reset should trigger after grace")
	}
	if r.Progress() < 0.5 {
		t.Fatalf("progress: got %.2f", r.Progress())
	}
}

func TestRegion_IntervalPolicy(t *testing.T) {
	r := newRegion(t, Policy{Kind: PolicyInterval, Interval: time.Minute})
	layout, total := fill(t, r, 5)
	_ = r.BeginReset()
	_ = r.CompleteReset(layout, total, t0, false)
	if r.NeedsReset(t0.Add(59 * time.Second)) {
		t.Fatalf("interval not elapsed")
	}
	if !r.NeedsReset(t0.Add(time.Minute)) {
		t.Fatalf("interval elapsed")
	}
	_ = r.BeginReset()
	if err := r.BeginReset(); !errors.Is(err, ErrResetInProgress) {
		t.Fatalf("double begin: got %v", err)
	}
	if r.NeedsReset(t0.Add(time.Hour)) {
		t.Fatalf("resetting region should not need another reset")
	}
}

func TestRegion_FailedRewriteKeepsPreviousLayout(t *testing.T) {
	r := newRegion(t, Policy{Kind: PolicyInterval, Interval: time.Minute})
	layout, total := fill(t, r, 5)
	_ = r.BeginReset()
	if err := r.CompleteReset(layout, total, t0, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	p := Pos{0, 0, 0}
	before, ok := r.BlockAt(p)
	if !ok {
		t.Fatalf("no block at %v after fill", p)
	}
	if _, _, err := r.Mine(Pos{1, 2, 3}, t0, nil); err != nil {
		t.Fatalf("mine: %v", err)
	}
	remaining := r.Remaining()

	_ = r.BeginReset()
	at := t0.Add(time.Minute)
	if err := r.CompleteReset(nil, 0, at, true); err != nil {
		t.Fatalf("failed complete: %v", err)
	}
	if r.State() != StateActive || !r.Inconsistent() {
		t.Fatalf("state=%s inconsistent=%v", r.State(), r.Inconsistent())
	}
	if r.Max() != total || r.Remaining() != remaining || r.LastReset() != at {
		t.Fatalf("max=%d remaining=%d last=%v, want %d %d %v", r.Max(), r.Remaining(), r.LastReset(), total, remaining, at)
	}
	if got, ok := r.BlockAt(p); !ok || got != before {
		t.Fatalf("block at %v: %q %v, want %q", p, got, ok, before)
	}
	if _, _, err := r.Mine(Pos{1, 2, 3}, at, nil); !errors.Is(err, ErrAlreadyMined) {
		t.Fatalf("mined cell must stay mined: %v", err)
	}

	// the same cell pays once, however often the break is delivered
	paid := 0
	for i := 0; i < 5; i++ {
		if _, v, err := r.Mine(p, at, rand.New(rand.NewSource(int64(i)))); err == nil && v > 0 {
			paid++
		}
	}
	if paid != 1 {
		t.Fatalf("cell paid %d times", paid)
	}
}

func TestRegion_FailedFirstFillRetries(t *testing.T) {
	r := newRegion(t, Policy{Kind: PolicyInterval, Interval: time.Hour})
	_ = r.BeginReset()
	if err := r.CompleteReset(nil, 0, t0, true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r.State() != StateDepleting || !r.Inconsistent() {
		t.Fatalf("state=%s inconsistent=%v", r.State(), r.Inconsistent())
	}
	if _, _, err := r.Mine(Pos{1, 1, 1}, t0, rand.New(rand.NewSource(1))); !errors.Is(err, ErrNotActive) {
		t.Fatalf("mining an unfilled region: %v", err)
	}
	if !r.NeedsReset(t0) {
		t.Fatalf("unfilled region should retry on the next check")
	}
}

func TestRegion_FailedResetBelowThresholdWaitsOutGrace(t *testing.T) {
	r := newRegion(t, Policy{Kind: PolicyDepletion, Threshold: 0.5, Grace: 10 * time.Second})
	layout, total := fill(t, r, 8)
	_ = r.BeginReset()
	_ = r.CompleteReset(layout, total, t0, false)
	vol := int(r.Bounds().Volume())
	for i := 0; i < vol && r.State() == StateActive; i++ {
		_, _, _ = r.Mine(r.Bounds().PosAt(i), t0, nil)
	}
	if r.State() != StateDepleting {
		t.Fatalf("state: %s", r.State())
	}
	_ = r.BeginReset()
	at := t0.Add(time.Minute)
	_ = r.CompleteReset(nil, 0, at, true)
	if r.State() != StateDepleting {
		t.Fatalf("state after failed reset: %s", r.State())
	}
	if r.NeedsReset(at.Add(9 * time.Second)) {
		t.Fatalf("retried before grace")
	}
	if !r.NeedsReset(at.Add(10 * time.Second)) {
		t.Fatalf("no retry after grace")
	}
}

func TestRegistry(t *testing.T) {
	g := NewRegistry()
	a := newRegion(t, Policy{Kind: PolicyInterval, Interval: time.Minute})
	if err := g.Add(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.Add(a); err == nil {
		t.Fatalf("duplicate add should fail")
	}
	b, _ := New(Config{ID: "B", Bounds: NewCuboid(Pos{5, 5, 5}, Pos{20, 20, 20}), Palette: stoneDiamondPalette(), Policy: Policy{Kind: PolicyInterval, Interval: time.Minute}})
	if err := g.Add(b); err == nil {
		t.Fatalf("overlapping add should fail")
	}
	c, _ := New(Config{ID: "C", Bounds: NewCuboid(Pos{100, 0, 0}, Pos{110, 5, 5}), Palette: stoneDiamondPalette(), Policy: Policy{Kind: PolicyInterval, Interval: time.Minute}})
	if err := g.Add(c); err != nil {
		t.Fatalf("add c: %v", err)
	}
	if got, ok := g.Locate(Pos{105, 1, 1}); !ok || got.ID() != "C" {
		t.Fatalf("locate: got %v %v", got, ok)
	}
	if _, ok := g.Locate(Pos{50, 50, 50}); ok {
		t.Fatalf("locate outside all regions")
	}
	if len(g.All()) != 2 || g.All()[0].ID() != "A" {
		t.Fatalf("all: %v", g.All())
	}
}
