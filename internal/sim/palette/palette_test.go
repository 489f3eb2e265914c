package palette

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestNew_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		entries []Entry
	}{
		{"empty", nil},
		{"zero total", []Entry{{Block: "STONE", Weight: 0, Value: 1}}},
		{"negative weight", []Entry{{Block: "STONE", Weight: 5, Value: 1}, {Block: "DIRT", Weight: -1, Value: 1}}},
		{"blank block", []Entry{{Block: " ", Weight: 1, Value: 1}}},
	}
	for _, tc := range cases {
		_, err := New(tc.entries)
		var ipe *InvalidPaletteError
		if !errors.As(err, &ipe) {
			t.Fatalf("%s: expected InvalidPaletteError, got %v", tc.name, err)
		}
	}
}

func TestDraw_DeterministicForSeed(t *testing.T) {
	p := MustNew([]Entry{{Block: "STONE", Weight: 9, Value: 1}, {Block: "DIAMOND_ORE", Weight: 1, Value: 100}})
	a := rand.New(rand.NewSource(42))
	b := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		ba, va := p.Draw(a)
		bb, vb := p.Draw(b)
		if ba != bb || va != vb {
			t.Fatalf("draw %d diverged: %s/%d vs %s/%d", i, ba, va, bb, vb)
		}
	}
}

func TestDraw_FrequencyProportionalToWeight(t *testing.T) {
	p := MustNew([]Entry{
		{Block: "STONE", Weight: 6, Value: 1},
		{Block: "COAL_ORE", Weight: 3, Value: 5},
		{Block: "AIR", Weight: 0, Value: 0},
		{Block: "GOLD_ORE", Weight: 1, Value: 25},
	})
	r := rand.New(rand.NewSource(7))
	const n = 200000
	counts := make([]int, p.Len())
	for i := 0; i < n; i++ {
		counts[p.DrawIndex(r)]++
	}
	if counts[2] != 0 {
		t.Fatalf("zero-weight entry drawn %d times", counts[2])
	}
	for i := 0; i < p.Len(); i++ {
		want := float64(p.Entry(i).Weight) / float64(p.TotalWeight())
		got := float64(counts[i]) / n
		if math.Abs(got-want) > 0.01 {
			t.Fatalf("entry %s frequency %.4f, want %.4f", p.Entry(i).Block, got, want)
		}
	}
}

func TestMaxAndExpectedValue(t *testing.T) {
	p := MustNew([]Entry{
		{Block: "STONE", Weight: 9, Value: 1},
		{Block: "DIAMOND_ORE", Weight: 1, Value: 100},
		{Block: "NETHERITE_SCRAP", Weight: 0, Value: 500},
	})
	if got := p.MaxValue(); got != 100 {
		t.Fatalf("max value: got %d want 100", got)
	}
	// (9*1 + 1*100) / 10 = 10.9
	if got := p.ExpectedValue(); got != 10900 {
		t.Fatalf("expected value permille: got %d want 10900", got)
	}
}

func TestPreset(t *testing.T) {
	c := Preset("c")
	if c.TotalWeight() != 100 {
		t.Fatalf("preset c total weight: got %d", c.TotalWeight())
	}
	if c.Entry(0).Block != "STONE" {
		t.Fatalf("preset c should list STONE first, got %s", c.Entry(0).Block)
	}
	if Preset("nope").Len() != Preset("default").Len() {
		t.Fatalf("unknown preset should fall back to default")
	}
	if BlockValue("DIAMOND_ORE") != 10000 || BlockValue("MYSTERY") != 100 {
		t.Fatalf("unexpected block values")
	}
}
