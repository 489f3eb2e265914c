// Package palette holds the weighted block distributions mines are filled from.
package palette

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

type Entry struct {
	Block  string `json:"block" yaml:"block"`
	Weight int64  `json:"weight" yaml:"weight"`
	Value  int64  `json:"value" yaml:"value"`
}

// InvalidPaletteError is returned by New when the entries cannot form a distribution.
type InvalidPaletteError struct {
	Reason string
}

func (e *InvalidPaletteError) Error() string {
	return "invalid palette: " + e.Reason
}

// Palette is immutable after New; share it freely between regions and goroutines.
type Palette struct {
	entries []Entry
	cum     []int64
	total   int64
}

func New(entries []Entry) (*Palette, error) {
	if len(entries) == 0 {
		return nil, &InvalidPaletteError{Reason: "no entries"}
	}
	p := &Palette{
		entries: make([]Entry, len(entries)),
		cum:     make([]int64, len(entries)),
	}
	var total int64
	for i, e := range entries {
		if strings.TrimSpace(e.Block) == "" {
			return nil, &InvalidPaletteError{Reason: fmt.Sprintf("entry %d has empty block", i)}
		}
		if e.Weight < 0 {
			return nil, &InvalidPaletteError{Reason: fmt.Sprintf("entry %s has negative weight %d", e.Block, e.Weight)}
		}
		if e.Value < 0 {
			return nil, &InvalidPaletteError{Reason: fmt.Sprintf("entry %s has negative value %d", e.Block, e.Value)}
		}
		total += e.Weight
		p.entries[i] = e
		p.cum[i] = total
	}
	if total <= 0 {
		return nil, &InvalidPaletteError{Reason: "total weight must be > 0"}
	}
	p.total = total
	return p, nil
}

// MustNew is New for static tables.
func MustNew(entries []Entry) *Palette {
	p, err := New(entries)
	if err != nil {
		panic(err)
	}
	return p
}

// DrawIndex picks an entry index. Zero-weight entries are never chosen.
func (p *Palette) DrawIndex(r *rand.Rand) int {
	x := r.Int63n(p.total)
	// first cumulative bucket that covers x
	return sort.Search(len(p.cum), func(i int) bool { return p.cum[i] > x })
}

func (p *Palette) Draw(r *rand.Rand) (block string, value int64) {
	e := p.entries[p.DrawIndex(r)]
	return e.Block, e.Value
}

func (p *Palette) Len() int           { return len(p.entries) }
func (p *Palette) TotalWeight() int64 { return p.total }

func (p *Palette) Entry(i int) Entry { return p.entries[i] }

func (p *Palette) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// MaxValue is the highest per-block value any draw can return.
func (p *Palette) MaxValue() int64 {
	var m int64
	for i, e := range p.entries {
		if p.weightAt(i) > 0 && e.Value > m {
			m = e.Value
		}
	}
	return m
}

// ExpectedValue returns the mean value of one draw, in permille of a unit.
func (p *Palette) ExpectedValue() int64 {
	var sum int64
	for i, e := range p.entries {
		sum += p.weightAt(i) * e.Value
	}
	return sum * 1000 / p.total
}

func (p *Palette) weightAt(i int) int64 {
	if i == 0 {
		return p.cum[0]
	}
	return p.cum[i] - p.cum[i-1]
}
