package region

import (
	"fmt"
	"sort"
)

// Registry indexes regions by id. Like Region it belongs to the tick goroutine.
type Registry struct {
	byID  map[string]*Region
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Region{}}
}

func (g *Registry) Add(r *Region) error {
	if r == nil {
		return fmt.Errorf("nil region")
	}
	if _, ok := g.byID[r.ID()]; ok {
		return fmt.Errorf("duplicate region id: %s", r.ID())
	}
	for _, id := range g.order {
		if overlaps(g.byID[id].Bounds(), r.Bounds()) {
			return fmt.Errorf("region %s overlaps %s", r.ID(), id)
		}
	}
	g.byID[r.ID()] = r
	g.order = append(g.order, r.ID())
	sort.Strings(g.order)
	return nil
}

func (g *Registry) Get(id string) (*Region, bool) {
	r, ok := g.byID[id]
	return r, ok
}

// Locate returns the region whose bounds contain p.
func (g *Registry) Locate(p Pos) (*Region, bool) {
	for _, id := range g.order {
		if r := g.byID[id]; r.Bounds().Contains(p) {
			return r, true
		}
	}
	return nil, false
}

// All returns regions sorted by id.
func (g *Registry) All() []*Region {
	out := make([]*Region, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.byID[id])
	}
	return out
}

func (g *Registry) Len() int { return len(g.order) }

func overlaps(a, b Cuboid) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y &&
		a.Min.Z <= b.Max.Z && b.Min.Z <= a.Max.Z
}
