package region

import (
	"fmt"
	"time"
)

type Pos struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

func (p Pos) String() string { return fmt.Sprintf("%d,%d,%d", p.X, p.Y, p.Z) }

// Cuboid is inclusive on both corners.
type Cuboid struct {
	Min Pos `json:"min" yaml:"min"`
	Max Pos `json:"max" yaml:"max"`
}

func NewCuboid(a, b Pos) Cuboid {
	return Cuboid{
		Min: Pos{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)},
		Max: Pos{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)},
	}
}

func (c Cuboid) Valid() bool {
	return c.Min.X <= c.Max.X && c.Min.Y <= c.Max.Y && c.Min.Z <= c.Max.Z
}

func (c Cuboid) SizeX() int { return c.Max.X - c.Min.X + 1 }
func (c Cuboid) SizeY() int { return c.Max.Y - c.Min.Y + 1 }
func (c Cuboid) SizeZ() int { return c.Max.Z - c.Min.Z + 1 }

func (c Cuboid) Volume() int64 {
	if !c.Valid() {
		return 0
	}
	return int64(c.SizeX()) * int64(c.SizeY()) * int64(c.SizeZ())
}

func (c Cuboid) Contains(p Pos) bool {
	return p.X >= c.Min.X && p.X <= c.Max.X &&
		p.Y >= c.Min.Y && p.Y <= c.Max.Y &&
		p.Z >= c.Min.Z && p.Z <= c.Max.Z
}

// Index maps a contained position to its cell offset (x fastest, then z, then y).
func (c Cuboid) Index(p Pos) int {
	dx := p.X - c.Min.X
	dy := p.Y - c.Min.Y
	dz := p.Z - c.Min.Z
	return (dy*c.SizeZ()+dz)*c.SizeX() + dx
}

func (c Cuboid) PosAt(i int) Pos {
	sx, sz := c.SizeX(), c.SizeZ()
	dx := i % sx
	rest := i / sx
	dz := rest % sz
	dy := rest / sz
	return Pos{X: c.Min.X + dx, Y: c.Min.Y + dy, Z: c.Min.Z + dz}
}

type State int

const (
	StateActive State = iota
	StateDepleting
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateDepleting:
		return "DEPLETING"
	case StateResetting:
		return "RESETTING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type PolicyKind string

const (
	PolicyInterval  PolicyKind = "interval"
	PolicyDepletion PolicyKind = "depletion"
)

// Policy decides when a region regenerates.
// Interval: every Interval of wall-clock time.
// Depletion: once the remaining value is at or below Threshold*max, after Grace.
type Policy struct {
	Kind      PolicyKind    `json:"kind" yaml:"kind"`
	Interval  time.Duration `json:"interval" yaml:"interval"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
	Grace     time.Duration `json:"grace" yaml:"grace"`
}

func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyInterval:
		if p.Interval <= 0 {
			return fmt.Errorf("interval policy needs interval > 0")
		}
	case PolicyDepletion:
		if p.Threshold < 0 || p.Threshold >= 1 {
			return fmt.Errorf("depletion threshold must be in [0, 1)")
		}
		if p.Grace < 0 {
			return fmt.Errorf("depletion grace must be >= 0")
		}
	default:
		return fmt.Errorf("unknown policy kind %q", p.Kind)
	}
	return nil
}
