package simhost

import (
	"fmt"
	"math/rand"

	"github.com/huncho416/MythicPrisonCore/internal/sim/host"
	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
)

// Miners are simulated players. Each tick every miner swings at a random cell of a random area and
// breaks it if the host has a block there.
type Miners struct {
	h       *Host
	players []string
	areas   []region.Cuboid
	rng     *rand.Rand

	Swings uint64
	Breaks uint64
}

// AddMiners registers n players named prefix-0..prefix-(n-1) mining inside areas.
func (h *Host) AddMiners(prefix string, n int, areas []region.Cuboid, seed int64) *Miners {
	m := &Miners{h: h, areas: areas, rng: rand.New(rand.NewSource(seed))}
	for i := 0; i < n; i++ {
		m.players = append(m.players, fmt.Sprintf("%s-%d", prefix, i))
	}
	h.OnTick(m.swing)
	return m
}

func (m *Miners) Players() []string { return append([]string(nil), m.players...) }

func (m *Miners) swing() {
	if len(m.areas) == 0 {
		return
	}
	for _, p := range m.players {
		a := m.areas[m.rng.Intn(len(m.areas))]
		pos := a.PosAt(m.rng.Intn(int(a.Volume())))
		m.Swings++
		if _, ok := m.h.Block(pos); !ok {
			continue
		}
		if err := m.h.Break(host.BreakEvent{Pos: pos, Player: p}); err != nil {
			return
		}
		m.Breaks++
	}
}
