package palette

import "sort"

// Block values in minor currency units (hundredths).
var blockValues = map[string]int64{
	"STONE":           100,
	"COBBLESTONE":     150,
	"COAL_ORE":        500,
	"IRON_ORE":        1000,
	"GOLD_ORE":        2500,
	"DIAMOND_ORE":     10000,
	"EMERALD_ORE":     25000,
	"NETHERITE_SCRAP": 50000,
}

// BlockValue returns the default value of a block, or one stone's worth for unknown blocks.
func BlockValue(block string) int64 {
	if v, ok := blockValues[block]; ok {
		return v
	}
	return blockValues["STONE"]
}

// Composition weights are percentages.
var presets = map[string]map[string]int64{
	"a": {"STONE": 70, "COAL_ORE": 25, "IRON_ORE": 5},
	"b": {"STONE": 60, "COAL_ORE": 20, "IRON_ORE": 15, "GOLD_ORE": 5},
	"c": {"STONE": 50, "IRON_ORE": 25, "GOLD_ORE": 15, "DIAMOND_ORE": 8, "EMERALD_ORE": 2},
	"default": {"STONE": 80, "COAL_ORE": 20},
}

// Preset builds one of the stock mine compositions. Unknown names get the default one.
func Preset(name string) *Palette {
	comp, ok := presets[name]
	if !ok {
		comp = presets["default"]
	}
	blocks := make([]string, 0, len(comp))
	for b := range comp {
		blocks = append(blocks, b)
	}
	// heaviest first, then by name, so the cumulative table is stable
	sort.Slice(blocks, func(i, j int) bool {
		if comp[blocks[i]] != comp[blocks[j]] {
			return comp[blocks[i]] > comp[blocks[j]]
		}
		return blocks[i] < blocks[j]
	})
	entries := make([]Entry, 0, len(blocks))
	for _, b := range blocks {
		entries = append(entries, Entry{Block: b, Weight: comp[b], Value: BlockValue(b)})
	}
	return MustNew(entries)
}

func PresetNames() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
