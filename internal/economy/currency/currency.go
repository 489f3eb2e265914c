// Package currency is the catalogue of currencies an account can hold and the compact amount format
// shown to players.
package currency

import (
	"fmt"
	"sort"
	"strings"
)

// Scale is the number of minor units in one whole unit of every currency.
const Scale = 100

const Default = "money"

type Info struct {
	ID     string
	Name   string
	Symbol string
}

var catalogue = map[string]Info{
	"money":            {ID: "money", Name: "Money", Symbol: "$"},
	"tokens":           {ID: "tokens", Name: "Tokens"},
	"souls":            {ID: "souls", Name: "Souls"},
	"beacons":          {ID: "beacons", Name: "Beacons"},
	"gems":             {ID: "gems", Name: "Gems"},
	"ascension_points": {ID: "ascension_points", Name: "Ascension Points"},
}

// Normalize lower-cases id and maps empty to Default.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return Default
	}
	return id
}

func Known(id string) bool {
	_, ok := catalogue[Normalize(id)]
	return ok
}

func Lookup(id string) (Info, bool) {
	info, ok := catalogue[Normalize(id)]
	return info, ok
}

// IDs returns every currency id, sorted.
func IDs() []string {
	out := make([]string, 0, len(catalogue))
	for id := range catalogue {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var suffixes = []struct {
	div    float64
	suffix string
}{
	{1e18, "QQ"},
	{1e15, "Q"},
	{1e12, "T"},
	{1e9, "B"},
	{1e6, "M"},
	{1e3, "K"},
}

// Format renders minor units compactly: 1234567 money minor units is "$12.3K". Money keeps two decimals
// below a thousand; other currencies drop trailing fractions.
func Format(id string, minor int64) string {
	id = Normalize(id)
	info, _ := Lookup(id)
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return sign + info.Symbol + formatAmount(float64(minor)/Scale, id == Default)
}

func formatAmount(v float64, money bool) string {
	for _, s := range suffixes {
		if v >= s.div {
			return withSuffix(v/s.div, s.suffix, money)
		}
	}
	if money {
		return fmt.Sprintf("%.2f", v)
	}
	if v == float64(int64(v)) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}

func withSuffix(v float64, suffix string, money bool) string {
	switch {
	case v >= 100:
		return fmt.Sprintf("%.0f%s", v, suffix)
	case v >= 10 || !money:
		return fmt.Sprintf("%.1f%s", v, suffix)
	default:
		return fmt.Sprintf("%.2f%s", v, suffix)
	}
}
