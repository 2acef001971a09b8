package normalizer

import (
	"math"
	"strconv"
	"strings"
)

var separators = strings.NewReplacer(",", "", " ", "", "\u00a0", "")

// cleanNumber strips the decorations the source puts around numbers: a
// trailing "+" ("5+ rooms"), thousands separators and embedded spaces.
func cleanNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "+")
	return separators.Replace(s)
}

// parseInt returns def for anything that is not a number. Fractional values
// are truncated.
func parseInt(s string, def int) int {
	s = cleanNumber(s)
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return int(f)
}

func parseFloat(s string, def float64) float64 {
	s = cleanNumber(s)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
