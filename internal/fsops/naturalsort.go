package fsops

import (
	"sort"
	"strings"
	"unicode"
)

// NaturalLess compares two strings with embedded digit runs interpreted
// numerically, so "Part 2" sorts before "Part 10". Comparison of the
// non-digit segments is case-insensitive.
func NaturalLess(a, b string) bool {
	return naturalCompare(a, b) < 0
}

// SortNatural sorts paths in place using natural ordering.
func SortNatural(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		return NaturalLess(paths[i], paths[j])
	})
}

func naturalCompare(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := rune(a[i]), rune(b[j])

		if unicode.IsDigit(ca) && unicode.IsDigit(cb) {
			na, ni := digitRun(a, i)
			nb, nj := digitRun(b, j)
			if c := compareNumeric(na, nb); c != 0 {
				return c
			}
			i, j = ni, nj
			continue
		}

		la, lb := unicode.ToLower(ca), unicode.ToLower(cb)
		if la != lb {
			if la < lb {
				return -1
			}
			return 1
		}
		i++
		j++
	}

	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	default:
		return 0
	}
}

// digitRun extracts the digit run starting at position i and returns the
// run and the position after it.
func digitRun(s string, i int) (string, int) {
	start := i
	for i < len(s) && unicode.IsDigit(rune(s[i])) {
		i++
	}
	return s[start:i], i
}

// compareNumeric compares two digit runs numerically without overflow by
// comparing stripped lengths first, then lexically.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
