package selection

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/rangetable"
)

// span returns a table covering lo..hi inclusive.
func span(lo, hi rune) *unicode.RangeTable {
	return &unicode.RangeTable{
		R32: []unicode.Range32{{Lo: uint32(lo), Hi: uint32(hi), Stride: 1}},
	}
}

// emoji covers pictographs, skin-tone modifiers, and the non-ASCII emoji
// components (joiners, variation selectors, keycap, regional indicators,
// tags). ASCII digits, '#' and '*' are components too but stay untouched.
var emoji = rangetable.Merge(
	// Pictographs.
	span(0x1F000, 0x1F0FF),
	span(0x1F170, 0x1F251),
	span(0x1F300, 0x1FAFF),
	span(0x2600, 0x27BF),
	span(0x231A, 0x231B),
	span(0x23E9, 0x23FA),
	span(0x2B05, 0x2B07),
	span(0x2B1B, 0x2B1C),
	rangetable.New(0x2328, 0x23CF, 0x2B50, 0x2B55, 0x3030, 0x303D, 0x3297, 0x3299),

	// Modifiers.
	span(0x1F3FB, 0x1F3FF),

	// Components.
	span(0xFE00, 0xFE0F),
	span(0xE0020, 0xE007F),
	rangetable.New(0x200D, 0x20E3),
)

// Clean removes emoji and surrounding whitespace from s.
func Clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.Is(emoji, r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
