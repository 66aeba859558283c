// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stringutils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var asciiFolder = NewNormalizer(defaultNormalizerTTL, foldASCIIInner)

// letters NFKD leaves intact because they are distinct letters, not composed ones
var letterReplacer = strings.NewReplacer(
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"ß", "ss",
	"ð", "d", "Ð", "D",
	"þ", "th", "Þ", "TH",
	"µ", "u",
)

func foldASCIIInner(s string) string {
	s = letterReplacer.Replace(s)

	// transform.Chain is not safe for concurrent use; build it per call.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// FoldASCII removes diacritics and decomposes ligatures so that scanner text
// keeps its letters when reduced to a portable character set. Characters with
// no decomposition are returned unchanged; callers filter what remains.
//
// Examples:
//   - "Flair café" → "Flair cafe"
//   - "T2 Ø" → "T2 O"
//   - "ﬁeld" → "field"
func FoldASCII(s string) string {
	return asciiFolder.Normalize(s)
}
