// Package similarity holds the string and vector comparisons used to detect
// duplicate threat actors.
package similarity

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// EditDistance is the case-insensitive Levenshtein distance between a and b,
// counted in runes with unit costs.
func EditDistance(a, b string) int {
	return levenshtein.ComputeDistance(strings.ToLower(a), strings.ToLower(b))
}

// NameSimilarity returns 1 - EditDistance/max(len) in [0, 1]. Two empty strings are identical.
func NameSimilarity(a, b string) float64 {
	longest := max(utf8.RuneCountInString(strings.ToLower(a)), utf8.RuneCountInString(strings.ToLower(b)))
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(EditDistance(a, b))/float64(longest)
}

// NormalizeName lowercases s and drops every rune that is not a letter or digit.
func NormalizeName(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// NormalizeAliases returns the set of non-empty normalized aliases.
func NormalizeAliases(aliases []string) map[string]struct{} {
	set := make(map[string]struct{}, len(aliases))
	for _, alias := range aliases {
		if n := NormalizeName(alias); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// AliasOverlapCount is the size of the intersection of the normalized alias sets.
func AliasOverlapCount(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	return SetOverlap(NormalizeAliases(a), NormalizeAliases(b))
}

// SetOverlap counts the keys two alias sets from NormalizeAliases share.
func SetOverlap(setA, setB map[string]struct{}) int {
	if len(setB) < len(setA) {
		setA, setB = setB, setA
	}

	count := 0
	for alias := range setA {
		if _, ok := setB[alias]; ok {
			count++
		}
	}
	return count
}

// CosineSimilarity of two vectors. Returns 0 for mismatched lengths or a zero-magnitude vector.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
