// Package vecmath provides the vector similarity and lexical scoring functions
// used by the in-process search paths of the storage backends.
package vecmath

import (
	"math"
	"strings"
	"unicode"
)

// CosineSimilarity returns the cosine similarity of a and b.
//
// Returns 0 when the vectors differ in length or either has zero norm.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance returns 1 - CosineSimilarity(a, b).
func CosineDistance(a, b []float64) float64 {
	return 1 - CosineSimilarity(a, b)
}

// L2Distance returns the euclidean distance between a and b.
// Vectors of different length are treated as infinitely far apart.
func L2Distance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Dot returns the inner product of a and b.
func Dot(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// DistanceToScore maps a distance into a higher-is-better score in (0, 1].
func DistanceToScore(distance float64) float64 {
	if math.IsNaN(distance) || math.IsInf(distance, 1) {
		return 0
	}
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + distance)
}

// Tokenize lowercases text and splits it into terms.
//
// Runs of letters and digits form one term. Han, Hiragana, Katakana and Hangul
// characters are emitted one rune per term so that unsegmented CJK text can
// still be matched.
func Tokenize(text string) []string {
	var (
		tokens []string
		b      strings.Builder
	)

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case isCJK(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
