// Package similarity computes lexical similarity between text fragments.
//
// This is a trust-boundary primitive: the injection guard depends on it, so
// it must stay pure, deterministic, and free of network or model calls.
package similarity

import (
	"math"
	"regexp"
	"strings"
)

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// Vector is a term-frequency vector over normalized tokens.
type Vector map[string]int

// Tokenize lowercases text, strips punctuation, and returns its tokens.
func Tokenize(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

// Vectorize builds a term-frequency vector for text.
func Vectorize(text string) Vector {
	v := make(Vector)
	for _, tok := range Tokenize(text) {
		v[tok]++
	}
	return v
}

// Cosine computes cosine similarity between two term-frequency vectors.
func Cosine(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// Iterate the smaller vector for the dot product
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	dot := 0
	for tok, n := range small {
		if m, ok := large[tok]; ok {
			dot += n * m
		}
	}
	if dot == 0 {
		return 0
	}
	// Parallel vectors (identical text included) must score exactly 1;
	// the integer comparison avoids float drift like 0.9999999999999998.
	ma, mb := magSq(a), magSq(b)
	if dot*dot == ma*mb {
		return 1
	}
	return float64(dot) / math.Sqrt(float64(ma)*float64(mb))
}

func magSq(v Vector) int {
	sum := 0
	for _, n := range v {
		sum += n * n
	}
	return sum
}

// Score computes the similarity of two text fragments in [0, 1]. Symmetric
// and deterministic. Empty text scores 0 against anything; identical
// non-empty text scores 1.
func Score(a, b string) float64 {
	return Cosine(Vectorize(a), Vectorize(b))
}
