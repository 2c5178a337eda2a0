// Package shuffle derives per-contributor seeds and produces the reproducible
// prompt orderings that are persisted for every level.
//
// The hash and generator constants below are part of the persisted data
// contract. Orders already stored on user rows are never recomputed, so
// changing any constant only affects levels assigned after the change; users
// assigned before and after would then disagree about what "the" order for a
// (username, level) pair is. Do not change them once real progress exists.
package shuffle

import (
	"math"
	"strconv"
	"unicode/utf16"
)

// Linear congruential generator parameters. The generator state always stays
// below lcgModulus after the first step.
const (
	lcgMultiplier = 9301
	lcgIncrement  = 49297
	lcgModulus    = 233280
)

// DeriveSeed returns a non-negative seed for a username and level.
//
// It folds a 31-multiplier polynomial hash over the UTF-16 code units of
// username+level into a signed 32-bit integer and takes the absolute value.
// Collisions are tolerated: they only make two contributors share an order.
func DeriveSeed(username string, level int) int64 {
	key := username + strconv.Itoa(level)
	var h int32
	for _, unit := range utf16.Encode([]rune(key)) {
		h = (h << 5) - h + int32(unit)
	}
	seed := int64(h)
	if seed < 0 {
		seed = -seed
	}
	return seed
}

// Generator is the seeded LCG used by Shuffle.
type Generator struct {
	state int64
}

// NewGenerator starts a generator at seed. Negative seeds are folded to their
// absolute value so the state stays non-negative.
func NewGenerator(seed int64) *Generator {
	if seed < 0 {
		seed = -seed
	}
	return &Generator{state: seed}
}

// Float advances the generator and returns a value in [0, 1).
func (g *Generator) Float() float64 {
	g.state = (g.state*lcgMultiplier + lcgIncrement) % lcgModulus
	return float64(g.state) / lcgModulus
}

// Intn advances the generator and returns a value in [0, n).
func (g *Generator) Intn(n int) int {
	return int(math.Floor(g.Float() * float64(n)))
}

// Shuffle returns a permutation of items determined entirely by seed.
// The input slice is not modified.
//
// Fisher-Yates from the last index down to 1; at each index i the generator
// picks a partner in [0, i].
func Shuffle[T any](items []T, seed int64) []T {
	out := make([]T, len(items))
	copy(out, items)
	g := NewGenerator(seed)
	for i := len(out) - 1; i > 0; i-- {
		j := g.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
