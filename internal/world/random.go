package world

import (
	"hash/fnv"
	"math"
	"math/rand"
)

// DefaultSeed seeds the room RNG when no seed is configured.
const DefaultSeed = "stake-arena"

// DeterministicSeedValue folds a root seed and a label into an rng seed.
func DeterministicSeedValue(rootSeed, label string) int64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(rootSeed))
	hasher.Write([]byte{0})
	hasher.Write([]byte(label))
	sum := hasher.Sum64()
	if sum == 0 {
		sum = 1
	}
	return int64(sum)
}

// NewDeterministicRNG returns an rng that replays identically for the same
// seed and label.
func NewDeterministicRNG(rootSeed, label string) *rand.Rand {
	return rand.New(rand.NewSource(DeterministicSeedValue(rootSeed, label)))
}

func randomAngle(rng *rand.Rand) float64 {
	return rng.Float64() * 2 * math.Pi
}

// spawnOffset picks a point within radius of the origin, away from the exact
// center so simultaneous joins do not overlap.
func spawnOffset(rng *rand.Rand, radius float64) (float64, float64) {
	if radius <= 0 {
		return 0, 0
	}
	angle := randomAngle(rng)
	distance := radius * math.Sqrt(rng.Float64())
	return math.Cos(angle) * distance, math.Sin(angle) * distance
}
