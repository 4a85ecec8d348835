package queue

import (
	"math/rand/v2"
	"sync"
)

// Priority layout. Every journey depth owns a disjoint block of priorities,
// deeper blocks holding lower numbers, and lower numbers are served first.
// A customer further along a journey therefore always beats a new entrant.
const (
	MaxPriority     = 2_000_000
	MaxJourneyDepth = 1000
	BlockSize       = MaxPriority / MaxJourneyDepth
)

// ClampDepth bounds depth to [1, MaxJourneyDepth].
func ClampDepth(depth int) int {
	return min(max(depth, 1), MaxJourneyDepth)
}

// Block returns the inclusive priority range of a depth.
func Block(depth int) (int, int) {
	d := ClampDepth(depth)
	low := (MaxJourneyDepth-d)*BlockSize + 1

	return low, low + BlockSize - 1
}

// PriorityGenerator draws priorities uniformly inside depth blocks.
type PriorityGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPriorityGenerator creates a generator; a nil source selects a random seed.
func NewPriorityGenerator(src rand.Source) *PriorityGenerator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}

	return &PriorityGenerator{rng: rand.New(src)}
}

// Next returns one priority for depth.
func (g *PriorityGenerator) Next(depth int) int {
	return g.Batch(depth, 1)[0]
}

// Batch returns n priorities for depth.
func (g *PriorityGenerator) Batch(depth, n int) []int {
	low, _ := Block(depth)
	priorities := make([]int, n)

	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range priorities {
		priorities[i] = low + g.rng.IntN(BlockSize)
	}

	return priorities
}
