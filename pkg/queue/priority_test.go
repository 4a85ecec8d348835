package queue

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlock_DisjointAndDeeperIsLower(t *testing.T) {
	prevLow, prevHigh := Block(1)
	assert.Equal(t, MaxPriority-BlockSize+1, prevLow)
	assert.Equal(t, MaxPriority, prevHigh)

	for depth := 2; depth <= MaxJourneyDepth; depth++ {
		low, high := Block(depth)

		require.Equal(t, BlockSize-1, high-low)
		require.Less(t, high, prevLow, "depth %d overlaps depth %d", depth, depth-1)

		prevLow = low
	}

	assert.Equal(t, 1, prevLow)
}

func TestBlock_ClampsDepth(t *testing.T) {
	low, high := Block(0)
	wantLow, wantHigh := Block(1)
	assert.Equal(t, wantLow, low)
	assert.Equal(t, wantHigh, high)

	low, _ = Block(MaxJourneyDepth + 50)
	assert.Equal(t, 1, low)
}

func TestPriorityGenerator_StaysInBlock(t *testing.T) {
	gen := NewPriorityGenerator(rand.NewPCG(1, 2))

	for _, depth := range []int{1, 2, 17, 999, 1000} {
		low, high := Block(depth)

		for _, p := range gen.Batch(depth, 500) {
			assert.GreaterOrEqual(t, p, low)
			assert.LessOrEqual(t, p, high)
		}
	}
}

func TestPriorityGenerator_Deterministic(t *testing.T) {
	a := NewPriorityGenerator(rand.NewPCG(7, 7))
	b := NewPriorityGenerator(rand.NewPCG(7, 7))

	assert.Equal(t, a.Batch(3, 20), b.Batch(3, 20))
}

func TestPriorityGenerator_DeeperJobsWin(t *testing.T) {
	gen := NewPriorityGenerator(nil)

	for range 100 {
		assert.Less(t, gen.Next(5), gen.Next(4))
	}
}
