package rpc

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRing(n int) *Ring {
	r := NewRing(128)
	for i := 0; i < n; i++ {
		r.AddNode(fmt.Sprintf("node-%d", i))
	}
	return r
}

func TestRing_ReplicasAreDistinctAndDeterministic(t *testing.T) {
	a := buildRing(5)
	b := buildRing(5)

	for p := 0; p < NumPartitions; p++ {
		nodes := a.ReplicasFor(Partition(p), 3)
		require.Len(t, nodes, 3)
		assert.Equal(t, nodes, b.ReplicasFor(Partition(p), 3))

		seen := map[string]bool{}
		for _, n := range nodes {
			assert.False(t, seen[n], "duplicate replica %s", n)
			seen[n] = true
		}
	}
}

func TestRing_FewerNodesThanReplicas(t *testing.T) {
	r := buildRing(2)
	assert.Len(t, r.ReplicasFor(7, 3), 2)
	assert.Nil(t, NewRing(8).ReplicasFor(7, 3))
}

func TestRing_AddingANodeRemapsAboutOneOverN(t *testing.T) {
	for _, n := range []int{3, 5, 10} {
		t.Run(fmt.Sprintf("%d_nodes", n), func(t *testing.T) {
			r := buildRing(n)
			rng := rand.New(rand.NewSource(42))

			const samples = 20000
			positions := make([]uint64, samples)
			before := make([]string, samples)
			for i := range positions {
				positions[i] = rng.Uint64()
				before[i] = r.NodesFor(positions[i], 1)[0]
			}

			require.True(t, r.AddNode("newcomer"))
			moved := 0
			for i, pos := range positions {
				after := r.NodesFor(pos, 1)[0]
				if after != before[i] {
					assert.Equal(t, "newcomer", after, "keys only move to the new node")
					moved++
				}
			}

			expected := 1.0 / float64(n+1)
			fraction := float64(moved) / samples
			assert.InDelta(t, expected, fraction, expected*0.5,
				"moved %.3f of keys, expected about %.3f", fraction, expected)
		})
	}
}

func TestRing_RemoveNodeAndVersion(t *testing.T) {
	r := buildRing(3)
	v := r.Version()

	assert.False(t, r.AddNode("node-0"))
	assert.Equal(t, v, r.Version())

	require.True(t, r.RemoveNode("node-1"))
	assert.Greater(t, r.Version(), v)
	assert.Equal(t, []string{"node-0", "node-2"}, r.Nodes())
	assert.False(t, r.Contains("node-1"))

	for p := 0; p < NumPartitions; p++ {
		assert.NotContains(t, r.ReplicasFor(Partition(p), 3), "node-1")
	}
}

func TestPartitionOf(t *testing.T) {
	assert.Equal(t, Partition(0xab), PartitionOf(0xab00000000000001))
	assert.Equal(t, uint64(0xab)<<56, Partition(0xab).Position())
}
