package counter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/table"
)

type testNode struct {
	id      string
	db      db.DB
	counter *Counter
}

func newCluster(t *testing.T, n int) []*testNode {
	t.Helper()
	net := rpc.NewLocalNetwork()
	systems := make([]*rpc.System, n)
	for i := range systems {
		systems[i] = rpc.NewSystem(fmt.Sprintf("node-%c", 'a'+i), rpc.NewRing(16), zap.NewNop())
		net.Join(systems[i])
	}
	nodes := make([]*testNode, n)
	for i, sys := range systems {
		local := db.NewMemory()
		c, err := New("objects_counter", table.Deps{
			System:      sys,
			Replication: &table.Sharded{System: sys, ReplicationFactor: n, ReadQuorumN: 2, WriteQuorumN: 2},
			DB:          local,
			Logger:      zap.NewNop(),
		}, Config{Table: table.Config{Timeout: time.Second}})
		require.NoError(t, err)
		nodes[i] = &testNode{id: sys.ID(), db: local, counter: c}
	}
	return nodes
}

func opRow(node, id string, ts uint64, deltas Values) Row {
	return Row{
		PartitionKey: []byte("bucket"),
		Shards:       []Shard{{Node: node, Ops: []Op{{ID: id, Timestamp: ts, Deltas: deltas}}}},
	}
}

func TestCounter_IncrementIsIdempotent(t *testing.T) {
	nodes := newCluster(t, 3)
	ctx := context.Background()
	c := nodes[0].counter

	require.NoError(t, c.Increment(ctx, []byte("bucket"), nil, Values{"objects": 5}, "7"))
	require.NoError(t, c.Increment(ctx, []byte("bucket"), nil, Values{"objects": 5}, "7"))

	got, err := c.Get(ctx, []byte("bucket"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got["objects"])
}

func TestCounter_SameOpOnTwoNodesCountsOnce(t *testing.T) {
	a := opRow("node-a", "retry", 10, Values{"objects": 5})
	b := opRow("node-b", "retry", 20, Values{"objects": 5})
	assert.Equal(t, int64(5), mergeRows(a, b).Value(nil)["objects"])
}

func TestCounter_DistinctIncrementsSumInAnyOrder(t *testing.T) {
	three := opRow("node-a", "op-3", 10, Values{"objects": 3})
	four := opRow("node-b", "op-4", 11, Values{"objects": 4})
	assert.Equal(t, int64(7), mergeRows(three, four).Value(nil)["objects"])
	assert.Equal(t, int64(7), mergeRows(four, three).Value(nil)["objects"])

	nodes := newCluster(t, 3)
	ctx := context.Background()
	require.NoError(t, nodes[0].counter.Increment(ctx, []byte("bucket"), nil, Values{"objects": 3}, "op-3"))
	require.NoError(t, nodes[1].counter.Increment(ctx, []byte("bucket"), nil, Values{"objects": 4}, "op-4"))

	got, err := nodes[2].counter.Get(ctx, []byte("bucket"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got["objects"])
}

func TestCounter_MergeLaws(t *testing.T) {
	rows := []Row{
		opRow("node-a", "x", 5, Values{"objects": 1, "bytes": 100}),
		opRow("node-a", "y", 7, Values{"objects": 1}),
		{PartitionKey: []byte("bucket"), Shards: []Shard{
			{Node: "node-a", FoldedBefore: 6, Base: Values{"objects": 1, "bytes": 100}},
			{Node: "node-b", Local: Values{"objects": 4}, LocalTimestamp: 9},
		}},
		{PartitionKey: []byte("bucket"), Shards: []Shard{
			{Node: "node-b", Local: Values{"objects": 2}, LocalTimestamp: 12},
			{Node: "node-c", Ops: []Op{{ID: "z", Timestamp: 3, Deltas: Values{"bytes": -10}}}},
		}},
	}
	enc := func(r Row) string { return string(encodeRow(r)) }

	for i, a := range rows {
		assert.Equal(t, enc(a), enc(mergeRows(a, a)), "idempotent %d", i)
		for j, b := range rows {
			assert.Equal(t, enc(mergeRows(a, b)), enc(mergeRows(b, a)), "commutative %d,%d", i, j)
			for k, c := range rows {
				assert.Equal(t,
					enc(mergeRows(mergeRows(a, b), c)),
					enc(mergeRows(a, mergeRows(b, c))),
					"associative %d,%d,%d", i, j, k)
			}
		}
	}

	all := rows[0]
	for _, r := range rows[1:] {
		all = mergeRows(all, r)
	}
	// x is folded into node-a's base, y survives, node-b's newest local wins.
	got := all.Value(nil)
	assert.Equal(t, int64(1+1+2), got["objects"])
	assert.Equal(t, int64(100-10), got["bytes"])

	decoded, err := decodeRow(encodeRow(all))
	require.NoError(t, err)
	assert.Equal(t, enc(all), enc(decoded))
}

func TestCounter_LocalCountsTakeMaxAcrossReplicas(t *testing.T) {
	nodes := newCluster(t, 3)
	runner := background.NewRunner(zap.NewNop())
	t.Cleanup(func() { runner.Stop(5 * time.Second) })
	for _, n := range nodes {
		n.counter.SpawnWorkers(runner)
	}

	// Every replica of a counted row sees the same change through its hook.
	for _, n := range nodes {
		c := n.counter
		require.NoError(t, n.db.Transaction(func(tx db.Tx) error {
			return c.Count(tx, []byte("bucket"), nil, Values{"objects": 1, "bytes": 42})
		}))
	}

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		row, ok, err := nodes[0].counter.Table().Get(ctx, []byte("bucket"), nil)
		return err == nil && ok && len(row.Shards) == 3
	}, 5*time.Second, 20*time.Millisecond)

	got, err := nodes[0].counter.Get(ctx, []byte("bucket"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got["objects"])
	assert.Equal(t, int64(42), got["bytes"])

	require.NoError(t, nodes[1].db.Transaction(func(tx db.Tx) error {
		return nodes[1].counter.Count(tx, []byte("bucket"), nil, Values{"objects": 1})
	}))
	assert.Eventually(t, func() bool {
		got, err := nodes[2].counter.Get(ctx, []byte("bucket"), nil)
		return err == nil && got["objects"] == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCounter_FoldKeepsValue(t *testing.T) {
	nodes := newCluster(t, 3)
	ctx := context.Background()
	key := []byte("bucket")

	require.NoError(t, nodes[0].counter.Increment(ctx, key, nil, Values{"objects": 3}, "a"))
	require.NoError(t, nodes[0].counter.Increment(ctx, key, nil, Values{"objects": 4}, "b"))

	// Wait for every replica so whichever node leads the partition folds both ops.
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			e, err := n.counter.Table().Data().Get(key, nil)
			if err != nil || e == nil {
				return false
			}
			s, ok := e.Row.shard("node-a")
			if !ok || len(s.Ops) != 2 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	later := time.Now().Add(48 * time.Hour)
	folded := 0
	for _, n := range nodes {
		_, k, err := n.counter.foldStep(ctx, nil, later)
		require.NoError(t, err)
		folded += k
	}
	assert.Equal(t, 1, folded, "only the partition leader folds")

	row, ok, err := nodes[0].counter.Table().Get(ctx, key, nil)
	require.NoError(t, err)
	require.True(t, ok)
	s, ok := row.shard("node-a")
	require.True(t, ok)
	assert.Empty(t, s.Ops)
	assert.Equal(t, int64(7), s.Base["objects"])

	got, err := nodes[0].counter.Get(ctx, key, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got["objects"])
}
