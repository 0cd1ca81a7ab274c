package table

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
)

type kvRow struct {
	PK, SK, Value string
}

type kvSchema struct {
	NoHooks[kvRow]
}

func (kvSchema) Name() string                { return "kv" }
func (kvSchema) PartitionKey(r kvRow) []byte { return []byte(r.PK) }
func (kvSchema) SortKey(r kvRow) []byte      { return []byte(r.SK) }
func (kvSchema) Encode(r kvRow) ([]byte, error) {
	return rpc.NewEncoder(32).String(1, r.PK).String(2, r.SK).String(3, r.Value).Encode(), nil
}

func (kvSchema) Decode(data []byte) (kvRow, error) {
	var r kvRow
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			r.PK = f.Str()
		case 2:
			r.SK = f.Str()
		case 3:
			r.Value = f.Str()
		}
		return nil
	})
	return r, err
}

// tagRow merges field by field: tags are unioned and deletion is sticky.
type tagRow struct {
	PK      string
	Tags    []string
	Deleted bool
}

type tagSchema struct {
	NoHooks[tagRow]
}

func (tagSchema) Name() string                 { return "tags" }
func (tagSchema) PartitionKey(r tagRow) []byte { return []byte(r.PK) }
func (tagSchema) SortKey(tagRow) []byte        { return nil }
func (tagSchema) Encode(r tagRow) ([]byte, error) {
	enc := rpc.NewEncoder(32).String(1, r.PK).Bool(3, r.Deleted)
	for _, tag := range r.Tags {
		enc.String(2, tag)
	}
	return enc.Encode(), nil
}

func (tagSchema) Decode(data []byte) (tagRow, error) {
	var r tagRow
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			r.PK = f.Str()
		case 2:
			r.Tags = append(r.Tags, f.Str())
		case 3:
			r.Deleted = f.Bool()
		}
		return nil
	})
	return r, err
}

func (tagSchema) MergeRows(a, b tagRow) tagRow {
	out := tagRow{PK: a.PK, Deleted: a.Deleted || b.Deleted}
	if out.Deleted {
		return out
	}
	seen := make(map[string]bool)
	for _, tag := range append(append([]string{}, a.Tags...), b.Tags...) {
		if !seen[tag] {
			seen[tag] = true
			out.Tags = append(out.Tags, tag)
		}
	}
	sort.Strings(out.Tags)
	return out
}

func (tagSchema) IsTombstone(r tagRow) bool { return r.Deleted }

func (tagSchema) DeletedRow(pk, _ []byte) tagRow { return tagRow{PK: string(pk), Deleted: true} }

type testNode struct {
	id    string
	sys   *rpc.System
	db    db.DB
	table *Table[kvRow]
}

func newCluster(t *testing.T, n, rf, w, r int, cfg Config) (*rpc.LocalNetwork, []*testNode) {
	t.Helper()
	net := rpc.NewLocalNetwork()
	nodes := make([]*testNode, n)
	for i := range nodes {
		id := fmt.Sprintf("node-%c", 'a'+i)
		sys := rpc.NewSystem(id, rpc.NewRing(16), zap.NewNop())
		net.Join(sys)
		nodes[i] = &testNode{id: id, sys: sys, db: db.NewMemory()}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	for _, node := range nodes {
		tbl, err := New[kvRow](kvSchema{}, Deps{
			System:      node.sys,
			Replication: &Sharded{System: node.sys, ReplicationFactor: rf, ReadQuorumN: r, WriteQuorumN: w},
			DB:          node.db,
			Clock:       NewClock(),
			Logger:      zap.NewNop(),
		}, cfg)
		require.NoError(t, err)
		node.table = tbl
	}
	return net, nodes
}

func flushMerkle(t *testing.T, nodes ...*testNode) {
	t.Helper()
	for _, n := range nodes {
		for {
			k, err := n.table.data.processMerkleTodo(merkleBatchSize)
			require.NoError(t, err)
			if k == 0 {
				break
			}
		}
	}
}

func localValue(t *testing.T, n *testNode, pk, sk string) (string, bool) {
	t.Helper()
	e, _, err := n.table.data.get([]byte(pk), []byte(sk))
	require.NoError(t, err)
	if e == nil || e.Tombstone {
		return "", false
	}
	return e.Row.Value, true
}

func TestTable_QuorumReadAfterWrite(t *testing.T) {
	net, nodes := newCluster(t, 3, 3, 2, 2, Config{})
	a, c := nodes[0], nodes[2]
	ctx := context.Background()

	net.SetUp("node-c", false)
	e := &Entry[kvRow]{
		PartitionKey: []byte("foo"),
		SortKey:      []byte{},
		Row:          kvRow{PK: "foo", Value: "V"},
		Timestamp:    100,
		Node:         a.id,
	}
	require.NoError(t, a.table.InsertEntries(ctx, []*Entry[kvRow]{e}))

	net.SetUp("node-c", true)
	net.SetUp("node-b", false)
	row, ok, err := a.table.Get(ctx, []byte("foo"), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "V", row.Value)

	// C answered without the row and gets repaired.
	assert.Eventually(t, func() bool {
		v, ok := localValue(t, c, "foo", "")
		return ok && v == "V"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTable_InsufficientReplicas(t *testing.T) {
	net, nodes := newCluster(t, 3, 3, 2, 2, Config{Timeout: 200 * time.Millisecond})
	net.SetUp("node-b", false)
	net.SetUp("node-c", false)

	err := nodes[0].table.Insert(context.Background(), kvRow{PK: "foo", Value: "V"})
	require.Error(t, err)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInsufficientReplicas))

	_, _, err = nodes[0].table.Get(context.Background(), []byte("foo"), nil)
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInsufficientReplicas))
}

func TestTable_TombstonePrecedenceByTimestamp(t *testing.T) {
	c := newCodec[kvRow](kvSchema{})
	tomb := &Entry[kvRow]{PartitionKey: []byte("k"), SortKey: []byte{}, Timestamp: 100, Node: "x", Tombstone: true}
	stale := &Entry[kvRow]{PartitionKey: []byte("k"), SortKey: []byte{}, Row: kvRow{PK: "k", Value: "Y"}, Timestamp: 90, Node: "y"}
	newer := &Entry[kvRow]{PartitionKey: []byte("k"), SortKey: []byte{}, Row: kvRow{PK: "k", Value: "Z"}, Timestamp: 110, Node: "z"}

	got, err := c.merge(tomb, stale)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)
	assert.Equal(t, uint64(100), got.Timestamp)

	got, err = c.merge(stale, tomb)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)

	got, err = c.merge(tomb, newer)
	require.NoError(t, err)
	assert.False(t, got.Tombstone)
	assert.Equal(t, "Z", got.Row.Value)

	// Equal timestamp and node: the tombstone wins.
	live := &Entry[kvRow]{PartitionKey: []byte("k"), SortKey: []byte{}, Row: kvRow{PK: "k", Value: "W"}, Timestamp: 100, Node: "x"}
	got, err = c.merge(live, tomb)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)
}

func convergedBytes[R any](t *testing.T, schema Schema[R], entries []*Entry[R]) []byte {
	t.Helper()
	d, err := newData(schema, db.NewMemory(), NewClock(), zap.NewNop(), nil)
	require.NoError(t, err)
	for _, e := range entries {
		_, err := d.update(e)
		require.NoError(t, err)
	}
	_, raw, err := d.get(entries[0].PartitionKey, entries[0].SortKey)
	require.NoError(t, err)
	return raw
}

func TestTable_ConvergenceIndependentOfOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		var kv []*Entry[kvRow]
		var tags []*Entry[tagRow]
		for i := 0; i < 6; i++ {
			ts := uint64(1000 + rng.Intn(50))
			node := fmt.Sprintf("n%d", rng.Intn(3))
			kv = append(kv, &Entry[kvRow]{
				PartitionKey: []byte("k"), SortKey: []byte("s"),
				Row:       kvRow{PK: "k", SK: "s", Value: fmt.Sprintf("v%d", i)},
				Timestamp: ts, Node: node, Tombstone: rng.Intn(4) == 0,
			})
			if kv[i].Tombstone {
				kv[i].Row = kvRow{}
			}
			row := tagRow{PK: "k", Tags: []string{fmt.Sprintf("t%d", rng.Intn(5))}, Deleted: rng.Intn(8) == 0}
			tags = append(tags, &Entry[tagRow]{
				PartitionKey: []byte("k"), SortKey: []byte{},
				Row: row, Timestamp: ts, Node: node, Tombstone: row.Deleted,
			})
		}

		wantKV := convergedBytes[kvRow](t, kvSchema{}, kv)
		wantTags := convergedBytes[tagRow](t, tagSchema{}, tags)
		for perm := 0; perm < 10; perm++ {
			rng.Shuffle(len(kv), func(i, j int) { kv[i], kv[j] = kv[j], kv[i] })
			rng.Shuffle(len(tags), func(i, j int) { tags[i], tags[j] = tags[j], tags[i] })
			// Duplicate delivery must not matter either.
			dupKV := append(append([]*Entry[kvRow]{}, kv...), kv[0])
			assert.Equal(t, wantKV, convergedBytes[kvRow](t, kvSchema{}, dupKV))
			assert.Equal(t, wantTags, convergedBytes[tagRow](t, tagSchema{}, tags))
		}
	}
}

func TestTable_AntiEntropyCatchesUpRecoveredReplica(t *testing.T) {
	net, nodes := newCluster(t, 3, 3, 2, 2, Config{})
	a, b, c := nodes[0], nodes[1], nodes[2]
	ctx := context.Background()

	net.SetUp("node-c", false)
	for i := 0; i < 50; i++ {
		require.NoError(t, a.table.Insert(ctx, kvRow{PK: fmt.Sprintf("p%d", i%7), SK: fmt.Sprintf("s%02d", i), Value: "v"}))
	}
	require.NoError(t, a.table.Delete(ctx, []byte("p0"), []byte("s00")))
	// Let stragglers to B land.
	assert.Eventually(t, func() bool {
		n, _ := b.table.data.store.Len()
		return n == 50
	}, 2*time.Second, 10*time.Millisecond)
	net.SetUp("node-c", true)

	n, err := c.table.data.store.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	flushMerkle(t, a, b)
	require.NoError(t, c.table.syncAll(ctx))
	flushMerkle(t, c)

	n, err = c.table.data.store.Len()
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	_, ok := localValue(t, c, "p0", "s00")
	assert.False(t, ok)
	v, ok := localValue(t, c, "p3", "s03")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	for p := 0; p < rpc.NumPartitions; p++ {
		ra, err := a.table.data.merkleNodeAt(rpc.Partition(p), nil)
		require.NoError(t, err)
		rc, err := c.table.data.merkleNodeAt(rpc.Partition(p), nil)
		require.NoError(t, err)
		assert.Equal(t, ra.hash(), rc.hash(), "partition %d", p)
	}
}

func TestTable_AntiEntropyPushesToStaleReplica(t *testing.T) {
	net, nodes := newCluster(t, 3, 3, 2, 2, Config{})
	a, b, c := nodes[0], nodes[1], nodes[2]
	ctx := context.Background()

	require.NoError(t, a.table.Insert(ctx, kvRow{PK: "x", SK: "1", Value: "old"}))
	assert.Eventually(t, func() bool {
		_, ok := localValue(t, c, "x", "1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	net.SetUp("node-c", false)
	require.NoError(t, a.table.Insert(ctx, kvRow{PK: "x", SK: "1", Value: "new"}))
	require.NoError(t, b.table.Insert(ctx, kvRow{PK: "y", SK: "1", Value: "only-ab"}))
	net.SetUp("node-c", true)

	flushMerkle(t, a, b, c)
	require.NoError(t, a.table.syncAll(ctx))

	v, _ := localValue(t, c, "x", "1")
	assert.Equal(t, "new", v)
	v, _ = localValue(t, c, "y", "1")
	assert.Equal(t, "only-ab", v)
}

func TestMerkle_CanonicalShape(t *testing.T) {
	newTestData := func() *Data[kvRow] {
		d, err := newData[kvRow](kvSchema{}, db.NewMemory(), NewClock(), zap.NewNop(), nil)
		require.NoError(t, err)
		return d
	}
	entry := func(pk, sk string) *Entry[kvRow] {
		return &Entry[kvRow]{PartitionKey: []byte(pk), SortKey: []byte(sk), Row: kvRow{PK: pk, SK: sk, Value: "v"}, Timestamp: 1, Node: "n"}
	}
	var entries []*Entry[kvRow]
	for i := 0; i < 200; i++ {
		entries = append(entries, entry("same", fmt.Sprintf("%03d", i)))
	}

	d1, d2 := newTestData(), newTestData()
	for _, e := range entries {
		_, err := d1.update(e)
		require.NoError(t, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		_, err := d2.update(entries[i])
		require.NoError(t, err)
	}
	extra := entry("same", "extra")
	_, err := d2.update(extra)
	require.NoError(t, err)
	_, raw, err := d2.get(extra.PartitionKey, extra.SortKey)
	require.NoError(t, err)

	drain := func(d *Data[kvRow]) {
		for {
			n, err := d.processMerkleTodo(7)
			require.NoError(t, err)
			if n == 0 {
				return
			}
		}
	}
	drain(d1)
	drain(d2)
	removed, err := d2.deleteIfEqualHash(extra.Key(), valueHash(raw))
	require.NoError(t, err)
	require.True(t, removed)
	drain(d2)

	t1, err := d1.merkleTree.Range(nil, nil, 0)
	require.NoError(t, err)
	t2, err := d2.merkleTree.Range(nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, t1, t2)

	p := entries[0].Partition()
	leaves, err := d1.merkleLeaves(p, nil)
	require.NoError(t, err)
	assert.Len(t, leaves, 200)

	// Removing everything leaves an empty tree behind.
	for _, e := range entries {
		_, raw, err := d1.get(e.PartitionKey, e.SortKey)
		require.NoError(t, err)
		_, err = d1.deleteIfEqualHash(e.Key(), valueHash(raw))
		require.NoError(t, err)
	}
	drain(d1)
	n, err := d1.merkleTree.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	root, err := d1.merkleNodeAt(p, nil)
	require.NoError(t, err)
	assert.True(t, root.hash().IsZero())
}

func TestTable_TombstoneGC(t *testing.T) {
	horizon := background.NewDuration(time.Hour, 0)
	_, nodes := newCluster(t, 3, 3, 2, 2, Config{GCHorizon: horizon})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	require.NoError(t, a.table.Insert(ctx, kvRow{PK: "gone", SK: "1", Value: "v"}))
	require.NoError(t, a.table.Delete(ctx, []byte("gone"), []byte("1")))
	require.NoError(t, a.table.Insert(ctx, kvRow{PK: "kept", SK: "1", Value: "v"}))
	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			e, _, err := n.table.data.get([]byte("gone"), []byte("1"))
			kept, _, _ := n.table.data.get([]byte("kept"), []byte("1"))
			return err == nil && e != nil && e.Tombstone && kept != nil
		}, 2*time.Second, 10*time.Millisecond)
	}

	// Younger than the horizon: nothing happens.
	settled, left, err := a.table.gcStep(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, settled+left)

	settled, left, err = a.table.gcStep(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Zero(t, left)
	for _, n := range nodes {
		e, _, err := n.table.data.get([]byte("gone"), []byte("1"))
		require.NoError(t, err)
		assert.Nil(t, e, n.id)
		_, ok := localValue(t, n, "kept", "1")
		assert.True(t, ok, n.id)
	}

	// B's own todo item is now stale and is simply dropped.
	settled, _, err = b.table.gcStep(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	n, err := b.table.data.gcTodo.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTable_GCWaitsForEveryReplica(t *testing.T) {
	net, nodes := newCluster(t, 3, 3, 2, 2, Config{Timeout: 200 * time.Millisecond})
	a := nodes[0]
	ctx := context.Background()

	require.NoError(t, a.table.Delete(ctx, []byte("gone"), []byte("1")))
	require.Eventually(t, func() bool {
		n, _ := a.table.data.gcTodo.Len()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
	net.SetUp("node-c", false)

	settled, left, err := a.table.gcStep(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, settled)
	assert.Equal(t, 1, left)
	e, _, err := a.table.data.get([]byte("gone"), []byte("1"))
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestTable_RangeCursor(t *testing.T) {
	_, nodes := newCluster(t, 3, 3, 2, 2, Config{})
	a := nodes[0]
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, a.table.Insert(ctx, kvRow{PK: "bucket", SK: fmt.Sprintf("k%02d", i), Value: fmt.Sprint(i)}))
	}
	require.NoError(t, a.table.Insert(ctx, kvRow{PK: "other", SK: "k00", Value: "x"}))
	require.NoError(t, a.table.Delete(ctx, []byte("bucket"), []byte("k04")))

	collect := func(c *RangeCursor[kvRow], max int) []string {
		var keys []string
		for len(keys) < max && c.Next(ctx) {
			keys = append(keys, c.Entry().Row.SK)
		}
		require.NoError(t, c.Err())
		return keys
	}

	all := collect(a.table.Iterate([]byte("bucket"), nil, nil, 3), 100)
	assert.Equal(t, []string{"k00", "k01", "k02", "k03", "k05", "k06", "k07", "k08", "k09"}, all)

	bounded := collect(a.table.Iterate([]byte("bucket"), []byte("k02"), []byte("k06"), 2), 100)
	assert.Equal(t, []string{"k02", "k03", "k05"}, bounded)

	first := a.table.Iterate([]byte("bucket"), nil, nil, 4)
	head := collect(first, 4)
	rest := collect(a.table.Iterate([]byte("bucket"), first.Position(), nil, 4), 100)
	assert.Equal(t, all, append(head, rest...))
}

func TestTable_RangeMergesDisjointReplicasWithinLimit(t *testing.T) {
	_, nodes := newCluster(t, 2, 2, 2, 2, Config{})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		holder := a
		if i%2 == 1 {
			holder = b
		}
		_, err := holder.table.data.update(holder.table.NewEntry(kvRow{PK: "split", SK: fmt.Sprintf("k%02d", i), Value: "v"}))
		require.NoError(t, err)
	}

	entries, next, err := a.table.GetRange(ctx, []byte("split"), nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "k00", entries[0].Row.SK)
	assert.Equal(t, "k01", entries[1].Row.SK)
	assert.Equal(t, []byte("k01\x00"), next)

	var keys []string
	c := a.table.Iterate([]byte("split"), nil, nil, 2)
	for c.Next(ctx) {
		keys = append(keys, c.Entry().Row.SK)
	}
	require.NoError(t, c.Err())
	assert.Equal(t, []string{"k00", "k01", "k02", "k03", "k04", "k05"}, keys)
}

func TestTable_RangeDoesNotSkipPastUndecodableRows(t *testing.T) {
	_, nodes := newCluster(t, 2, 2, 2, 2, Config{})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	for _, sk := range []string{"k00", "k01"} {
		require.NoError(t, a.table.data.store.Insert(DataKey([]byte("damaged"), []byte(sk)), []byte("not an entry")))
	}
	_, err := a.table.data.update(a.table.NewEntry(kvRow{PK: "damaged", SK: "k02", Value: "v"}))
	require.NoError(t, err)
	for _, sk := range []string{"k03", "k04", "k05"} {
		_, err := b.table.data.update(b.table.NewEntry(kvRow{PK: "damaged", SK: sk, Value: "v"}))
		require.NoError(t, err)
	}

	var keys []string
	c := a.table.Iterate([]byte("damaged"), nil, nil, 2)
	for c.Next(ctx) {
		keys = append(keys, c.Entry().Row.SK)
	}
	require.NoError(t, c.Err())
	assert.Equal(t, []string{"k02", "k03", "k04", "k05"}, keys)
}

func TestSyncWorker_RetriesFailedPartitionWithBackoff(t *testing.T) {
	net, nodes := newCluster(t, 2, 2, 1, 1, Config{})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	_, err := a.table.data.update(a.table.NewEntry(kvRow{PK: "late", SK: "1", Value: "v"}))
	require.NoError(t, err)
	flushMerkle(t, a, b)
	p := rpc.PartitionOf(rpc.HashKey([]byte("late")))

	w := newSyncWorker(a.table)
	w.todo = []rpc.Partition{p}
	net.SetUp(b.id, false)

	state, err := w.Work(ctx)
	require.NoError(t, err)
	assert.Equal(t, background.Busy, state)
	require.Len(t, w.retry, 1)
	assert.Equal(t, p, w.retry[0].p)
	assert.True(t, w.retry[0].due.After(time.Now()))
	assert.Equal(t, int64(1), w.Status().Errors)

	// Not due yet.
	state, err = w.Work(ctx)
	require.NoError(t, err)
	assert.Equal(t, background.Idle, state)

	// A second failure waits longer than the first.
	first := w.retry[0].due
	w.retry[0].due = time.Now()
	_, err = w.Work(ctx)
	require.NoError(t, err)
	require.Len(t, w.retry, 1)
	assert.True(t, w.retry[0].due.After(first))

	net.SetUp(b.id, true)
	w.retry[0].due = time.Now()
	_, err = w.Work(ctx)
	require.NoError(t, err)
	assert.Empty(t, w.retry)
	assert.Empty(t, w.attempts)
	v, ok := localValue(t, b, "late", "1")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestTable_InsertQueue(t *testing.T) {
	_, nodes := newCluster(t, 3, 3, 2, 2, Config{})
	a, c := nodes[0], nodes[2]
	ctx := context.Background()

	err := a.db.Transaction(func(tx db.Tx) error {
		if err := a.table.QueueInsert(tx, kvRow{PK: "q", SK: "1", Value: "first"}); err != nil {
			return err
		}
		return a.table.QueueInsert(tx, kvRow{PK: "q", SK: "1", Value: "second"})
	})
	require.NoError(t, err)

	n, err := a.table.flushQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, ok, err := c.table.Get(ctx, []byte("q"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", row.Value)

	left, err := a.table.data.insertQueue.Len()
	require.NoError(t, err)
	assert.Zero(t, left)

	// A rolled back transaction queues nothing.
	err = a.db.Transaction(func(tx db.Tx) error {
		if err := a.table.QueueDelete(tx, []byte("q"), []byte("1")); err != nil {
			return err
		}
		return db.ErrAbort
	})
	require.ErrorIs(t, err, db.ErrAbort)
	left, err = a.table.data.insertQueue.Len()
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestTable_OffloadsPartitionsItNoLongerStores(t *testing.T) {
	_, nodes := newCluster(t, 2, 1, 1, 1, Config{})
	a, b := nodes[0], nodes[1]
	ctx := context.Background()

	// Find a key whose only replica is B and store it on A anyway.
	var pk string
	for i := 0; ; i++ {
		pk = fmt.Sprintf("key-%d", i)
		p := rpc.PartitionOf(rpc.HashKey([]byte(pk)))
		if a.sys.Ring().ReplicasFor(p, 1)[0] == b.id {
			break
		}
	}
	_, err := a.table.data.update(a.table.NewEntry(kvRow{PK: pk, SK: "1", Value: "moved"}))
	require.NoError(t, err)

	p := rpc.PartitionOf(rpc.HashKey([]byte(pk)))
	require.NoError(t, a.table.syncPartition(ctx, p))

	_, ok := localValue(t, a, pk, "1")
	assert.False(t, ok)
	v, ok := localValue(t, b, pk, "1")
	assert.True(t, ok)
	assert.Equal(t, "moved", v)
}

func TestTable_UndecodableRowIsAnIntegrityFault(t *testing.T) {
	_, nodes := newCluster(t, 1, 1, 1, 1, Config{})
	a := nodes[0]
	key := DataKey([]byte("bad"), []byte("1"))
	require.NoError(t, a.table.data.store.Insert(key, []byte("not an entry")))

	_, _, err := a.table.data.get([]byte("bad"), []byte("1"))
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeDecodeFailed))

	// A merge never overwrites the damaged row.
	_, err = a.table.data.update(a.table.NewEntry(kvRow{PK: "bad", SK: "1", Value: "v"}))
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeDecodeFailed))
	raw, err := a.table.data.store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "not an entry", string(raw))
}

func TestTable_UndecodableEntryDoesNotBlockItsBatch(t *testing.T) {
	_, nodes := newCluster(t, 1, 1, 1, 1, Config{})
	a := nodes[0]
	require.NoError(t, a.table.data.store.Insert(DataKey([]byte("bad"), []byte("1")), []byte("not an entry")))

	var batch [][]byte
	for _, row := range []kvRow{{PK: "p", SK: "1", Value: "before"}, {PK: "bad", SK: "1", Value: "v"}} {
		raw, err := a.table.data.codec.encode(a.table.NewEntry(row))
		require.NoError(t, err)
		batch = append(batch, raw)
	}
	batch = append(batch, []byte("garbage from a peer"))
	raw, err := a.table.data.codec.encode(a.table.NewEntry(kvRow{PK: "p", SK: "2", Value: "after"}))
	require.NoError(t, err)
	batch = append(batch, raw)

	require.NoError(t, a.table.data.updateSealed(batch))
	for sk, want := range map[string]string{"1": "before", "2": "after"} {
		v, ok := localValue(t, a, "p", sk)
		assert.True(t, ok)
		assert.Equal(t, want, v)
	}
}

func TestTable_ValidatesKeys(t *testing.T) {
	_, nodes := newCluster(t, 1, 1, 1, 1, Config{})
	err := nodes[0].table.Insert(context.Background(), kvRow{PK: "", SK: "1"})
	assert.Equal(t, storageerrors.ErrCodeInvalidKey, storageerrors.GetCode(err))

	err = nodes[0].table.Insert(context.Background(), kvRow{PK: strings.Repeat("x", 2000)})
	assert.Equal(t, storageerrors.ErrCodeKeyTooLarge, storageerrors.GetCode(err))
}

func TestClock_IsMonotonicAndObservesPeers(t *testing.T) {
	c := NewClock()
	fixed := time.UnixMilli(1000)
	c.now = func() time.Time { return fixed }

	assert.Equal(t, uint64(1000), c.Now())
	assert.Equal(t, uint64(1001), c.Now())
	c.Observe(5000)
	assert.Equal(t, uint64(5001), c.Now())
}
