package counter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/table"
)

const (
	foldBatchSize    = 256
	foldInterval     = time.Hour
	defaultFoldAfter = 24 * time.Hour
)

type schema struct {
	table.NoHooks[Row]
	name string
}

func (s schema) Name() string                  { return s.name }
func (schema) PartitionKey(r Row) []byte       { return r.PartitionKey }
func (schema) SortKey(r Row) []byte            { return r.SortKey }
func (schema) Encode(r Row) ([]byte, error)    { return encodeRow(r), nil }
func (schema) Decode(data []byte) (Row, error) { return decodeRow(data) }
func (schema) MergeRows(a, b Row) Row          { return mergeRows(a, b) }
func (schema) IsTombstone(r Row) bool          { return len(r.Shards) == 0 }
func (schema) DeletedRow(partitionKey, sortKey []byte) Row {
	return Row{PartitionKey: partitionKey, SortKey: sortKey}
}

// Config holds counter settings.
type Config struct {
	Table table.Config
	// FoldAfter is the age after which ops are folded into their shard's
	// base. Op ids are deduplicated only within this window.
	FoldAfter *background.Duration
}

// Counter is a replicated table of counters.
type Counter struct {
	table     *table.Table[Row]
	local     db.Tree
	clock     *table.Clock
	foldAfter *background.Duration
	logger    *zap.Logger
}

// New creates the counter table name.
func New(name string, deps table.Deps, cfg Config) (*Counter, error) {
	if deps.Clock == nil {
		deps.Clock = table.NewClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.FoldAfter == nil {
		cfg.FoldAfter = background.NewDuration(defaultFoldAfter, time.Minute)
	}
	t, err := table.New[Row](schema{name: name}, deps, cfg.Table)
	if err != nil {
		return nil, err
	}
	local, err := deps.DB.OpenTree(name + ":local_counter")
	if err != nil {
		return nil, fmt.Errorf("failed to open local counter of %s: %w", name, err)
	}
	return &Counter{
		table:     t,
		local:     local,
		clock:     deps.Clock,
		foldAfter: cfg.FoldAfter,
		logger:    deps.Logger,
	}, nil
}

// Table returns the underlying table.
func (c *Counter) Table() *table.Table[Row] { return c.table }

// Increment applies deltas once per opID. An empty opID gets a fresh one.
func (c *Counter) Increment(ctx context.Context, partitionKey, sortKey []byte, deltas Values, opID string) error {
	if opID == "" {
		opID = uuid.NewString()
	}
	row := Row{
		PartitionKey: partitionKey,
		SortKey:      sortKey,
		Shards: []Shard{{
			Node: c.table.NodeID(),
			Ops:  []Op{{ID: opID, Timestamp: c.clock.Now(), Deltas: deltas}},
		}},
	}
	return c.table.Insert(ctx, row)
}

// Count adds deltas to this node's absolute count of a key as part of tx and
// queues the new value for replication. It is meant for Updated hooks, which
// run on every replica of the counted rows.
func (c *Counter) Count(tx db.Tx, partitionKey, sortKey []byte, deltas Values) error {
	key := table.DataKey(partitionKey, sortKey)
	raw, err := tx.Get(c.local, key)
	if err != nil {
		return err
	}
	var cur Values
	if raw != nil {
		s, err := decodeShard(raw)
		if err != nil {
			return storageerrors.DecodeFailed(c.table.Name()+":local_counter", key, err)
		}
		cur = s.Local
	}
	if cur == nil {
		cur = make(Values)
	}
	cur.Add(deltas)
	shard := Shard{Node: c.table.NodeID(), Local: cur, LocalTimestamp: c.clock.Now()}
	if err := tx.Insert(c.local, key, encodeShard(shard)); err != nil {
		return err
	}
	return c.table.QueueInsert(tx, Row{
		PartitionKey: partitionKey,
		SortKey:      sortKey,
		Shards:       []Shard{shard},
	})
}

// Get returns the current value of a counter, read with quorum.
func (c *Counter) Get(ctx context.Context, partitionKey, sortKey []byte) (Values, error) {
	row, ok, err := c.table.Get(ctx, partitionKey, sortKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Values{}, nil
	}
	return row.Value(c.table.StorageNodes(partitionKey)), nil
}

// Entry is one counter of a range read.
type Entry struct {
	SortKey []byte
	Values  Values
}

// GetRange returns the counters of one partition key in sort key order.
func (c *Counter) GetRange(ctx context.Context, partitionKey, start, end []byte, limit int) ([]Entry, []byte, error) {
	entries, next, err := c.table.GetRange(ctx, partitionKey, start, end, limit)
	if err != nil {
		return nil, nil, err
	}
	replicas := c.table.StorageNodes(partitionKey)
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{SortKey: e.SortKey, Values: e.Row.Value(replicas)})
	}
	return out, next, nil
}

// fold rewrites the shard of node in row with every op older than cutoff
// folded into its base. It returns false when nothing is old enough.
func fold(row Row, node string, cutoff uint64) (Row, bool) {
	s, ok := row.shard(node)
	if !ok {
		return row, false
	}
	out := Shard{Node: node, FoldedBefore: cutoff, Base: s.Base.clone()}
	folded := false
	for _, op := range s.Ops {
		if op.Timestamp < cutoff {
			out.Base.Add(op.Deltas)
			folded = true
			continue
		}
		out.Ops = append(out.Ops, op)
	}
	if !folded {
		return row, false
	}
	return Row{PartitionKey: row.PartitionKey, SortKey: row.SortKey, Shards: []Shard{out}}, true
}

// foldStep folds old ops of the local counters after key after. Only the
// first storage node of a partition folds it. It returns where to resume.
func (c *Counter) foldStep(ctx context.Context, after []byte, now time.Time) ([]byte, int, error) {
	entries, next, err := c.table.Data().Scan(after, foldBatchSize)
	if err != nil {
		return nil, 0, err
	}
	self := c.table.NodeID()
	cutoff := uint64(now.Add(-c.foldAfter.Load()).UnixMilli())
	var rows []Row
	for _, e := range entries {
		nodes := c.table.StorageNodes(e.PartitionKey)
		if len(nodes) == 0 || nodes[0] != self {
			continue
		}
		for _, s := range e.Row.Shards {
			if folded, ok := fold(e.Row, s.Node, cutoff); ok {
				rows = append(rows, folded)
			}
		}
	}
	if len(rows) > 0 {
		if err := c.table.InsertMany(ctx, rows); err != nil {
			return after, 0, err
		}
	}
	return next, len(rows), nil
}

// SpawnWorkers registers the table workers and the fold worker.
func (c *Counter) SpawnWorkers(r *background.Runner) {
	c.table.SpawnWorkers(r)
	r.Spawn(&foldWorker{c: c})
}

type foldWorker struct {
	c        *Counter
	cursor   []byte
	lastPass time.Time
	folded   atomic.Int64
}

func (w *foldWorker) Name() string { return fmt.Sprintf("%s fold", w.c.table.Name()) }

func (w *foldWorker) Status() background.WorkerStatus {
	return background.WorkerStatus{Progress: fmt.Sprintf("%d shards folded", w.folded.Load())}
}

func (w *foldWorker) Work(ctx context.Context) (background.WorkerState, error) {
	if w.cursor == nil && time.Since(w.lastPass) < foldInterval {
		return background.Idle, nil
	}
	next, n, err := w.c.foldStep(ctx, w.cursor, time.Now())
	if err != nil {
		return background.Busy, err
	}
	w.folded.Add(int64(n))
	w.cursor = next
	if next == nil {
		w.lastPass = time.Now()
		return background.Idle, nil
	}
	return background.Busy, nil
}

func (w *foldWorker) WaitForWork(ctx context.Context) {
	t := time.NewTimer(foldInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
