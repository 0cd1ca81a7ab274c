package table

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/shelfdb/internal/background"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/metrics"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/util/workerpool"
	"github.com/devrev/shelfdb/internal/validation"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultSyncInterval = 10 * time.Minute
	defaultGCHorizon    = 24 * time.Hour
	defaultGCInterval   = 10 * time.Minute
)

// Config holds the tunables of one table. Nil variables get defaults.
type Config struct {
	// Timeout bounds every call to a replica.
	Timeout      time.Duration
	SyncInterval *background.Duration
	// GCHorizon is the age a tombstone must reach before it is collected.
	GCHorizon  *background.Duration
	GCInterval time.Duration
}

// Deps are the node level services shared by every table.
type Deps struct {
	System      *rpc.System
	Replication Replication
	DB          db.DB
	Clock       *Clock
	// Pool runs read repairs. Without it they run on their own goroutine.
	Pool      *workerpool.WorkerPool
	Validator *validation.Validator
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Table is a replicated table of rows of type R.
type Table[R any] struct {
	data        *Data[R]
	system      *rpc.System
	replication Replication
	pool        *workerpool.WorkerPool
	validator   *validation.Validator
	logger      *zap.Logger
	metrics     *metrics.Metrics

	timeout      time.Duration
	syncInterval *background.Duration
	gcHorizon    *background.Duration
	gcInterval   time.Duration
	syncTrigger  *background.Trigger
}

// New opens the keyspaces of a table and registers its endpoints.
func New[R any](schema Schema[R], deps Deps, cfg Config) (*Table[R], error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = NewClock()
	}
	data, err := newData(schema, deps.DB, clock, logger, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open table %s: %w", schema.Name(), err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SyncInterval == nil {
		cfg.SyncInterval = background.NewDuration(defaultSyncInterval, time.Second)
	}
	if cfg.GCHorizon == nil {
		cfg.GCHorizon = background.NewDuration(defaultGCHorizon, 0)
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}
	validator := deps.Validator
	if validator == nil {
		validator = validation.NewValidator()
	}

	t := &Table[R]{
		data:         data,
		system:       deps.System,
		replication:  deps.Replication,
		pool:         deps.Pool,
		validator:    validator,
		logger:       logger,
		metrics:      deps.Metrics,
		timeout:      cfg.Timeout,
		syncInterval: cfg.SyncInterval,
		gcHorizon:    cfg.GCHorizon,
		gcInterval:   cfg.GCInterval,
		syncTrigger:  background.NewTrigger(),
	}
	t.registerEndpoints()
	deps.System.OnRingChange(t.syncTrigger.Notify)
	return t, nil
}

// Name returns the table name.
func (t *Table[R]) Name() string { return t.data.name }

// NodeID returns the id of this node.
func (t *Table[R]) NodeID() string { return t.system.ID() }

// StorageNodes returns the full replica set of a partition key.
func (t *Table[R]) StorageNodes(partitionKey []byte) []string {
	return t.replication.StorageNodes(rpc.PartitionOf(rpc.HashKey(partitionKey)))
}

// Data exposes the local part of the table.
func (t *Table[R]) Data() *Data[R] { return t.data }

// NewEntry stamps row with a fresh timestamp of this node.
func (t *Table[R]) NewEntry(row R) *Entry[R] {
	schema := t.data.codec.schema
	e := &Entry[R]{
		PartitionKey: schema.PartitionKey(row),
		SortKey:      schema.SortKey(row),
		Row:          row,
		Timestamp:    t.data.clock.Now(),
		Node:         t.system.ID(),
	}
	if m := t.data.codec.merger; m != nil {
		e.Tombstone = m.IsTombstone(row)
	}
	return e
}

func (t *Table[R]) deleteEntry(partitionKey, sortKey []byte) *Entry[R] {
	e := &Entry[R]{
		PartitionKey: partitionKey,
		SortKey:      sortKey,
		Timestamp:    t.data.clock.Now(),
		Node:         t.system.ID(),
		Tombstone:    true,
	}
	if m := t.data.codec.merger; m != nil {
		e.Row = m.DeletedRow(partitionKey, sortKey)
		e.Tombstone = m.IsTombstone(e.Row)
	}
	return e
}

// Insert writes row to its replicas and returns once a write quorum stored it.
func (t *Table[R]) Insert(ctx context.Context, row R) error {
	return t.InsertEntries(ctx, []*Entry[R]{t.NewEntry(row)})
}

// InsertMany writes several rows. Rows of different partitions are written
// concurrently; each partition needs its own write quorum.
func (t *Table[R]) InsertMany(ctx context.Context, rows []R) error {
	entries := make([]*Entry[R], len(rows))
	for i, row := range rows {
		entries[i] = t.NewEntry(row)
	}
	return t.InsertEntries(ctx, entries)
}

// Delete writes a tombstone for the key.
func (t *Table[R]) Delete(ctx context.Context, partitionKey, sortKey []byte) error {
	return t.InsertEntries(ctx, []*Entry[R]{t.deleteEntry(partitionKey, sortKey)})
}

// InsertEntries writes entries as they are, keeping their timestamps.
func (t *Table[R]) InsertEntries(ctx context.Context, entries []*Entry[R]) (err error) {
	started := time.Now()
	defer func() { t.metrics.RecordTableOp(t.data.name, "insert", started, err) }()

	byPartition := make(map[rpc.Partition][][]byte)
	for _, e := range entries {
		if err := t.validator.ValidateRowKey(e.PartitionKey, e.SortKey); err != nil {
			return err
		}
		raw, err := t.data.codec.encode(e)
		if err != nil {
			return err
		}
		p := e.Partition()
		byPartition[p] = append(byPartition[p], raw)
	}

	g, gctx := errgroup.WithContext(ctx)
	for p, items := range byPartition {
		p, items := p, items
		g.Go(func() error {
			_, err := t.system.TryCallMany(gctx, t.replication.WriteNodes(p), endpoint(t.data.name, epUpdate),
				encodeItems(items), rpc.RequestStrategy{Quorum: t.replication.WriteQuorum(), Timeout: t.timeout})
			if err != nil {
				t.metrics.RecordQuorumFailure(t.data.name, "insert")
				return fmt.Errorf("%s insert: %w", t.data.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// QueueInsert stores row in the insert queue as part of tx. The queue worker
// writes it to the replicas later, so the write is atomic with tx.
func (t *Table[R]) QueueInsert(tx db.Tx, row R) error {
	return t.data.queueEntry(tx, t.NewEntry(row))
}

// QueueDelete queues a tombstone for the key as part of tx.
func (t *Table[R]) QueueDelete(tx db.Tx, partitionKey, sortKey []byte) error {
	return t.data.queueEntry(tx, t.deleteEntry(partitionKey, sortKey))
}

// Get returns the row for a key. ok is false when the key is absent or deleted.
func (t *Table[R]) Get(ctx context.Context, partitionKey, sortKey []byte) (row R, ok bool, err error) {
	e, err := t.GetEntry(ctx, partitionKey, sortKey)
	if err != nil || e == nil || e.Tombstone {
		return row, false, err
	}
	return e.Row, true, nil
}

// GetEntry returns the merged entry of the read quorum, tombstones included,
// or nil when no replica has the key. Stale responders are repaired in the
// background.
func (t *Table[R]) GetEntry(ctx context.Context, partitionKey, sortKey []byte) (merged *Entry[R], err error) {
	started := time.Now()
	defer func() { t.metrics.RecordTableOp(t.data.name, "get", started, err) }()

	if err := t.validator.ValidateRowKey(partitionKey, sortKey); err != nil {
		return nil, err
	}
	p := rpc.PartitionOf(rpc.HashKey(partitionKey))
	req := rpc.NewEncoder(len(partitionKey)+len(sortKey)+8).
		Bytes(fieldReadPartition, partitionKey).
		Bytes(fieldReadSort, sortKey).
		Encode()
	resps, err := t.system.TryCallMany(ctx, t.replication.ReadNodes(p), endpoint(t.data.name, epRead), req,
		rpc.RequestStrategy{Quorum: t.replication.ReadQuorum(), Timeout: t.timeout})
	if err != nil {
		t.metrics.RecordQuorumFailure(t.data.name, "get")
		return nil, fmt.Errorf("%s get: %w", t.data.name, err)
	}

	got := make(map[string][]byte, len(resps))
	for _, r := range resps {
		items, err := decodeItems(r.Body)
		if err != nil || len(items) > 1 {
			t.logger.Warn("Malformed read response", zap.String("table", t.data.name), zap.String("node", r.Node), zap.Error(err))
			continue
		}
		got[r.Node] = nil
		if len(items) == 0 {
			continue
		}
		e, err := t.data.codec.decode(items[0])
		if err != nil {
			t.logger.Error("Replica returned an undecodable entry",
				zap.String("table", t.data.name), zap.String("node", r.Node), zap.Bool("integrity", true), zap.Error(err))
			continue
		}
		got[r.Node] = items[0]
		if merged, err = t.data.codec.merge(merged, e); err != nil {
			return nil, err
		}
	}
	if merged == nil {
		return nil, nil
	}
	raw, err := t.data.codec.encode(merged)
	if err != nil {
		return nil, err
	}
	for node, have := range got {
		if !bytes.Equal(have, raw) {
			t.repair(node, [][]byte{raw})
		}
	}
	return merged, nil
}

// repair sends entries to a stale replica without waiting for it.
func (t *Table[R]) repair(node string, items [][]byte) {
	t.metrics.RecordReadRepair(t.data.name)
	req := encodeItems(items)
	task := workerpool.Task{
		Key:     fmt.Sprintf("%s/%s/%016x", t.data.name, node, rpc.HashKey(req)),
		Timeout: t.timeout,
		Fn: func(ctx context.Context) error {
			_, err := t.system.Call(ctx, node, endpoint(t.data.name, epUpdate), req)
			if err != nil {
				t.logger.Debug("Read repair failed", zap.String("table", t.data.name), zap.String("node", node), zap.Error(err))
			}
			return err
		},
	}
	if t.pool != nil {
		if !t.pool.TrySubmit(task) {
			t.logger.Debug("Read repair dropped, pool busy", zap.String("table", t.data.name), zap.String("node", node))
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		task.Fn(ctx)
	}()
}

// GetRange returns up to limit entries of one partition key with
// start <= sort key < end, merged across a read quorum. A nil end leaves the
// range open. Tombstones are skipped. next is the start of the following page,
// or nil when the range is exhausted.
func (t *Table[R]) GetRange(ctx context.Context, partitionKey, start, end []byte, limit int) (entries []*Entry[R], next []byte, err error) {
	started := time.Now()
	defer func() { t.metrics.RecordTableOp(t.data.name, "get_range", started, err) }()

	if err := t.validator.ValidateRowKey(partitionKey, nil); err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	p := rpc.PartitionOf(rpc.HashKey(partitionKey))
	req := encodeReadRange(readRangeRequest{partitionKey: partitionKey, start: start, end: end, limit: limit})
	resps, err := t.system.TryCallMany(ctx, t.replication.ReadNodes(p), endpoint(t.data.name, epReadRange), req,
		rpc.RequestStrategy{Quorum: t.replication.ReadQuorum(), Timeout: t.timeout})
	if err != nil {
		t.metrics.RecordQuorumFailure(t.data.name, "get_range")
		return nil, nil, fmt.Errorf("%s get range: %w", t.data.name, err)
	}

	type page struct {
		node  string
		items map[string][]byte
		last  []byte
		more  bool
	}
	var (
		pages  []page
		merged = make(map[string]*Entry[R])
		// cut is the smallest last key among replica pages that hit the limit;
		// past it some replica may hold entries we did not see.
		cut []byte
	)
	for _, r := range resps {
		pg := page{node: r.Node, items: make(map[string][]byte)}
		err := rpc.Decode(r.Body, func(f rpc.Field) error {
			switch f.Num {
			case fieldItems:
				e, err := t.data.codec.decode(f.Bytes)
				if err != nil {
					t.logger.Error("Replica returned an undecodable entry",
						zap.String("table", t.data.name), zap.String("node", r.Node), zap.Bool("integrity", true), zap.Error(err))
					return nil
				}
				sk := string(e.SortKey)
				pg.items[sk] = f.Bytes
				m, err := t.data.codec.merge(merged[sk], e)
				if err != nil {
					return err
				}
				merged[sk] = m
			case fieldRangeLast:
				pg.last = bytes.Clone(f.Bytes)
			case fieldRangeMore:
				pg.more = f.Bool()
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		if pg.more && (cut == nil || bytes.Compare(pg.last, cut) < 0) {
			cut = pg.last
		}
		pages = append(pages, pg)
	}

	keys := make([]string, 0, len(merged))
	for sk := range merged {
		if cut != nil && sk > string(cut) {
			continue
		}
		keys = append(keys, sk)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		// Replicas holding different keys can together exceed the limit.
		keys = keys[:limit]
		cut = []byte(keys[limit-1])
	}

	stale := make(map[string][][]byte)
	for _, sk := range keys {
		e := merged[sk]
		raw, err := t.data.codec.encode(e)
		if err != nil {
			return nil, nil, err
		}
		for _, pg := range pages {
			if !bytes.Equal(pg.items[sk], raw) {
				stale[pg.node] = append(stale[pg.node], raw)
			}
		}
		if !e.Tombstone {
			entries = append(entries, e)
		}
	}
	for node, items := range stale {
		t.repair(node, items)
	}
	if cut != nil {
		next = append(bytes.Clone(cut), 0)
	}
	return entries, next, nil
}

// SpawnWorkers registers the background workers of the table.
func (t *Table[R]) SpawnWorkers(r *background.Runner) {
	r.Spawn(&merkleUpdater[R]{data: t.data})
	r.Spawn(newSyncWorker(t))
	r.Spawn(&gcWorker[R]{t: t})
	r.Spawn(&queueWorker[R]{t: t})
}

func (t *Table[R]) errUnavailable(msg string) error {
	return storageerrors.Unavailable(fmt.Sprintf("%s: %s", t.data.name, msg), nil)
}
