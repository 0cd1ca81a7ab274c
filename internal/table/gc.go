package table

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/util"
)

const (
	gcBatchSize  = 1024
	gcRetryDelay = time.Minute
)

type gcCandidate struct {
	todoKey []byte
	key     []byte
	value   []byte
	vhash   util.Hash
}

// gcStep collects one batch of tombstones older than the horizon. A
// tombstone is removed only after every other replica holds it and was asked
// to drop it; replicas drop it only if their value is still the same
// tombstone. It returns how many todo items were settled and how many are
// left for a later round.
func (t *Table[R]) gcStep(ctx context.Context, now time.Time) (settled, left int, err error) {
	cutoff := uint64(now.Add(-t.gcHorizon.Load()).UnixMilli())
	items, err := t.data.gcTodo.Range(nil, binary.BigEndian.AppendUint64(nil, cutoff), gcBatchSize)
	if err != nil || len(items) == 0 {
		return 0, 0, err
	}

	groups := make(map[rpc.Partition][]gcCandidate)
	for _, item := range items {
		if len(item.Key) <= 8 {
			t.dropGCTodo(item)
			settled++
			continue
		}
		key := item.Key[8:]
		vhash, err := util.HashFromBytes(item.Value)
		if err != nil {
			t.dropGCTodo(item)
			settled++
			continue
		}
		raw, err := t.data.store.Get(key)
		if err != nil {
			return settled, len(items) - settled, err
		}
		// The row changed since it was queued; a newer todo item covers it if
		// it is a tombstone again.
		if raw == nil || valueHash(raw) != vhash {
			t.dropGCTodo(item)
			settled++
			continue
		}
		p := partitionOfKey(key)
		groups[p] = append(groups[p], gcCandidate{todoKey: item.Key, key: key, value: raw, vhash: vhash})
	}

	removed := 0
	for p, cands := range groups {
		if err := t.confirmGC(ctx, p, cands); err != nil {
			t.logger.Warn("Tombstone GC postponed",
				zap.String("table", t.data.name),
				zap.Uint16("partition", uint16(p)),
				zap.Int("count", len(cands)),
				zap.Error(err))
			left += len(cands)
			continue
		}
		for _, c := range cands {
			ok, err := t.data.deleteIfEqualHash(c.key, c.vhash)
			if err != nil {
				return settled, left, err
			}
			if ok {
				removed++
			}
			if err := t.data.gcTodo.Remove(c.todoKey); err != nil {
				return settled, left, err
			}
			settled++
		}
	}
	t.metrics.RecordGCRemoved(t.data.name, removed)
	return settled, left, nil
}

// confirmGC makes every other replica of p hold the tombstones, then asks them
// to delete them.
func (t *Table[R]) confirmGC(ctx context.Context, p rpc.Partition, cands []gcCandidate) error {
	self := t.system.ID()
	var others []string
	for _, n := range t.replication.StorageNodes(p) {
		if n != self {
			others = append(others, n)
		}
	}
	if len(others) == 0 {
		return nil
	}
	values := make([][]byte, len(cands))
	dels := make([]deleteItem, len(cands))
	for i, c := range cands {
		values[i] = c.value
		dels[i] = deleteItem{key: c.key, vhash: c.vhash}
	}
	if _, err := t.system.CallAll(ctx, others, endpoint(t.data.name, epUpdate), encodeItems(values), t.timeout); err != nil {
		return fmt.Errorf("push tombstones: %w", err)
	}
	if _, err := t.system.CallAll(ctx, others, endpoint(t.data.name, epDeleteIfEqual), encodeDeleteItems(dels), t.timeout); err != nil {
		return fmt.Errorf("delete tombstones: %w", err)
	}
	return nil
}

func (t *Table[R]) dropGCTodo(item db.KV) {
	err := t.data.db.Transaction(func(tx db.Tx) error {
		cur, err := tx.Get(t.data.gcTodo, item.Key)
		if err != nil || !bytes.Equal(cur, item.Value) {
			return err
		}
		return tx.Remove(t.data.gcTodo, item.Key)
	})
	if err != nil {
		t.logger.Warn("Failed to drop GC todo item", zap.String("table", t.data.name), zap.Error(err))
	}
}

type gcWorker[R any] struct {
	t *Table[R]
}

func (w *gcWorker[R]) Name() string { return fmt.Sprintf("%s gc", w.t.data.name) }

func (w *gcWorker[R]) Status() background.WorkerStatus {
	n, _ := w.t.data.gcTodo.Len()
	return background.WorkerStatus{QueueLength: int64(n)}
}

func (w *gcWorker[R]) Work(ctx context.Context) (background.WorkerState, error) {
	settled, left, err := w.t.gcStep(ctx, time.Now())
	switch {
	case err != nil:
		return background.Busy, err
	case settled > 0:
		return background.Busy, nil
	case left > 0:
		return background.Throttled(gcRetryDelay), nil
	default:
		return background.Idle, nil
	}
}

func (w *gcWorker[R]) WaitForWork(ctx context.Context) {
	timer := time.NewTimer(w.t.gcInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
