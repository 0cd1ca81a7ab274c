package table

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	"github.com/devrev/shelfdb/internal/storage/db"
)

const (
	queueBatchSize   = 256
	queueIdleTimeout = 10 * time.Second
)

// flushQueue writes one batch of the insert queue with quorum and returns how
// many items it consumed.
func (t *Table[R]) flushQueue(ctx context.Context) (int, error) {
	items, err := t.data.insertQueue.Range(nil, nil, queueBatchSize)
	if err != nil || len(items) == 0 {
		return 0, err
	}

	entries := make([]*Entry[R], 0, len(items))
	var bad []db.KV
	for _, item := range items {
		e, err := t.data.codec.decode(item.Value)
		if err != nil {
			t.data.integrityFault(item.Key, err)
			bad = append(bad, item)
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) > 0 {
		if err := t.InsertEntries(ctx, entries); err != nil {
			return 0, err
		}
	}

	// Items re-queued while we were writing stay for the next batch.
	err = t.data.db.Transaction(func(tx db.Tx) error {
		for _, item := range items {
			cur, err := tx.Get(t.data.insertQueue, item.Key)
			if err != nil {
				return err
			}
			if bytes.Equal(cur, item.Value) {
				if err := tx.Remove(t.data.insertQueue, item.Key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(bad) > 0 {
		t.logger.Error("Dropped undecodable insert queue items",
			zap.String("table", t.data.name),
			zap.Int("count", len(bad)),
			zap.Bool("integrity", true))
	}
	return len(items), nil
}

type queueWorker[R any] struct {
	t *Table[R]
}

func (w *queueWorker[R]) Name() string { return fmt.Sprintf("%s queue", w.t.data.name) }

func (w *queueWorker[R]) Status() background.WorkerStatus {
	n, _ := w.t.data.insertQueue.Len()
	w.t.metrics.SetInsertQueue(w.t.data.name, n)
	return background.WorkerStatus{QueueLength: int64(n)}
}

func (w *queueWorker[R]) Work(ctx context.Context) (background.WorkerState, error) {
	n, err := w.t.flushQueue(ctx)
	if err != nil {
		return background.Busy, err
	}
	if n == 0 {
		return background.Idle, nil
	}
	return background.Busy, nil
}

func (w *queueWorker[R]) WaitForWork(ctx context.Context) {
	w.t.data.queueTrigger.Wait(ctx, queueIdleTimeout)
}
