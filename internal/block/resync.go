package block

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/util"
)

const (
	resyncIdleTimeout  = 10 * time.Second
	resyncRetryInitial = time.Minute
	resyncRetryMax     = 24 * time.Hour
	scanBatchSize      = 1024
)

func resyncKey(due time.Time, h util.Hash) []byte {
	key := binary.BigEndian.AppendUint64(make([]byte, 0, 8+util.HashSize), uint64(due.UnixMilli()))
	return append(key, h[:]...)
}

func (m *Manager) queueResyncTx(tx db.Tx, h util.Hash, due time.Time) error {
	if err := tx.Insert(m.resyncQueue, resyncKey(due, h), []byte{1}); err != nil {
		return err
	}
	m.resyncTrigger.Notify()
	return nil
}

func (m *Manager) queueResync(h util.Hash, due time.Time) error {
	return m.db.Transaction(func(tx db.Tx) error {
		return m.queueResyncTx(tx, h, due)
	})
}

// resyncError tracks failed attempts at a block.
type resyncError struct {
	attempts uint64
	lastTry  uint64
	nextTry  uint64
}

func (e resyncError) encode() []byte {
	out := make([]byte, 0, 24)
	out = binary.BigEndian.AppendUint64(out, e.attempts)
	out = binary.BigEndian.AppendUint64(out, e.lastTry)
	return binary.BigEndian.AppendUint64(out, e.nextTry)
}

func decodeResyncError(raw []byte) (resyncError, bool) {
	if len(raw) != 24 {
		return resyncError{}, false
	}
	return resyncError{
		attempts: binary.BigEndian.Uint64(raw[0:8]),
		lastTry:  binary.BigEndian.Uint64(raw[8:16]),
		nextTry:  binary.BigEndian.Uint64(raw[16:24]),
	}, true
}

// resyncStep handles the first due item of the queue. It reports whether an
// item was processed and, when the queue holds only future items, when the
// next one is due.
func (m *Manager) resyncStep(ctx context.Context) (bool, time.Time, error) {
	items, err := m.resyncQueue.Range(nil, nil, 1)
	if err != nil || len(items) == 0 {
		return false, time.Time{}, err
	}
	item := items[0]
	if len(item.Key) != 8+util.HashSize {
		return true, time.Time{}, m.resyncQueue.Remove(item.Key)
	}
	due := time.UnixMilli(int64(binary.BigEndian.Uint64(item.Key[:8])))
	now := m.now()
	if due.After(now) {
		return false, due, nil
	}
	h, _ := util.HashFromBytes(item.Key[8:])
	if err := m.resyncQueue.Remove(item.Key); err != nil {
		return false, time.Time{}, err
	}

	raw, err := m.resyncErrors.Get(h[:])
	if err != nil {
		return false, time.Time{}, err
	}
	if prev, ok := decodeResyncError(raw); ok && time.UnixMilli(int64(prev.nextTry)).After(now) {
		return true, time.Time{}, m.queueResync(h, time.UnixMilli(int64(prev.nextTry)))
	}

	if err := m.resyncBlock(ctx, h); err != nil {
		if !storageerrors.IsRetryable(err) {
			// Retrying cannot help; the next full scan queues the block again.
			m.metrics.RecordResyncError()
			m.logger.Error("Dropping block resync after a permanent error",
				zap.String("block", h.String()),
				zap.Bool("integrity", true),
				zap.Error(err))
			if raw != nil {
				return true, time.Time{}, m.resyncErrors.Remove(h[:])
			}
			return true, time.Time{}, nil
		}
		prev, _ := decodeResyncError(raw)
		prev.attempts++
		prev.lastTry = uint64(now.UnixMilli())
		next := now.Add(background.RetryDelay(int(prev.attempts), resyncRetryInitial, resyncRetryMax))
		prev.nextTry = uint64(next.UnixMilli())
		m.metrics.RecordResyncError()
		m.logger.Warn("Block resync failed",
			zap.String("block", h.String()),
			zap.Uint64("attempts", prev.attempts),
			zap.Time("next_try", next),
			zap.Error(err))
		if err := m.resyncErrors.Insert(h[:], prev.encode()); err != nil {
			return true, time.Time{}, err
		}
		return true, time.Time{}, m.queueResync(h, next)
	}
	if raw != nil {
		if err := m.resyncErrors.Remove(h[:]); err != nil {
			return true, time.Time{}, err
		}
	}
	return true, time.Time{}, nil
}

// resyncBlock brings the local copy of h in line with its reference count:
// missing referenced blocks are fetched, unreferenced ones are deleted after
// the grace period.
func (m *Manager) resyncBlock(ctx context.Context, h util.Hash) error {
	count, deletableAt, err := m.refCount(h)
	if err != nil {
		return err
	}
	if count, deletableAt, err = m.recount(h, count, deletableAt); err != nil {
		return err
	}
	exists := m.store.exists(h)
	now := m.now()

	switch {
	case count == 0 && exists:
		if deletableAt.IsZero() {
			// Never counted here: give in-flight references a full grace period.
			return m.markDeletable(h, now.Add(m.cfg.GCGrace))
		}
		if deletableAt.After(now) {
			return m.queueResync(h, deletableAt)
		}
		if !contains(m.nodesFor(h), m.system.ID()) {
			if err := m.offload(ctx, h); err != nil {
				return err
			}
		}
		return m.deleteUnreferenced(h)

	case count == 0:
		if deletableAt.IsZero() || !deletableAt.After(now) {
			return m.dropRC(h)
		}
		return nil

	case !exists:
		_, hdr, stored, err := m.fetchRemote(ctx, h)
		if err != nil {
			return err
		}
		if err := m.waitBandwidth(ctx, len(stored)); err != nil {
			return err
		}
		return m.writeLocal(h, hdr, stored)
	}
	return nil
}

// recount reconciles the stored count with the block reference table.
func (m *Manager) recount(h util.Hash, count uint64, deletableAt time.Time) (uint64, time.Time, error) {
	m.mu.RLock()
	counter := m.refCounter
	m.mu.RUnlock()
	if counter == nil {
		return count, deletableAt, nil
	}
	actual, err := counter(h)
	if err != nil {
		return count, deletableAt, err
	}
	if uint64(actual) == count {
		return count, deletableAt, nil
	}
	m.logger.Warn("Block reference count drifted, fixing it",
		zap.String("block", h.String()),
		zap.Uint64("stored", count),
		zap.Int("actual", actual))
	v := rcValue{count: uint64(actual)}
	if actual == 0 {
		deletableAt = m.now().Add(m.cfg.GCGrace)
		v.deletableAt = uint64(deletableAt.UnixMilli())
	} else {
		deletableAt = time.Time{}
	}
	err = m.db.Transaction(func(tx db.Tx) error {
		return tx.Insert(m.rc, h[:], v.encode())
	})
	return v.count, deletableAt, err
}

func (m *Manager) markDeletable(h util.Hash, at time.Time) error {
	return m.db.Transaction(func(tx db.Tx) error {
		raw, err := tx.Get(m.rc, h[:])
		if err != nil {
			return err
		}
		v, err := decodeRC(raw)
		if err != nil || v.count > 0 {
			return err
		}
		v.deletableAt = uint64(at.UnixMilli())
		if err := tx.Insert(m.rc, h[:], v.encode()); err != nil {
			return err
		}
		return m.queueResyncTx(tx, h, at)
	})
}

// deleteUnreferenced removes the local copy of h and its count entry. The
// count and grace deadline are checked again in the transaction that drops
// the entry, so a reference or a new put that landed since resyncBlock read
// them keeps the block.
func (m *Manager) deleteUnreferenced(h util.Hash) error {
	deleted := false
	err := m.db.Transaction(func(tx db.Tx) error {
		raw, err := tx.Get(m.rc, h[:])
		if err != nil {
			return err
		}
		v, err := decodeRC(raw)
		if err != nil {
			return err
		}
		if v.count > 0 || v.deletableAt == 0 || v.deletableAt > uint64(m.now().UnixMilli()) {
			return nil
		}
		if err := m.store.remove(h); err != nil {
			return err
		}
		deleted = true
		return tx.Remove(m.rc, h[:])
	})
	if err != nil || !deleted {
		return err
	}
	m.metrics.RecordBlockDeleted()
	m.logger.Debug("Deleted unreferenced block", zap.String("block", h.String()))
	return nil
}

// dropRC removes the count entry unless a reference appeared meanwhile.
func (m *Manager) dropRC(h util.Hash) error {
	return m.db.Transaction(func(tx db.Tx) error {
		raw, err := tx.Get(m.rc, h[:])
		if err != nil || raw == nil {
			return err
		}
		v, err := decodeRC(raw)
		if err != nil || v.count > 0 {
			return err
		}
		return tx.Remove(m.rc, h[:])
	})
}

// offload hands a block this node no longer stores to the storage nodes
// that reference it but miss it.
func (m *Manager) offload(ctx context.Context, h util.Hash) error {
	var (
		put    []byte
		failed int
	)
	for _, node := range m.nodesFor(h) {
		if node == m.system.ID() {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		resp, err := m.system.Call(callCtx, node, epNeed, rpc.NewEncoder(40).Bytes(fieldHash, h[:]).Encode())
		cancel()
		if err != nil {
			failed++
			continue
		}
		need, err := decodeNeed(resp)
		if err != nil || !need {
			continue
		}
		if put == nil {
			_, stored, hdr, err := m.readLocal(h)
			if err != nil {
				return err
			}
			put = encodePut(h, hdr, stored)
		}
		if err := m.waitBandwidth(ctx, len(put)); err != nil {
			return err
		}
		callCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		_, err = m.system.Call(callCtx, node, epPut, put)
		cancel()
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("offload block %s: %d nodes unreachable", h, failed)
	}
	return nil
}

func (m *Manager) waitBandwidth(ctx context.Context, n int) error {
	if burst := m.limiter.Burst(); n > burst {
		n = burst
	}
	return m.limiter.WaitN(ctx, n)
}

func contains(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}

type resyncWorker struct {
	m       *Manager
	nextDue time.Time
}

func (w *resyncWorker) Name() string { return "block resync" }

func (w *resyncWorker) Status() background.WorkerStatus {
	queued, _ := w.m.resyncQueue.Len()
	errored, _ := w.m.resyncErrors.Len()
	w.m.metrics.SetResyncQueue(queued, errored)
	return background.WorkerStatus{
		QueueLength: int64(queued),
		Errors:      int64(errored),
		Tranquility: int(w.m.cfg.Tranquility.Load()),
	}
}

func (w *resyncWorker) Work(ctx context.Context) (background.WorkerState, error) {
	started := time.Now()
	done, next, err := w.m.resyncStep(ctx)
	if err != nil {
		return background.Busy, err
	}
	if !done {
		w.nextDue = next
		return background.Idle, nil
	}
	if tranquility := w.m.cfg.Tranquility.Load(); tranquility > 0 {
		return background.Throttled(time.Since(started) * time.Duration(tranquility)), nil
	}
	return background.Busy, nil
}

func (w *resyncWorker) WaitForWork(ctx context.Context) {
	timeout := resyncIdleTimeout
	if !w.nextDue.IsZero() {
		if d := time.Until(w.nextDue); d < timeout {
			timeout = max(d, time.Millisecond)
		}
	}
	w.m.resyncTrigger.Wait(ctx, timeout)
}

// scanWorker periodically queues every counted and every stored block so
// drift between the two is repaired even without new writes.
type scanWorker struct {
	m        *Manager
	lastScan time.Time
}

func (w *scanWorker) Name() string { return "block scan" }

func (w *scanWorker) Status() background.WorkerStatus { return background.WorkerStatus{} }

func (w *scanWorker) Work(ctx context.Context) (background.WorkerState, error) {
	if time.Since(w.lastScan) < w.m.cfg.ScanInterval {
		return background.Idle, nil
	}
	n, err := w.m.scan(ctx)
	if err != nil {
		return background.Busy, err
	}
	w.lastScan = time.Now()
	w.m.logger.Info("Block scan queued blocks for resync", zap.Int("blocks", n))
	return background.Idle, nil
}

func (w *scanWorker) WaitForWork(ctx context.Context) {
	wait := w.m.cfg.ScanInterval - time.Since(w.lastScan)
	if wait < time.Second {
		wait = time.Second
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// scan queues a resync of every block with a count entry or a file.
func (m *Manager) scan(ctx context.Context) (int, error) {
	now := m.now()
	seen := 0
	var after []byte
	for {
		items, err := m.rc.Range(after, nil, scanBatchSize)
		if err != nil {
			return seen, err
		}
		err = m.db.Transaction(func(tx db.Tx) error {
			for _, item := range items {
				h, err := util.HashFromBytes(item.Key)
				if err != nil {
					continue
				}
				if err := m.queueResyncTx(tx, h, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return seen, err
		}
		seen += len(items)
		if len(items) < scanBatchSize {
			break
		}
		after = append(items[len(items)-1].Key, 0)
		if ctx.Err() != nil {
			return seen, ctx.Err()
		}
	}
	err := m.store.walk(func(h util.Hash) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen++
		return m.queueResync(h, now)
	})
	return seen, err
}
