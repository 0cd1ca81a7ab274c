package table

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/shelfdb/internal/background"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/util"
)

const (
	syncChunkSize    = 256
	syncRetryInitial = 10 * time.Second
	syncRetryMax     = 10 * time.Minute
)

// syncWorker walks every partition once per sync interval, and again after
// each ring change. A partition whose sync failed is retried on its own with
// backoff.
type syncWorker[R any] struct {
	t *Table[R]

	mu       sync.Mutex
	todo     []rpc.Partition
	total    int
	nextFull time.Time
	retry    []syncRetry
	attempts map[rpc.Partition]int
}

type syncRetry struct {
	p   rpc.Partition
	due time.Time
}

func newSyncWorker[R any](t *Table[R]) *syncWorker[R] {
	return &syncWorker[R]{t: t, attempts: make(map[rpc.Partition]int)}
}

func (w *syncWorker[R]) Name() string { return fmt.Sprintf("%s sync", w.t.data.name) }

func (w *syncWorker[R]) Status() background.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := background.WorkerStatus{
		QueueLength: int64(len(w.todo) + len(w.retry)),
		Errors:      int64(len(w.retry)),
	}
	if w.total > 0 {
		st.Progress = fmt.Sprintf("%d/%d partitions", w.total-len(w.todo), w.total)
	}
	return st
}

// next pops the next partition of the current pass, or else the first
// retry that is due.
func (w *syncWorker[R]) next(now time.Time) (rpc.Partition, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.todo) > 0 {
		p := w.todo[0]
		w.todo = w.todo[1:]
		return p, true
	}
	for i, r := range w.retry {
		if !r.due.After(now) {
			w.retry = append(w.retry[:i], w.retry[i+1:]...)
			return r.p, true
		}
	}
	return 0, false
}

func (w *syncWorker[R]) failed(p rpc.Partition, now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[p]++
	delay := background.RetryDelay(w.attempts[p], syncRetryInitial, syncRetryMax)
	w.retry = append(w.retry, syncRetry{p: p, due: now.Add(delay)})
	return delay
}

func (w *syncWorker[R]) succeeded(p rpc.Partition) {
	w.mu.Lock()
	delete(w.attempts, p)
	w.mu.Unlock()
}

func (w *syncWorker[R]) Work(ctx context.Context) (background.WorkerState, error) {
	// Digests are only comparable once pending merkle updates are folded in.
	if n, err := w.t.data.merkleTodo.Len(); err == nil && n > 0 {
		return background.Throttled(time.Second), nil
	}
	now := time.Now()
	p, ok := w.next(now)
	if !ok {
		return background.Idle, nil
	}
	if err := w.t.syncPartition(ctx, p); err != nil {
		if ctx.Err() != nil {
			return background.Busy, err
		}
		delay := w.failed(p, now)
		w.t.logger.Warn("Partition sync failed",
			zap.String("table", w.t.data.name),
			zap.Uint16("partition", uint16(p)),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		return background.Busy, nil
	}
	w.succeeded(p)
	return background.Busy, nil
}

func (w *syncWorker[R]) WaitForWork(ctx context.Context) {
	w.mu.Lock()
	wakeAt := w.nextFull
	for _, r := range w.retry {
		if r.due.Before(wakeAt) {
			wakeAt = r.due
		}
	}
	w.mu.Unlock()

	notified := false
	if wait := time.Until(wakeAt); wait > 0 {
		notified = w.t.syncTrigger.Wait(ctx, wait)
	}
	if ctx.Err() != nil {
		return
	}
	if !notified && time.Now().Before(w.nextFull) {
		// Only a retry is due.
		return
	}
	w.mu.Lock()
	w.todo = w.t.replication.Partitions()
	w.total = len(w.todo)
	// The new pass covers every pending retry; failures keep their attempt
	// count so repeated failures still back off.
	w.retry = nil
	w.mu.Unlock()
	w.nextFull = time.Now().Add(w.t.syncInterval.Load())
}

// syncAll folds pending merkle updates and syncs every partition once.
func (t *Table[R]) syncAll(ctx context.Context) error {
	for {
		n, err := t.data.processMerkleTodo(merkleBatchSize)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	for _, p := range t.replication.Partitions() {
		if err := t.syncPartition(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// syncPartition reconciles p with every other replica, or hands the
// partition over when this node no longer stores it.
func (t *Table[R]) syncPartition(ctx context.Context, p rpc.Partition) error {
	nodes := t.replication.StorageNodes(p)
	self := t.system.ID()
	if !contains(nodes, self) {
		return t.offloadPartition(ctx, p, nodes)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range nodes {
		if peer == self || !t.system.IsUp(peer) {
			continue
		}
		peer := peer
		g.Go(func() error {
			local, err := t.data.merkleNodeAt(p, nil)
			if err != nil {
				return err
			}
			remote, err := t.remoteNode(gctx, peer, p, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", peer, err)
			}
			return t.syncNode(gctx, peer, p, nil, local, remote)
		})
	}
	return g.Wait()
}

func (t *Table[R]) remoteNode(ctx context.Context, peer string, p rpc.Partition, prefix []byte) (*merkleNode, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	req := rpc.NewEncoder(len(prefix)+8).
		Uint64(fieldSyncPartition, uint64(p)).
		Bytes(fieldSyncPrefix, prefix).
		Encode()
	resp, err := t.system.Call(ctx, peer, endpoint(t.data.name, epSyncNode), req)
	if err != nil {
		return nil, err
	}
	return decodeMerkleNode(resp)
}

// childHash is the hash of the child of n at byte b, n being at depth depth.
func childHash(n *merkleNode, depth int, b byte) util.Hash {
	switch n.kind {
	case merkleIntermediate:
		for _, c := range n.children {
			if c.b == b {
				return c.hash
			}
		}
	case merkleLeaf:
		if util.Blake2Sum(n.key)[depth] == b {
			return n.hash()
		}
	}
	return util.Hash{}
}

// childBytes lists the bytes under which either node has a child.
func childBytes(a, b *merkleNode, depth int) []byte {
	seen := make(map[byte]bool)
	for _, n := range []*merkleNode{a, b} {
		switch n.kind {
		case merkleIntermediate:
			for _, c := range n.children {
				seen[c.b] = true
			}
		case merkleLeaf:
			seen[util.Blake2Sum(n.key)[depth]] = true
		}
	}
	out := make([]byte, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// childNode returns the child of n at prefix sub. A leaf is its own child on
// the path of its key hash.
func childNode(n *merkleNode, depth int, b byte, load func() (*merkleNode, error)) (*merkleNode, error) {
	switch n.kind {
	case merkleIntermediate:
		return load()
	case merkleLeaf:
		if util.Blake2Sum(n.key)[depth] == b {
			return n, nil
		}
	}
	return &merkleNode{kind: merkleEmpty}, nil
}

// syncNode narrows a digest mismatch under prefix down to the differing
// keys, then pushes ours and pulls theirs.
func (t *Table[R]) syncNode(ctx context.Context, peer string, p rpc.Partition, prefix []byte, local, remote *merkleNode) error {
	if local.hash() == remote.hash() {
		return nil
	}
	if local.kind == merkleIntermediate || remote.kind == merkleIntermediate {
		switch {
		case local.kind == merkleEmpty:
			return t.pullPrefix(ctx, peer, p, prefix)
		case remote.kind == merkleEmpty:
			keys, err := t.data.merkleLeaves(p, prefix)
			if err != nil {
				return err
			}
			return t.pushKeys(ctx, peer, keys)
		}
		depth := len(prefix)
		for _, b := range childBytes(local, remote, depth) {
			if childHash(local, depth, b) == childHash(remote, depth, b) {
				continue
			}
			sub := withByte(prefix, b)
			lc, err := childNode(local, depth, b, func() (*merkleNode, error) { return t.data.merkleNodeAt(p, sub) })
			if err != nil {
				return err
			}
			rc, err := childNode(remote, depth, b, func() (*merkleNode, error) { return t.remoteNode(ctx, peer, p, sub) })
			if err != nil {
				return err
			}
			if err := t.syncNode(ctx, peer, p, sub, lc, rc); err != nil {
				return err
			}
		}
		return nil
	}

	if local.kind == merkleLeaf {
		if err := t.pushKeys(ctx, peer, [][]byte{local.key}); err != nil {
			return err
		}
	}
	if remote.kind == merkleLeaf {
		return t.pull(ctx, peer, syncPullRequest{partition: p, keys: [][]byte{remote.key}})
	}
	return nil
}

// pushKeys sends the local entries of keys to peer in chunks.
func (t *Table[R]) pushKeys(ctx context.Context, peer string, keys [][]byte) error {
	for len(keys) > 0 {
		n := min(len(keys), syncChunkSize)
		chunk := keys[:n]
		keys = keys[n:]

		items := make([][]byte, 0, len(chunk))
		for _, k := range chunk {
			raw, err := t.data.store.Get(k)
			if err != nil {
				return err
			}
			if raw != nil {
				items = append(items, raw)
			}
		}
		if len(items) == 0 {
			continue
		}
		if err := t.callTimeout(ctx, peer, epUpdate, encodeItems(items)); err != nil {
			return err
		}
		t.metrics.RecordSyncItems(t.data.name, "push", len(items))
	}
	return nil
}

// pullPrefix fetches every entry of peer under prefix page by page.
func (t *Table[R]) pullPrefix(ctx context.Context, peer string, p rpc.Partition, prefix []byte) error {
	req := syncPullRequest{partition: p, prefix: prefix, limit: syncChunkSize}
	for {
		next, err := t.pullPage(ctx, peer, req)
		if err != nil || next == nil {
			return err
		}
		req.after = next
	}
}

func (t *Table[R]) pull(ctx context.Context, peer string, req syncPullRequest) error {
	_, err := t.pullPage(ctx, peer, req)
	return err
}

func (t *Table[R]) pullPage(ctx context.Context, peer string, req syncPullRequest) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	resp, err := t.system.Call(callCtx, peer, endpoint(t.data.name, epSyncPull), encodeSyncPull(req))
	if err != nil {
		return nil, err
	}
	var (
		items [][]byte
		next  []byte
	)
	err = rpc.Decode(resp, func(f rpc.Field) error {
		switch f.Num {
		case fieldItems:
			items = append(items, f.Bytes)
		case fieldSyncNext:
			next = bytes.Clone(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := t.data.updateSealed(items); err != nil {
		return nil, err
	}
	t.metrics.RecordSyncItems(t.data.name, "pull", len(items))
	return next, nil
}

// offloadPartition hands the local data of a partition this node no longer
// stores to the current replica set. Every replica must take a chunk before
// it is removed here.
func (t *Table[R]) offloadPartition(ctx context.Context, p rpc.Partition, nodes []string) error {
	var after []byte
	for {
		kvs, err := t.data.partitionRange(p, after, syncChunkSize)
		if err != nil || len(kvs) == 0 {
			return err
		}
		if len(nodes) == 0 {
			return t.errUnavailable("no replica to offload to")
		}
		items := make([][]byte, len(kvs))
		for i, kv := range kvs {
			items[i] = kv.Value
		}
		if _, err := t.system.CallAll(ctx, nodes, endpoint(t.data.name, epUpdate), encodeItems(items), t.timeout); err != nil {
			return fmt.Errorf("offload partition %d: %w", p, err)
		}
		for _, kv := range kvs {
			if _, err := t.data.deleteIfEqualHash(kv.Key, valueHash(kv.Value)); err != nil {
				return err
			}
		}
		t.metrics.RecordSyncItems(t.data.name, "offload", len(kvs))
		t.logger.Debug("Offloaded entries",
			zap.String("table", t.data.name),
			zap.Uint16("partition", uint16(p)),
			zap.Int("count", len(kvs)))
		if len(kvs) < syncChunkSize {
			return nil
		}
		after = kvs[len(kvs)-1].Key
	}
}

func (t *Table[R]) callTimeout(ctx context.Context, node, ep string, req []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.system.Call(ctx, node, endpoint(t.data.name, ep), req)
	return err
}
