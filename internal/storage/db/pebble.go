package db

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

// Pebble is the durable engine. Every tree is a key prefix inside one pebble
// instance. Writers are serialized by a mutex so that read-modify-write
// transactions never interleave; readers go straight to pebble.
type Pebble struct {
	db        *pebble.DB
	path      string
	writeOpts *pebble.WriteOptions
	logger    *zap.Logger

	mu    sync.Mutex
	trees map[string]*pebbleTree
}

type pebbleLogger struct {
	logger *zap.SugaredLogger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[pebble] "+format, args...)
}

func (l pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[pebble] "+format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[pebble] "+format, args...)
}

// OpenPebble opens or creates a pebble store in path.
func OpenPebble(path string, opts Options) (*Pebble, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 64 << 20
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	pdb, err := pebble.Open(path, &pebble.Options{
		Cache:  cache,
		Logger: pebbleLogger{logger: opts.Logger.Sugar()},
	})
	if err != nil {
		return nil, storageerrors.LocalStorage(fmt.Sprintf("failed to open pebble db at %s", path), err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	opts.Logger.Info("Opened pebble store",
		zap.String("path", path),
		zap.Int64("cache_size", cacheSize),
		zap.Bool("sync_writes", opts.SyncWrites))

	return &Pebble{
		db:        pdb,
		path:      path,
		writeOpts: writeOpts,
		logger:    opts.Logger,
		trees:     make(map[string]*pebbleTree),
	}, nil
}

func (p *Pebble) Engine() string { return EnginePebble }

func (p *Pebble) OpenTree(name string) (Tree, error) {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("invalid tree name %q", name), nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.trees[name]; ok {
		return t, nil
	}
	prefix := append([]byte(name), 0)
	t := &pebbleTree{p: p, name: name, prefix: prefix, end: PrefixEnd(prefix)}
	p.trees[name] = t
	return t, nil
}

type pebbleTx struct {
	p     *Pebble
	batch *pebble.Batch
}

func (p *Pebble) Transaction(fn func(tx Tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := p.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(&pebbleTx{p: p, batch: batch}); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(p.writeOpts); err != nil {
		return storageerrors.LocalStorage("failed to commit transaction", err)
	}
	return nil
}

func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.db.Close(); err != nil {
		return storageerrors.LocalStorage("failed to close pebble db", err)
	}
	return nil
}

func (tx *pebbleTx) tree(t Tree) (*pebbleTree, error) {
	pt, ok := t.(*pebbleTree)
	if !ok || pt.p != tx.p {
		return nil, storageerrors.InvalidArgument("tree does not belong to this db", nil)
	}
	return pt, nil
}

func (tx *pebbleTx) Get(t Tree, key []byte) ([]byte, error) {
	pt, err := tx.tree(t)
	if err != nil {
		return nil, err
	}
	return getFrom(tx.batch, pt.key(key))
}

func (tx *pebbleTx) Insert(t Tree, key, value []byte) error {
	pt, err := tx.tree(t)
	if err != nil {
		return err
	}
	if err := tx.batch.Set(pt.key(key), value, nil); err != nil {
		return storageerrors.LocalStorage("batch set failed", err)
	}
	return nil
}

func (tx *pebbleTx) Remove(t Tree, key []byte) error {
	pt, err := tx.tree(t)
	if err != nil {
		return err
	}
	if err := tx.batch.Delete(pt.key(key), nil); err != nil {
		return storageerrors.LocalStorage("batch delete failed", err)
	}
	return nil
}

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func getFrom(r pebbleReader, key []byte) ([]byte, error) {
	val, closer, err := r.Get(key)
	if stderrors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageerrors.LocalStorage("pebble get failed", err)
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

type pebbleTree struct {
	p      *Pebble
	name   string
	prefix []byte
	end    []byte
}

func (t *pebbleTree) Name() string { return t.name }

func (t *pebbleTree) key(k []byte) []byte {
	out := make([]byte, 0, len(t.prefix)+len(k))
	out = append(out, t.prefix...)
	return append(out, k...)
}

func (t *pebbleTree) Get(key []byte) ([]byte, error) {
	return getFrom(t.p.db, t.key(key))
}

func (t *pebbleTree) Insert(key, value []byte) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	if err := t.p.db.Set(t.key(key), value, t.p.writeOpts); err != nil {
		return storageerrors.LocalStorage("pebble set failed", err)
	}
	return nil
}

func (t *pebbleTree) Remove(key []byte) error {
	t.p.mu.Lock()
	defer t.p.mu.Unlock()
	if err := t.p.db.Delete(t.key(key), t.p.writeOpts); err != nil {
		return storageerrors.LocalStorage("pebble delete failed", err)
	}
	return nil
}

func (t *pebbleTree) Range(start, end []byte, limit int) ([]KV, error) {
	lower := t.key(start)
	upper := t.end
	if end != nil {
		upper = t.key(end)
	}
	iter, err := t.p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, storageerrors.LocalStorage("pebble iterator failed", err)
	}
	defer iter.Close()

	var out []KV
	for valid := iter.First(); valid; valid = iter.Next() {
		out = append(out, KV{
			Key:   bytes.Clone(iter.Key()[len(t.prefix):]),
			Value: bytes.Clone(iter.Value()),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, storageerrors.LocalStorage("pebble iteration failed", err)
	}
	return out, nil
}

func (t *pebbleTree) Len() (int, error) {
	iter, err := t.p.db.NewIter(&pebble.IterOptions{LowerBound: t.prefix, UpperBound: t.end})
	if err != nil {
		return 0, storageerrors.LocalStorage("pebble iterator failed", err)
	}
	defer iter.Close()
	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Error()
}
