// Package db is the local store used by every table and by the block manager.
// A DB holds named trees (ordered keyspaces) and runs atomic transactions
// spanning any number of them.
package db

import (
	"bytes"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

const (
	EngineMemory = "memory"
	EnginePebble = "pebble"
)

// ErrAbort can be returned from a transaction closure to roll it back without
// the caller treating it as a storage failure.
var ErrAbort = stderrors.New("transaction aborted")

// KV is one key/value pair returned by a range scan. Slices are owned by the caller.
type KV struct {
	Key   []byte
	Value []byte
}

// DB is an embedded ordered key-value store with named keyspaces.
type DB interface {
	// OpenTree returns the tree with the given name, creating it if needed.
	OpenTree(name string) (Tree, error)
	// Transaction runs fn atomically. Writes made through tx become visible only
	// if fn returns nil. Tree methods must not be called from inside fn.
	Transaction(fn func(tx Tx) error) error
	Engine() string
	Close() error
}

// Tree is a single ordered keyspace.
type Tree interface {
	Name() string
	// Get returns nil, nil when the key is absent.
	Get(key []byte) ([]byte, error)
	Insert(key, value []byte) error
	Remove(key []byte) error
	// Range returns up to limit pairs with start <= key < end, in key order.
	// A nil end means no upper bound; limit <= 0 means no limit.
	Range(start, end []byte, limit int) ([]KV, error)
	Len() (int, error)
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	Get(tree Tree, key []byte) ([]byte, error)
	Insert(tree Tree, key, value []byte) error
	Remove(tree Tree, key []byte) error
}

// Options configures engine specific behaviour.
type Options struct {
	// CacheSize is the pebble block cache size in bytes.
	CacheSize int64
	// SyncWrites makes every commit durable before returning.
	SyncWrites bool
	Logger     *zap.Logger
}

// Open opens the engine selected by name. The memory engine ignores path.
func Open(engine, path string, opts Options) (DB, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch engine {
	case EngineMemory:
		return NewMemory(), nil
	case EnginePebble:
		return OpenPebble(path, opts)
	default:
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("unknown db engine %q", engine), nil)
	}
}

// PrefixEnd returns the smallest key greater than every key starting with prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// ScanPrefix is a Range over every key that starts with prefix.
func ScanPrefix(tree Tree, prefix []byte, limit int) ([]KV, error) {
	return tree.Range(prefix, PrefixEnd(prefix), limit)
}
