// Package table is the replicated table engine. A table stores rows of one
// type, sharded or fully replicated across the cluster, with quorum reads and
// writes, merge on every replica, read repair, merkle based anti-entropy and
// tombstone garbage collection.
package table

import (
	"github.com/devrev/shelfdb/internal/storage/db"
)

// Schema describes a row type stored in a table.
type Schema[R any] interface {
	// Name is unique per node and names the keyspaces and RPC endpoints.
	Name() string
	PartitionKey(row R) []byte
	SortKey(row R) []byte
	// Encode must be deterministic: equal rows give equal bytes.
	Encode(row R) ([]byte, error)
	Decode(data []byte) (R, error)
	// Updated runs inside the local merge transaction whenever the stored
	// entry of a key changes. old is nil for a new key. Side effects on other
	// tables must go through their insert queue using tx.
	Updated(tx db.Tx, old, new *Entry[R]) error
}

// RowMerger is implemented by schemas whose rows merge field by field instead
// of last-writer-wins. MergeRows must be commutative, associative and
// idempotent. For such tables deletion is part of the row itself.
type RowMerger[R any] interface {
	MergeRows(a, b R) R
	// IsTombstone reports whether the row only records a deletion and may be
	// garbage collected.
	IsTombstone(row R) bool
	// DeletedRow builds the row that deletes the given key.
	DeletedRow(partitionKey, sortKey []byte) R
}

// NoHooks can be embedded by schemas that need no Updated hook.
type NoHooks[R any] struct{}

func (NoHooks[R]) Updated(db.Tx, *Entry[R], *Entry[R]) error { return nil }
