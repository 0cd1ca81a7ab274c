package table

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/util"
)

// Entry is a row together with its replication metadata.
type Entry[R any] struct {
	PartitionKey []byte
	SortKey      []byte
	// Row is the zero value for tombstones of last-writer-wins tables.
	Row       R
	Timestamp uint64
	// Node is the node that produced the entry; it breaks timestamp ties.
	Node      string
	Tombstone bool
}

// Key returns the local storage key of the entry.
func (e *Entry[R]) Key() []byte {
	return DataKey(e.PartitionKey, e.SortKey)
}

// Partition returns the partition the entry belongs to.
func (e *Entry[R]) Partition() rpc.Partition {
	return rpc.PartitionOf(rpc.HashKey(e.PartitionKey))
}

const (
	fieldEntryPartition = 1
	fieldEntrySort      = 2
	fieldEntryRow       = 3
	fieldEntryTimestamp = 4
	fieldEntryNode      = 5
	fieldEntryTombstone = 6
)

// DataKey is hash(partition key) || partition key || 0x00 || sort key. The
// leading hash groups a partition key's rows together and its top byte is the
// partition.
func DataKey(partitionKey, sortKey []byte) []byte {
	key := make([]byte, 0, 8+len(partitionKey)+1+len(sortKey))
	key = binary.BigEndian.AppendUint64(key, rpc.HashKey(partitionKey))
	key = append(key, partitionKey...)
	key = append(key, 0)
	return append(key, sortKey...)
}

func partitionKeyPrefix(partitionKey []byte) []byte {
	return DataKey(partitionKey, nil)
}

func partitionOfKey(key []byte) rpc.Partition {
	return rpc.Partition(key[0])
}

func partitionPrefix(p rpc.Partition) []byte {
	return []byte{byte(p)}
}

// codec turns entries into their persisted and wire form and merges them.
type codec[R any] struct {
	schema Schema[R]
	merger RowMerger[R]
}

func newCodec[R any](schema Schema[R]) *codec[R] {
	c := &codec[R]{schema: schema}
	if m, ok := schema.(RowMerger[R]); ok {
		c.merger = m
	}
	return c
}

func (c *codec[R]) hasRow(e *Entry[R]) bool {
	return c.merger != nil || !e.Tombstone
}

func (c *codec[R]) encodeRow(e *Entry[R]) ([]byte, error) {
	if !c.hasRow(e) {
		return nil, nil
	}
	return c.schema.Encode(e.Row)
}

// encode returns the sealed (checksummed) form of e.
func (c *codec[R]) encode(e *Entry[R]) ([]byte, error) {
	row, err := c.encodeRow(e)
	if err != nil {
		return nil, storageerrors.InternalError(fmt.Sprintf("failed to encode %s row", c.schema.Name()), err)
	}
	enc := rpc.NewEncoder(len(e.PartitionKey)+len(e.SortKey)+len(row)+len(e.Node)+24).
		Bytes(fieldEntryPartition, e.PartitionKey).
		Bytes(fieldEntrySort, e.SortKey).
		Uint64(fieldEntryTimestamp, e.Timestamp).
		String(fieldEntryNode, e.Node).
		Bool(fieldEntryTombstone, e.Tombstone)
	if c.hasRow(e) {
		enc.Bytes(fieldEntryRow, row)
	}
	return util.Seal(enc.Encode()), nil
}

func (c *codec[R]) decode(sealed []byte) (*Entry[R], error) {
	raw, err := util.Unseal(sealed)
	if err != nil {
		return nil, err
	}
	e := &Entry[R]{}
	var (
		row    []byte
		hasRow bool
	)
	err = rpc.Decode(raw, func(f rpc.Field) error {
		switch f.Num {
		case fieldEntryPartition:
			e.PartitionKey = bytes.Clone(f.Bytes)
		case fieldEntrySort:
			e.SortKey = bytes.Clone(f.Bytes)
		case fieldEntryRow:
			row, hasRow = f.Bytes, true
		case fieldEntryTimestamp:
			e.Timestamp = f.Varint
		case fieldEntryNode:
			e.Node = f.Str()
		case fieldEntryTombstone:
			e.Tombstone = f.Bool()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.PartitionKey == nil {
		e.PartitionKey = []byte{}
	}
	if e.SortKey == nil {
		e.SortKey = []byte{}
	}
	if c.hasRow(e) {
		if !hasRow {
			return nil, storageerrors.CorruptedData("entry without row", nil)
		}
		if e.Row, err = c.schema.Decode(row); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// compareMeta orders entries by timestamp, then originating node, then
// tombstone over live row.
func compareMeta[R any](a, b *Entry[R]) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	}
	if c := strings.Compare(a.Node, b.Node); c != 0 {
		return c
	}
	switch {
	case a.Tombstone == b.Tombstone:
		return 0
	case b.Tombstone:
		return -1
	default:
		return 1
	}
}

// merge is commutative, associative and idempotent. Either argument may be nil.
func (c *codec[R]) merge(a, b *Entry[R]) (*Entry[R], error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}

	if c.merger != nil {
		winner := a
		if a.Timestamp < b.Timestamp || (a.Timestamp == b.Timestamp && a.Node < b.Node) {
			winner = b
		}
		row := c.merger.MergeRows(a.Row, b.Row)
		return &Entry[R]{
			PartitionKey: a.PartitionKey,
			SortKey:      a.SortKey,
			Row:          row,
			Timestamp:    winner.Timestamp,
			Node:         winner.Node,
			Tombstone:    c.merger.IsTombstone(row),
		}, nil
	}

	switch cmp := compareMeta(a, b); {
	case cmp > 0:
		return a, nil
	case cmp < 0:
		return b, nil
	}
	// Same write metadata with different payloads only happens if a node reused
	// a timestamp; pick by payload so every replica agrees.
	ra, err := c.encodeRow(a)
	if err != nil {
		return nil, err
	}
	rb, err := c.encodeRow(b)
	if err != nil {
		return nil, err
	}
	if bytes.Compare(ra, rb) >= 0 {
		return a, nil
	}
	return b, nil
}

// valueHash identifies the stored form of an entry.
func valueHash(sealed []byte) util.Hash {
	return util.Blake2Sum(sealed)
}
