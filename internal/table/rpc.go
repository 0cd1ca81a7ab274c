package table

import (
	"bytes"
	"context"

	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/util"
)

// Endpoint suffixes. The full endpoint is table/<name>/<suffix>.
const (
	epUpdate        = "update"
	epRead          = "read"
	epReadRange     = "read_range"
	epSyncNode      = "sync_node"
	epSyncPull      = "sync_pull"
	epDeleteIfEqual = "delete_if_equal"
)

const (
	fieldItems = 1

	fieldReadPartition = 1
	fieldReadSort      = 2

	fieldRangePartition = 1
	fieldRangeStart     = 2
	fieldRangeEnd       = 3
	fieldRangeLimit     = 4
	fieldRangeMore      = 2
	fieldRangeLast      = 3

	fieldSyncPartition = 1
	fieldSyncPrefix    = 2
	fieldSyncAfter     = 3
	fieldSyncLimit     = 4
	fieldSyncKeys      = 5
	fieldSyncNext      = 2

	fieldDeleteKey  = 1
	fieldDeleteHash = 2
)

func endpoint(table, suffix string) string {
	return "table/" + table + "/" + suffix
}

type readRangeRequest struct {
	partitionKey []byte
	start        []byte
	// end is nil for an open range.
	end   []byte
	limit int
}

// syncPullRequest asks for explicit keys when keys is set, otherwise for one
// page of the entries under a key hash prefix.
type syncPullRequest struct {
	partition rpc.Partition
	prefix    []byte
	after     []byte
	limit     int
	keys      [][]byte
}

type deleteItem struct {
	key   []byte
	vhash util.Hash
}

func encodeItems(items [][]byte) []byte {
	size := 0
	for _, it := range items {
		size += len(it) + 4
	}
	enc := rpc.NewEncoder(size)
	for _, it := range items {
		enc.Bytes(fieldItems, it)
	}
	return enc.Encode()
}

func decodeItems(msg []byte) ([][]byte, error) {
	var items [][]byte
	err := rpc.Decode(msg, func(f rpc.Field) error {
		if f.Num == fieldItems {
			items = append(items, f.Bytes)
		}
		return nil
	})
	return items, err
}

func encodeReadRange(r readRangeRequest) []byte {
	enc := rpc.NewEncoder(len(r.partitionKey)+len(r.start)+len(r.end)+16).
		Bytes(fieldRangePartition, r.partitionKey).
		Bytes(fieldRangeStart, r.start).
		Uint64(fieldRangeLimit, uint64(r.limit))
	if r.end != nil {
		enc.Bytes(fieldRangeEnd, r.end)
	}
	return enc.Encode()
}

func decodeReadRange(msg []byte) (readRangeRequest, error) {
	var r readRangeRequest
	err := rpc.Decode(msg, func(f rpc.Field) error {
		switch f.Num {
		case fieldRangePartition:
			r.partitionKey = bytes.Clone(f.Bytes)
		case fieldRangeStart:
			r.start = bytes.Clone(f.Bytes)
		case fieldRangeEnd:
			r.end = append([]byte{}, f.Bytes...)
		case fieldRangeLimit:
			r.limit = int(f.Varint)
		}
		return nil
	})
	return r, err
}

func encodeSyncPull(r syncPullRequest) []byte {
	enc := rpc.NewEncoder(len(r.prefix)+len(r.after)+16).
		Uint64(fieldSyncPartition, uint64(r.partition)).
		Bytes(fieldSyncPrefix, r.prefix).
		Uint64(fieldSyncLimit, uint64(r.limit))
	if r.after != nil {
		enc.Bytes(fieldSyncAfter, r.after)
	}
	for _, k := range r.keys {
		enc.Bytes(fieldSyncKeys, k)
	}
	return enc.Encode()
}

func decodeSyncPull(msg []byte) (syncPullRequest, error) {
	var r syncPullRequest
	err := rpc.Decode(msg, func(f rpc.Field) error {
		switch f.Num {
		case fieldSyncPartition:
			r.partition = rpc.Partition(f.Varint)
		case fieldSyncPrefix:
			r.prefix = bytes.Clone(f.Bytes)
		case fieldSyncAfter:
			r.after = bytes.Clone(f.Bytes)
		case fieldSyncLimit:
			r.limit = int(f.Varint)
		case fieldSyncKeys:
			r.keys = append(r.keys, bytes.Clone(f.Bytes))
		}
		return nil
	})
	return r, err
}

func encodeDeleteItems(items []deleteItem) []byte {
	enc := rpc.NewEncoder(len(items) * 64)
	for _, it := range items {
		inner := rpc.NewEncoder(len(it.key)+util.HashSize+4).
			Bytes(fieldDeleteKey, it.key).
			Bytes(fieldDeleteHash, it.vhash[:]).
			Encode()
		enc.Bytes(fieldItems, inner)
	}
	return enc.Encode()
}

func decodeDeleteItems(msg []byte) ([]deleteItem, error) {
	raw, err := decodeItems(msg)
	if err != nil {
		return nil, err
	}
	items := make([]deleteItem, 0, len(raw))
	for _, r := range raw {
		var it deleteItem
		err := rpc.Decode(r, func(f rpc.Field) error {
			switch f.Num {
			case fieldDeleteKey:
				it.key = bytes.Clone(f.Bytes)
			case fieldDeleteHash:
				h, err := util.HashFromBytes(f.Bytes)
				if err != nil {
					return err
				}
				it.vhash = h
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func (t *Table[R]) registerEndpoints() {
	sys, name := t.system, t.data.name
	sys.Register(endpoint(name, epUpdate), t.handleUpdate)
	sys.Register(endpoint(name, epRead), t.handleRead)
	sys.Register(endpoint(name, epReadRange), t.handleReadRange)
	sys.Register(endpoint(name, epSyncNode), t.handleSyncNode)
	sys.Register(endpoint(name, epSyncPull), t.handleSyncPull)
	sys.Register(endpoint(name, epDeleteIfEqual), t.handleDeleteIfEqual)
}

func (t *Table[R]) handleUpdate(_ context.Context, _ string, req []byte) ([]byte, error) {
	items, err := decodeItems(req)
	if err != nil {
		return nil, err
	}
	return nil, t.data.updateSealed(items)
}

func (t *Table[R]) handleRead(_ context.Context, _ string, req []byte) ([]byte, error) {
	var pk, sk []byte
	err := rpc.Decode(req, func(f rpc.Field) error {
		switch f.Num {
		case fieldReadPartition:
			pk = f.Bytes
		case fieldReadSort:
			sk = f.Bytes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_, raw, err := t.data.get(pk, sk)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return encodeItems([][]byte{raw}), nil
}

func (t *Table[R]) handleReadRange(_ context.Context, _ string, req []byte) ([]byte, error) {
	r, err := decodeReadRange(req)
	if err != nil {
		return nil, err
	}
	items, last, more, err := t.data.getRange(r.partitionKey, r.start, r.end, r.limit)
	if err != nil {
		return nil, err
	}
	enc := rpc.NewEncoder(0)
	for _, it := range items {
		enc.Bytes(fieldItems, it)
	}
	if last != nil {
		enc.Bytes(fieldRangeLast, last)
	}
	return enc.Bool(fieldRangeMore, more).Encode(), nil
}

func (t *Table[R]) handleSyncNode(_ context.Context, _ string, req []byte) ([]byte, error) {
	var (
		p      rpc.Partition
		prefix []byte
	)
	err := rpc.Decode(req, func(f rpc.Field) error {
		switch f.Num {
		case fieldSyncPartition:
			p = rpc.Partition(f.Varint)
		case fieldSyncPrefix:
			prefix = bytes.Clone(f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	node, err := t.data.merkleNodeAt(p, prefix)
	if err != nil {
		return nil, err
	}
	return node.encode(), nil
}

// handleSyncPull returns stored entries by key, or the entries of a partition
// whose key hash starts with prefix. The prefix scan is paged by data key; the
// response carries the last scanned key when more may follow.
func (t *Table[R]) handleSyncPull(_ context.Context, _ string, req []byte) ([]byte, error) {
	r, err := decodeSyncPull(req)
	if err != nil {
		return nil, err
	}
	if len(r.keys) > 0 {
		enc := rpc.NewEncoder(0)
		for _, k := range r.keys {
			raw, err := t.data.store.Get(k)
			if err != nil {
				return nil, err
			}
			if raw != nil {
				enc.Bytes(fieldItems, raw)
			}
		}
		return enc.Encode(), nil
	}
	if r.limit <= 0 {
		r.limit = syncChunkSize
	}
	kvs, err := t.data.partitionRange(r.partition, r.after, r.limit)
	if err != nil {
		return nil, err
	}
	enc := rpc.NewEncoder(0)
	for _, kv := range kvs {
		khash := util.Blake2Sum(kv.Key)
		if bytes.HasPrefix(khash[:], r.prefix) {
			enc.Bytes(fieldItems, kv.Value)
		}
	}
	if len(kvs) == r.limit {
		enc.Bytes(fieldSyncNext, kvs[len(kvs)-1].Key)
	}
	return enc.Encode(), nil
}

func (t *Table[R]) handleDeleteIfEqual(_ context.Context, _ string, req []byte) ([]byte, error) {
	items, err := decodeDeleteItems(req)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if _, err := t.data.deleteIfEqualHash(it.key, it.vhash); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
