package table

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/metrics"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/util"
)

// merkleRemoved is the merkle todo value of a key that left the store.
var merkleRemoved = []byte{0}

// Data is the local part of a table: rows plus the bookkeeping keyspaces
// maintained in the same transactions.
type Data[R any] struct {
	name    string
	codec   *codec[R]
	db      db.DB
	clock   *Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	store       db.Tree
	merkleTodo  db.Tree
	merkleTree  db.Tree
	gcTodo      db.Tree
	insertQueue db.Tree

	merkleTrigger *background.Trigger
	queueTrigger  *background.Trigger
}

func newData[R any](schema Schema[R], local db.DB, clock *Clock, logger *zap.Logger, m *metrics.Metrics) (*Data[R], error) {
	d := &Data[R]{
		name:          schema.Name(),
		codec:         newCodec(schema),
		db:            local,
		clock:         clock,
		logger:        logger,
		metrics:       m,
		merkleTrigger: background.NewTrigger(),
		queueTrigger:  background.NewTrigger(),
	}
	trees := []struct {
		suffix string
		dst    *db.Tree
	}{
		{"data", &d.store},
		{"merkle_todo", &d.merkleTodo},
		{"merkle_tree", &d.merkleTree},
		{"gc_todo", &d.gcTodo},
		{"insert_queue", &d.insertQueue},
	}
	for _, t := range trees {
		tree, err := local.OpenTree(d.name + ":" + t.suffix)
		if err != nil {
			return nil, err
		}
		*t.dst = tree
	}
	return d, nil
}

func (d *Data[R]) integrityFault(key []byte, err error) error {
	d.metrics.RecordDecodeFailure(d.name)
	d.logger.Error("Stored row cannot be decoded, excluding it from merges",
		zap.String("table", d.name),
		zap.Binary("key", key),
		zap.Bool("integrity", true),
		zap.Error(err))
	return storageerrors.DecodeFailed(d.name, key, err)
}

// get returns the stored entry and its sealed bytes, or nils when absent.
func (d *Data[R]) get(partitionKey, sortKey []byte) (*Entry[R], []byte, error) {
	key := DataKey(partitionKey, sortKey)
	raw, err := d.store.Get(key)
	if err != nil || raw == nil {
		return nil, nil, err
	}
	e, err := d.codec.decode(raw)
	if err != nil {
		return nil, nil, d.integrityFault(key, err)
	}
	return e, raw, nil
}

// getRange returns sealed entries of one partition key with
// start <= sort key < end, the sort key of the last row scanned (decodable
// or not) and whether the limit cut the scan short.
func (d *Data[R]) getRange(partitionKey, start, end []byte, limit int) ([][]byte, []byte, bool, error) {
	prefix := partitionKeyPrefix(partitionKey)
	lower := append(bytes.Clone(prefix), start...)
	var upper []byte
	if end != nil {
		upper = append(bytes.Clone(prefix), end...)
	} else {
		upper = db.PrefixEnd(prefix)
	}

	kvs, err := d.store.Range(lower, upper, limit)
	if err != nil {
		return nil, nil, false, err
	}
	var last []byte
	if len(kvs) > 0 {
		last = bytes.TrimPrefix(kvs[len(kvs)-1].Key, prefix)
	}
	out := make([][]byte, 0, len(kvs))
	for _, kv := range kvs {
		e, err := d.codec.decode(kv.Value)
		if err != nil {
			d.integrityFault(kv.Key, err)
			continue
		}
		if !bytes.Equal(e.PartitionKey, partitionKey) {
			continue
		}
		out = append(out, kv.Value)
	}
	return out, last, limit > 0 && len(kvs) >= limit, nil
}

// update merges incoming into the stored entry. It returns true when the
// stored entry changed.
func (d *Data[R]) update(incoming *Entry[R]) (bool, error) {
	key := incoming.Key()
	d.clock.Observe(incoming.Timestamp)

	changed := false
	err := d.db.Transaction(func(tx db.Tx) error {
		oldRaw, err := tx.Get(d.store, key)
		if err != nil {
			return err
		}
		var old *Entry[R]
		if oldRaw != nil {
			if old, err = d.codec.decode(oldRaw); err != nil {
				return d.integrityFault(key, err)
			}
		}

		merged, err := d.codec.merge(old, incoming)
		if err != nil {
			return err
		}
		newRaw, err := d.codec.encode(merged)
		if err != nil {
			return err
		}
		if bytes.Equal(oldRaw, newRaw) {
			return nil
		}

		if err := tx.Insert(d.store, key, newRaw); err != nil {
			return err
		}
		vhash := valueHash(newRaw)
		if err := tx.Insert(d.merkleTodo, key, vhash[:]); err != nil {
			return err
		}
		if merged.Tombstone {
			if err := tx.Insert(d.gcTodo, gcTodoKey(uint64(time.Now().UnixMilli()), key), vhash[:]); err != nil {
				return err
			}
		}
		if err := d.codec.schema.Updated(tx, old, merged); err != nil {
			return fmt.Errorf("%s update hook: %w", d.name, err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		d.merkleTrigger.Notify()
	}
	return changed, nil
}

// updateSealed decodes and merges entries received from a peer. Entries
// that cannot be decoded, or whose stored row is damaged, are skipped so the
// rest of the batch still lands; any other failure stops the batch.
func (d *Data[R]) updateSealed(sealed [][]byte) error {
	for _, raw := range sealed {
		e, err := d.codec.decode(raw)
		if err != nil {
			d.metrics.RecordDecodeFailure(d.name)
			d.logger.Warn("Skipping undecodable entry from peer",
				zap.String("table", d.name),
				zap.Bool("integrity", true),
				zap.Error(err))
			continue
		}
		if _, err := d.update(e); err != nil {
			if storageerrors.HasCode(err, storageerrors.ErrCodeDecodeFailed) {
				continue
			}
			return err
		}
	}
	return nil
}

// deleteIfEqualHash physically removes key if its stored value still hashes to vhash.
func (d *Data[R]) deleteIfEqualHash(key []byte, vhash util.Hash) (bool, error) {
	removed := false
	err := d.db.Transaction(func(tx db.Tx) error {
		raw, err := tx.Get(d.store, key)
		if err != nil || raw == nil {
			return err
		}
		if valueHash(raw) != vhash {
			return nil
		}
		if err := tx.Remove(d.store, key); err != nil {
			return err
		}
		if err := tx.Insert(d.merkleTodo, key, merkleRemoved); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if removed {
		d.merkleTrigger.Notify()
	}
	return removed, err
}

// queueEntry stores e in the insert queue as part of tx, merged with any
// entry already queued for the same key.
func (d *Data[R]) queueEntry(tx db.Tx, e *Entry[R]) error {
	key := e.Key()
	oldRaw, err := tx.Get(d.insertQueue, key)
	if err != nil {
		return err
	}
	merged := e
	if oldRaw != nil {
		if old, err := d.codec.decode(oldRaw); err == nil {
			if merged, err = d.codec.merge(old, e); err != nil {
				return err
			}
		}
	}
	raw, err := d.codec.encode(merged)
	if err != nil {
		return err
	}
	if err := tx.Insert(d.insertQueue, key, raw); err != nil {
		return err
	}
	d.queueTrigger.Notify()
	return nil
}

// partitionRange returns up to limit stored key/values of partition p after key after.
func (d *Data[R]) partitionRange(p rpc.Partition, after []byte, limit int) ([]db.KV, error) {
	prefix := partitionPrefix(p)
	start := prefix
	if after != nil {
		start = append(bytes.Clone(after), 0)
	}
	return d.store.Range(start, db.PrefixEnd(prefix), limit)
}

func gcTodoKey(ts uint64, key []byte) []byte {
	out := make([]byte, 0, 8+len(key))
	out = binary.BigEndian.AppendUint64(out, ts)
	return append(out, key...)
}

// Get returns the locally stored entry of a key, or nil.
func (d *Data[R]) Get(partitionKey, sortKey []byte) (*Entry[R], error) {
	e, _, err := d.get(partitionKey, sortKey)
	return e, err
}

// GetRange returns the locally stored entries of one partition key with
// start <= sort key < end. Undecodable rows are skipped.
func (d *Data[R]) GetRange(partitionKey, start, end []byte, limit int) ([]*Entry[R], error) {
	sealed, _, _, err := d.getRange(partitionKey, start, end, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry[R], 0, len(sealed))
	for _, raw := range sealed {
		e, err := d.codec.decode(raw)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Scan walks up to limit local entries in storage order starting after the
// storage key after. It returns the key to resume from, nil at the end.
func (d *Data[R]) Scan(after []byte, limit int) ([]*Entry[R], []byte, error) {
	var start []byte
	if after != nil {
		start = append(bytes.Clone(after), 0)
	}
	kvs, err := d.store.Range(start, nil, limit)
	if err != nil {
		return nil, nil, err
	}
	out := make([]*Entry[R], 0, len(kvs))
	for _, kv := range kvs {
		e, err := d.codec.decode(kv.Value)
		if err != nil {
			d.integrityFault(kv.Key, err)
			continue
		}
		out = append(out, e)
	}
	var next []byte
	if limit > 0 && len(kvs) == limit {
		next = kvs[len(kvs)-1].Key
	}
	return out, next, nil
}
