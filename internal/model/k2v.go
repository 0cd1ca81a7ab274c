package model

import (
	"github.com/devrev/shelfdb/internal/counter"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/table"
)

// Names of the K2V counter values.
const (
	CountItems = "items"
)

// K2VItem is a value of the key/value API. Items of one bucket and partition
// key are stored together and sorted by SortKey.
type K2VItem struct {
	Bucket    string
	Partition string
	SortKey   string
	Value     []byte
}

// K2VPartitionKey is the table partition key of a bucket's partition.
func K2VPartitionKey(bucket, partition string) []byte {
	return []byte(bucket + "/" + partition)
}

type k2vItemSchema struct {
	counter *counter.Counter
}

func (k2vItemSchema) Name() string { return "k2v_item" }

func (k2vItemSchema) PartitionKey(i K2VItem) []byte { return K2VPartitionKey(i.Bucket, i.Partition) }
func (k2vItemSchema) SortKey(i K2VItem) []byte      { return []byte(i.SortKey) }

func (k2vItemSchema) Encode(i K2VItem) ([]byte, error) {
	return rpc.NewEncoder(len(i.Bucket)+len(i.Partition)+len(i.SortKey)+len(i.Value)+8).
		String(1, i.Bucket).
		String(2, i.Partition).
		String(3, i.SortKey).
		Bytes(4, i.Value).
		Encode(), nil
}

func (k2vItemSchema) Decode(data []byte) (K2VItem, error) {
	var i K2VItem
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			i.Bucket = f.Str()
		case 2:
			i.Partition = f.Str()
		case 3:
			i.SortKey = f.Str()
		case 4:
			i.Value = append([]byte{}, f.Bytes...)
		}
		return nil
	})
	return i, err
}

func itemCounts(e *table.Entry[K2VItem]) counter.Values {
	if e == nil || e.Tombstone {
		return counter.Values{}
	}
	return counter.Values{CountItems: 1, CountBytes: int64(len(e.Row.Value))}
}

// Updated counts items and bytes per partition key. The counter shares the
// item partition key so both live on the same nodes.
func (s k2vItemSchema) Updated(tx db.Tx, old, new *table.Entry[K2VItem]) error {
	deltas := itemCounts(new)
	for name, n := range itemCounts(old) {
		deltas[name] -= n
	}
	if deltas[CountItems] == 0 && deltas[CountBytes] == 0 {
		return nil
	}
	return s.counter.Count(tx, new.PartitionKey, nil, deltas)
}
