// Package counter implements approximate counters on top of the table
// engine. A counter row holds one shard per node. Client increments are
// recorded as uniquely identified operations in the shard of the node that
// received them; counts maintained by table hooks are absolute per-node values
// in the shard of the counting replica.
package counter

import (
	"bytes"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/shelfdb/internal/rpc"
)

// Values maps a counted quantity (objects, bytes, ...) to its value.
type Values map[string]int64

// Add adds every value of o to v.
func (v Values) Add(o Values) {
	for name, n := range o {
		v[name] += n
	}
}

func (v Values) clone() Values {
	out := make(Values, len(v))
	out.Add(v)
	return out
}

func (v Values) names() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Op is one increment.
type Op struct {
	ID        string
	Timestamp uint64
	Deltas    Values
}

// Shard is the part of a counter written by one node.
type Shard struct {
	Node string
	// FoldedBefore is the timestamp below which ops were folded into Base.
	FoldedBefore uint64
	Base         Values
	// Ops are sorted by ID.
	Ops []Op
	// Local is the absolute count this node holds for the counted rows.
	Local          Values
	LocalTimestamp uint64
}

// Row is a counter. Shards are sorted by node.
type Row struct {
	PartitionKey []byte
	SortKey      []byte
	Shards       []Shard
}

func (r Row) shard(node string) (Shard, bool) {
	for _, s := range r.Shards {
		if s.Node == node {
			return s, true
		}
	}
	return Shard{}, false
}

// Value sums the counter. Ops are counted once per id whatever shard holds
// them. Local counts are taken from the nodes in replicas, or from every
// shard when replicas is nil, keeping the highest value per name.
func (r Row) Value(replicas []string) Values {
	total := make(Values)
	local := make(Values)
	seen := make(map[string]bool)
	for _, s := range r.Shards {
		total.Add(s.Base)
		for _, op := range s.Ops {
			if seen[op.ID] {
				continue
			}
			seen[op.ID] = true
			total.Add(op.Deltas)
		}
		if replicas != nil && !containsNode(replicas, s.Node) {
			continue
		}
		for name, n := range s.Local {
			if cur, ok := local[name]; !ok || n > cur {
				local[name] = n
			}
		}
	}
	total.Add(local)
	return total
}

func containsNode(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}

// mergeRows combines two versions of a counter shard by shard.
func mergeRows(a, b Row) Row {
	out := Row{PartitionKey: a.PartitionKey, SortKey: a.SortKey}
	if out.PartitionKey == nil {
		out.PartitionKey, out.SortKey = b.PartitionKey, b.SortKey
	}
	i, j := 0, 0
	for i < len(a.Shards) || j < len(b.Shards) {
		switch {
		case j >= len(b.Shards) || (i < len(a.Shards) && a.Shards[i].Node < b.Shards[j].Node):
			out.Shards = append(out.Shards, a.Shards[i])
			i++
		case i >= len(a.Shards) || b.Shards[j].Node < a.Shards[i].Node:
			out.Shards = append(out.Shards, b.Shards[j])
			j++
		default:
			out.Shards = append(out.Shards, mergeShards(a.Shards[i], b.Shards[j]))
			i++
			j++
		}
	}
	return out
}

func mergeShards(a, b Shard) Shard {
	out := Shard{Node: a.Node}

	switch {
	case a.FoldedBefore > b.FoldedBefore:
		out.FoldedBefore, out.Base = a.FoldedBefore, a.Base.clone()
	case b.FoldedBefore > a.FoldedBefore:
		out.FoldedBefore, out.Base = b.FoldedBefore, b.Base.clone()
	default:
		out.FoldedBefore, out.Base = a.FoldedBefore, maxValues(a.Base, b.Base)
	}

	ops := make(map[string]Op, len(a.Ops)+len(b.Ops))
	for _, op := range append(append([]Op{}, a.Ops...), b.Ops...) {
		if op.Timestamp < out.FoldedBefore {
			continue
		}
		if cur, ok := ops[op.ID]; ok && !opLess(cur, op) {
			continue
		}
		ops[op.ID] = op
	}
	for _, op := range ops {
		out.Ops = append(out.Ops, op)
	}
	sort.Slice(out.Ops, func(i, j int) bool { return out.Ops[i].ID < out.Ops[j].ID })

	switch {
	case a.LocalTimestamp > b.LocalTimestamp:
		out.Local, out.LocalTimestamp = a.Local.clone(), a.LocalTimestamp
	case b.LocalTimestamp > a.LocalTimestamp:
		out.Local, out.LocalTimestamp = b.Local.clone(), b.LocalTimestamp
	default:
		out.Local, out.LocalTimestamp = maxValues(a.Local, b.Local), a.LocalTimestamp
	}
	return out
}

// opLess orders two records of the same op id.
func opLess(a, b Op) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return bytes.Compare(encodeOp(a), encodeOp(b)) < 0
}

func maxValues(a, b Values) Values {
	out := a.clone()
	for name, n := range b {
		if cur, ok := out[name]; !ok || n > cur {
			out[name] = n
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

const (
	fieldRowPartition = 1
	fieldRowSort      = 2
	fieldRowShard     = 3

	fieldShardNode      = 1
	fieldShardFolded    = 2
	fieldShardBase      = 3
	fieldShardOp        = 4
	fieldShardLocal     = 5
	fieldShardLocalTime = 6

	fieldOpID        = 1
	fieldOpTimestamp = 2
	fieldOpDelta     = 3

	fieldValueName = 1
	fieldValueN    = 2
)

func appendValues(enc *rpc.Encoder, num protowire.Number, v Values) {
	for _, name := range v.names() {
		enc.Bytes(num, rpc.NewEncoder(len(name)+12).
			String(fieldValueName, name).
			Int64(fieldValueN, v[name]).
			Encode())
	}
}

func decodeValue(msg []byte, into *Values) error {
	var (
		name string
		n    int64
	)
	err := rpc.Decode(msg, func(f rpc.Field) error {
		switch f.Num {
		case fieldValueName:
			name = f.Str()
		case fieldValueN:
			n = f.Int64()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if *into == nil {
		*into = make(Values)
	}
	(*into)[name] += n
	return nil
}

func encodeOp(op Op) []byte {
	enc := rpc.NewEncoder(64).String(fieldOpID, op.ID).Uint64(fieldOpTimestamp, op.Timestamp)
	appendValues(enc, fieldOpDelta, op.Deltas)
	return enc.Encode()
}

func decodeOp(msg []byte) (Op, error) {
	var op Op
	err := rpc.Decode(msg, func(f rpc.Field) error {
		switch f.Num {
		case fieldOpID:
			op.ID = f.Str()
		case fieldOpTimestamp:
			op.Timestamp = f.Varint
		case fieldOpDelta:
			return decodeValue(f.Bytes, &op.Deltas)
		}
		return nil
	})
	return op, err
}

func encodeShard(s Shard) []byte {
	enc := rpc.NewEncoder(128).
		String(fieldShardNode, s.Node).
		Uint64(fieldShardFolded, s.FoldedBefore).
		Uint64(fieldShardLocalTime, s.LocalTimestamp)
	appendValues(enc, fieldShardBase, s.Base)
	for _, op := range s.Ops {
		enc.Bytes(fieldShardOp, encodeOp(op))
	}
	appendValues(enc, fieldShardLocal, s.Local)
	return enc.Encode()
}

func decodeShard(msg []byte) (Shard, error) {
	var s Shard
	err := rpc.Decode(msg, func(f rpc.Field) error {
		switch f.Num {
		case fieldShardNode:
			s.Node = f.Str()
		case fieldShardFolded:
			s.FoldedBefore = f.Varint
		case fieldShardLocalTime:
			s.LocalTimestamp = f.Varint
		case fieldShardBase:
			return decodeValue(f.Bytes, &s.Base)
		case fieldShardLocal:
			return decodeValue(f.Bytes, &s.Local)
		case fieldShardOp:
			op, err := decodeOp(f.Bytes)
			if err != nil {
				return err
			}
			s.Ops = append(s.Ops, op)
		}
		return nil
	})
	return s, err
}

func encodeRow(r Row) []byte {
	enc := rpc.NewEncoder(64).
		Bytes(fieldRowPartition, r.PartitionKey).
		Bytes(fieldRowSort, r.SortKey)
	for _, s := range r.Shards {
		enc.Bytes(fieldRowShard, encodeShard(s))
	}
	return enc.Encode()
}

func decodeRow(msg []byte) (Row, error) {
	var r Row
	err := rpc.Decode(msg, func(f rpc.Field) error {
		switch f.Num {
		case fieldRowPartition:
			r.PartitionKey = bytes.Clone(f.Bytes)
		case fieldRowSort:
			r.SortKey = bytes.Clone(f.Bytes)
		case fieldRowShard:
			s, err := decodeShard(f.Bytes)
			if err != nil {
				return err
			}
			r.Shards = append(r.Shards, s)
		}
		return nil
	})
	return r, err
}
