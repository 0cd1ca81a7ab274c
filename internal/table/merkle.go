package table

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/util"
)

// The merkle tree of a partition is a trie over blake2b(data key). A node at
// prefix P is Empty when no key hash starts with P, a Leaf when exactly one
// does, and an Intermediate otherwise, so equal key sets give equal trees.

type merkleKind uint8

const (
	merkleEmpty merkleKind = iota
	merkleIntermediate
	merkleLeaf
)

const (
	fieldNodeKind     = 1
	fieldNodeChild    = 2
	fieldNodeKey      = 3
	fieldNodeValue    = 4
	fieldChildByte    = 1
	fieldChildHash    = 2
	merkleBatchSize   = 100
	merkleIdleTimeout = 10 * time.Second
)

type merkleChild struct {
	b    byte
	hash util.Hash
}

type merkleNode struct {
	kind     merkleKind
	children []merkleChild
	key      []byte
	vhash    util.Hash
}

func (n *merkleNode) encode() []byte {
	enc := rpc.NewEncoder(64).Uint64(fieldNodeKind, uint64(n.kind))
	switch n.kind {
	case merkleIntermediate:
		for _, c := range n.children {
			child := rpc.NewEncoder(40).
				Uint64(fieldChildByte, uint64(c.b)).
				Bytes(fieldChildHash, c.hash[:]).
				Encode()
			enc.Bytes(fieldNodeChild, child)
		}
	case merkleLeaf:
		enc.Bytes(fieldNodeKey, n.key).Bytes(fieldNodeValue, n.vhash[:])
	}
	return enc.Encode()
}

func decodeMerkleNode(raw []byte) (*merkleNode, error) {
	if raw == nil {
		return &merkleNode{kind: merkleEmpty}, nil
	}
	n := &merkleNode{}
	err := rpc.Decode(raw, func(f rpc.Field) error {
		switch f.Num {
		case fieldNodeKind:
			n.kind = merkleKind(f.Varint)
		case fieldNodeChild:
			var c merkleChild
			err := rpc.Decode(f.Bytes, func(cf rpc.Field) error {
				switch cf.Num {
				case fieldChildByte:
					c.b = byte(cf.Varint)
				case fieldChildHash:
					h, err := util.HashFromBytes(cf.Bytes)
					if err != nil {
						return err
					}
					c.hash = h
				}
				return nil
			})
			if err != nil {
				return err
			}
			n.children = append(n.children, c)
		case fieldNodeKey:
			n.key = bytes.Clone(f.Bytes)
		case fieldNodeValue:
			h, err := util.HashFromBytes(f.Bytes)
			if err != nil {
				return err
			}
			n.vhash = h
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// hash of an Empty node is the zero hash.
func (n *merkleNode) hash() util.Hash {
	if n.kind == merkleEmpty {
		return util.Hash{}
	}
	return util.Blake2Sum(n.encode())
}

func merkleNodeKey(p rpc.Partition, prefix []byte) []byte {
	out := make([]byte, 0, 1+len(prefix))
	out = append(out, byte(p))
	return append(out, prefix...)
}

func withByte(prefix []byte, b byte) []byte {
	out := make([]byte, len(prefix)+1)
	copy(out, prefix)
	out[len(prefix)] = b
	return out
}

func setChild(children []merkleChild, b byte, h util.Hash) []merkleChild {
	out := make([]merkleChild, 0, len(children)+1)
	for _, c := range children {
		if c.b != b {
			out = append(out, c)
		}
	}
	if !h.IsZero() {
		out = append(out, merkleChild{b: b, hash: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].b < out[j].b })
	return out
}

func (d *Data[R]) readNodeTx(tx db.Tx, key []byte) (*merkleNode, error) {
	raw, err := tx.Get(d.merkleTree, key)
	if err != nil {
		return nil, err
	}
	return decodeMerkleNode(raw)
}

func (d *Data[R]) writeNodeTx(tx db.Tx, key []byte, n *merkleNode) error {
	if n.kind == merkleEmpty {
		return tx.Remove(d.merkleTree, key)
	}
	return tx.Insert(d.merkleTree, key, n.encode())
}

// updateMerkleItem records that key now has value hash vhash, or was removed
// when vhash is nil.
func (d *Data[R]) updateMerkleItem(tx db.Tx, key []byte, vhash *util.Hash) error {
	khash := util.Blake2Sum(key)
	_, _, err := d.updateMerkleRec(tx, partitionOfKey(key), nil, key, khash, vhash)
	return err
}

func (d *Data[R]) updateMerkleRec(tx db.Tx, p rpc.Partition, prefix, key []byte, khash util.Hash, vhash *util.Hash) (bool, util.Hash, error) {
	i := len(prefix)
	if i >= len(khash) {
		return false, util.Hash{}, storageerrors.InternalError("merkle key hash exhausted", nil)
	}
	nodeKey := merkleNodeKey(p, prefix)
	node, err := d.readNodeTx(tx, nodeKey)
	if err != nil {
		return false, util.Hash{}, err
	}

	var next *merkleNode
	switch node.kind {
	case merkleEmpty:
		if vhash == nil {
			return false, util.Hash{}, nil
		}
		next = &merkleNode{kind: merkleLeaf, key: key, vhash: *vhash}

	case merkleIntermediate:
		sub := withByte(prefix, khash[i])
		changed, childHash, err := d.updateMerkleRec(tx, p, sub, key, khash, vhash)
		if err != nil || !changed {
			return false, util.Hash{}, err
		}
		children := setChild(node.children, khash[i], childHash)
		switch len(children) {
		case 0:
			next = &merkleNode{kind: merkleEmpty}
		case 1:
			// A lone leaf moves up to keep the tree canonical.
			childKey := merkleNodeKey(p, withByte(prefix, children[0].b))
			child, err := d.readNodeTx(tx, childKey)
			if err != nil {
				return false, util.Hash{}, err
			}
			if child.kind == merkleLeaf {
				if err := tx.Remove(d.merkleTree, childKey); err != nil {
					return false, util.Hash{}, err
				}
				next = child
			} else {
				next = &merkleNode{kind: merkleIntermediate, children: children}
			}
		default:
			next = &merkleNode{kind: merkleIntermediate, children: children}
		}

	case merkleLeaf:
		if bytes.Equal(node.key, key) {
			switch {
			case vhash == nil:
				next = &merkleNode{kind: merkleEmpty}
			case node.vhash == *vhash:
				return false, util.Hash{}, nil
			default:
				next = &merkleNode{kind: merkleLeaf, key: key, vhash: *vhash}
			}
			break
		}
		if vhash == nil {
			return false, util.Hash{}, nil
		}
		// Push the existing leaf one level down, then insert below the new
		// intermediate node.
		otherHash := util.Blake2Sum(node.key)
		if err := d.writeNodeTx(tx, merkleNodeKey(p, withByte(prefix, otherHash[i])), node); err != nil {
			return false, util.Hash{}, err
		}
		split := &merkleNode{
			kind:     merkleIntermediate,
			children: []merkleChild{{b: otherHash[i], hash: node.hash()}},
		}
		if err := d.writeNodeTx(tx, nodeKey, split); err != nil {
			return false, util.Hash{}, err
		}
		return d.updateMerkleRec(tx, p, prefix, key, khash, vhash)

	default:
		return false, util.Hash{}, storageerrors.CorruptedData(fmt.Sprintf("unknown merkle node kind %d", node.kind), nil)
	}

	if err := d.writeNodeTx(tx, nodeKey, next); err != nil {
		return false, util.Hash{}, err
	}
	return true, next.hash(), nil
}

// merkleNodeAt reads a node outside of any transaction.
func (d *Data[R]) merkleNodeAt(p rpc.Partition, prefix []byte) (*merkleNode, error) {
	raw, err := d.merkleTree.Get(merkleNodeKey(p, prefix))
	if err != nil {
		return nil, err
	}
	return decodeMerkleNode(raw)
}

// merkleLeaves returns the data keys of every leaf below prefix.
func (d *Data[R]) merkleLeaves(p rpc.Partition, prefix []byte) ([][]byte, error) {
	node, err := d.merkleNodeAt(p, prefix)
	if err != nil {
		return nil, err
	}
	switch node.kind {
	case merkleLeaf:
		return [][]byte{node.key}, nil
	case merkleIntermediate:
		var keys [][]byte
		for _, c := range node.children {
			sub, err := d.merkleLeaves(p, withByte(prefix, c.b))
			if err != nil {
				return nil, err
			}
			keys = append(keys, sub...)
		}
		return keys, nil
	default:
		return nil, nil
	}
}

// processMerkleTodo folds up to limit pending updates into the tree and
// returns how many were processed.
func (d *Data[R]) processMerkleTodo(limit int) (int, error) {
	items, err := d.merkleTodo.Range(nil, nil, limit)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		var vhash *util.Hash
		if !bytes.Equal(item.Value, merkleRemoved) {
			h, err := util.HashFromBytes(item.Value)
			if err != nil {
				return 0, storageerrors.CorruptedData("bad merkle todo value", err)
			}
			vhash = &h
		}
		err := d.db.Transaction(func(tx db.Tx) error {
			if err := d.updateMerkleItem(tx, item.Key, vhash); err != nil {
				return err
			}
			// A newer todo for the same key stays for the next round.
			cur, err := tx.Get(d.merkleTodo, item.Key)
			if err != nil {
				return err
			}
			if bytes.Equal(cur, item.Value) {
				return tx.Remove(d.merkleTodo, item.Key)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

// merkleUpdater keeps the merkle tree in step with the merkle todo keyspace.
type merkleUpdater[R any] struct {
	data *Data[R]
}

func (w *merkleUpdater[R]) Name() string { return fmt.Sprintf("%s merkle", w.data.name) }

func (w *merkleUpdater[R]) Status() background.WorkerStatus {
	n, _ := w.data.merkleTodo.Len()
	w.data.metrics.SetMerkleTodo(w.data.name, n)
	return background.WorkerStatus{QueueLength: int64(n)}
}

func (w *merkleUpdater[R]) Work(ctx context.Context) (background.WorkerState, error) {
	n, err := w.data.processMerkleTodo(merkleBatchSize)
	if err != nil {
		w.data.logger.Warn("Merkle update failed", zap.String("table", w.data.name), zap.Error(err))
		return background.Busy, err
	}
	if n == 0 {
		return background.Idle, nil
	}
	return background.Busy, nil
}

func (w *merkleUpdater[R]) WaitForWork(ctx context.Context) {
	w.data.merkleTrigger.Wait(ctx, merkleIdleTimeout)
}
