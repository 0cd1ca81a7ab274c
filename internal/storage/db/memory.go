package db

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

const btreeDegree = 32

type memItem struct {
	key   []byte
	value []byte
}

func (a memItem) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(memItem).key) < 0
}

// Memory is a non-durable engine backed by one B-tree per keyspace. A single
// RWMutex serializes transactions against each other and against readers.
type Memory struct {
	mu     sync.RWMutex
	trees  map[string]*memTree
	closed bool
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{trees: make(map[string]*memTree)}
}

func (m *Memory) Engine() string { return EngineMemory }

func (m *Memory) OpenTree(name string) (Tree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, storageerrors.LocalStorage("db closed", nil)
	}
	if t, ok := m.trees[name]; ok {
		return t, nil
	}
	t := &memTree{db: m, name: name, bt: btree.New(btreeDegree)}
	m.trees[name] = t
	return t, nil
}

type undo struct {
	tree    *memTree
	key     []byte
	prev    []byte
	existed bool
}

type memTx struct {
	db   *Memory
	undo []undo
}

func (m *Memory) Transaction(fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storageerrors.LocalStorage("db closed", nil)
	}

	tx := &memTx{db: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			u := tx.undo[i]
			if u.existed {
				u.tree.bt.ReplaceOrInsert(memItem{key: u.key, value: u.prev})
			} else {
				u.tree.bt.Delete(memItem{key: u.key})
			}
		}
		return err
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (tx *memTx) tree(t Tree) (*memTree, error) {
	mt, ok := t.(*memTree)
	if !ok || mt.db != tx.db {
		return nil, storageerrors.InvalidArgument("tree does not belong to this db", nil)
	}
	return mt, nil
}

func (tx *memTx) Get(t Tree, key []byte) ([]byte, error) {
	mt, err := tx.tree(t)
	if err != nil {
		return nil, err
	}
	return mt.getLocked(key), nil
}

func (tx *memTx) Insert(t Tree, key, value []byte) error {
	mt, err := tx.tree(t)
	if err != nil {
		return err
	}
	k := bytes.Clone(key)
	prev := mt.bt.ReplaceOrInsert(memItem{key: k, value: bytes.Clone(value)})
	u := undo{tree: mt, key: k}
	if prev != nil {
		u.existed = true
		u.prev = prev.(memItem).value
	}
	tx.undo = append(tx.undo, u)
	return nil
}

func (tx *memTx) Remove(t Tree, key []byte) error {
	mt, err := tx.tree(t)
	if err != nil {
		return err
	}
	prev := mt.bt.Delete(memItem{key: key})
	if prev != nil {
		tx.undo = append(tx.undo, undo{tree: mt, key: bytes.Clone(key), prev: prev.(memItem).value, existed: true})
	}
	return nil
}

type memTree struct {
	db   *Memory
	name string
	bt   *btree.BTree
}

func (t *memTree) Name() string { return t.name }

func (t *memTree) getLocked(key []byte) []byte {
	item := t.bt.Get(memItem{key: key})
	if item == nil {
		return nil
	}
	return bytes.Clone(item.(memItem).value)
}

func (t *memTree) Get(key []byte) ([]byte, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	return t.getLocked(key), nil
}

func (t *memTree) Insert(key, value []byte) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.bt.ReplaceOrInsert(memItem{key: bytes.Clone(key), value: bytes.Clone(value)})
	return nil
}

func (t *memTree) Remove(key []byte) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.bt.Delete(memItem{key: key})
	return nil
}

func (t *memTree) Range(start, end []byte, limit int) ([]KV, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	var out []KV
	visit := func(i btree.Item) bool {
		it := i.(memItem)
		out = append(out, KV{Key: bytes.Clone(it.key), Value: bytes.Clone(it.value)})
		return limit <= 0 || len(out) < limit
	}
	pivot := memItem{key: start}
	if start == nil {
		pivot.key = []byte{}
	}
	if end == nil {
		t.bt.AscendGreaterOrEqual(pivot, visit)
	} else {
		t.bt.AscendRange(pivot, memItem{key: end}, visit)
	}
	return out, nil
}

func (t *memTree) Len() (int, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	return t.bt.Len(), nil
}
