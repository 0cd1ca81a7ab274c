package model

import (
	"github.com/devrev/shelfdb/internal/block"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/table"
	"github.com/devrev/shelfdb/internal/util"
)

// BlockRef records that a version uses a block. It is keyed by the hex hash
// of the block, so it lives on the nodes that store the block.
type BlockRef struct {
	Block   util.Hash
	Version string
	Deleted bool
}

// Live reports whether the reference still holds the block.
func (r BlockRef) Live() bool { return !r.Deleted }

type blockRefSchema struct {
	blocks *block.Manager
}

func (blockRefSchema) Name() string                   { return "block_ref" }
func (blockRefSchema) PartitionKey(r BlockRef) []byte { return []byte(r.Block.String()) }
func (blockRefSchema) SortKey(r BlockRef) []byte      { return []byte(r.Version) }

func (blockRefSchema) Encode(r BlockRef) ([]byte, error) {
	return rpc.NewEncoder(util.HashSize+len(r.Version)+8).
		Bytes(1, r.Block[:]).
		String(2, r.Version).
		Bool(3, r.Deleted).
		Encode(), nil
}

func (blockRefSchema) Decode(data []byte) (BlockRef, error) {
	var r BlockRef
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			h, err := util.HashFromBytes(f.Bytes)
			if err != nil {
				return err
			}
			r.Block = h
		case 2:
			r.Version = f.Str()
		case 3:
			r.Deleted = f.Bool()
		}
		return nil
	})
	return r, err
}

// Deletion is sticky.
func (blockRefSchema) MergeRows(a, b BlockRef) BlockRef {
	if a.Block.IsZero() {
		a.Block = b.Block
	}
	if a.Version == "" {
		a.Version = b.Version
	}
	a.Deleted = a.Deleted || b.Deleted
	return a
}

func (blockRefSchema) IsTombstone(r BlockRef) bool { return r.Deleted }

func (blockRefSchema) DeletedRow(partitionKey, sortKey []byte) BlockRef {
	h, _ := util.ParseHash(string(partitionKey))
	return BlockRef{Block: h, Version: string(sortKey), Deleted: true}
}

// Updated keeps the local reference count of the block in step with the
// live references stored on this node.
func (s blockRefSchema) Updated(tx db.Tx, old, new *table.Entry[BlockRef]) error {
	wasLive := old != nil && old.Row.Live()
	isLive := new != nil && new.Row.Live()
	switch {
	case !wasLive && isLive:
		return s.blocks.Incref(tx, new.Row.Block)
	case wasLive && !isLive:
		return s.blocks.Decref(tx, old.Row.Block)
	}
	return nil
}
