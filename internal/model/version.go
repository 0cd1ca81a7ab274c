package model

import (
	"bytes"
	"sort"

	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/table"
	"github.com/devrev/shelfdb/internal/util"
)

// VersionBlock is one block of a version's data.
type VersionBlock struct {
	Part   uint64
	Offset uint64
	Hash   util.Hash
	Size   uint64
}

func (b VersionBlock) less(o VersionBlock) bool {
	if b.Part != o.Part {
		return b.Part < o.Part
	}
	return b.Offset < o.Offset
}

// Version lists the blocks of one object version, keyed by its uuid.
type Version struct {
	UUID   string
	Bucket string
	Key    string
	// Deleted is sticky and drops the block list.
	Deleted bool
	// Blocks are sorted by part and offset.
	Blocks []VersionBlock
}

// Size is the total size of the blocks.
func (v Version) Size() uint64 {
	var n uint64
	for _, b := range v.Blocks {
		n += b.Size
	}
	return n
}

func (v Version) hasBlock(b VersionBlock) bool {
	i := sort.Search(len(v.Blocks), func(i int) bool { return !v.Blocks[i].less(b) })
	return i < len(v.Blocks) && !b.less(v.Blocks[i]) && v.Blocks[i].Hash == b.Hash
}

func maxString(a, b string) string {
	if a > b {
		return a
	}
	return b
}

func mergeVersions(a, b Version) Version {
	out := Version{
		UUID:    maxString(a.UUID, b.UUID),
		Bucket:  maxString(a.Bucket, b.Bucket),
		Key:     maxString(a.Key, b.Key),
		Deleted: a.Deleted || b.Deleted,
	}
	if out.Deleted {
		return out
	}
	blocks := make([]VersionBlock, 0, len(a.Blocks)+len(b.Blocks))
	blocks = append(blocks, a.Blocks...)
	blocks = append(blocks, b.Blocks...)
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].less(blocks[j]) || blocks[j].less(blocks[i]) {
			return blocks[i].less(blocks[j])
		}
		return bytes.Compare(blocks[i].Hash[:], blocks[j].Hash[:]) < 0
	})
	// Two blocks at the same position only happen on a client bug; keep the
	// larger hash so every replica agrees.
	for _, blk := range blocks {
		if n := len(out.Blocks); n > 0 && !out.Blocks[n-1].less(blk) {
			out.Blocks[n-1] = blk
			continue
		}
		out.Blocks = append(out.Blocks, blk)
	}
	return out
}

type versionSchema struct {
	blockRefs *table.Table[BlockRef]
}

func (versionSchema) Name() string                  { return "version" }
func (versionSchema) PartitionKey(v Version) []byte { return []byte(v.UUID) }
func (versionSchema) SortKey(Version) []byte        { return nil }

func (versionSchema) Encode(v Version) ([]byte, error) {
	enc := rpc.NewEncoder(len(v.UUID)+len(v.Bucket)+len(v.Key)+len(v.Blocks)*48+8).
		String(1, v.UUID).
		String(2, v.Bucket).
		String(3, v.Key).
		Bool(4, v.Deleted)
	for _, b := range v.Blocks {
		enc.Bytes(5, rpc.NewEncoder(48).
			Uint64(1, b.Part).
			Uint64(2, b.Offset).
			Bytes(3, b.Hash[:]).
			Uint64(4, b.Size).
			Encode())
	}
	return enc.Encode(), nil
}

func (versionSchema) Decode(data []byte) (Version, error) {
	var v Version
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			v.UUID = f.Str()
		case 2:
			v.Bucket = f.Str()
		case 3:
			v.Key = f.Str()
		case 4:
			v.Deleted = f.Bool()
		case 5:
			var b VersionBlock
			err := rpc.Decode(f.Bytes, func(f rpc.Field) error {
				switch f.Num {
				case 1:
					b.Part = f.Varint
				case 2:
					b.Offset = f.Varint
				case 3:
					h, err := util.HashFromBytes(f.Bytes)
					if err != nil {
						return err
					}
					b.Hash = h
				case 4:
					b.Size = f.Varint
				}
				return nil
			})
			if err != nil {
				return err
			}
			v.Blocks = append(v.Blocks, b)
		}
		return nil
	})
	return v, err
}

func (versionSchema) MergeRows(a, b Version) Version { return mergeVersions(a, b) }
func (versionSchema) IsTombstone(v Version) bool     { return v.Deleted }

func (versionSchema) DeletedRow(partitionKey, _ []byte) Version {
	return Version{UUID: string(partitionKey), Deleted: true}
}

// Updated references new blocks and, once the version is deleted, drops the
// references of the blocks it had.
func (s versionSchema) Updated(tx db.Tx, old, new *table.Entry[Version]) error {
	var before Version
	if old != nil {
		before = old.Row
	}
	if new == nil || before.Deleted {
		return nil
	}
	if new.Row.Deleted {
		for _, b := range before.Blocks {
			ref := BlockRef{Block: b.Hash, Version: before.UUID, Deleted: true}
			if err := s.blockRefs.QueueInsert(tx, ref); err != nil {
				return err
			}
		}
		return nil
	}
	for _, b := range new.Row.Blocks {
		if before.hasBlock(b) {
			continue
		}
		if err := s.blockRefs.QueueInsert(tx, BlockRef{Block: b.Hash, Version: new.Row.UUID}); err != nil {
			return err
		}
	}
	return nil
}
