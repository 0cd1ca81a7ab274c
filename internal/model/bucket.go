// Package model holds the row types stored by a node and composes their
// tables, the counters and the block manager into a Shelf.
package model

import (
	"sort"

	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/table"
)

// Bucket is a bucket, keyed by its id. Buckets are fully replicated.
type Bucket struct {
	ID        string
	CreatedAt uint64
	// Zero quotas mean unlimited.
	MaxSize    uint64
	MaxObjects uint64
}

type bucketSchema struct {
	table.NoHooks[Bucket]
}

func (bucketSchema) Name() string                 { return "bucket" }
func (bucketSchema) PartitionKey(b Bucket) []byte { return []byte(b.ID) }
func (bucketSchema) SortKey(Bucket) []byte        { return nil }

func (bucketSchema) Encode(b Bucket) ([]byte, error) {
	return rpc.NewEncoder(len(b.ID)+32).
		String(1, b.ID).
		Uint64(2, b.CreatedAt).
		Uint64(3, b.MaxSize).
		Uint64(4, b.MaxObjects).
		Encode(), nil
}

func (bucketSchema) Decode(data []byte) (Bucket, error) {
	var b Bucket
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			b.ID = f.Str()
		case 2:
			b.CreatedAt = f.Varint
		case 3:
			b.MaxSize = f.Varint
		case 4:
			b.MaxObjects = f.Varint
		}
		return nil
	})
	return b, err
}

// BucketAlias maps a global bucket name to a bucket id.
type BucketAlias struct {
	Name     string
	BucketID string
}

type bucketAliasSchema struct {
	table.NoHooks[BucketAlias]
}

func (bucketAliasSchema) Name() string                      { return "bucket_alias" }
func (bucketAliasSchema) PartitionKey(a BucketAlias) []byte { return []byte(a.Name) }
func (bucketAliasSchema) SortKey(BucketAlias) []byte        { return nil }

func (bucketAliasSchema) Encode(a BucketAlias) ([]byte, error) {
	return rpc.NewEncoder(len(a.Name)+len(a.BucketID)+4).
		String(1, a.Name).
		String(2, a.BucketID).
		Encode(), nil
}

func (bucketAliasSchema) Decode(data []byte) (BucketAlias, error) {
	var a BucketAlias
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			a.Name = f.Str()
		case 2:
			a.BucketID = f.Str()
		}
		return nil
	})
	return a, err
}

// Permission is what an access key may do on a bucket.
type Permission struct {
	Read  bool
	Write bool
	Owner bool
}

// Key is an access key.
type Key struct {
	ID     string
	Name   string
	Secret string
	// Buckets maps bucket ids to the permissions of the key.
	Buckets map[string]Permission
}

// Allowed reports whether the key grants perm's read and write bits on bucketID.
func (k Key) Allowed(bucketID string, perm Permission) bool {
	p, ok := k.Buckets[bucketID]
	if !ok {
		return false
	}
	return (!perm.Read || p.Read) && (!perm.Write || p.Write) && (!perm.Owner || p.Owner)
}

type keySchema struct {
	table.NoHooks[Key]
}

func (keySchema) Name() string              { return "key" }
func (keySchema) PartitionKey(k Key) []byte { return []byte(k.ID) }
func (keySchema) SortKey(Key) []byte        { return nil }

func (keySchema) Encode(k Key) ([]byte, error) {
	enc := rpc.NewEncoder(len(k.ID)+len(k.Name)+len(k.Secret)+16).
		String(1, k.ID).
		String(2, k.Name).
		String(3, k.Secret)
	ids := make([]string, 0, len(k.Buckets))
	for id := range k.Buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := k.Buckets[id]
		enc.Bytes(4, rpc.NewEncoder(len(id)+8).
			String(1, id).
			Bool(2, p.Read).
			Bool(3, p.Write).
			Bool(4, p.Owner).
			Encode())
	}
	return enc.Encode(), nil
}

func (keySchema) Decode(data []byte) (Key, error) {
	var k Key
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			k.ID = f.Str()
		case 2:
			k.Name = f.Str()
		case 3:
			k.Secret = f.Str()
		case 4:
			var (
				id string
				p  Permission
			)
			err := rpc.Decode(f.Bytes, func(f rpc.Field) error {
				switch f.Num {
				case 1:
					id = f.Str()
				case 2:
					p.Read = f.Bool()
				case 3:
					p.Write = f.Bool()
				case 4:
					p.Owner = f.Bool()
				}
				return nil
			})
			if err != nil {
				return err
			}
			if k.Buckets == nil {
				k.Buckets = make(map[string]Permission)
			}
			k.Buckets[id] = p
		}
		return nil
	})
	return k, err
}
