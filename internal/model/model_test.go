package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/shelfdb/internal/counter"
	"github.com/devrev/shelfdb/internal/util"
)

func complete(id string, ts uint64, size uint64) ObjectVersion {
	return ObjectVersion{UUID: id, Timestamp: ts, State: StateComplete, Data: ObjectData{Size: size, ETag: id}}
}

func uploading(id string, ts uint64) ObjectVersion {
	return ObjectVersion{UUID: id, Timestamp: ts, State: StateUploading}
}

func obj(versions ...ObjectVersion) Object {
	return Object{Bucket: "b", Key: "k", Versions: versions}
}

func encodeObject(t *testing.T, o Object) string {
	t.Helper()
	raw, err := objectSchema{}.Encode(o)
	require.NoError(t, err)
	return string(raw)
}

func TestObject_MergeKeepsVersionsFromNewestComplete(t *testing.T) {
	merged := mergeObjects(
		obj(complete("v1", 10, 5), uploading("v3", 30)),
		obj(complete("v2", 20, 7)),
	)
	require.Len(t, merged.Versions, 2)
	assert.Equal(t, "v2", merged.Versions[0].UUID)
	assert.Equal(t, "v3", merged.Versions[1].UUID)

	cur, ok := merged.Current()
	require.True(t, ok)
	assert.Equal(t, "v2", cur.UUID)
	assert.Equal(t, counterValues(1, 7, 1), merged.counts())
}

func counterValues(objects, bytes, uploads int64) counter.Values {
	return counter.Values{CountObjects: objects, CountBytes: bytes, CountUnfinishedUpload: uploads}
}

func TestObject_StateOnlyMovesForward(t *testing.T) {
	up := obj(uploading("v1", 10))
	done := obj(complete("v1", 10, 3))
	aborted := obj(ObjectVersion{UUID: "v1", Timestamp: 10, State: StateAborted})

	assert.Equal(t, StateComplete, mergeObjects(up, done).Versions[0].State)
	assert.Equal(t, StateComplete, mergeObjects(done, up).Versions[0].State)
	assert.Equal(t, StateAborted, mergeObjects(up, aborted).Versions[0].State)
	assert.Equal(t, StateAborted, mergeObjects(aborted, up).Versions[0].State)
}

func TestObject_MergeLaws(t *testing.T) {
	rows := []Object{
		obj(uploading("a", 1)),
		obj(complete("a", 1, 10)),
		obj(complete("b", 2, 20), uploading("c", 3)),
		obj(ObjectVersion{UUID: "c", Timestamp: 3, State: StateAborted}),
		obj(uploading("d", 4)),
		obj(),
	}
	enc := func(o Object) string { return encodeObject(t, o) }
	for i, a := range rows {
		assert.Equal(t, enc(mergeObjects(a, a)), enc(mergeObjects(mergeObjects(a, a), a)), "idempotent %d", i)
		for j, b := range rows {
			assert.Equal(t, enc(mergeObjects(a, b)), enc(mergeObjects(b, a)), "commutative %d,%d", i, j)
			for k, c := range rows {
				assert.Equal(t,
					enc(mergeObjects(mergeObjects(a, b), c)),
					enc(mergeObjects(a, mergeObjects(b, c))),
					"associative %d,%d,%d", i, j, k)
			}
		}
	}
}

func TestObject_DeleteMarkerIsTombstone(t *testing.T) {
	s := objectSchema{}
	marker := s.DeletedRow([]byte("b"), []byte("k"))
	assert.True(t, s.IsTombstone(marker))
	assert.Equal(t, "b", marker.Bucket)
	assert.Equal(t, "k", marker.Key)

	live := obj(complete("v1", 1, 3))
	assert.False(t, s.IsTombstone(live))

	// A later marker hides the data and leaves only itself.
	merged := mergeObjects(live, marker)
	assert.True(t, s.IsTombstone(merged))
	assert.Empty(t, merged.counts())

	// A pending upload keeps the row alive.
	assert.False(t, s.IsTombstone(mergeObjects(merged, obj(uploading("v9", marker.Versions[0].Timestamp+1)))))
}

func TestObject_EncodeDecode(t *testing.T) {
	o := obj(
		complete("v1", 10, 3),
		ObjectVersion{UUID: "v2", Timestamp: 11, State: StateComplete, Data: ObjectData{Inline: []byte{}, ETag: "e"}},
		ObjectVersion{UUID: "v3", Timestamp: 12, State: StateUploading, Data: ObjectData{FirstBlock: util.Blake2Sum([]byte("x"))}},
	)
	raw, err := objectSchema{}.Encode(o)
	require.NoError(t, err)
	got, err := objectSchema{}.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, o, got)
	assert.NotNil(t, got.Versions[1].Data.Inline, "empty inline data stays inline")
	assert.Nil(t, got.Versions[0].Data.Inline)
}

func blk(part, offset uint64, data string) VersionBlock {
	return VersionBlock{Part: part, Offset: offset, Hash: util.Blake2Sum([]byte(data)), Size: uint64(len(data))}
}

func TestVersion_MergeUnionsBlocks(t *testing.T) {
	a := Version{UUID: "v", Bucket: "b", Key: "k", Blocks: []VersionBlock{blk(1, 0, "one"), blk(1, 3, "two")}}
	b := Version{UUID: "v", Blocks: []VersionBlock{blk(1, 3, "two"), blk(2, 0, "three")}}

	merged := mergeVersions(a, b)
	assert.Equal(t, mergeVersions(b, a), merged)
	require.Len(t, merged.Blocks, 3)
	assert.Equal(t, uint64(11), merged.Size())
	assert.Equal(t, "b", merged.Bucket)
	assert.True(t, merged.hasBlock(blk(2, 0, "three")))
	assert.False(t, merged.hasBlock(blk(2, 0, "other")))
}

func TestVersion_DeletionIsSticky(t *testing.T) {
	live := Version{UUID: "v", Blocks: []VersionBlock{blk(1, 0, "one")}}
	deleted := versionSchema{}.DeletedRow([]byte("v"), nil)

	merged := mergeVersions(live, deleted)
	assert.True(t, merged.Deleted)
	assert.Empty(t, merged.Blocks)
	assert.True(t, mergeVersions(merged, live).Deleted)
	assert.True(t, versionSchema{}.IsTombstone(merged))
}

func TestBlockRef_DeletionIsSticky(t *testing.T) {
	s := blockRefSchema{}
	h := util.Blake2Sum([]byte("block"))
	live := BlockRef{Block: h, Version: "v"}
	deleted := s.DeletedRow([]byte(h.String()), []byte("v"))

	assert.Equal(t, h, deleted.Block)
	assert.Equal(t, deleted, s.MergeRows(live, deleted))
	assert.Equal(t, deleted, s.MergeRows(deleted, live))
	assert.True(t, s.IsTombstone(deleted))
	assert.Equal(t, []byte(h.String()), s.PartitionKey(live))
}

func TestKey_Permissions(t *testing.T) {
	k := Key{ID: "SK1", Name: "ci", Secret: "s", Buckets: map[string]Permission{
		"b1": {Read: true},
		"b2": {Read: true, Write: true, Owner: true},
	}}
	raw, err := keySchema{}.Encode(k)
	require.NoError(t, err)
	got, err := keySchema{}.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, k, got)

	assert.True(t, got.Allowed("b1", Permission{Read: true}))
	assert.False(t, got.Allowed("b1", Permission{Write: true}))
	assert.True(t, got.Allowed("b2", Permission{Read: true, Write: true}))
	assert.False(t, got.Allowed("b3", Permission{Read: true}))
}
