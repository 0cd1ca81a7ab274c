package model

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/shelfdb/internal/counter"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/table"
	"github.com/devrev/shelfdb/internal/util"
)

// Names of the object counter values.
const (
	CountObjects          = "objects"
	CountBytes            = "bytes"
	CountUnfinishedUpload = "unfinished_uploads"
)

// VersionState only moves forward: uploading, complete, aborted.
type VersionState uint8

const (
	StateUploading VersionState = iota
	StateComplete
	// StateAborted wins over every other state. Only uploads are aborted.
	StateAborted
)

func (s VersionState) String() string {
	switch s {
	case StateUploading:
		return "uploading"
	case StateComplete:
		return "complete"
	default:
		return "aborted"
	}
}

// ObjectData is the content of a complete version.
type ObjectData struct {
	DeleteMarker bool
	// Inline holds small objects. Larger ones start at FirstBlock and are
	// listed by their Version row.
	Inline     []byte
	FirstBlock util.Hash
	Size       uint64
	ETag       string
}

// ObjectVersion is one version of an object.
type ObjectVersion struct {
	UUID      string
	Timestamp uint64
	State     VersionState
	Data      ObjectData
}

// IsData reports whether the version is complete and holds data.
func (v ObjectVersion) IsData() bool {
	return v.State == StateComplete && !v.Data.DeleteMarker
}

// hasVersionRow reports whether the version may have a Version row listing blocks.
func (v ObjectVersion) hasVersionRow() bool {
	if v.State == StateComplete {
		return !v.Data.DeleteMarker && v.Data.Inline == nil
	}
	return true
}

func (v ObjectVersion) before(o ObjectVersion) bool {
	if v.Timestamp != o.Timestamp {
		return v.Timestamp < o.Timestamp
	}
	return v.UUID < o.UUID
}

// Object is every kept version of one key of a bucket.
type Object struct {
	Bucket string
	Key    string
	// Versions are sorted oldest first. Versions older than the newest
	// complete one are dropped.
	Versions []ObjectVersion
}

// Current returns the newest complete version.
func (o Object) Current() (ObjectVersion, bool) {
	for i := len(o.Versions) - 1; i >= 0; i-- {
		if o.Versions[i].State == StateComplete {
			return o.Versions[i], true
		}
	}
	return ObjectVersion{}, false
}

// Version returns the version with the given uuid.
func (o Object) Version(id string) (ObjectVersion, bool) {
	for _, v := range o.Versions {
		if v.UUID == id {
			return v, true
		}
	}
	return ObjectVersion{}, false
}

// counts returns the counter values the object contributes to its bucket.
func (o Object) counts() counter.Values {
	out := counter.Values{}
	if cur, ok := o.Current(); ok && cur.IsData() {
		out[CountObjects] = 1
		out[CountBytes] = int64(cur.Data.Size)
	}
	for _, v := range o.Versions {
		if v.State == StateUploading {
			out[CountUnfinishedUpload]++
		}
	}
	return out
}

func encodeObjectVersion(v ObjectVersion) []byte {
	enc := rpc.NewEncoder(len(v.UUID)+len(v.Data.Inline)+len(v.Data.ETag)+64).
		String(1, v.UUID).
		Uint64(2, v.Timestamp).
		Uint64(3, uint64(v.State)).
		Bool(4, v.Data.DeleteMarker).
		Uint64(7, v.Data.Size).
		String(8, v.Data.ETag)
	if v.Data.Inline != nil {
		enc.Bytes(5, v.Data.Inline)
	}
	if !v.Data.FirstBlock.IsZero() {
		enc.Bytes(6, v.Data.FirstBlock[:])
	}
	return enc.Encode()
}

func decodeObjectVersion(data []byte) (ObjectVersion, error) {
	var v ObjectVersion
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			v.UUID = f.Str()
		case 2:
			v.Timestamp = f.Varint
		case 3:
			v.State = VersionState(f.Varint)
		case 4:
			v.Data.DeleteMarker = f.Bool()
		case 5:
			v.Data.Inline = append([]byte{}, f.Bytes...)
		case 6:
			h, err := util.HashFromBytes(f.Bytes)
			if err != nil {
				return err
			}
			v.Data.FirstBlock = h
		case 7:
			v.Data.Size = f.Varint
		case 8:
			v.Data.ETag = f.Str()
		}
		return nil
	})
	return v, err
}

// mergeObjectVersion keeps the higher state. Equal states are ordered by
// encoding so the choice is the same everywhere.
func mergeObjectVersion(a, b ObjectVersion) ObjectVersion {
	if a.State != b.State {
		if a.State > b.State {
			return a
		}
		return b
	}
	if bytes.Compare(encodeObjectVersion(a), encodeObjectVersion(b)) >= 0 {
		return a
	}
	return b
}

func mergeObjects(a, b Object) Object {
	byID := make(map[string]ObjectVersion, len(a.Versions)+len(b.Versions))
	for _, vs := range [][]ObjectVersion{a.Versions, b.Versions} {
		for _, v := range vs {
			if cur, ok := byID[v.UUID]; ok {
				v = mergeObjectVersion(cur, v)
			}
			byID[v.UUID] = v
		}
	}
	out := Object{Bucket: maxString(a.Bucket, b.Bucket), Key: maxString(a.Key, b.Key)}
	for _, v := range byID {
		out.Versions = append(out.Versions, v)
	}
	sort.Slice(out.Versions, func(i, j int) bool { return out.Versions[i].before(out.Versions[j]) })
	for i := len(out.Versions) - 1; i >= 0; i-- {
		if out.Versions[i].State == StateComplete {
			out.Versions = out.Versions[i:]
			break
		}
	}
	return out
}

type objectSchema struct {
	clock    *table.Clock
	versions *table.Table[Version]
	counter  *counter.Counter
}

func (objectSchema) Name() string                 { return "object" }
func (objectSchema) PartitionKey(o Object) []byte { return []byte(o.Bucket) }
func (objectSchema) SortKey(o Object) []byte      { return []byte(o.Key) }

func (objectSchema) Encode(o Object) ([]byte, error) {
	enc := rpc.NewEncoder(len(o.Bucket)+len(o.Key)+len(o.Versions)*64).
		String(1, o.Bucket).
		String(2, o.Key)
	for _, v := range o.Versions {
		enc.Bytes(3, encodeObjectVersion(v))
	}
	return enc.Encode(), nil
}

func (objectSchema) Decode(data []byte) (Object, error) {
	var o Object
	err := rpc.Decode(data, func(f rpc.Field) error {
		switch f.Num {
		case 1:
			o.Bucket = f.Str()
		case 2:
			o.Key = f.Str()
		case 3:
			v, err := decodeObjectVersion(f.Bytes)
			if err != nil {
				return err
			}
			o.Versions = append(o.Versions, v)
		}
		return nil
	})
	return o, err
}

func (objectSchema) MergeRows(a, b Object) Object { return mergeObjects(a, b) }

// IsTombstone is true for an object reduced to a delete marker.
func (objectSchema) IsTombstone(o Object) bool {
	switch len(o.Versions) {
	case 0:
		return true
	case 1:
		v := o.Versions[0]
		return v.State == StateComplete && v.Data.DeleteMarker
	}
	return false
}

func (s objectSchema) DeletedRow(partitionKey, sortKey []byte) Object {
	ts := uint64(time.Now().UnixMilli())
	if s.clock != nil {
		ts = s.clock.Now()
	}
	return Object{
		Bucket: string(partitionKey),
		Key:    string(sortKey),
		Versions: []ObjectVersion{{
			UUID:      uuid.NewString(),
			Timestamp: ts,
			State:     StateComplete,
			Data:      ObjectData{DeleteMarker: true},
		}},
	}
}

// Updated deletes the Version rows of versions that were dropped or aborted
// and counts the change into the bucket counter.
func (s objectSchema) Updated(tx db.Tx, old, new *table.Entry[Object]) error {
	var before, after Object
	if old != nil {
		before = old.Row
	}
	if new != nil {
		after = new.Row
	}

	for _, v := range before.Versions {
		if v.State == StateAborted || !v.hasVersionRow() {
			continue
		}
		if nv, ok := after.Version(v.UUID); ok && nv.State != StateAborted {
			continue
		}
		if err := s.versions.QueueDelete(tx, []byte(v.UUID), nil); err != nil {
			return err
		}
	}

	deltas := after.counts()
	changed := false
	for name, n := range before.counts() {
		deltas[name] -= n
	}
	for _, n := range deltas {
		if n != 0 {
			changed = true
			break
		}
	}
	if !changed || s.counter == nil {
		return nil
	}
	bucket := after.Bucket
	if bucket == "" {
		bucket = before.Bucket
	}
	return s.counter.Count(tx, []byte(bucket), nil, deltas)
}
