package model

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/shelfdb/internal/counter"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/util"
)

const (
	listPageSize      = 256
	blockPutParallel  = 4
	secretKeyByteSize = 32
)

// CreateBucket creates a bucket and its global alias.
func (s *Shelf) CreateBucket(ctx context.Context, name string) (Bucket, error) {
	if err := s.validator.ValidateBucketName(name); err != nil {
		return Bucket{}, err
	}
	if _, ok, err := s.BucketAliases.Get(ctx, []byte(name), nil); err != nil {
		return Bucket{}, err
	} else if ok {
		return Bucket{}, storageerrors.InvalidArgument(fmt.Sprintf("bucket %q already exists", name), nil)
	}
	b := Bucket{ID: uuid.NewString(), CreatedAt: s.clock.Now()}
	if err := s.Buckets.Insert(ctx, b); err != nil {
		return Bucket{}, err
	}
	if err := s.BucketAliases.Insert(ctx, BucketAlias{Name: name, BucketID: b.ID}); err != nil {
		return Bucket{}, err
	}
	s.logger.Info("Created bucket", zap.String("bucket", name), zap.String("bucket_id", b.ID))
	return b, nil
}

// ResolveBucket returns the id of the bucket named name.
func (s *Shelf) ResolveBucket(ctx context.Context, name string) (string, error) {
	a, ok, err := s.BucketAliases.Get(ctx, []byte(name), nil)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", storageerrors.KeyNotFound("bucket_alias", name, "")
	}
	return a.BucketID, nil
}

// DeleteBucket removes an empty bucket and its alias.
func (s *Shelf) DeleteBucket(ctx context.Context, name string) error {
	id, err := s.ResolveBucket(ctx, name)
	if err != nil {
		return err
	}
	objs, _, err := s.Objects.GetRange(ctx, []byte(id), nil, nil, 1)
	if err != nil {
		return err
	}
	if len(objs) > 0 {
		return storageerrors.InvalidArgument(fmt.Sprintf("bucket %q is not empty", name), nil)
	}
	if err := s.BucketAliases.Delete(ctx, []byte(name), nil); err != nil {
		return err
	}
	return s.Buckets.Delete(ctx, []byte(id), nil)
}

// CreateKey creates an access key with a random secret.
func (s *Shelf) CreateKey(ctx context.Context, name string) (Key, error) {
	secret := make([]byte, secretKeyByteSize)
	if _, err := rand.Read(secret); err != nil {
		return Key{}, storageerrors.InternalError("failed to generate secret", err)
	}
	k := Key{
		ID:     "SK" + uuid.NewString()[:8],
		Name:   name,
		Secret: fmt.Sprintf("%x", secret),
	}
	if err := s.Keys.Insert(ctx, k); err != nil {
		return Key{}, err
	}
	return k, nil
}

// GetKey returns the access key with the given id.
func (s *Shelf) GetKey(ctx context.Context, id string) (Key, error) {
	k, ok, err := s.Keys.Get(ctx, []byte(id), nil)
	if err != nil {
		return Key{}, err
	}
	if !ok {
		return Key{}, storageerrors.KeyNotFound("key", id, "")
	}
	return k, nil
}

// AllowKey sets the permissions of a key on a bucket.
func (s *Shelf) AllowKey(ctx context.Context, keyID, bucketID string, perm Permission) error {
	k, err := s.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	buckets := make(map[string]Permission, len(k.Buckets)+1)
	for id, p := range k.Buckets {
		buckets[id] = p
	}
	buckets[bucketID] = perm
	k.Buckets = buckets
	return s.Keys.Insert(ctx, k)
}

// PutObject stores data as a new version of key. Small objects are kept in
// the object row; larger ones are split into blocks.
func (s *Shelf) PutObject(ctx context.Context, bucketID, key string, data []byte) (ObjectVersion, error) {
	if err := s.validator.ValidateObjectKey(key); err != nil {
		return ObjectVersion{}, err
	}
	v := ObjectVersion{UUID: uuid.NewString(), Timestamp: s.clock.Now()}
	etag := util.Blake2Sum(data).String()

	if s.validator.IsInline(len(data)) {
		v.State = StateComplete
		v.Data = ObjectData{Inline: append([]byte{}, data...), Size: uint64(len(data)), ETag: etag}
		return v, s.Objects.Insert(ctx, Object{Bucket: bucketID, Key: key, Versions: []ObjectVersion{v}})
	}

	v.State = StateUploading
	if err := s.Objects.Insert(ctx, Object{Bucket: bucketID, Key: key, Versions: []ObjectVersion{v}}); err != nil {
		return ObjectVersion{}, err
	}
	blocks, err := s.putBlocks(ctx, data)
	if err == nil {
		refs := make([]BlockRef, len(blocks))
		for i, b := range blocks {
			refs[i] = BlockRef{Block: b.Hash, Version: v.UUID}
		}
		err = s.BlockRefs.InsertMany(ctx, refs)
	}
	if err == nil {
		err = s.Versions.Insert(ctx, Version{UUID: v.UUID, Bucket: bucketID, Key: key, Blocks: blocks})
	}
	if err != nil {
		s.abort(bucketID, key, v)
		return ObjectVersion{}, err
	}

	v.State = StateComplete
	v.Data = ObjectData{FirstBlock: blocks[0].Hash, Size: uint64(len(data)), ETag: etag}
	if err := s.Objects.Insert(ctx, Object{Bucket: bucketID, Key: key, Versions: []ObjectVersion{v}}); err != nil {
		return ObjectVersion{}, err
	}
	return v, nil
}

// putBlocks stores the blocks of data on their nodes and references them
// from the version being uploaded.
func (s *Shelf) putBlocks(ctx context.Context, data []byte) ([]VersionBlock, error) {
	size := s.cfg.Block.BlockSize
	blocks := make([]VersionBlock, (len(data)+size-1)/size)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blockPutParallel)
	for i := range blocks {
		i := i
		chunk := data[i*size : min((i+1)*size, len(data))]
		g.Go(func() error {
			h, err := s.Blocks.PutReplicated(gctx, chunk)
			if err != nil {
				return err
			}
			blocks[i] = VersionBlock{Part: 1, Offset: uint64(i * size), Hash: h, Size: uint64(len(chunk))}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// abort marks an upload aborted. Its Version row and block references are
// removed by the object hook.
func (s *Shelf) abort(bucketID, key string, v ObjectVersion) {
	v.State = StateAborted
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Table.RPCTimeout)
	defer cancel()
	if err := s.Objects.Insert(ctx, Object{Bucket: bucketID, Key: key, Versions: []ObjectVersion{v}}); err != nil {
		s.logger.Warn("Failed to abort upload",
			zap.String("bucket_id", bucketID), zap.String("key", key), zap.String("version", v.UUID), zap.Error(err))
	}
}

// GetObject returns the data of the current version of key.
func (s *Shelf) GetObject(ctx context.Context, bucketID, key string) ([]byte, ObjectVersion, error) {
	o, ok, err := s.Objects.Get(ctx, []byte(bucketID), []byte(key))
	if err != nil {
		return nil, ObjectVersion{}, err
	}
	var cur ObjectVersion
	if ok {
		cur, ok = o.Current()
	}
	if !ok || cur.Data.DeleteMarker {
		return nil, ObjectVersion{}, storageerrors.KeyNotFound("object", bucketID, key)
	}
	if cur.Data.Inline != nil {
		return cur.Data.Inline, cur, nil
	}

	ver, ok, err := s.Versions.Get(ctx, []byte(cur.UUID), nil)
	if err != nil {
		return nil, ObjectVersion{}, err
	}
	if !ok {
		return nil, ObjectVersion{}, storageerrors.KeyNotFound("version", cur.UUID, "")
	}
	out := make([]byte, 0, cur.Data.Size)
	for _, b := range ver.Blocks {
		chunk, err := s.Blocks.Get(ctx, b.Hash)
		if err != nil {
			return nil, ObjectVersion{}, err
		}
		out = append(out, chunk...)
	}
	return out, cur, nil
}

// DeleteObject writes a delete marker for key.
func (s *Shelf) DeleteObject(ctx context.Context, bucketID, key string) error {
	return s.Objects.Delete(ctx, []byte(bucketID), []byte(key))
}

// ObjectInfo describes the current version of a listed object.
type ObjectInfo struct {
	Key     string
	Version ObjectVersion
}

// ListObjects returns up to limit live objects whose key starts with prefix,
// starting at the key after. A non empty next resumes the listing.
func (s *Shelf) ListObjects(ctx context.Context, bucketID, prefix, after string, limit int) (infos []ObjectInfo, next string, err error) {
	start := []byte(prefix)
	if after > prefix {
		start = append([]byte(after), 0)
	}
	var end []byte
	if prefix != "" {
		end = db.PrefixEnd([]byte(prefix))
	}
	cur := s.Objects.Iterate([]byte(bucketID), start, end, listPageSize)
	for cur.Next(ctx) {
		o := cur.Entry().Row
		v, ok := o.Current()
		if !ok || !v.IsData() {
			continue
		}
		infos = append(infos, ObjectInfo{Key: o.Key, Version: v})
		if limit > 0 && len(infos) == limit {
			return infos, o.Key, nil
		}
	}
	return infos, "", cur.Err()
}

// BucketStats returns the object counters of a bucket.
func (s *Shelf) BucketStats(ctx context.Context, bucketID string) (counter.Values, error) {
	return s.ObjectCounter.Get(ctx, []byte(bucketID), nil)
}

func (s *Shelf) k2vEnabled() error {
	if s.K2VItems == nil {
		return storageerrors.InvalidArgument("k2v is not enabled", nil)
	}
	return nil
}

// InsertItem writes a K2V item.
func (s *Shelf) InsertItem(ctx context.Context, item K2VItem) error {
	if err := s.k2vEnabled(); err != nil {
		return err
	}
	if err := s.validator.ValidateInline(item.Value); err != nil {
		return err
	}
	return s.K2VItems.Insert(ctx, item)
}

// ReadItem returns a K2V item.
func (s *Shelf) ReadItem(ctx context.Context, bucketID, partition, sortKey string) (K2VItem, error) {
	if err := s.k2vEnabled(); err != nil {
		return K2VItem{}, err
	}
	item, ok, err := s.K2VItems.Get(ctx, K2VPartitionKey(bucketID, partition), []byte(sortKey))
	if err != nil {
		return K2VItem{}, err
	}
	if !ok {
		return K2VItem{}, storageerrors.KeyNotFound("k2v_item", partition, sortKey)
	}
	return item, nil
}

// DeleteItem deletes a K2V item.
func (s *Shelf) DeleteItem(ctx context.Context, bucketID, partition, sortKey string) error {
	if err := s.k2vEnabled(); err != nil {
		return err
	}
	return s.K2VItems.Delete(ctx, K2VPartitionKey(bucketID, partition), []byte(sortKey))
}

// PartitionStats returns the item counters of one K2V partition.
func (s *Shelf) PartitionStats(ctx context.Context, bucketID, partition string) (counter.Values, error) {
	if err := s.k2vEnabled(); err != nil {
		return nil, err
	}
	return s.K2VCounter.Get(ctx, K2VPartitionKey(bucketID, partition), nil)
}
