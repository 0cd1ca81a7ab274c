package model

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	"github.com/devrev/shelfdb/internal/config"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/util"
)

const (
	testBlockSize = 4096
	waitFor       = 5 * time.Second
	tick          = 20 * time.Millisecond
)

func newShelfCluster(t *testing.T, n int) []*Shelf {
	t.Helper()
	net := rpc.NewLocalNetwork()
	systems := make([]*rpc.System, n)
	for i := range systems {
		systems[i] = rpc.NewSystem(fmt.Sprintf("node-%c", 'a'+i), rpc.NewRing(16), zap.NewNop())
		net.Join(systems[i])
	}
	shelves := make([]*Shelf, n)
	for i, sys := range systems {
		cfg := config.Default()
		cfg.Server.NodeID = sys.ID()
		cfg.Server.RPCSecret = "test"
		cfg.Cluster.ReplicationFactor = n
		cfg.Cluster.WriteQuorum = n/2 + 1
		cfg.Cluster.ReadQuorum = n/2 + 1
		cfg.Cluster.ControlMaxFaults = 0
		cfg.Storage.DBEngine = "memory"
		cfg.Storage.DataDir = t.TempDir()
		cfg.Storage.MaxDiskUsage = 1
		cfg.Block.BlockSize = testBlockSize
		cfg.Table.RPCTimeout = time.Second
		cfg.K2V.Enabled = true
		require.NoError(t, cfg.Validate())

		s, err := New(cfg, sys, nil, zap.NewNop())
		require.NoError(t, err)
		runner := background.NewRunner(zap.NewNop())
		s.SpawnWorkers(runner)
		t.Cleanup(func() {
			runner.Stop(waitFor)
			s.Close()
		})
		shelves[i] = s
	}
	return shelves
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func blockHashes(t *testing.T, s *Shelf, versionID string) []util.Hash {
	t.Helper()
	v, ok, err := s.Versions.Get(context.Background(), []byte(versionID), nil)
	require.NoError(t, err)
	require.True(t, ok)
	out := make([]util.Hash, len(v.Blocks))
	for i, b := range v.Blocks {
		out[i] = b.Hash
	}
	return out
}

func refCountsEqual(shelves []*Shelf, hashes []util.Hash, want uint64) func() bool {
	return func() bool {
		for _, s := range shelves {
			for _, h := range hashes {
				n, err := s.Blocks.RefCount(h)
				if err != nil || n != want {
					return false
				}
			}
		}
		return true
	}
}

func TestShelf_Buckets(t *testing.T) {
	shelves := newShelfCluster(t, 3)
	ctx := context.Background()

	b, err := shelves[0].CreateBucket(ctx, "photos")
	require.NoError(t, err)

	// Buckets are fully replicated and read locally.
	for _, s := range shelves {
		s := s
		assert.Eventually(t, func() bool {
			id, err := s.ResolveBucket(ctx, "photos")
			return err == nil && id == b.ID
		}, waitFor, tick)
	}

	_, err = shelves[1].CreateBucket(ctx, "photos")
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))

	_, err = shelves[0].CreateBucket(ctx, "Bad_Name")
	assert.Error(t, err)

	_, err = shelves[2].ResolveBucket(ctx, "missing")
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeKeyNotFound))

	_, err = shelves[0].PutObject(ctx, b.ID, "doc", []byte("x"))
	require.NoError(t, err)
	err = shelves[0].DeleteBucket(ctx, "photos")
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeInvalidArgument))

	require.NoError(t, shelves[0].DeleteObject(ctx, b.ID, "doc"))
	require.NoError(t, shelves[0].DeleteBucket(ctx, "photos"))
	_, err = shelves[0].ResolveBucket(ctx, "photos")
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeKeyNotFound))
}

func TestShelf_Keys(t *testing.T) {
	shelves := newShelfCluster(t, 3)
	ctx := context.Background()

	k, err := shelves[0].CreateKey(ctx, "ci")
	require.NoError(t, err)
	assert.Len(t, k.Secret, 64)
	require.NoError(t, shelves[0].AllowKey(ctx, k.ID, "bucket-1", Permission{Read: true}))

	assert.Eventually(t, func() bool {
		got, err := shelves[2].GetKey(ctx, k.ID)
		return err == nil && got.Allowed("bucket-1", Permission{Read: true})
	}, waitFor, tick)
}

func TestShelf_InlineObject(t *testing.T) {
	shelves := newShelfCluster(t, 3)
	ctx := context.Background()

	v, err := shelves[0].PutObject(ctx, "bucket", "hello.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, StateComplete, v.State)

	data, got, err := shelves[2].GetObject(ctx, "bucket", "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, v.UUID, got.UUID)
	assert.Equal(t, util.Blake2Sum([]byte("hello")).String(), got.Data.ETag)
}

func TestShelf_BlockObjectLifecycle(t *testing.T) {
	shelves := newShelfCluster(t, 3)
	ctx := context.Background()
	big := randomData(t, 2*testBlockSize+1000)

	v1, err := shelves[0].PutObject(ctx, "bucket", "big.bin", big)
	require.NoError(t, err)
	assert.False(t, v1.Data.FirstBlock.IsZero())

	data, _, err := shelves[1].GetObject(ctx, "bucket", "big.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(big, data))

	first := blockHashes(t, shelves[1], v1.UUID)
	require.Len(t, first, 3)
	assert.Equal(t, v1.Data.FirstBlock, first[0])
	assert.Eventually(t, refCountsEqual(shelves, first, 1), waitFor, tick,
		"every replica references the blocks of the version")

	// Overwriting drops the old version, its Version row and its references.
	replacement := randomData(t, testBlockSize+10)
	_, err = shelves[2].PutObject(ctx, "bucket", "big.bin", replacement)
	require.NoError(t, err)
	data, _, err = shelves[0].GetObject(ctx, "bucket", "big.bin")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(replacement, data))

	assert.Eventually(t, refCountsEqual(shelves, first, 0), waitFor, tick,
		"references of the overwritten version are dropped")
	assert.Eventually(t, func() bool {
		e, err := shelves[0].Versions.GetEntry(ctx, []byte(v1.UUID), nil)
		return err == nil && e != nil && e.Tombstone
	}, waitFor, tick)

	// Deleting leaves a marker and unreferences the remaining blocks.
	require.NoError(t, shelves[1].DeleteObject(ctx, "bucket", "big.bin"))
	_, _, err = shelves[0].GetObject(ctx, "bucket", "big.bin")
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeKeyNotFound))
}

func TestShelf_BucketStats(t *testing.T) {
	shelves := newShelfCluster(t, 3)
	ctx := context.Background()

	_, err := shelves[0].PutObject(ctx, "bucket", "a", []byte("12345"))
	require.NoError(t, err)
	_, err = shelves[1].PutObject(ctx, "bucket", "b", randomData(t, testBlockSize))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := shelves[2].BucketStats(ctx, "bucket")
		return err == nil && got[CountObjects] == 2 && got[CountBytes] == 5+testBlockSize &&
			got[CountUnfinishedUpload] == 0
	}, waitFor, tick)

	require.NoError(t, shelves[2].DeleteObject(ctx, "bucket", "a"))
	assert.Eventually(t, func() bool {
		got, err := shelves[0].BucketStats(ctx, "bucket")
		return err == nil && got[CountObjects] == 1 && got[CountBytes] == testBlockSize
	}, waitFor, tick)
}

func TestShelf_ListObjects(t *testing.T) {
	shelves := newShelfCluster(t, 3)
	ctx := context.Background()

	for _, key := range []string{"logs/1", "logs/2", "logs/3", "other"} {
		_, err := shelves[0].PutObject(ctx, "bucket", key, []byte(key))
		require.NoError(t, err)
	}
	require.NoError(t, shelves[0].DeleteObject(ctx, "bucket", "logs/2"))

	infos, next, err := shelves[1].ListObjects(ctx, "bucket", "logs/", "", 1)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "logs/1", infos[0].Key)
	assert.Equal(t, "logs/1", next)

	infos, next, err = shelves[1].ListObjects(ctx, "bucket", "logs/", next, 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "logs/3", infos[0].Key)
	assert.Empty(t, next)
}

func TestShelf_K2VItems(t *testing.T) {
	shelves := newShelfCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, shelves[0].InsertItem(ctx, K2VItem{Bucket: "b", Partition: "users", SortKey: "alice", Value: []byte("1234")}))
	require.NoError(t, shelves[1].InsertItem(ctx, K2VItem{Bucket: "b", Partition: "users", SortKey: "bob", Value: []byte("56")}))

	item, err := shelves[2].ReadItem(ctx, "b", "users", "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("1234"), item.Value)

	assert.Eventually(t, func() bool {
		got, err := shelves[2].PartitionStats(ctx, "b", "users")
		return err == nil && got[CountItems] == 2 && got[CountBytes] == 6
	}, waitFor, tick)

	require.NoError(t, shelves[0].DeleteItem(ctx, "b", "users", "alice"))
	_, err = shelves[1].ReadItem(ctx, "b", "users", "alice")
	assert.True(t, storageerrors.HasCode(err, storageerrors.ErrCodeKeyNotFound))
	assert.Eventually(t, func() bool {
		got, err := shelves[1].PartitionStats(ctx, "b", "users")
		return err == nil && got[CountItems] == 1 && got[CountBytes] == 2
	}, waitFor, tick)
}

func TestShelf_Vars(t *testing.T) {
	shelves := newShelfCluster(t, 1)
	vars := shelves[0].Vars()

	assert.ElementsMatch(t, []string{
		VarTableSyncInterval, VarTableGCHorizon, VarBlockCompressionLevel,
		VarBlockResyncTranquility, VarBlockResyncBandwidth,
	}, vars.Names())

	require.NoError(t, vars.Set(VarBlockResyncTranquility, "5"))
	got, err := vars.Get(VarBlockResyncTranquility)
	require.NoError(t, err)
	assert.Equal(t, "5", got)
	assert.Error(t, vars.Set(VarBlockCompressionLevel, "40"))
}
