package model

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/shelfdb/internal/background"
	"github.com/devrev/shelfdb/internal/block"
	"github.com/devrev/shelfdb/internal/config"
	"github.com/devrev/shelfdb/internal/counter"
	"github.com/devrev/shelfdb/internal/metrics"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/storage/diskmanager"
	"github.com/devrev/shelfdb/internal/table"
	"github.com/devrev/shelfdb/internal/util"
	"github.com/devrev/shelfdb/internal/util/workerpool"
	"github.com/devrev/shelfdb/internal/validation"
)

// Names of the runtime variables.
const (
	VarTableSyncInterval      = "table-sync-interval"
	VarTableGCHorizon         = "table-gc-horizon"
	VarBlockCompressionLevel  = "block-compression-level"
	VarBlockResyncTranquility = "block-resync-tranquility"
	VarBlockResyncBandwidth   = "block-resync-bandwidth"
)

const readRepairShutdownDeadline = 5 * time.Second

// Shelf owns the local database and every table, counter and the block
// manager of a node.
type Shelf struct {
	cfg       *config.Config
	system    *rpc.System
	db        db.DB
	clock     *table.Clock
	vars      *background.Vars
	pool      *workerpool.WorkerPool
	disk      *diskmanager.DiskManager
	validator *validation.Validator
	logger    *zap.Logger

	Blocks        *block.Manager
	BlockRefs     *table.Table[BlockRef]
	Versions      *table.Table[Version]
	ObjectCounter *counter.Counter
	Objects       *table.Table[Object]
	Buckets       *table.Table[Bucket]
	BucketAliases *table.Table[BucketAlias]
	Keys          *table.Table[Key]
	// K2VItems and K2VCounter are nil unless k2v is enabled.
	K2VItems   *table.Table[K2VItem]
	K2VCounter *counter.Counter
}

// New opens the database and builds every table of the node. Tables are
// created so that each one exists before the hooks that feed it.
func New(cfg *config.Config, sys *rpc.System, m *metrics.Metrics, logger *zap.Logger) (*Shelf, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := block.ParseCodec(cfg.Block.Compression)
	if err != nil {
		return nil, err
	}

	local, err := db.Open(cfg.Storage.DBEngine, cfg.Storage.MetadataDir, db.Options{
		CacheSize:  cfg.Storage.CacheSize,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata db: %w", err)
	}
	s := &Shelf{
		cfg:       cfg,
		system:    sys,
		db:        local,
		clock:     table.NewClock(),
		vars:      background.NewVars(),
		validator: validation.NewValidatorWithLimits(validation.MaxKeySize, validation.MaxInlineSize, cfg.Block.BlockSize),
		logger:    logger,
	}
	if err := s.build(codec, m); err != nil {
		if s.pool != nil {
			s.pool.Stop(readRepairShutdownDeadline)
		}
		local.Close()
		return nil, err
	}
	return s, nil
}

func (s *Shelf) build(codec block.Codec, m *metrics.Metrics) error {
	cfg := s.cfg
	diskCfg := diskmanager.DefaultConfig(cfg.Storage.DataDir)
	diskCfg.FullThreshold = cfg.Storage.MaxDiskUsage * 100
	diskCfg.ThrottleThreshold = diskCfg.FullThreshold - 5
	disk, err := diskmanager.New(diskCfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create disk manager: %w", err)
	}
	s.disk = disk
	s.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:        "read-repair",
		MaxWorkers:  cfg.Table.RepairWorkers,
		TaskTimeout: cfg.Table.RPCTimeout,
		Logger:      s.logger,
	})

	syncInterval := background.NewDuration(cfg.Table.SyncInterval, time.Second)
	gcHorizon := background.NewDuration(cfg.Table.TombstoneHorizon, time.Minute)
	compressionLevel := background.NewInt(int64(cfg.Block.CompressionLevel), 1, 19)
	tranquility := background.NewInt(int64(cfg.Block.ResyncTranquility), 0, 100)
	bandwidth := background.NewInt(cfg.Block.ResyncBandwidth, 0, 1<<40)
	s.vars.Register(VarTableSyncInterval, syncInterval)
	s.vars.Register(VarTableGCHorizon, gcHorizon)
	s.vars.Register(VarBlockCompressionLevel, compressionLevel)
	s.vars.Register(VarBlockResyncTranquility, tranquility)
	s.vars.Register(VarBlockResyncBandwidth, bandwidth)

	meta := &table.Sharded{
		System:            s.system,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		ReadQuorumN:       cfg.Cluster.ReadQuorum,
		WriteQuorumN:      cfg.Cluster.WriteQuorum,
	}
	data := &table.Sharded{
		System:            s.system,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		ReadQuorumN:       1,
		WriteQuorumN:      cfg.Cluster.WriteQuorum,
	}
	control := &table.Full{System: s.system, MaxFaults: cfg.Cluster.ControlMaxFaults}

	deps := func(r table.Replication) table.Deps {
		return table.Deps{
			System:      s.system,
			Replication: r,
			DB:          s.db,
			Clock:       s.clock,
			Pool:        s.pool,
			Validator:   s.validator,
			Metrics:     m,
			Logger:      s.logger,
		}
	}
	tableCfg := table.Config{
		Timeout:      cfg.Table.RPCTimeout,
		SyncInterval: syncInterval,
		GCHorizon:    gcHorizon,
		GCInterval:   cfg.Table.GCInterval,
	}
	counterCfg := counter.Config{Table: tableCfg, FoldAfter: gcHorizon}

	if s.Blocks, err = block.New(block.Config{
		DataDir:          cfg.Storage.DataDir,
		Codec:            codec,
		CompressionLevel: compressionLevel,
		GCGrace:          cfg.Block.GCGrace,
		Tranquility:      tranquility,
		Bandwidth:        bandwidth,
		ScanInterval:     cfg.Block.ScanInterval,
		Timeout:          cfg.Table.RPCTimeout,
	}, block.Deps{
		System:      s.system,
		Replication: data,
		DB:          s.db,
		Disk:        s.disk,
		Validator:   s.validator,
		Metrics:     m,
		Logger:      s.logger,
	}); err != nil {
		return err
	}
	if s.BlockRefs, err = table.New[BlockRef](blockRefSchema{blocks: s.Blocks}, deps(meta), tableCfg); err != nil {
		return err
	}
	s.Blocks.SetRefCounter(s.countBlockRefs)
	if s.Versions, err = table.New[Version](versionSchema{blockRefs: s.BlockRefs}, deps(meta), tableCfg); err != nil {
		return err
	}
	if s.ObjectCounter, err = counter.New("object_counter", deps(meta), counterCfg); err != nil {
		return err
	}
	if s.Objects, err = table.New[Object](objectSchema{
		clock:    s.clock,
		versions: s.Versions,
		counter:  s.ObjectCounter,
	}, deps(meta), tableCfg); err != nil {
		return err
	}
	if s.Buckets, err = table.New[Bucket](bucketSchema{}, deps(control), tableCfg); err != nil {
		return err
	}
	if s.BucketAliases, err = table.New[BucketAlias](bucketAliasSchema{}, deps(control), tableCfg); err != nil {
		return err
	}
	if s.Keys, err = table.New[Key](keySchema{}, deps(control), tableCfg); err != nil {
		return err
	}

	if cfg.K2V.Enabled {
		if s.K2VCounter, err = counter.New("k2v_index_counter", deps(meta), counterCfg); err != nil {
			return err
		}
		if s.K2VItems, err = table.New[K2VItem](k2vItemSchema{counter: s.K2VCounter}, deps(meta), tableCfg); err != nil {
			return err
		}
	}

	s.logger.Info("Shelf ready",
		zap.String("node_id", s.system.ID()),
		zap.String("db_engine", s.db.Engine()),
		zap.String("block_codec", codec.String()),
		zap.Bool("k2v", cfg.K2V.Enabled))
	return nil
}

// countBlockRefs counts the live references to h stored on this node.
func (s *Shelf) countBlockRefs(h util.Hash) (int, error) {
	entries, err := s.BlockRefs.Data().GetRange([]byte(h.String()), nil, nil, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.Tombstone {
			n++
		}
	}
	return n, nil
}

// Vars returns the runtime variables of the node.
func (s *Shelf) Vars() *background.Vars { return s.vars }

// Disk returns the disk guard of the block store.
func (s *Shelf) Disk() *diskmanager.DiskManager { return s.disk }

// NodeID returns the id of this node.
func (s *Shelf) NodeID() string { return s.system.ID() }

// SpawnWorkers registers the workers of every table, counter and the block
// manager.
func (s *Shelf) SpawnWorkers(r *background.Runner) {
	s.BlockRefs.SpawnWorkers(r)
	s.Versions.SpawnWorkers(r)
	s.ObjectCounter.SpawnWorkers(r)
	s.Objects.SpawnWorkers(r)
	s.Buckets.SpawnWorkers(r)
	s.BucketAliases.SpawnWorkers(r)
	s.Keys.SpawnWorkers(r)
	if s.K2VItems != nil {
		s.K2VCounter.SpawnWorkers(r)
		s.K2VItems.SpawnWorkers(r)
	}
	s.Blocks.SpawnWorkers(r)
}

// Close releases the database. Workers must be stopped first.
func (s *Shelf) Close() error {
	if err := s.pool.Stop(readRepairShutdownDeadline); err != nil {
		s.logger.Warn("Read repair pool did not drain", zap.Error(err))
	}
	s.Blocks.Close()
	return s.db.Close()
}
