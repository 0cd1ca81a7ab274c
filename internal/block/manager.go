// Package block is the content addressed block store of a node. Blocks are
// identified by the blake2b hash of their uncompressed bytes, stored
// compressed on disk, replicated on the nodes storing the block reference
// partition of their hash, and deleted once no live reference points to them
// and a grace period has passed.
package block

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/shelfdb/internal/background"
	storageerrors "github.com/devrev/shelfdb/internal/errors"
	"github.com/devrev/shelfdb/internal/metrics"
	"github.com/devrev/shelfdb/internal/rpc"
	"github.com/devrev/shelfdb/internal/storage/db"
	"github.com/devrev/shelfdb/internal/storage/diskmanager"
	"github.com/devrev/shelfdb/internal/table"
	"github.com/devrev/shelfdb/internal/util"
	"github.com/devrev/shelfdb/internal/validation"
)

const (
	defaultGCGrace      = 10 * time.Minute
	defaultScanInterval = 24 * time.Hour
	defaultTimeout      = 30 * time.Second
)

// Config holds block manager settings. Nil variables get defaults.
type Config struct {
	DataDir          string
	Codec            Codec
	CompressionLevel *background.Int
	// GCGrace is how long an unreferenced block is kept.
	GCGrace time.Duration
	// Tranquility slows resync down: after each item the worker sleeps
	// tranquility times the time the item took.
	Tranquility *background.Int
	// Bandwidth caps resync transfers in bytes per second; 0 is unlimited.
	Bandwidth    *background.Int
	ScanInterval time.Duration
	Timeout      time.Duration
}

// Deps are the node services the manager uses.
type Deps struct {
	System *rpc.System
	// Replication is the replication of the block reference table.
	Replication table.Replication
	DB          db.DB
	// Disk guards local writes. Optional.
	Disk      *diskmanager.DiskManager
	Validator *validation.Validator
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// RefCounter counts the live references to a block in the local block
// reference table.
type RefCounter func(h util.Hash) (int, error)

// Manager stores, serves and garbage collects blocks.
type Manager struct {
	cfg         Config
	store       *store
	comp        *compressor
	system      *rpc.System
	replication table.Replication
	db          db.DB
	disk        *diskmanager.DiskManager
	validator   *validation.Validator
	metrics     *metrics.Metrics
	logger      *zap.Logger

	rc           db.Tree
	resyncQueue  db.Tree
	resyncErrors db.Tree

	limiter       *rate.Limiter
	resyncTrigger *background.Trigger
	now           func() time.Time

	mu         sync.RWMutex
	refCounter RefCounter
}

// New creates a manager and registers its endpoints.
func New(cfg Config, deps Deps) (*Manager, error) {
	if cfg.DataDir == "" {
		return nil, storageerrors.InvalidArgument("block data dir is required", nil)
	}
	if cfg.CompressionLevel == nil {
		cfg.CompressionLevel = background.NewInt(3, 1, 19)
	}
	if cfg.Tranquility == nil {
		cfg.Tranquility = background.NewInt(2, 0, 100)
	}
	if cfg.Bandwidth == nil {
		cfg.Bandwidth = background.NewInt(0, 0, 1<<40)
	}
	if cfg.GCGrace <= 0 {
		cfg.GCGrace = defaultGCGrace
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := deps.Validator
	if validator == nil {
		validator = validation.NewValidator()
	}

	comp, err := newCompressor()
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	m := &Manager{
		cfg:           cfg,
		store:         &store{dir: cfg.DataDir},
		comp:          comp,
		system:        deps.System,
		replication:   deps.Replication,
		db:            deps.DB,
		disk:          deps.Disk,
		validator:     validator,
		metrics:       deps.Metrics,
		logger:        logger,
		resyncTrigger: background.NewTrigger(),
		now:           time.Now,
	}
	for name, dst := range map[string]*db.Tree{
		"block_local_rc":      &m.rc,
		"block_resync_queue":  &m.resyncQueue,
		"block_resync_errors": &m.resyncErrors,
	} {
		if *dst, err = deps.DB.OpenTree(name); err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
	}

	m.limiter = rate.NewLimiter(rate.Inf, validation.MaxBlockSize)
	m.setBandwidth(cfg.Bandwidth.Load())
	cfg.Bandwidth.OnChange(m.setBandwidth)

	m.registerEndpoints()
	return m, nil
}

func (m *Manager) setBandwidth(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		m.limiter.SetLimit(rate.Inf)
		return
	}
	m.limiter.SetLimit(rate.Limit(bytesPerSec))
}

// SetRefCounter installs the function the resync worker uses to recount
// references from the block reference table.
func (m *Manager) SetRefCounter(fn RefCounter) {
	m.mu.Lock()
	m.refCounter = fn
	m.mu.Unlock()
}

// Close releases compression state.
func (m *Manager) Close() {
	m.comp.close()
}

// nodesFor returns the nodes that should store h.
func (m *Manager) nodesFor(h util.Hash) []string {
	return m.replication.StorageNodes(rpc.PartitionOf(rpc.HashKey([]byte(h.String()))))
}

// prepare hashes and compresses data.
func (m *Manager) prepare(data []byte) (util.Hash, Header, []byte, error) {
	if err := m.validator.ValidateBlock(data); err != nil {
		return util.Hash{}, Header{}, nil, err
	}
	h := util.Blake2Sum(data)
	stored, codec, err := m.comp.compress(m.cfg.Codec, int(m.cfg.CompressionLevel.Load()), data)
	if err != nil {
		return util.Hash{}, Header{}, nil, storageerrors.InternalError("failed to compress block", err)
	}
	return h, Header{Codec: codec, RawSize: uint64(len(data)), StoredSize: uint64(len(stored))}, stored, nil
}

// writeLocal stores a verified block. Blocks nobody references yet are
// queued for a resync after the grace period so they do not leak. Writing
// a block that is already stored restarts its grace period: the writer is
// about to reference it.
func (m *Manager) writeLocal(h util.Hash, hdr Header, stored []byte) error {
	if m.disk != nil {
		if err := m.disk.CheckBeforeWrite(uint64(len(stored))); err != nil {
			return err
		}
	}
	written, err := m.store.write(h, hdr.Codec, stored)
	if err != nil {
		return storageerrors.LocalStorage(fmt.Sprintf("failed to store block %s", h), err)
	}
	if !written {
		m.metrics.RecordBlockDedup()
	} else {
		m.metrics.RecordBlockBytes("write", len(stored))
	}
	return m.markDeletable(h, m.now().Add(m.cfg.GCGrace))
}

// Put stores data on this node only and returns its hash.
func (m *Manager) Put(ctx context.Context, data []byte) (util.Hash, error) {
	h, hdr, stored, err := m.prepare(data)
	if err != nil {
		return h, err
	}
	return h, m.writeLocal(h, hdr, stored)
}

// PutReplicated stores data on the nodes responsible for it and returns once
// a write quorum of them has it.
func (m *Manager) PutReplicated(ctx context.Context, data []byte) (util.Hash, error) {
	h, hdr, stored, err := m.prepare(data)
	if err != nil {
		return h, err
	}
	_, err = m.system.TryCallMany(ctx, m.nodesFor(h), epPut, encodePut(h, hdr, stored),
		rpc.RequestStrategy{Quorum: m.replication.WriteQuorum(), Timeout: m.cfg.Timeout})
	if err != nil {
		return h, fmt.Errorf("put block %s: %w", h, err)
	}
	return h, nil
}

var errCorrupt = stderrors.New("block corrupt")

// readLocal returns the verified bytes of a local block. A copy that fails
// verification is quarantined and queued for repair.
func (m *Manager) readLocal(h util.Hash) (raw, stored []byte, hdr Header, err error) {
	stored, codec, err := m.store.read(h)
	if err != nil {
		return nil, nil, hdr, err
	}
	hdr = Header{Codec: codec, StoredSize: uint64(len(stored))}
	raw, err = m.comp.decompress(codec, stored)
	if err == nil && util.Blake2Sum(raw) != h {
		err = fmt.Errorf("hash mismatch")
	}
	if err != nil {
		m.metrics.RecordBlockCorruption()
		m.logger.Error("Local block is corrupt, quarantining it",
			zap.String("block", h.String()),
			zap.Bool("integrity", true),
			zap.Error(err))
		if qerr := m.store.quarantine(h); qerr != nil {
			m.logger.Warn("Failed to quarantine block", zap.String("block", h.String()), zap.Error(qerr))
		}
		if qerr := m.queueResync(h, m.now()); qerr != nil {
			m.logger.Warn("Failed to queue block repair", zap.String("block", h.String()), zap.Error(qerr))
		}
		return nil, nil, hdr, errCorrupt
	}
	hdr.RawSize = uint64(len(raw))
	return raw, stored, hdr, nil
}

// Get returns the bytes of block h, fetching them from another node when the
// local copy is missing, corrupt or unreadable.
func (m *Manager) Get(ctx context.Context, h util.Hash) ([]byte, error) {
	raw, _, _, err := m.readLocal(h)
	if err == nil {
		m.metrics.RecordBlockBytes("read", len(raw))
		return raw, nil
	}
	repairLocal := stderrors.Is(err, errCorrupt)
	if !repairLocal && !stderrors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("Local block read failed, trying other nodes",
			zap.String("block", h.String()), zap.Error(err))
	}

	raw, hdr, stored, err := m.fetchRemote(ctx, h)
	if err != nil {
		if repairLocal && storageerrors.HasCode(err, storageerrors.ErrCodeBlockNotFound) {
			return nil, storageerrors.BlockCorrupt(h.String(), err)
		}
		return nil, err
	}
	if !repairLocal {
		count, _, _ := m.refCount(h)
		repairLocal = count > 0
	}
	if repairLocal {
		if err := m.writeLocal(h, hdr, stored); err != nil {
			m.logger.Warn("Failed to repair local block", zap.String("block", h.String()), zap.Error(err))
		}
	}
	return raw, nil
}

// fetchRemote asks the other nodes of h for it until one returns a block that
// verifies. It fails with BlockCorrupt when no node had a valid copy and at
// least one had a corrupt one.
func (m *Manager) fetchRemote(ctx context.Context, h util.Hash) ([]byte, Header, []byte, error) {
	self := m.system.ID()
	corrupt := false
	var errs []error
	for _, node := range m.nodesFor(h) {
		if node == self || !m.system.IsUp(node) {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		resp, err := m.system.Call(callCtx, node, epFetch, rpc.NewEncoder(40).Bytes(fieldHash, h[:]).Encode())
		cancel()
		if err != nil {
			if storageerrors.HasCode(err, storageerrors.ErrCodeBlockCorrupt) {
				corrupt = true
			}
			errs = append(errs, fmt.Errorf("%s: %w", node, err))
			continue
		}
		hdr, stored, err := decodeBlock(resp)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node, err))
			continue
		}
		raw, err := m.comp.decompress(hdr.Codec, stored)
		if err != nil || util.Blake2Sum(raw) != h {
			corrupt = true
			m.metrics.RecordBlockCorruption()
			m.logger.Error("Node returned a corrupt block",
				zap.String("block", h.String()),
				zap.String("node", node),
				zap.Bool("integrity", true))
			continue
		}
		m.metrics.RecordBlockBytes("fetch", len(stored))
		return raw, hdr, stored, nil
	}
	if corrupt {
		return nil, Header{}, nil, storageerrors.BlockCorrupt(h.String(), stderrors.Join(errs...))
	}
	return nil, Header{}, nil, storageerrors.BlockNotFound(h.String()).WithDetail("errors", stderrors.Join(errs...))
}

// Need reports whether this node references h but does not store it.
func (m *Manager) Need(h util.Hash) (bool, error) {
	count, _, err := m.refCount(h)
	if err != nil {
		return false, err
	}
	return count > 0 && !m.store.exists(h), nil
}

// Exists reports whether a copy of h is stored locally.
func (m *Manager) Exists(h util.Hash) bool {
	return m.store.exists(h)
}

// rcValue is the local reference count of a block.
type rcValue struct {
	count uint64
	// deletableAt is when a block whose count dropped to zero may be deleted,
	// in unix milliseconds.
	deletableAt uint64
}

func (v rcValue) encode() []byte {
	out := binary.BigEndian.AppendUint64(make([]byte, 0, 16), v.count)
	return binary.BigEndian.AppendUint64(out, v.deletableAt)
}

func decodeRC(raw []byte) (rcValue, error) {
	if raw == nil {
		return rcValue{}, nil
	}
	if len(raw) != 16 {
		return rcValue{}, storageerrors.CorruptedData("bad block refcount", nil)
	}
	return rcValue{
		count:       binary.BigEndian.Uint64(raw[:8]),
		deletableAt: binary.BigEndian.Uint64(raw[8:]),
	}, nil
}

func (m *Manager) refCount(h util.Hash) (uint64, time.Time, error) {
	raw, err := m.rc.Get(h[:])
	if err != nil {
		return 0, time.Time{}, err
	}
	v, err := decodeRC(raw)
	if err != nil {
		return 0, time.Time{}, err
	}
	var at time.Time
	if v.deletableAt > 0 {
		at = time.UnixMilli(int64(v.deletableAt))
	}
	return v.count, at, nil
}

// RefCount returns the local reference count of h.
func (m *Manager) RefCount(h util.Hash) (uint64, error) {
	count, _, err := m.refCount(h)
	return count, err
}

// Incref records a new live reference to h as part of tx.
func (m *Manager) Incref(tx db.Tx, h util.Hash) error {
	raw, err := tx.Get(m.rc, h[:])
	if err != nil {
		return err
	}
	v, err := decodeRC(raw)
	if err != nil {
		return err
	}
	v.count++
	v.deletableAt = 0
	if err := tx.Insert(m.rc, h[:], v.encode()); err != nil {
		return err
	}
	if v.count == 1 {
		// Fetch it if this node does not have it yet.
		return m.queueResyncTx(tx, h, m.now())
	}
	return nil
}

// Decref drops a reference to h as part of tx. When the count reaches zero
// the block becomes deletable after the grace period.
func (m *Manager) Decref(tx db.Tx, h util.Hash) error {
	raw, err := tx.Get(m.rc, h[:])
	if err != nil {
		return err
	}
	v, err := decodeRC(raw)
	if err != nil {
		return err
	}
	if v.count == 0 {
		m.logger.Warn("Block reference count would go negative", zap.String("block", h.String()))
		return nil
	}
	v.count--
	if v.count > 0 {
		return tx.Insert(m.rc, h[:], v.encode())
	}
	due := m.now().Add(m.cfg.GCGrace)
	v.deletableAt = uint64(due.UnixMilli())
	if err := tx.Insert(m.rc, h[:], v.encode()); err != nil {
		return err
	}
	return m.queueResyncTx(tx, h, due)
}

// SpawnWorkers registers the resync and scan workers.
func (m *Manager) SpawnWorkers(r *background.Runner) {
	r.Spawn(&resyncWorker{m: m})
	r.Spawn(&scanWorker{m: m, lastScan: m.now()})
}
