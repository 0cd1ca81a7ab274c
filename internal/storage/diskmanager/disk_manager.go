package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

// Usage is a point-in-time view of the filesystem holding the block store.
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// Percent returns the used share of the filesystem in percent.
func (u Usage) Percent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
}

// StatFunc reports filesystem usage for a directory.
type StatFunc func(dir string) (Usage, error)

// Statfs is the StatFunc used in production.
func Statfs(dir string) (Usage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return Usage{
		TotalBytes:     stat.Blocks * uint64(stat.Bsize),
		AvailableBytes: stat.Bavail * uint64(stat.Bsize),
	}, nil
}

// DiskManager guards block writes against a full data directory.
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	stat          StatFunc
	checkInterval time.Duration

	throttleThreshold float64
	fullThreshold     float64

	mu        sync.Mutex
	lastCheck time.Time
	usage     Usage
	throttled bool
	full      bool
}

// Config holds configuration for the disk manager
type Config struct {
	DataDir           string
	CheckInterval     time.Duration
	ThrottleThreshold float64
	FullThreshold     float64
	// Stat defaults to Statfs.
	Stat StatFunc
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:           dataDir,
		CheckInterval:     10 * time.Second,
		ThrottleThreshold: 90.0,
		FullThreshold:     95.0,
	}
}

// New creates a disk manager and performs an initial check.
func New(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, storageerrors.InvalidArgument("data directory is required", nil)
	}
	if cfg.Stat == nil {
		cfg.Stat = Statfs
	}
	dm := &DiskManager{
		dataDir:           cfg.DataDir,
		logger:            logger,
		stat:              cfg.Stat,
		checkInterval:     cfg.CheckInterval,
		throttleThreshold: cfg.ThrottleThreshold,
		fullThreshold:     cfg.FullThreshold,
	}

	dm.mu.Lock()
	if err := dm.refreshLocked(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	dm.mu.Unlock()

	return dm, nil
}

// CheckBeforeWrite returns a retryable DiskFull or DiskThrottled error when a
// write of estimatedBytes should be refused.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.full {
		return storageerrors.DiskFull(dm.usage.Percent(), dm.usage.AvailableBytes)
	}
	// While throttled only small writes go through.
	if dm.throttled && estimatedBytes > dm.usage.AvailableBytes/10 {
		return storageerrors.DiskThrottled(dm.usage.Percent())
	}
	if estimatedBytes > dm.usage.AvailableBytes {
		return storageerrors.DiskFull(dm.usage.Percent(), dm.usage.AvailableBytes)
	}
	return nil
}

// Usage returns the last observed usage, refreshing it if stale.
func (dm *DiskManager) Usage() Usage {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
	return dm.usage
}

func (dm *DiskManager) refreshLocked() error {
	usage, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}
	dm.usage = usage
	dm.lastCheck = time.Now()

	pct := usage.Percent()
	wasFull, wasThrottled := dm.full, dm.throttled
	dm.full = pct >= dm.fullThreshold
	dm.throttled = pct >= dm.throttleThreshold && !dm.full

	switch {
	case dm.full && !wasFull:
		dm.logger.Error("Block writes refused, disk full",
			zap.String("data_dir", dm.dataDir),
			zap.Float64("usage_percent", pct),
			zap.Uint64("available_bytes", usage.AvailableBytes))
	case !dm.full && wasFull:
		dm.logger.Info("Block writes resumed",
			zap.String("data_dir", dm.dataDir),
			zap.Float64("usage_percent", pct))
	}
	if dm.throttled && !wasThrottled {
		dm.logger.Warn("Block write throttling enabled",
			zap.String("data_dir", dm.dataDir),
			zap.Float64("usage_percent", pct),
			zap.Float64("threshold", dm.throttleThreshold))
	}
	return nil
}
