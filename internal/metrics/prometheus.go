package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "shelf"

	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all Prometheus metrics for a node. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Table engine
	TableOpsTotal       *prometheus.CounterVec
	TableOpDuration     *prometheus.HistogramVec
	QuorumFailuresTotal *prometheus.CounterVec
	ReadRepairsTotal    *prometheus.CounterVec
	SyncItemsTotal      *prometheus.CounterVec
	GCRemovedTotal      *prometheus.CounterVec
	MerkleTodoLength    *prometheus.GaugeVec
	InsertQueueLength   *prometheus.GaugeVec
	DecodeFailuresTotal *prometheus.CounterVec

	// Block manager
	BlockBytesTotal         *prometheus.CounterVec
	BlockDedupTotal         prometheus.Counter
	BlockCorruptionsTotal   prometheus.Counter
	BlockDeletedTotal       prometheus.Counter
	BlockResyncQueueLength  prometheus.Gauge
	BlockResyncErrorsLength prometheus.Gauge
	BlockResyncErrorsTotal  prometheus.Counter

	// System
	GossipMembersTotal prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg, labelled with the node id.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		TableOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "ops_total",
			Help:        "Table operations by table, operation and status",
			ConstLabels: labels,
		}, []string{"table", "op", "status"}),
		TableOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "op_duration_seconds",
			Help:        "Latency of table operations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"table", "op"}),
		QuorumFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "quorum_failures_total",
			Help:        "Operations that could not reach their quorum",
			ConstLabels: labels,
		}, []string{"table", "op"}),
		ReadRepairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "read_repairs_total",
			Help:        "Read repairs sent to stale replicas",
			ConstLabels: labels,
		}, []string{"table"}),
		SyncItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "sync_items_total",
			Help:        "Entries exchanged by anti-entropy, by direction",
			ConstLabels: labels,
		}, []string{"table", "direction"}),
		GCRemovedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "gc_removed_total",
			Help:        "Tombstones physically removed",
			ConstLabels: labels,
		}, []string{"table"}),
		MerkleTodoLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "merkle_todo_length",
			Help:        "Pending merkle tree updates",
			ConstLabels: labels,
		}, []string{"table"}),
		InsertQueueLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "insert_queue_length",
			Help:        "Rows waiting in the insert queue",
			ConstLabels: labels,
		}, []string{"table"}),
		DecodeFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "table",
			Name:        "decode_failures_total",
			Help:        "Stored rows that could not be decoded",
			ConstLabels: labels,
		}, []string{"table"}),

		BlockBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "block",
			Name:        "bytes_total",
			Help:        "Block bytes by operation (put, get, fetch, resync)",
			ConstLabels: labels,
		}, []string{"op"}),
		BlockDedupTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "block",
			Name:        "dedup_total",
			Help:        "Puts of a block that was already stored",
			ConstLabels: labels,
		}),
		BlockCorruptionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "block",
			Name:        "corruptions_total",
			Help:        "Blocks whose content did not match their hash",
			ConstLabels: labels,
		}),
		BlockDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "block",
			Name:        "deleted_total",
			Help:        "Unreferenced blocks removed from disk",
			ConstLabels: labels,
		}),
		BlockResyncQueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "block",
			Name:        "resync_queue_length",
			Help:        "Blocks waiting to be checked by the resync worker",
			ConstLabels: labels,
		}),
		BlockResyncErrorsLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "block",
			Name:        "resync_errored_blocks",
			Help:        "Blocks whose last resync failed",
			ConstLabels: labels,
		}),
		BlockResyncErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "block",
			Name:        "resync_errors_total",
			Help:        "Failed resync attempts",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cluster",
			Name:        "gossip_members",
			Help:        "Members currently alive according to gossip",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Used share of the block data filesystem",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available bytes on the block data filesystem",
			ConstLabels: labels,
		}),
	}
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordTableOp records one table operation.
func (m *Metrics) RecordTableOp(table, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.TableOpsTotal.WithLabelValues(table, op, status(err)).Inc()
	m.TableOpDuration.WithLabelValues(table, op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) RecordQuorumFailure(table, op string) {
	if m == nil {
		return
	}
	m.QuorumFailuresTotal.WithLabelValues(table, op).Inc()
}

func (m *Metrics) RecordReadRepair(table string) {
	if m == nil {
		return
	}
	m.ReadRepairsTotal.WithLabelValues(table).Inc()
}

// RecordSyncItems counts entries pushed ("push"), pulled ("pull") or offloaded ("offload").
func (m *Metrics) RecordSyncItems(table, direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SyncItemsTotal.WithLabelValues(table, direction).Add(float64(n))
}

func (m *Metrics) RecordGCRemoved(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.GCRemovedTotal.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) SetMerkleTodo(table string, n int) {
	if m == nil {
		return
	}
	m.MerkleTodoLength.WithLabelValues(table).Set(float64(n))
}

func (m *Metrics) SetInsertQueue(table string, n int) {
	if m == nil {
		return
	}
	m.InsertQueueLength.WithLabelValues(table).Set(float64(n))
}

func (m *Metrics) RecordDecodeFailure(table string) {
	if m == nil {
		return
	}
	m.DecodeFailuresTotal.WithLabelValues(table).Inc()
}

// RecordBlockBytes counts block payload bytes moved by op.
func (m *Metrics) RecordBlockBytes(op string, n int) {
	if m == nil {
		return
	}
	m.BlockBytesTotal.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) RecordBlockDedup() {
	if m == nil {
		return
	}
	m.BlockDedupTotal.Inc()
}

func (m *Metrics) RecordBlockCorruption() {
	if m == nil {
		return
	}
	m.BlockCorruptionsTotal.Inc()
}

func (m *Metrics) RecordBlockDeleted() {
	if m == nil {
		return
	}
	m.BlockDeletedTotal.Inc()
}

func (m *Metrics) SetResyncQueue(queued, errored int) {
	if m == nil {
		return
	}
	m.BlockResyncQueueLength.Set(float64(queued))
	m.BlockResyncErrorsLength.Set(float64(errored))
}

func (m *Metrics) RecordResyncError() {
	if m == nil {
		return
	}
	m.BlockResyncErrorsTotal.Inc()
}

func (m *Metrics) SetGossipMembers(n int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(n))
}

func (m *Metrics) SetDiskUsage(percent float64, available uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(percent)
	m.DiskAvailableBytes.Set(float64(available))
}
