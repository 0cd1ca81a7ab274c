package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds node identity and RPC server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AdvertiseAddr   string        `yaml:"advertise_addr"`
	RPCSecret       string        `yaml:"rpc_secret"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ClusterConfig holds replication configuration
type ClusterConfig struct {
	Peers             []string `yaml:"peers"`
	VirtualNodes      int      `yaml:"virtual_nodes"`
	ReplicationFactor int      `yaml:"replication_factor"`
	WriteQuorum       int      `yaml:"write_quorum"`
	ReadQuorum        int      `yaml:"read_quorum"`
	ControlMaxFaults  int      `yaml:"control_max_faults"`
	// AllowWeakQuorum permits write_quorum + read_quorum <= replication_factor.
	AllowWeakQuorum bool `yaml:"allow_weak_quorum"`
}

// StorageConfig holds local storage configuration
type StorageConfig struct {
	MetadataDir  string  `yaml:"metadata_dir"`
	DataDir      string  `yaml:"data_dir"`
	DBEngine     string  `yaml:"db_engine"`
	CacheSize    int64   `yaml:"cache_size"`
	SyncWrites   bool    `yaml:"sync_writes"`
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
}

// BlockConfig holds block manager configuration
type BlockConfig struct {
	BlockSize         int           `yaml:"block_size"`
	Compression       string        `yaml:"compression"`
	CompressionLevel  int           `yaml:"compression_level"`
	GCGrace           time.Duration `yaml:"gc_grace"`
	ScanInterval      time.Duration `yaml:"scan_interval"`
	ResyncTranquility int           `yaml:"resync_tranquility"`
	ResyncBandwidth   int64         `yaml:"resync_bandwidth"`
}

// TableConfig holds replicated table configuration
type TableConfig struct {
	SyncInterval     time.Duration `yaml:"sync_interval"`
	TombstoneHorizon time.Duration `yaml:"tombstone_horizon"`
	GCInterval       time.Duration `yaml:"gc_interval"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	RepairWorkers    int           `yaml:"repair_workers"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics and admin HTTP configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// K2VConfig enables the key/value sub-API tables
type K2VConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config represents the complete configuration of a node
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Storage StorageConfig `yaml:"storage"`
	Block   BlockConfig   `yaml:"block"`
	Table   TableConfig   `yaml:"table"`
	Gossip  GossipConfig  `yaml:"gossip"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	K2V     K2VConfig     `yaml:"k2v"`
}

// LoadConfig loads configuration from a file, then applies environment
// overrides and defaults
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(filePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Environment only configuration
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnvironmentOverrides(&cfg); err != nil {
		return nil, err
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied. Node id and
// RPC secret are left empty.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3901
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Cluster.VirtualNodes == 0 {
		cfg.Cluster.VirtualNodes = 64
	}
	if cfg.Cluster.ReplicationFactor == 0 {
		cfg.Cluster.ReplicationFactor = 3
	}
	if cfg.Cluster.WriteQuorum == 0 {
		cfg.Cluster.WriteQuorum = cfg.Cluster.ReplicationFactor/2 + 1
	}
	if cfg.Cluster.ReadQuorum == 0 {
		cfg.Cluster.ReadQuorum = cfg.Cluster.ReplicationFactor - cfg.Cluster.WriteQuorum + 1
	}
	if cfg.Cluster.ControlMaxFaults == 0 {
		cfg.Cluster.ControlMaxFaults = cfg.Cluster.ReplicationFactor - cfg.Cluster.WriteQuorum
	}

	if cfg.Storage.MetadataDir == "" {
		cfg.Storage.MetadataDir = "/var/lib/shelf/meta"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/shelf/data"
	}
	if cfg.Storage.DBEngine == "" {
		cfg.Storage.DBEngine = "pebble"
	}
	if cfg.Storage.CacheSize == 0 {
		cfg.Storage.CacheSize = 128 << 20 // 128MB
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.95
	}

	if cfg.Block.BlockSize == 0 {
		cfg.Block.BlockSize = 1 << 20 // 1MB
	}
	if cfg.Block.Compression == "" {
		cfg.Block.Compression = "zstd"
	}
	if cfg.Block.CompressionLevel == 0 {
		cfg.Block.CompressionLevel = 3
	}
	if cfg.Block.GCGrace == 0 {
		cfg.Block.GCGrace = 10 * time.Minute
	}
	if cfg.Block.ScanInterval == 0 {
		cfg.Block.ScanInterval = 24 * time.Hour
	}
	if cfg.Block.ResyncTranquility == 0 {
		cfg.Block.ResyncTranquility = 2
	}

	if cfg.Table.SyncInterval == 0 {
		cfg.Table.SyncInterval = 10 * time.Minute
	}
	if cfg.Table.TombstoneHorizon == 0 {
		cfg.Table.TombstoneHorizon = 24 * time.Hour
	}
	if cfg.Table.GCInterval == 0 {
		cfg.Table.GCInterval = 10 * time.Minute
	}
	if cfg.Table.RPCTimeout == 0 {
		cfg.Table.RPCTimeout = 10 * time.Second
	}
	if cfg.Table.RepairWorkers == 0 {
		cfg.Table.RepairWorkers = 4
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 3902
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 3903
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RPCSecret == "" {
		return fmt.Errorf("server.rpc_secret is required")
	}

	rf := c.Cluster.ReplicationFactor
	if rf < 1 {
		return fmt.Errorf("cluster.replication_factor must be at least 1")
	}
	if c.Cluster.WriteQuorum < 1 || c.Cluster.WriteQuorum > rf {
		return fmt.Errorf("cluster.write_quorum must be between 1 and replication_factor (%d)", rf)
	}
	if c.Cluster.ReadQuorum < 1 || c.Cluster.ReadQuorum > rf {
		return fmt.Errorf("cluster.read_quorum must be between 1 and replication_factor (%d)", rf)
	}
	if c.Cluster.WriteQuorum+c.Cluster.ReadQuorum <= rf && !c.Cluster.AllowWeakQuorum {
		return fmt.Errorf("cluster.write_quorum + cluster.read_quorum must exceed replication_factor (%d) unless allow_weak_quorum is set", rf)
	}
	if c.Cluster.ControlMaxFaults < 0 {
		return fmt.Errorf("cluster.control_max_faults must not be negative")
	}

	switch c.Storage.DBEngine {
	case "memory", "pebble":
	default:
		return fmt.Errorf("storage.db_engine must be 'memory' or 'pebble', got %q", c.Storage.DBEngine)
	}
	if c.Storage.MaxDiskUsage <= 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}

	switch c.Block.Compression {
	case "none", "zstd", "lz4", "snappy":
	default:
		return fmt.Errorf("block.compression must be one of none, zstd, lz4, snappy, got %q", c.Block.Compression)
	}
	if c.Block.CompressionLevel < 1 || c.Block.CompressionLevel > 19 {
		return fmt.Errorf("block.compression_level must be between 1 and 19")
	}
	if c.Block.ResyncBandwidth < 0 {
		return fmt.Errorf("block.resync_bandwidth must not be negative")
	}

	if c.Table.TombstoneHorizon < c.Table.SyncInterval {
		return fmt.Errorf("table.tombstone_horizon must be at least table.sync_interval")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}
	return nil
}
