package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHELF_SERVER_NODE_ID.
const EnvPrefix = "SHELF"

// applyEnvironmentOverrides applies environment variable overrides to config.
// Keys follow the yaml layout with dots replaced by underscores.
func applyEnvironmentOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	integer := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	list := func(key string, dst *[]string) {
		if v.IsSet(key) {
			var out []string
			for _, s := range strings.Split(v.GetString(key), ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
		}
	}

	str("server.node_id", &cfg.Server.NodeID)
	str("server.host", &cfg.Server.Host)
	integer("server.port", &cfg.Server.Port)
	str("server.advertise_addr", &cfg.Server.AdvertiseAddr)
	str("server.rpc_secret", &cfg.Server.RPCSecret)

	list("cluster.peers", &cfg.Cluster.Peers)
	integer("cluster.replication_factor", &cfg.Cluster.ReplicationFactor)
	integer("cluster.write_quorum", &cfg.Cluster.WriteQuorum)
	integer("cluster.read_quorum", &cfg.Cluster.ReadQuorum)
	boolean("cluster.allow_weak_quorum", &cfg.Cluster.AllowWeakQuorum)

	str("storage.metadata_dir", &cfg.Storage.MetadataDir)
	str("storage.data_dir", &cfg.Storage.DataDir)
	str("storage.db_engine", &cfg.Storage.DBEngine)
	boolean("storage.sync_writes", &cfg.Storage.SyncWrites)

	str("block.compression", &cfg.Block.Compression)
	integer("block.compression_level", &cfg.Block.CompressionLevel)

	boolean("gossip.enabled", &cfg.Gossip.Enabled)
	integer("gossip.bind_port", &cfg.Gossip.BindPort)
	list("gossip.seed_nodes", &cfg.Gossip.SeedNodes)

	boolean("metrics.enabled", &cfg.Metrics.Enabled)
	integer("metrics.port", &cfg.Metrics.Port)

	str("logging.level", &cfg.Logging.Level)
	str("logging.format", &cfg.Logging.Format)

	boolean("k2v.enabled", &cfg.K2V.Enabled)

	for _, key := range []string{"table.sync_interval", "table.tombstone_horizon", "block.gc_grace"} {
		if v.IsSet(key) && v.GetDuration(key) <= 0 {
			return fmt.Errorf("invalid duration in %s_%s", EnvPrefix, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
		}
	}
	if v.IsSet("table.sync_interval") {
		cfg.Table.SyncInterval = v.GetDuration("table.sync_interval")
	}
	if v.IsSet("table.tombstone_horizon") {
		cfg.Table.TombstoneHorizon = v.GetDuration("table.tombstone_horizon")
	}
	if v.IsSet("block.gc_grace") {
		cfg.Block.GCGrace = v.GetDuration("block.gc_grace")
	}
	return nil
}
