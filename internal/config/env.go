package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PAIRDB_NODE_ID.
const EnvPrefix = "PAIRDB"

// applyEnvironmentOverrides lets container deployments override the most
// commonly varied settings without templating the YAML file.
func applyEnvironmentOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	keys := []string{
		"node_id", "host", "port", "advertise_address",
		"num_segments", "num_owners",
		"chunk_size", "state_transfer_timeout", "rebalancing_enabled", "max_rebalance_restarts",
		"seed_nodes", "gossip_port",
		"admin_port",
		"log_level", "log_format",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	if v.IsSet("node_id") {
		cfg.Server.NodeID = v.GetString("node_id")
	}
	if v.IsSet("host") {
		cfg.Server.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		cfg.Server.Port = v.GetInt("port")
	}
	if v.IsSet("advertise_address") {
		cfg.Server.AdvertiseAddress = v.GetString("advertise_address")
	}
	if v.IsSet("num_segments") {
		cfg.Cluster.NumSegments = v.GetInt("num_segments")
	}
	if v.IsSet("num_owners") {
		cfg.Cluster.NumOwners = v.GetInt("num_owners")
	}
	if v.IsSet("chunk_size") {
		cfg.StateTransfer.ChunkSize = v.GetInt("chunk_size")
	}
	if v.IsSet("state_transfer_timeout") {
		cfg.StateTransfer.Timeout = v.GetDuration("state_transfer_timeout")
	}
	if v.IsSet("rebalancing_enabled") {
		enabled := v.GetBool("rebalancing_enabled")
		cfg.StateTransfer.RebalancingEnabled = &enabled
	}
	if v.IsSet("max_rebalance_restarts") {
		restarts := v.GetInt("max_rebalance_restarts")
		cfg.StateTransfer.MaxRebalanceRestarts = &restarts
	}
	if v.IsSet("seed_nodes") {
		cfg.Gossip.SeedNodes = strings.Split(v.GetString("seed_nodes"), ",")
	}
	if v.IsSet("gossip_port") {
		cfg.Gossip.BindPort = v.GetInt("gossip_port")
	}
	if v.IsSet("admin_port") {
		cfg.Admin.Port = v.GetInt("admin_port")
	}
	if v.IsSet("log_level") {
		cfg.Logging.Level = v.GetString("log_level")
	}
	if v.IsSet("log_format") {
		cfg.Logging.Format = v.GetString("log_format")
	}
	return nil
}
