package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the RPC endpoint of this node
type ServerConfig struct {
	NodeID string `yaml:"node_id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`

	// AdvertiseAddress is the RPC address other members dial. Defaults to
	// host:port, which only works when host is routable.
	AdvertiseAddress string        `yaml:"advertise_address"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// ClusterConfig holds the segment space shared by every member
type ClusterConfig struct {
	NumSegments  int `yaml:"num_segments"`
	NumOwners    int `yaml:"num_owners"`
	VirtualNodes int `yaml:"virtual_nodes"`
}

// StateTransferConfig holds rebalance and state transfer tuning
type StateTransferConfig struct {
	ChunkSize          int           `yaml:"chunk_size"`
	Timeout            time.Duration `yaml:"timeout"`
	RebalancingEnabled *bool         `yaml:"rebalancing_enabled"`
	// MaxRebalanceRestarts bounds how many times a rebalance may be superseded
	// before the coordinator abandons it. Zero means unlimited.
	MaxRebalanceRestarts *int    `yaml:"max_rebalance_restarts"`
	ChunksPerSecond      float64 `yaml:"chunks_per_second"`
	OutboundWorkers      int     `yaml:"outbound_workers"`
	ApplyWorkers         int     `yaml:"apply_workers"`
	QueueSize            int     `yaml:"queue_size"`
}

// TransactionConfig holds transaction table and reaper settings
type TransactionConfig struct {
	ReaperInterval       time.Duration `yaml:"reaper_interval"`
	OrphanGracePeriod    time.Duration `yaml:"orphan_grace_period"`
	CompletedTxTimeout   time.Duration `yaml:"completed_tx_timeout"`
	CompletedTxCacheSize int           `yaml:"completed_tx_cache_size"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	SettleInterval time.Duration `yaml:"settle_interval"`
}

// AdminConfig holds the admin HTTP surface configuration
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a node
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	StateTransfer StateTransferConfig `yaml:"state_transfer"`
	Transaction   TransactionConfig   `yaml:"transaction"`
	Gossip        GossipConfig        `yaml:"gossip"`
	Admin         AdminConfig         `yaml:"admin"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LoadConfig loads configuration from a file, applies defaults and
// environment overrides, then validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := applyEnvironmentOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SetDefaults sets default values for unspecified configuration
func SetDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7600
	}
	if cfg.Server.RPCTimeout == 0 {
		cfg.Server.RPCTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Cluster.NumSegments == 0 {
		cfg.Cluster.NumSegments = 256
	}
	if cfg.Cluster.NumOwners == 0 {
		cfg.Cluster.NumOwners = 2
	}
	if cfg.Cluster.VirtualNodes == 0 {
		cfg.Cluster.VirtualNodes = 64
	}

	if cfg.StateTransfer.ChunkSize == 0 {
		cfg.StateTransfer.ChunkSize = 512
	}
	if cfg.StateTransfer.Timeout == 0 {
		cfg.StateTransfer.Timeout = 4 * time.Minute
	}
	if cfg.StateTransfer.RebalancingEnabled == nil {
		enabled := true
		cfg.StateTransfer.RebalancingEnabled = &enabled
	}
	if cfg.StateTransfer.MaxRebalanceRestarts == nil {
		restarts := 10
		cfg.StateTransfer.MaxRebalanceRestarts = &restarts
	}
	if cfg.StateTransfer.OutboundWorkers == 0 {
		cfg.StateTransfer.OutboundWorkers = 8
	}
	if cfg.StateTransfer.ApplyWorkers == 0 {
		cfg.StateTransfer.ApplyWorkers = 4
	}
	if cfg.StateTransfer.QueueSize == 0 {
		cfg.StateTransfer.QueueSize = 256
	}

	if cfg.Transaction.ReaperInterval == 0 {
		cfg.Transaction.ReaperInterval = 30 * time.Second
	}
	if cfg.Transaction.OrphanGracePeriod == 0 {
		cfg.Transaction.OrphanGracePeriod = 60 * time.Second
	}
	if cfg.Transaction.CompletedTxTimeout == 0 {
		cfg.Transaction.CompletedTxTimeout = 15 * time.Second
	}
	if cfg.Transaction.CompletedTxCacheSize == 0 {
		cfg.Transaction.CompletedTxCacheSize = 10000
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}
	if cfg.Gossip.SettleInterval == 0 {
		cfg.Gossip.SettleInterval = 500 * time.Millisecond
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.Path == "" {
		cfg.Admin.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// MemberAddress returns the address this node is known by in the cluster
func (c *ServerConfig) MemberAddress() string {
	if c.AdvertiseAddress != "" {
		return c.AdvertiseAddress
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsRebalancingEnabled reports the initial rebalancing switch
func (c *StateTransferConfig) IsRebalancingEnabled() bool {
	return c.RebalancingEnabled == nil || *c.RebalancingEnabled
}

// RestartLimit returns the configured rebalance restart bound, 0 meaning unlimited
func (c *StateTransferConfig) RestartLimit() int {
	if c.MaxRebalanceRestarts == nil {
		return 0
	}
	return *c.MaxRebalanceRestarts
}

// Validate validates the configuration. Violations are configuration errors
// and are fatal at startup.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.Configuration("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.Configuration("server.port must be between 1 and 65535")
	}
	if c.Cluster.NumSegments < 1 {
		return errors.Configuration(fmt.Sprintf("cluster.num_segments must be positive, got %d", c.Cluster.NumSegments))
	}
	if c.Cluster.NumOwners < 1 {
		return errors.Configuration(fmt.Sprintf("cluster.num_owners must be positive, got %d", c.Cluster.NumOwners))
	}
	if c.StateTransfer.ChunkSize < 1 {
		return errors.Configuration(fmt.Sprintf("state_transfer.chunk_size must be positive, got %d", c.StateTransfer.ChunkSize))
	}
	if c.StateTransfer.Timeout <= 0 {
		return errors.Configuration("state_transfer.timeout must be positive")
	}
	if c.StateTransfer.RestartLimit() < 0 {
		return errors.Configuration("state_transfer.max_rebalance_restarts must not be negative")
	}
	if c.StateTransfer.ChunksPerSecond < 0 {
		return errors.Configuration("state_transfer.chunks_per_second must not be negative")
	}
	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return errors.Configuration("admin.port must be between 1 and 65535")
	}
	return nil
}
