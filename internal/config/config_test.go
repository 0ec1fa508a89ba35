package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/statetransfer/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  node_id: node-1:7600\n"))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Cluster.NumSegments)
	assert.Equal(t, 2, cfg.Cluster.NumOwners)
	assert.Equal(t, 512, cfg.StateTransfer.ChunkSize)
	assert.Equal(t, 4*time.Minute, cfg.StateTransfer.Timeout)
	assert.True(t, cfg.StateTransfer.IsRebalancingEnabled())
	assert.Equal(t, 10, cfg.StateTransfer.RestartLimit())
	assert.Equal(t, 60*time.Second, cfg.Transaction.OrphanGracePeriod)
	assert.Equal(t, "/metrics", cfg.Admin.Path)
}

func TestParse_ExplicitValues(t *testing.T) {
	yaml := `
server:
  node_id: node-2:7600
  port: 7700
cluster:
  num_segments: 64
  num_owners: 3
state_transfer:
  chunk_size: 30
  timeout: 10s
  rebalancing_enabled: false
  max_rebalance_restarts: 0
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 7700, cfg.Server.Port)
	assert.Equal(t, 64, cfg.Cluster.NumSegments)
	assert.Equal(t, 3, cfg.Cluster.NumOwners)
	assert.Equal(t, 30, cfg.StateTransfer.ChunkSize)
	assert.Equal(t, 10*time.Second, cfg.StateTransfer.Timeout)
	assert.False(t, cfg.StateTransfer.IsRebalancingEnabled())
	assert.Equal(t, 0, cfg.StateTransfer.RestartLimit())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing node id", "cluster:\n  num_segments: 8\n"},
		{"negative segments", "server:\n  node_id: n\ncluster:\n  num_segments: -1\n"},
		{"negative owners", "server:\n  node_id: n\ncluster:\n  num_owners: -2\n"},
		{"negative chunk size", "server:\n  node_id: n\nstate_transfer:\n  chunk_size: -5\n"},
		{"negative restarts", "server:\n  node_id: n\nstate_transfer:\n  max_rebalance_restarts: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeConfiguration))
		})
	}
}

func TestParse_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PAIRDB_NODE_ID", "env-node:7600")
	t.Setenv("PAIRDB_NUM_SEGMENTS", "32")
	t.Setenv("PAIRDB_REBALANCING_ENABLED", "false")
	t.Setenv("PAIRDB_SEED_NODES", "a:7946,b:7946")

	cfg, err := Parse([]byte("server:\n  node_id: file-node:7600\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-node:7600", cfg.Server.NodeID)
	assert.Equal(t, 32, cfg.Cluster.NumSegments)
	assert.False(t, cfg.StateTransfer.IsRebalancingEnabled())
	assert.Equal(t, []string{"a:7946", "b:7946"}, cfg.Gossip.SeedNodes)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  node_id: node-3:7600\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node-3:7600", cfg.Server.NodeID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestServerConfig_MemberAddress(t *testing.T) {
	cfg := ServerConfig{Host: "10.0.0.5", Port: 7600}
	assert.Equal(t, "10.0.0.5:7600", cfg.MemberAddress())

	cfg.AdvertiseAddress = "node-1.pairdb:7600"
	assert.Equal(t, "node-1.pairdb:7600", cfg.MemberAddress())
}
