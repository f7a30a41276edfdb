package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7771, cfg.P2PPort)
	assert.Equal(t, 20, cfg.MaxPeers)
	assert.Equal(t, "voidlux", cfg.Realm)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
realm: empire
p2p_port: 9001
seeds:
  - 10.0.0.1:7771
dispatch_interval: 10s
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "empire", cfg.Realm)
	assert.Equal(t, 9001, cfg.P2PPort)
	assert.Equal(t, []string{"10.0.0.1:7771"}, cfg.Seeds)
	assert.Equal(t, 10*time.Second, cfg.DispatchInterval)
	// untouched fields keep defaults
	assert.Equal(t, 7780, cfg.BrokerPort)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.BrokerPort = cfg.P2PPort
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxPeers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ReputationFloor = 1.5
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}
