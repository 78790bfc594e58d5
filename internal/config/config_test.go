package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	t.Setenv("BLOCKVERSE_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockverse.yaml")
	data := `
server:
  game_port: 9000
network:
  tick_rate: 30
  liveness_timeout: 3s
  distance: {x_min: 2, x_max: 3, y_min: 1, y_max: 1, z_min: 2, z_max: 2}
auth:
  enabled: true
  secret: s3cret
storage:
  backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("BLOCKVERSE_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.GetGamePort())
	assert.Equal(t, 30, cfg.Network.TickRate)
	assert.Equal(t, 3*time.Second, cfg.Network.LivenessTimeout)
	assert.Equal(t, int32(3), cfg.Network.Distance.XMax)
	assert.Equal(t, Default().Network.SnapshotEvery, cfg.Network.SnapshotEvery, "незаданное остаётся по умолчанию")
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Auth.Enabled = true
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Network.TickRate = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Backend = "sqlite"
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}

func TestPortEnvFallback(t *testing.T) {
	s := ServerConfig{}
	t.Setenv("BLOCKVERSE_ADMIN_PORT", "9100")
	assert.Equal(t, 9100, s.GetAdminPort())

	t.Setenv("BLOCKVERSE_ADMIN_PORT", "not-a-port")
	assert.Equal(t, 8088, s.GetAdminPort())

	s.AdminPort = 7000
	assert.Equal(t, 7000, s.GetAdminPort())
	assert.Equal(t, "0.0.0.0:7000", (&ServerConfig{Host: "0.0.0.0", AdminPort: 7000}).AdminAddr())
}

func TestRedisRepoConfig(t *testing.T) {
	rc := Default().Redis.RepoConfig()
	assert.Equal(t, 500, rc.BatchFlushMs)
	assert.Equal(t, "localhost:6379", rc.Addr)
}
