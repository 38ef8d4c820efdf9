package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Comfy.Host)
	assert.Equal(t, 8188, cfg.Comfy.Port)
	assert.Equal(t, "http://127.0.0.1:8188", cfg.Comfy.BaseURL())
	assert.Equal(t, "redis", cfg.Jobs.Store)
	assert.Equal(t, "24h", cfg.Jobs.TTL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 5, cfg.Comfy.Stream.MaxRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Storage.Enabled)

	// A client id is minted when none is pinned.
	assert.NotEmpty(t, cfg.Comfy.ClientID)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comfyd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000

[comfy]
host = "gpu-box"
client_id = "pinned-client"

[storage]
enabled = true
bucket = "my-bucket"

[webhook]
url = "https://hooks.example.com/jobs"
secret = "hush"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "gpu-box", cfg.Comfy.Host)
	assert.Equal(t, "pinned-client", cfg.Comfy.ClientID)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "my-bucket", cfg.Storage.Bucket)
	assert.Equal(t, "https://hooks.example.com/jobs", cfg.Webhook.URL)

	// Untouched keys keep their defaults.
	assert.Equal(t, 8188, cfg.Comfy.Port)
	assert.Equal(t, "generations/", cfg.Storage.Prefix)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comfyd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000
`), 0o644))

	t.Setenv("CD_SERVER_PORT", "9100")
	t.Setenv("CD_REDIS_URL", "redis://cache:6379/1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
}

func TestLoad_EmptyEnvDoesNotOverride(t *testing.T) {
	t.Setenv("CD_JOBS_STORE", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Jobs.Store)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Duration("5m", time.Hour))
	assert.Equal(t, time.Hour, Duration("", time.Hour))
	assert.Equal(t, time.Hour, Duration("bogus", time.Hour))
	assert.Equal(t, time.Hour, Duration("-10s", time.Hour))
}
