package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/var/lib/driftwatch")
	t.Setenv("COLLECTOR_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/driftwatch", cfg.Agent.DataDir)
	assert.Equal(t, "/var/lib/driftwatch/resources", cfg.Agent.ResourceRoot)
	assert.Equal(t, "/var/lib/driftwatch/state.db", cfg.StateDBPath())
	assert.Equal(t, time.Second, cfg.Agent.TickInterval)
	assert.Equal(t, "sha256", cfg.Agent.HashAlgorithm)
	assert.Equal(t, "deflate", cfg.Sync.Compression)
	assert.False(t, cfg.Sync.Enabled())
	assert.Equal(t, "127.0.0.1:9470", cfg.Server.Addr())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "250ms")
	t.Setenv("DETECTOR_WORKERS", "4")
	t.Setenv("HASH_ALGORITHM", "blake3")
	t.Setenv("COLLECTOR_URL", "https://collector.example.com")
	t.Setenv("SYNC_COMPRESSION", "zstd")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Agent.TickInterval)
	assert.Equal(t, 4, cfg.Agent.Workers)
	assert.Equal(t, "blake3", cfg.Agent.HashAlgorithm)
	assert.True(t, cfg.Sync.Enabled())
	assert.Equal(t, "zstd", cfg.Sync.Compression)
	assert.Equal(t, 2.5, cfg.Server.RateLimitRPS)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "bad algorithm", env: map[string]string{"HASH_ALGORITHM": "crc32"}, wantErr: "unsupported hash algorithm"},
		{name: "bad compression", env: map[string]string{"SYNC_COMPRESSION": "lz4"}, wantErr: "unsupported compression"},
		{name: "too many workers", env: map[string]string{"DETECTOR_WORKERS": "100"}, wantErr: "detector workers"},
		{name: "bad port", env: map[string]string{"SERVER_PORT": "70000"}, wantErr: "invalid server port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
