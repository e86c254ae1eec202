// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	require.Equal(t, 60*time.Minute, cfg.Stage.Transcribe)
	require.False(t, cfg.QuotaTopUp)
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("API_PORT", "9999")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	t.Setenv("QUOTA_TOPUP", "yes")
	t.Setenv("WORKERS", "8")
	t.Setenv("CONCURRENCY_FREE", "3")
	t.Setenv("STAGE_TIMEOUT_EXTRACT", "90s")
	t.Setenv("ARTIFACT_TTL_HOURS", "48")
	t.Setenv("OTEL_SAMPLING", "0.25")

	cfg := FromEnv(Default())
	require.Equal(t, 9999, cfg.APIPort)
	require.Equal(t, "redis://cache:6379", cfg.RedisURL)
	require.True(t, cfg.QuotaTopUp)
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, 3, cfg.Concurrency.Free)
	require.Equal(t, 90*time.Second, cfg.Stage.Extract)
	require.Equal(t, 48*time.Hour, cfg.ArtifactTTL)
	require.Equal(t, 0.25, cfg.OTELSampling)
}

func TestFromEnvInvalidValuesKeepDefaults(t *testing.T) {
	t.Setenv("API_PORT", "not-a-port")
	t.Setenv("QUOTA_TOPUP", "maybe")
	t.Setenv("POLL_IDLE", "soonish")

	def := Default()
	cfg := FromEnv(def)
	require.Equal(t, def.APIPort, cfg.APIPort)
	require.Equal(t, def.QuotaTopUp, cfg.QuotaTopUp)
	require.Equal(t, def.PollIdle, cfg.PollIdle)
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apiPort: 8181
workers: 2
blobBucket: from-file
queueMax:
  free: 10
`), 0o600))

	t.Setenv("WORKERS", "6") // env wins over file

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8181, cfg.APIPort)
	require.Equal(t, 6, cfg.Workers)
	require.Equal(t, "from-file", cfg.BlobBucket)
	require.Equal(t, 10, cfg.QueueMax.Free)
	// Untouched keys keep defaults.
	require.Equal(t, "ffmpeg", cfg.FFmpegPath)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().APIPort, cfg.APIPort)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiProt: 8181\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config file")
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.APIPort = 0 }, "invalid API port"},
		{"no db path", func(c *Config) { c.DBPath = "" }, "DB_PATH"},
		{"no redis", func(c *Config) { c.RedisURL = "" }, "REDIS_URL"},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "WORKERS"},
		{"zero free minutes", func(c *Config) { c.FreeMinutesLimit = 0 }, "FREE_MINUTES_LIMIT"},
		{"zero class cap", func(c *Config) { c.Concurrency.Paid = 0 }, "concurrency caps"},
		{"zero artifact ttl", func(c *Config) { c.ArtifactTTL = 0 }, "ARTIFACT_TTL_HOURS"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "MAX_RETRIES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("VOX_TEST_STR", "value")
	t.Setenv("VOX_TEST_EMPTY", "")
	t.Setenv("VOX_TEST_INT", "42")
	t.Setenv("VOX_TEST_BOOL", "0")
	t.Setenv("VOX_TEST_DUR", "150ms")

	require.Equal(t, "value", ParseString("VOX_TEST_STR", "d"))
	require.Equal(t, "d", ParseString("VOX_TEST_EMPTY", "d"))
	require.Equal(t, "d", ParseString("VOX_TEST_UNSET", "d"))
	require.Equal(t, 42, ParseInt("VOX_TEST_INT", 1))
	require.False(t, ParseBool("VOX_TEST_BOOL", true))
	require.Equal(t, 150*time.Millisecond, ParseDuration("VOX_TEST_DUR", time.Second))
}
