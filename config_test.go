package herd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	require.Equal(t, "cooperative-v2", cfg.Protocol)
	require.Equal(t, 5*time.Minute, cfg.RebalanceDelayMax)
	require.Equal(t, 3*time.Second, cfg.PollInterval)
	require.Equal(t, time.Hour, cfg.SessionKey.TTL)
	require.Equal(t, "HmacSHA256", cfg.SessionKey.Algorithm)
	require.Equal(t, 32, cfg.SessionKey.Size)
	require.Equal(t, 3, cfg.CatchUp.MaxRetries)
}

func TestSetDefaults(t *testing.T) {
	var cfg Config
	SetDefaults(&cfg)

	require.Equal(t, DefaultConfig(), cfg)

	custom := Config{Protocol: "eager", WorkerPoolSize: 2}
	SetDefaults(&custom)
	require.Equal(t, "eager", custom.Protocol)
	require.Equal(t, 2, custom.WorkerPoolSize)
	require.Equal(t, 3*time.Second, custom.PollInterval)
}

func TestConfigProtocolVersion(t *testing.T) {
	cases := []struct {
		name    string
		version ProtocolVersion
	}{
		{"eager", ProtocolEager},
		{"cooperative-v1", ProtocolCoopV1},
		{"cooperative-v2", ProtocolCoopV2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Protocol = tc.name

			v, err := cfg.ProtocolVersion()
			require.NoError(t, err)
			require.Equal(t, tc.version, v)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Protocol = "round-robin"

		_, err := cfg.ProtocolVersion()
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestConfigValidate(t *testing.T) {
	mutate := func(fn func(*Config)) Config {
		cfg := DefaultConfig()
		fn(&cfg)

		return cfg
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"unknown protocol", mutate(func(c *Config) { c.Protocol = "bogus" })},
		{"short session key", mutate(func(c *Config) { c.SessionKey.Size = 8 })},
		{"unknown algorithm", mutate(func(c *Config) { c.SessionKey.Algorithm = "HmacMD5" })},
		{"zero retries", mutate(func(c *Config) { c.CatchUp.MaxRetries = 0 })},
		{"negative poll interval", mutate(func(c *Config) { c.PollInterval = -time.Second })},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("valid file with defaults applied", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "herd.yaml")
		data := `
advertisedUrl: http://worker-1:8083
protocol: cooperative-v1
pollInterval: 1s
sessionKey:
  ttl: 30m
  size: 48
catchUp:
  maxRetries: 5
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Equal(t, "http://worker-1:8083", cfg.AdvertisedURL)
		require.Equal(t, "cooperative-v1", cfg.Protocol)
		require.Equal(t, time.Second, cfg.PollInterval)
		require.Equal(t, 30*time.Minute, cfg.SessionKey.TTL)
		require.Equal(t, 48, cfg.SessionKey.Size)
		require.Equal(t, "HmacSHA256", cfg.SessionKey.Algorithm)
		require.Equal(t, 5, cfg.CatchUp.MaxRetries)
		require.Equal(t, 5*time.Second, cfg.CatchUp.Backoff)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("protocol: [unclosed"), 0o600))

		_, err := LoadConfig(path)
		require.Error(t, err)
	})
}

func TestTestConfig(t *testing.T) {
	cfg := TestConfig()

	require.NoError(t, cfg.Validate())
	require.Less(t, cfg.PollInterval, DefaultConfig().PollInterval)
	require.Less(t, cfg.SessionKey.TTL, DefaultConfig().SessionKey.TTL)
}
