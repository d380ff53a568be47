package herd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionKeyConfig controls inter-worker session key lifecycle.
type SessionKeyConfig struct {
	// TTL is how long a session key stays valid before the leader mints
	// and publishes a replacement. Recommended: 1 hour.
	TTL time.Duration `yaml:"ttl"`

	// Algorithm is the MAC algorithm used for request signing,
	// one of "HmacSHA256", "HmacSHA384", "HmacSHA512".
	Algorithm string `yaml:"algorithm"`

	// Size is the generated key size in bytes. Recommended: 32.
	Size int `yaml:"size"`
}

// CatchUpConfig controls post-rebalance configuration catch-up.
type CatchUpConfig struct {
	// RefreshTimeout bounds a single ConfigStore.Refresh call.
	// Recommended: 30 seconds.
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`

	// MaxRetries is the leader's retry budget for catch-up before it
	// surrenders its assignment back to the group. Followers do not
	// retry; they wait for the next rebalance.
	MaxRetries int `yaml:"maxRetries"`

	// Backoff is the base delay between leader catch-up retries. The
	// actual delay shrinks as retries are exhausted: backoff divided by
	// the number of attempts remaining.
	Backoff time.Duration `yaml:"backoff"`
}

// Config is the configuration for the Herder.
//
// All duration fields accept standard Go duration strings like "30s",
// "5m", "1h" when loaded from YAML.
type Config struct {
	// AdvertisedURL is this worker's URL as shown to other workers for
	// request forwarding.
	AdvertisedURL string `yaml:"advertisedUrl"`

	// Protocol selects the rebalance protocol this worker offers:
	// "eager", "cooperative-v1" or "cooperative-v2".
	Protocol string `yaml:"protocol"`

	// RebalanceDelayMax caps the scheduled rebalance delay a leader may
	// impose when it suspects a transient departure. Recommended: 5 minutes.
	RebalanceDelayMax time.Duration `yaml:"rebalanceDelayMax"`

	// PollInterval caps how long a tick blocks in GroupMember.Poll when
	// no request deadline or key expiry bounds it sooner.
	PollInterval time.Duration `yaml:"pollInterval"`

	// WorkerPoolSize bounds the pool running slow connector/task
	// start/stop work off the coordination goroutine.
	WorkerPoolSize int `yaml:"workerPoolSize"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// SessionKey controls key generation and rotation.
	SessionKey SessionKeyConfig `yaml:"sessionKey"`

	// CatchUp controls post-rebalance config catch-up retries.
	CatchUp CatchUpConfig `yaml:"catchUp"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		Protocol:          "cooperative-v2",
		RebalanceDelayMax: 5 * time.Minute,
		PollInterval:      3 * time.Second,
		WorkerPoolSize:    8,
		ShutdownTimeout:   30 * time.Second,
		SessionKey: SessionKeyConfig{
			TTL:       time.Hour,
			Algorithm: "HmacSHA256",
			Size:      32,
		},
		CatchUp: CatchUpConfig{
			RefreshTimeout: 30 * time.Second,
			MaxRetries:     3,
			Backoff:        5 * time.Second,
		},
	}
}

// SetDefaults fills in missing configuration values with production
// defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Protocol == "" {
		cfg.Protocol = defaults.Protocol
	}
	if cfg.RebalanceDelayMax == 0 {
		cfg.RebalanceDelayMax = defaults.RebalanceDelayMax
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.SessionKey.TTL == 0 {
		cfg.SessionKey.TTL = defaults.SessionKey.TTL
	}
	if cfg.SessionKey.Algorithm == "" {
		cfg.SessionKey.Algorithm = defaults.SessionKey.Algorithm
	}
	if cfg.SessionKey.Size == 0 {
		cfg.SessionKey.Size = defaults.SessionKey.Size
	}
	if cfg.CatchUp.RefreshTimeout == 0 {
		cfg.CatchUp.RefreshTimeout = defaults.CatchUp.RefreshTimeout
	}
	if cfg.CatchUp.MaxRetries == 0 {
		cfg.CatchUp.MaxRetries = defaults.CatchUp.MaxRetries
	}
	if cfg.CatchUp.Backoff == 0 {
		cfg.CatchUp.Backoff = defaults.CatchUp.Backoff
	}
}

// ProtocolVersion resolves the configured protocol name.
//
// Returns:
//   - ProtocolVersion: The configured version
//   - error: Unknown protocol name
func (cfg *Config) ProtocolVersion() (ProtocolVersion, error) {
	switch cfg.Protocol {
	case "eager":
		return ProtocolEager, nil
	case "cooperative-v1":
		return ProtocolCoopV1, nil
	case "cooperative-v2":
		return ProtocolCoopV2, nil
	default:
		return 0, fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, cfg.Protocol)
	}
}

// Validate checks configuration constraints and returns an error for
// invalid values.
//
// Hard validation rules:
//   - Protocol must name a known version
//   - SessionKey.Size >= 16 (shorter keys defeat the MAC)
//   - SessionKey.Algorithm must be a supported MAC algorithm
//   - CatchUp.MaxRetries >= 1
//   - PollInterval > 0
func (cfg *Config) Validate() error {
	if _, err := cfg.ProtocolVersion(); err != nil {
		return err
	}

	if cfg.SessionKey.Size < 16 {
		return fmt.Errorf("%w: session key size (%d) must be >= 16 bytes", ErrInvalidConfig, cfg.SessionKey.Size)
	}

	switch cfg.SessionKey.Algorithm {
	case "HmacSHA256", "HmacSHA384", "HmacSHA512":
	default:
		return fmt.Errorf("%w: unsupported signature algorithm %q", ErrInvalidConfig, cfg.SessionKey.Algorithm)
	}

	if cfg.CatchUp.MaxRetries < 1 {
		return fmt.Errorf("%w: catch-up max retries must be >= 1, got %d", ErrInvalidConfig, cfg.CatchUp.MaxRetries)
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0, got %v", ErrInvalidConfig, cfg.PollInterval)
	}

	return nil
}

// ValidateWithWarnings checks configuration and logs warnings for
// non-recommended values. Called after Validate in NewHerder to provide
// operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.SessionKey.TTL < 5*time.Minute {
		logger.Warn(
			"session key TTL is very short, workers will spend time rotating keys",
			"ttl", cfg.SessionKey.TTL,
			"recommended", "1h",
		)
	}

	if cfg.CatchUp.RefreshTimeout < time.Second {
		logger.Warn(
			"catch-up refresh timeout is very short, expect spurious rejoins",
			"refreshTimeout", cfg.CatchUp.RefreshTimeout,
			"recommended", "30s",
		)
	}

	if cfg.AdvertisedURL == "" {
		logger.Warn("advertised URL is empty, request forwarding hints will be unusable")
	}
}

// LoadConfig reads a YAML config file and applies defaults.
//
// Parameters:
//   - path: Path to the YAML file
//
// Returns:
//   - Config: Parsed configuration with defaults applied
//   - error: Read or parse error
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	return cfg, nil
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Timings are 10-100x faster than production defaults. Use DefaultConfig
// for deployments.
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.PollInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.RebalanceDelayMax = 2 * time.Second
	cfg.SessionKey.TTL = 5 * time.Second
	cfg.CatchUp.RefreshTimeout = 500 * time.Millisecond
	cfg.CatchUp.Backoff = 100 * time.Millisecond

	return cfg
}
