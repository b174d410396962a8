package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Storage backends accepted by Config.Backend.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// DefaultOperatorSecretEnv is consulted for the operator JWT secret when the
// file leaves it empty.
const DefaultOperatorSecretEnv = "WAGER_OPERATOR_SECRET"

type Config struct {
	DataDir         string `toml:"DataDir"`
	Backend         string `toml:"Backend"`
	AllocationsFile string `toml:"AllocationsFile,omitempty"`
	// RecordDeposit is charged to the initiator on Open and paid to the
	// arbiter when the wager closes.
	RecordDeposit uint64 `toml:"RecordDeposit"`

	Log       Log       `toml:"log"`
	RPC       RPC       `toml:"rpc"`
	Operator  Operator  `toml:"operator"`
	Audit     Audit     `toml:"audit"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path. A default file is written
// when none exists. Environment overrides are applied and the result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh data directory.
func Default() *Config {
	return &Config{
		DataDir: "./wager-data",
		Backend: BackendLevelDB,
		Log: Log{
			Level:       "info",
			Environment: "dev",
		},
		RPC: RPC{
			ListenAddress:       "127.0.0.1:8545",
			ReadHeaderTimeout:   5,
			ReadTimeout:         15,
			WriteTimeout:        15,
			IdleTimeout:         60,
			MaxBodyBytes:        1 << 20,
			RateLimitPerSecond:  20,
			RateLimitBurst:      40,
			SignatureSkewSecs:   120,
			ReplayCacheSize:     4096,
			EventBufferCapacity: 64,
		},
		Operator: Operator{
			JWTSecretEnv: DefaultOperatorSecretEnv,
			Issuer:       "wagerchain",
			Audience:     "wagerd",
		},
		Audit: Audit{
			Driver: "sqlite",
			DSN:    "audit.db",
		},
		Telemetry: Telemetry{
			ServiceName: "wagerd",
			Endpoint:    "localhost:4318",
			Insecure:    true,
			Metrics:     true,
			Traces:      true,
		},
	}
}

func applyEnv(cfg *Config) {
	envName := strings.TrimSpace(cfg.Operator.JWTSecretEnv)
	if envName == "" {
		envName = DefaultOperatorSecretEnv
	}
	if secret := strings.TrimSpace(os.Getenv(envName)); secret != "" && strings.TrimSpace(cfg.Operator.JWTSecret) == "" {
		cfg.Operator.JWTSecret = secret
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ResolvePath joins relative paths onto DataDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
