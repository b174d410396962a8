package config

// Log controls structured logging output.
type Log struct {
	Level       string `toml:"Level"`
	Environment string `toml:"Environment"`
	// File enables rotated file output in addition to stdout.
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays int    `toml:"MaxAgeDays,omitempty"`
}

// RPC configures the JSON-RPC listener and its request guards.
type RPC struct {
	ListenAddress       string   `toml:"ListenAddress"`
	ReadHeaderTimeout   int      `toml:"ReadHeaderTimeout"`
	ReadTimeout         int      `toml:"ReadTimeout"`
	WriteTimeout        int      `toml:"WriteTimeout"`
	IdleTimeout         int      `toml:"IdleTimeout"`
	MaxBodyBytes        int64    `toml:"MaxBodyBytes"`
	RateLimitPerSecond  float64  `toml:"RateLimitPerSecond"`
	RateLimitBurst      int      `toml:"RateLimitBurst"`
	SignatureSkewSecs   int      `toml:"SignatureSkewSeconds"`
	ReplayCacheSize     int      `toml:"ReplayCacheSize"`
	TrustedProxies      []string `toml:"TrustedProxies,omitempty"`
	AllowedWSOrigins    []string `toml:"AllowedWSOrigins,omitempty"`
	EventBufferCapacity int      `toml:"EventBufferCapacity"`
}

// Operator configures the credential guarding ledger_credit.
type Operator struct {
	JWTSecret string `toml:"JWTSecret,omitempty"`
	// JWTSecretEnv names the environment variable consulted when JWTSecret
	// is empty.
	JWTSecretEnv string `toml:"JWTSecretEnv"`
	Issuer       string `toml:"Issuer"`
	Audience     string `toml:"Audience"`
}

// Audit selects the relational store that records emitted events.
type Audit struct {
	// Driver is one of "", "sqlite" or "postgres". Empty disables auditing.
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled     bool   `toml:"Enabled"`
	ServiceName string `toml:"ServiceName"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Metrics     bool   `toml:"Metrics"`
	Traces      bool   `toml:"Traces"`
}
