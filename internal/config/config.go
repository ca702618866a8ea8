// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for rashberry. Values are layered
// defaults -> config file -> environment -> CLI flags, and Resolve turns the
// layered strings ("5MiB", "10s") into typed settings.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Upload  UploadConfig  `toml:"upload"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
	Watch   WatchConfig   `toml:"watch"`
}

// ServerConfig names the upload endpoint.
type ServerConfig struct {
	Endpoint string `toml:"endpoint"`
}

// UploadConfig controls chunking, parallelism, caller-level retries, and the
// bandwidth cap. Sizes are human-readable ("5MiB", "2MB/s").
type UploadConfig struct {
	ChunkSize       string `toml:"chunk_size"`
	ParallelUploads int    `toml:"parallel_uploads"`
	Retries         int    `toml:"retries"`
	BandwidthLimit  string `toml:"bandwidth_limit"`
	SkipCompleted   bool   `toml:"skip_completed"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior. There is deliberately no
// overall request timeout: a slow chunk is bounded only by cancellation.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// WatchConfig controls the watch command.
type WatchConfig struct {
	SettleTime  string   `toml:"settle_time"`
	Extensions  []string `toml:"extensions"`
	MetricsAddr string   `toml:"metrics_addr"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from an explicit zero value.
type CLIOverrides struct {
	ConfigPath string
	Endpoint   *string
	ChunkSize  *string
	Parallel   *int
	Retries    *int
}

// Resolved is the fully layered, parsed configuration used by commands.
type Resolved struct {
	ConfigPath string
	TokenPath  string
	LedgerPath string
	PIDPath    string

	Endpoint string
	// Token is the RASHBERRY_TOKEN override; empty means use the token file.
	Token string

	ChunkSize       int64
	ParallelUploads int
	Retries         int
	BandwidthLimit  int64
	SkipCompleted   bool

	LogLevel  string
	LogFormat string

	ConnectTimeout time.Duration
	UserAgent      string

	SettleTime  time.Duration
	Extensions  []string
	MetricsAddr string
}
