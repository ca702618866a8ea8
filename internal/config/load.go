package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.Endpoint != "" {
		cfg.Server.Endpoint = env.Endpoint
	}

	applyCLI(cfg, cli)

	// Overrides bypass the file-level validation in Load.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	r, err := build(cfg)
	if err != nil {
		return nil, err
	}

	r.ConfigPath = cfgPath
	r.Token = env.Token

	return r, nil
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.Endpoint != nil {
		cfg.Server.Endpoint = *cli.Endpoint
	}

	if cli.ChunkSize != nil {
		cfg.Upload.ChunkSize = *cli.ChunkSize
	}

	if cli.Parallel != nil {
		cfg.Upload.ParallelUploads = *cli.Parallel
	}

	if cli.Retries != nil {
		cfg.Upload.Retries = *cli.Retries
	}
}

// build converts a validated Config into typed settings.
func build(cfg *Config) (*Resolved, error) {
	chunk, err := ParseSize(cfg.Upload.ChunkSize)
	if err != nil {
		return nil, err
	}

	limit, err := ParseRate(cfg.Upload.BandwidthLimit)
	if err != nil {
		return nil, err
	}

	connect, err := time.ParseDuration(cfg.Network.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	settle, err := time.ParseDuration(cfg.Watch.SettleTime)
	if err != nil {
		return nil, err
	}

	exts := make([]string, len(cfg.Watch.Extensions))
	for i, e := range cfg.Watch.Extensions {
		exts[i] = strings.ToLower(e)
	}

	return &Resolved{
		TokenPath:       DefaultTokenPath(),
		LedgerPath:      DefaultLedgerPath(),
		PIDPath:         DefaultPIDPath(),
		Endpoint:        cfg.Server.Endpoint,
		ChunkSize:       chunk,
		ParallelUploads: cfg.Upload.ParallelUploads,
		Retries:         cfg.Upload.Retries,
		BandwidthLimit:  limit,
		SkipCompleted:   cfg.Upload.SkipCompleted,
		LogLevel:        strings.ToLower(cfg.Logging.LogLevel),
		LogFormat:       strings.ToLower(cfg.Logging.LogFormat),
		ConnectTimeout:  connect,
		UserAgent:       cfg.Network.UserAgent,
		SettleTime:      settle,
		Extensions:      exts,
		MetricsAddr:     cfg.Watch.MetricsAddr,
	}, nil
}
