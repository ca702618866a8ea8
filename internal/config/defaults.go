package config

// Default values for configuration options: layer 0 of the override chain.
const (
	defaultEndpoint        = "http://localhost:3001/api/upload"
	defaultChunkSize       = "5MiB"
	defaultParallelUploads = 4
	defaultRetries         = 3
	defaultBandwidthLimit  = "0"
	defaultSkipCompleted   = true
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultConnectTimeout  = "10s"
	defaultSettleTime      = "2s"
)

// defaultExtensions are the file types the watch command uploads when none
// are configured.
var defaultExtensions = []string{".mp4", ".mov", ".mkv", ".webm"}

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (unset fields keep defaults) and
// the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Endpoint: defaultEndpoint},
		Upload: UploadConfig{
			ChunkSize:       defaultChunkSize,
			ParallelUploads: defaultParallelUploads,
			Retries:         defaultRetries,
			BandwidthLimit:  defaultBandwidthLimit,
			SkipCompleted:   defaultSkipCompleted,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{ConnectTimeout: defaultConnectTimeout},
		Watch: WatchConfig{
			SettleTime: defaultSettleTime,
			Extensions: append([]string(nil), defaultExtensions...),
		},
	}
}
