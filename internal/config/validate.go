package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Validation range constants.
const (
	minChunkBytes      = 64 * kibibyte
	maxChunkBytes      = 512 * mebibyte
	minParallelUploads = 1
	maxParallelUploads = 32
	maxRetries         = 20
	minConnectTimeout  = 1 * time.Second
	minSettleTime      = 100 * time.Millisecond
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns every error found, so
// users can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateEndpoint("server.endpoint", cfg.Server.Endpoint)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateDurationMin("network.connect_timeout", cfg.Network.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateWatch(&cfg.Watch)...)

	return errors.Join(errs...)
}

func validateEndpoint(field, endpoint string) []error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("%s: must be an http or https URL, got %q", field, endpoint)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("%s: missing host in %q", field, endpoint)}
	}

	return nil
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	errs = append(errs, validateChunkSize(u.ChunkSize)...)

	if u.ParallelUploads < minParallelUploads || u.ParallelUploads > maxParallelUploads {
		errs = append(errs, fmt.Errorf("upload.parallel_uploads: must be between %d and %d, got %d",
			minParallelUploads, maxParallelUploads, u.ParallelUploads))
	}

	if u.Retries < 0 || u.Retries > maxRetries {
		errs = append(errs, fmt.Errorf("upload.retries: must be between 0 and %d, got %d", maxRetries, u.Retries))
	}

	if _, err := ParseRate(u.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("upload.bandwidth_limit: %w", err))
	}

	return errs
}

func validateChunkSize(s string) []error {
	n, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("upload.chunk_size: %w", err)}
	}

	if n < minChunkBytes || n > maxChunkBytes {
		return []error{fmt.Errorf("upload.chunk_size: must be between 64KiB and 512MiB, got %q", s)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, strings.ToLower(l.LogLevel)) {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of %s, got %q",
			strings.Join(validLogLevels, ", "), l.LogLevel))
	}

	if !slices.Contains(validLogFormats, strings.ToLower(l.LogFormat)) {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of %s, got %q",
			strings.Join(validLogFormats, ", "), l.LogFormat))
	}

	return errs
}

func validateWatch(w *WatchConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("watch.settle_time", w.SettleTime, minSettleTime)...)

	for _, ext := range w.Extensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("watch.extensions: %q must start with a dot", ext))
		}
	}

	return errs
}

// validateDurationMin checks that a duration string parses and meets a
// minimum.
func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, d)}
	}

	return nil
}
