package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[server]
endpoint = "https://uploads.example.com/api/upload"

[upload]
chunk_size = "8MiB"
parallel_uploads = 2
retries = 5
bandwidth_limit = "2MB/s"
skip_completed = true

[logging]
log_level = "debug"
log_format = "json"

[network]
connect_timeout = "5s"
user_agent = "studio-uploader/2"

[watch]
settle_time = "500ms"
extensions = [".mp4", ".MOV"]
metrics_addr = "127.0.0.1:9464"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://uploads.example.com/api/upload", cfg.Server.Endpoint)
	assert.Equal(t, "8MiB", cfg.Upload.ChunkSize)
	assert.Equal(t, 2, cfg.Upload.ParallelUploads)
	assert.Equal(t, 5, cfg.Upload.Retries)
	assert.True(t, cfg.Upload.SkipCompleted)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, "studio-uploader/2", cfg.Network.UserAgent)
	assert.Equal(t, []string{".mp4", ".MOV"}, cfg.Watch.Extensions)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, "[upload]\nretries = 0\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Upload.Retries)
	assert.Equal(t, defaultChunkSize, cfg.Upload.ChunkSize)
	assert.Equal(t, defaultEndpoint, cfg.Server.Endpoint)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "[upload\nchunk_size = ")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationErrorsAccumulate(t *testing.T) {
	path := writeTestConfig(t, `
[server]
endpoint = "ftp://example.com"

[upload]
chunk_size = "1KB"
parallel_uploads = 0

[logging]
log_level = "loud"
`)

	_, err := Load(path)
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "server.endpoint")
	assert.Contains(t, msg, "upload.chunk_size")
	assert.Contains(t, msg, "upload.parallel_uploads")
	assert.Contains(t, msg, "logging.log_level")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	r, err := Resolve(EnvOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml")}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3001/api/upload", r.Endpoint)
	assert.Equal(t, int64(5*mebibyte), r.ChunkSize)
	assert.Equal(t, defaultParallelUploads, r.ParallelUploads)
	assert.Equal(t, int64(0), r.BandwidthLimit)
	assert.True(t, r.SkipCompleted)
	assert.Equal(t, 10*time.Second, r.ConnectTimeout)
	assert.Equal(t, 2*time.Second, r.SettleTime)
	assert.Equal(t, "info", r.LogLevel)
	assert.NotEmpty(t, r.TokenPath)
	assert.NotEmpty(t, r.LedgerPath)
}

func TestResolve_Precedence(t *testing.T) {
	path := writeTestConfig(t, `
[server]
endpoint = "http://file.example.com/api/upload"

[upload]
chunk_size = "10MiB"
parallel_uploads = 2
`)

	env := EnvOverrides{ConfigPath: path, Endpoint: "http://env.example.com/api/upload", Token: "env-token"}

	r, err := Resolve(env, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "http://env.example.com/api/upload", r.Endpoint, "env beats file")
	assert.Equal(t, int64(10*mebibyte), r.ChunkSize)
	assert.Equal(t, "env-token", r.Token)
	assert.Equal(t, path, r.ConfigPath)

	endpoint := "http://flag.example.com/api/upload"
	chunk := "1MiB"
	parallel := 6

	r, err = Resolve(env, CLIOverrides{Endpoint: &endpoint, ChunkSize: &chunk, Parallel: &parallel})
	require.NoError(t, err)
	assert.Equal(t, endpoint, r.Endpoint, "flag beats env")
	assert.Equal(t, int64(mebibyte), r.ChunkSize)
	assert.Equal(t, 6, r.ParallelUploads)
}

func TestResolve_CLIConfigPathWins(t *testing.T) {
	envPath := writeTestConfig(t, "[upload]\nretries = 1\n")
	cliPath := writeTestConfig(t, "[upload]\nretries = 7\n")

	r, err := Resolve(EnvOverrides{ConfigPath: envPath}, CLIOverrides{ConfigPath: cliPath})
	require.NoError(t, err)
	assert.Equal(t, 7, r.Retries)
}

func TestResolve_InvalidOverride(t *testing.T) {
	bad := "not a url"

	_, err := Resolve(EnvOverrides{ConfigPath: filepath.Join(t.TempDir(), "none.toml")},
		CLIOverrides{Endpoint: &bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.endpoint")
}

func TestResolve_NormalizesExtensions(t *testing.T) {
	path := writeTestConfig(t, "[watch]\nextensions = [\".MP4\"]\n")

	r, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, []string{".mp4"}, r.Extensions)
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/tmp/custom.toml")
	t.Setenv(EnvEndpoint, "http://env/api/upload")
	t.Setenv(EnvToken, "tok")

	env := ReadEnvOverrides()
	assert.Equal(t, "/tmp/custom.toml", env.ConfigPath)
	assert.Equal(t, "http://env/api/upload", env.Endpoint)
	assert.Equal(t, "tok", env.Token)
}
