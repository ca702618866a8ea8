//go:build e2e

// Package e2e drives the built binary against a live upload server. Set
// RASHBERRY_E2E_ENDPOINT and RASHBERRY_E2E_TOKEN (or put them in .env at the
// module root) and run: go test -tags e2e ./e2e/
package e2e

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashberry/rashberry-cli/testutil"
)

var (
	binaryPath string
	endpoint   string
	token      string
)

func TestMain(m *testing.M) {
	root := testutil.FindModuleRoot(".")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))

	vals := testutil.RequireEnv(testutil.EnvE2EEndpoint, testutil.EnvE2EToken)
	endpoint, token = vals[0], vals[1]

	tmpDir, err := os.MkdirTemp("", "rashberry-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "rashberry")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// putOutput mirrors the `put --json` schema.
type putOutput struct {
	Path     string `json:"path"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	Uploaded int64  `json:"uploaded"`
	Resumed  bool   `json:"resumed"`
	Skipped  bool   `json:"skipped"`
	Error    string `json:"error"`
}

// isolatedEnv returns an environment with private config and data
// directories, so tests never touch the developer's ledger or token.
func isolatedEnv(t *testing.T, configBody string) []string {
	t.Helper()

	home := t.TempDir()
	cfgPath := filepath.Join(home, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(configBody), 0o600))

	return append(os.Environ(),
		"HOME="+home,
		"XDG_CONFIG_HOME="+filepath.Join(home, "config"),
		"XDG_DATA_HOME="+filepath.Join(home, "data"),
		"RASHBERRY_CONFIG="+cfgPath,
		"RASHBERRY_ENDPOINT="+endpoint,
		"RASHBERRY_TOKEN="+token,
	)
}

func runCLI(t *testing.T, env []string, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func randomFile(t *testing.T, name string, size int) string {
	t.Helper()

	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func putJSON(t *testing.T, env []string, args ...string) []putOutput {
	t.Helper()

	stdout, stderr, err := runCLI(t, env, append([]string{"--json", "put"}, args...)...)
	require.NoError(t, err, "stderr: %s", stderr)

	var out []putOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out), "stdout: %s", stdout)

	return out
}

func TestE2E_PutAndSkip(t *testing.T) {
	env := isolatedEnv(t, "")
	path := randomFile(t, "e2e.mp4", 3*1024*1024)

	first := putJSON(t, env, path)
	require.Len(t, first, 1)
	assert.True(t, strings.HasPrefix(first[0].Location, "http"))
	assert.Equal(t, int64(3*1024*1024), first[0].Uploaded)

	second := putJSON(t, env, path)
	require.Len(t, second, 1)
	assert.True(t, second[0].Skipped)
	assert.Equal(t, first[0].Location, second[0].Location)

	stdout, _, err := runCLI(t, env, "--json", "uploads")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"state": "completed"`)
}

func TestE2E_MultipleChunks(t *testing.T) {
	env := isolatedEnv(t, "[upload]\nchunk_size = \"1MiB\"\n")
	path := randomFile(t, "chunks.mov", 3*1024*1024+17)

	out := putJSON(t, env, path)
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Error)
	assert.Equal(t, out[0].Size, out[0].Uploaded)
}

func TestE2E_InterruptAndResume(t *testing.T) {
	env := isolatedEnv(t, `
[upload]
chunk_size = "64KiB"
bandwidth_limit = "128KiB/s"
`)
	path := randomFile(t, "interrupted.mp4", 2*1024*1024)

	cmd := exec.Command(binaryPath, "put", path)
	cmd.Env = env
	require.NoError(t, cmd.Start())

	time.Sleep(3 * time.Second)
	require.NoError(t, cmd.Process.Signal(syscall.SIGINT))

	err := cmd.Wait()
	require.Error(t, err, "interrupted put must exit non-zero")

	stdout, _, err := runCLI(t, env, "--json", "uploads")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"state": "uploading"`)

	// Second run without the bandwidth cap continues the same session.
	fast := rewriteConfig(t, env, "")
	out := putJSON(t, fast, path)
	require.Len(t, out, 1)
	assert.True(t, out[0].Resumed)
	assert.Equal(t, out[0].Size, out[0].Uploaded)
}

// rewriteConfig replaces the config file of an isolated env, keeping its
// data directories.
func rewriteConfig(t *testing.T, env []string, configBody string) []string {
	t.Helper()

	var cfgPath string

	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "RASHBERRY_CONFIG="); ok {
			cfgPath = v
		}
	}

	require.NotEmpty(t, cfgPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(configBody), 0o600))

	return env
}
