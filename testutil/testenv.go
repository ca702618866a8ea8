// Package testutil provides shared test environment helpers for E2E tests.
// It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// E2E environment variables.
const (
	EnvE2EEndpoint = "RASHBERRY_E2E_ENDPOINT"
	EnvE2EToken    = "RASHBERRY_E2E_TOKEN" //nolint:gosec // variable name, not a credential
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// RequireEnv returns the value of every named variable, exiting the process
// with a message naming the first one that is unset.
func RequireEnv(names ...string) []string {
	values := make([]string, len(names))

	for i, name := range names {
		values[i] = os.Getenv(name)
		if values[i] == "" {
			fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", name)
			fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
			os.Exit(1)
		}
	}

	return values
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
