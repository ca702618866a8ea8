package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "RASHBERRY_CONFIG"
	EnvEndpoint = "RASHBERRY_ENDPOINT"
	EnvToken    = "RASHBERRY_TOKEN" //nolint:gosec // variable name, not a credential
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string
	Endpoint   string
	Token      string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Endpoint:   os.Getenv(EnvEndpoint),
		Token:      os.Getenv(EnvToken),
	}
}
