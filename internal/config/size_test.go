package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize_ValidInputs(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"0", 0},
		{"", 0},
		{"1024", 1024},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"5MiB", 5_242_880},
		{"10MB", 10_000_000},
		{"1.5 MiB", 1_572_864},
		{"1GiB", 1_073_741_824},
		{"100B", 100},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestParseSize_InvalidInputs(t *testing.T) {
	for _, input := range []string{"abc", "MB", "-1", "-2MiB"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseSize(input)
			assert.Error(t, err)
		})
	}
}

func TestParseRate(t *testing.T) {
	n, err := ParseRate("2MB/s")
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), n)

	n, err = ParseRate("512KiB")
	require.NoError(t, err)
	assert.Equal(t, int64(524_288), n)

	n, err = ParseRate("0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = ParseRate("fast/s")
	assert.Error(t, err)
}
