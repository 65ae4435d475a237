package resourceusage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		expected    uint64
		expectError bool
	}{
		{name: "empty means no limit", value: "", expected: 0},
		{name: "plain bytes", value: "1048576", expected: 1 << 20},
		{name: "bytes with unit", value: "512B", expected: 512},
		{name: "kilobytes", value: "64KB", expected: 64 << 10},
		{name: "megabytes", value: "512MB", expected: 512 << 20},
		{name: "gigabytes", value: "2GB", expected: 2 << 30},
		{name: "short unit", value: "512M", expected: 512 << 20},
		{name: "lowercase unit", value: "512mb", expected: 512 << 20},
		{name: "fractional", value: "1.5GB", expected: 3 << 29},
		{name: "surrounding whitespace", value: "  512MB  ", expected: 512 << 20},
		{name: "unknown unit", value: "512XB", expectError: true},
		{name: "no number", value: "MB", expectError: true},
		{name: "garbage", value: "lots", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseMemorySize(tt.value)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	assert.Equal(t, "0", FormatMemorySize(0))
	assert.Equal(t, "512B", FormatMemorySize(512))
	assert.Equal(t, "64KB", FormatMemorySize(64<<10))
	assert.Equal(t, "512MB", FormatMemorySize(512<<20))
	assert.Equal(t, "2GB", FormatMemorySize(2<<30))
	assert.Equal(t, "1025B", FormatMemorySize(1025))
}
