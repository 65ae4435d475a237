package processfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

func newTestLogger() logging.Logger {
	nop := func(format string, args ...interface{}) {}
	return logging.NewLogger("", logging.LogFuncs{
		Debugf: nop,
		Infof:  nop,
		Warnf:  nop,
		Errorf: nop,
	})
}

func TestPIDFilePath(t *testing.T) {
	tests := []struct {
		name     string
		config   ProcessFileConfig
		appID    string
		expected string
	}{
		{
			name: "explicit base directory",
			config: ProcessFileConfig{
				BaseDirectory: "/var/run",
				KeeperName:    "artemis-keeper",
			},
			appID:    "artemis",
			expected: filepath.Join("/var/run", "artemis-keeper", "artemis.pid"),
		},
		{
			name: "default keeper name",
			config: ProcessFileConfig{
				BaseDirectory: "/tmp",
			},
			appID:    "artemis",
			expected: filepath.Join("/tmp", DefaultAppName, "artemis.pid"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewProcessFileManager(tt.config, newTestLogger())
			assert.Equal(t, tt.expected, manager.PIDFilePath(tt.appID))
		})
	}
}

func TestWriteReadRemovePIDFile(t *testing.T) {
	manager := NewProcessFileManager(ProcessFileConfig{
		BaseDirectory: t.TempDir(),
		KeeperName:    "keeper-test",
	}, newTestLogger())

	err := manager.WritePIDFile("artemis", 12345)
	require.NoError(t, err)

	pid, err := manager.ReadAppPID("artemis")
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)

	err = manager.RemovePIDFile("artemis")
	require.NoError(t, err)

	_, err = manager.ReadAppPID("artemis")
	assert.Error(t, err)

	// Removing again is not an error
	err = manager.RemovePIDFile("artemis")
	assert.NoError(t, err)
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()

	writeFile := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	tests := []struct {
		name        string
		path        string
		expectedPID int
		expectError bool
		errorType   func(error) bool
	}{
		{
			name:        "valid PID with newline",
			path:        writeFile("valid.pid", "4321\n"),
			expectedPID: 4321,
		},
		{
			name:        "valid PID with whitespace",
			path:        writeFile("spaces.pid", "  99  \n"),
			expectedPID: 99,
		},
		{
			name:        "missing file",
			path:        filepath.Join(dir, "missing.pid"),
			expectError: true,
			errorType:   errors.IsIOError,
		},
		{
			name:        "garbage content",
			path:        writeFile("garbage.pid", "not-a-pid\n"),
			expectError: true,
			errorType:   errors.IsValidationError,
		},
		{
			name:        "negative PID",
			path:        writeFile("negative.pid", "-5\n"),
			expectError: true,
			errorType:   errors.IsValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, err := ReadPIDFile(tt.path)
			if tt.expectError {
				require.Error(t, err)
				if tt.errorType != nil {
					assert.True(t, tt.errorType(err))
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedPID, pid)
		})
	}
}
