package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestIsIgnored(t *testing.T) {
	patterns := []string{".venv", "__pycache__", "logs", "*.log"}

	tests := []struct {
		path    string
		ignored bool
	}{
		{path: "/opt/artemis/bot.py", ignored: false},
		{path: "/opt/artemis/.venv/lib/python3.11/site.py", ignored: true},
		{path: "/opt/artemis/artemis/__pycache__/bot.cpython-311.pyc", ignored: true},
		{path: "/opt/artemis/logs/artemis.log", ignored: true},
		{path: "/opt/artemis/artemis.log", ignored: true},
		{path: "/opt/artemis/artemis/handlers.py", ignored: false},
		{path: "relative/path/file.py", ignored: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignored, IsIgnored(tt.path, patterns))
		})
	}

	assert.False(t, IsIgnored("/opt/artemis/bot.py", nil))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "bot.py", summarize([]string{"bot.py"}))
	assert.Equal(t, "bot.py, handlers.py", summarize([]string{"bot.py", "handlers.py", "bot.py"}))
	assert.Equal(t, "a, b, c, d, e, ...",
		summarize([]string{"a", "b", "c", "d", "e", "f", "g"}))
}

func TestNewRequiresPaths(t *testing.T) {
	_, err := New(Config{}, "artemis", func(string) {}, newTestLogger())
	assert.Error(t, err)
}

func TestStartFailsWithoutWatchableDirectories(t *testing.T) {
	w, err := New(Config{
		Paths: []string{filepath.Join(t.TempDir(), "missing")},
	}, "artemis", func(string) {}, newTestLogger())
	require.NoError(t, err)

	assert.Error(t, w.Start())
}

func TestWatcherDebouncesChanges(t *testing.T) {
	dir := t.TempDir()

	changes := make(chan string, 10)
	w, err := New(Config{
		Paths:    []string{dir},
		Ignore:   []string{"*.log"},
		Debounce: 50 * time.Millisecond,
	}, "artemis", func(reason string) {
		changes <- reason
	}, newTestLogger())
	require.NoError(t, err)

	require.NoError(t, w.Start())
	defer w.Stop()

	// A burst of writes collapses into one notification
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bot.py"), []byte("change"), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case reason := <-changes:
		assert.Contains(t, reason, "bot.py")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a change notification")
	}

	// The burst produced exactly one notification
	select {
	case <-changes:
		t.Fatal("unexpected second notification")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherIgnoresFilteredFiles(t *testing.T) {
	dir := t.TempDir()

	changes := make(chan string, 10)
	w, err := New(Config{
		Paths:    []string{dir},
		Ignore:   []string{"*.log"},
		Debounce: 50 * time.Millisecond,
	}, "artemis", func(reason string) {
		changes <- reason
	}, newTestLogger())
	require.NoError(t, err)

	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "artemis.log"), []byte("line"), 0644))

	select {
	case reason := <-changes:
		t.Fatalf("log file change should be ignored, got: %s", reason)
	case <-time.After(300 * time.Millisecond):
	}
}
