package logredirect

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

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

func TestRedirectorWritesTimestampedLines(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "artemis-out.log")
	errFile := filepath.Join(dir, "artemis-error.log")

	r := NewRedirector(Config{
		OutFile:         outFile,
		ErrorFile:       errFile,
		TimestampFormat: DefaultTimestampFormat,
	}, "artemis", newTestLogger())

	require.NoError(t, r.Open())

	stdout := strings.NewReader("starting up\nready\n")
	stderr := strings.NewReader("something failed\n")
	require.NoError(t, r.Collect(stdout, stderr))
	r.Wait()
	require.NoError(t, r.Close())

	outContent, err := os.ReadFile(outFile)
	require.NoError(t, err)
	errContent, err := os.ReadFile(errFile)
	require.NoError(t, err)

	prefixed := regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} [+-]\d{4} `)

	outLines := strings.Split(strings.TrimRight(string(outContent), "\n"), "\n")
	require.Len(t, outLines, 2)
	assert.Regexp(t, prefixed, outLines[0])
	assert.True(t, strings.HasSuffix(outLines[0], "starting up"))
	assert.True(t, strings.HasSuffix(outLines[1], "ready"))

	errLines := strings.Split(strings.TrimRight(string(errContent), "\n"), "\n")
	require.Len(t, errLines, 1)
	assert.Regexp(t, prefixed, errLines[0])
	assert.True(t, strings.HasSuffix(errLines[0], "something failed"))

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.StdoutLines)
	assert.Equal(t, int64(1), stats.StderrLines)
	assert.Positive(t, stats.Bytes)
}

func TestRedirectorSharedFile(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "artemis.log")

	r := NewRedirector(Config{
		OutFile:   shared,
		ErrorFile: shared,
	}, "artemis", newTestLogger())

	require.NoError(t, r.Open())
	require.NoError(t, r.Collect(strings.NewReader("out line\n"), strings.NewReader("err line\n")))
	r.Wait()
	require.NoError(t, r.Close())

	content, err := os.ReadFile(shared)
	require.NoError(t, err)
	assert.Contains(t, string(content), "out line")
	assert.Contains(t, string(content), "err line")
}

func TestRedirectorAppendsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out.log")

	r := NewRedirector(Config{OutFile: outFile}, "artemis", newTestLogger())
	require.NoError(t, r.Open())
	require.NoError(t, r.Collect(strings.NewReader("first run\n"), nil))
	r.Wait()

	// Second spawn reuses the open redirector
	require.NoError(t, r.Collect(strings.NewReader("second run\n"), nil))
	r.Wait()
	require.NoError(t, r.Close())

	// A fresh redirector appends instead of truncating
	r2 := NewRedirector(Config{OutFile: outFile}, "artemis", newTestLogger())
	require.NoError(t, r2.Open())
	require.NoError(t, r2.Collect(strings.NewReader("after keeper restart\n"), nil))
	r2.Wait()
	require.NoError(t, r2.Close())

	content, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "first run\nsecond run\nafter keeper restart\n", string(content))
}

func TestRedirectorCollectBeforeOpen(t *testing.T) {
	r := NewRedirector(Config{}, "artemis", newTestLogger())
	err := r.Collect(strings.NewReader("line\n"), nil)
	assert.Error(t, err)
}

type closeTrackingReader struct {
	io.Reader
	closed bool
}

func (r *closeTrackingReader) Close() error {
	r.closed = true
	return nil
}

func TestRedirectorClosesStreamsWhenDrained(t *testing.T) {
	dir := t.TempDir()

	r := NewRedirector(Config{OutFile: filepath.Join(dir, "out.log")}, "artemis", newTestLogger())
	require.NoError(t, r.Open())

	// Spawn pipes are ReadClosers; their descriptors must not linger
	// across respawns once the stream is drained.
	stdout := &closeTrackingReader{Reader: strings.NewReader("line\n")}
	stderr := &closeTrackingReader{Reader: strings.NewReader("")}
	require.NoError(t, r.Collect(stdout, stderr))
	r.Wait()

	assert.True(t, stdout.closed)
	assert.True(t, stderr.closed)
	require.NoError(t, r.Close())
}
