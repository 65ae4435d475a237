package logredirect

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

// DefaultTimestampFormat matches the prefix written in front of every
// captured line.
const DefaultTimestampFormat = "2006-01-02 15:04:05 -0700"

// Config describes where an app's output streams go. Empty paths fall
// through to the keeper's own stdout/stderr.
type Config struct {
	OutFile   string `yaml:"out_file,omitempty"`
	ErrorFile string `yaml:"error_file,omitempty"`

	// Timestamp layout for line prefixes; empty disables prefixing
	TimestampFormat string `yaml:"timestamp_format,omitempty"`
}

// Stats counts captured output since the redirector started.
type Stats struct {
	StdoutLines int64
	StderrLines int64
	Bytes       int64
}

// Redirector captures an app's stdout/stderr pipes into log files. Collect
// may be called once per spawn; the files stay open across respawns until
// Close.
type Redirector struct {
	config Config
	id     string
	logger logging.Logger

	mutex   sync.Mutex
	out     zapcore.WriteSyncer
	errOut  zapcore.WriteSyncer
	closers []io.Closer
	opened  bool

	stdoutLines int64
	stderrLines int64
	bytes       int64

	wg sync.WaitGroup
}

func NewRedirector(config Config, id string, logger logging.Logger) *Redirector {
	return &Redirector{
		config: config,
		id:     id,
		logger: logger,
	}
}

// Open prepares the output sinks. Files are opened in append mode so
// restarts continue existing logs.
func (r *Redirector) Open() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.opened {
		return nil
	}

	out, outCloser, err := r.openSink(r.config.OutFile, os.Stdout)
	if err != nil {
		return errors.NewIOError("failed to open out file", err).WithContext("app", r.id).WithContext("out_file", r.config.OutFile)
	}

	var errSink zapcore.WriteSyncer
	var errCloser io.Closer
	if r.config.ErrorFile == r.config.OutFile && r.config.OutFile != "" {
		// Shared file, one handle so interleaved writes stay ordered
		errSink = out
	} else {
		errSink, errCloser, err = r.openSink(r.config.ErrorFile, os.Stderr)
		if err != nil {
			if outCloser != nil {
				outCloser.Close()
			}
			return errors.NewIOError("failed to open error file", err).WithContext("app", r.id).WithContext("error_file", r.config.ErrorFile)
		}
	}

	r.out = out
	r.errOut = errSink
	r.closers = nil
	if outCloser != nil {
		r.closers = append(r.closers, outCloser)
	}
	if errCloser != nil {
		r.closers = append(r.closers, errCloser)
	}
	r.opened = true

	r.logger.Debugf("Log redirection ready, app: %s, out: '%s', error: '%s'", r.id, r.config.OutFile, r.config.ErrorFile)
	return nil
}

func (r *Redirector) openSink(path string, fallback *os.File) (zapcore.WriteSyncer, io.Closer, error) {
	if path == "" {
		return zapcore.Lock(zapcore.AddSync(fallback)), nil, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return zapcore.Lock(zapcore.AddSync(file)), file, nil
}

// Collect starts draining the given pipes into the sinks. It returns
// immediately; the drain goroutines end when the pipes hit EOF on process
// exit.
func (r *Redirector) Collect(stdout, stderr io.Reader) error {
	r.mutex.Lock()
	if !r.opened {
		r.mutex.Unlock()
		return errors.NewInternalError("redirector is not open", nil).WithContext("app", r.id)
	}
	out, errOut := r.out, r.errOut
	r.mutex.Unlock()

	if stdout != nil {
		r.wg.Add(1)
		go r.drain(stdout, out, &r.stdoutLines)
	}
	if stderr != nil {
		r.wg.Add(1)
		go r.drain(stderr, errOut, &r.stderrLines)
	}
	return nil
}

func (r *Redirector) drain(stream io.Reader, sink zapcore.WriteSyncer, lineCounter *int64) {
	defer r.wg.Done()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	format := r.config.TimestampFormat

	for scanner.Scan() {
		line := scanner.Text()
		var entry string
		if format != "" {
			entry = time.Now().Format(format) + " " + line + "\n"
		} else {
			entry = line + "\n"
		}
		n, err := sink.Write([]byte(entry))
		if err != nil {
			r.logger.Warnf("Log write failed, app: %s, error: %v", r.id, err)
			continue
		}
		atomic.AddInt64(lineCounter, 1)
		atomic.AddInt64(&r.bytes, int64(n))
	}

	if err := scanner.Err(); err != nil {
		// Pipes error with os.ErrClosed when the child is killed
		r.logger.Debugf("Log stream ended, app: %s, error: %v", r.id, err)
	}

	// Spawn pipes are closers; release the descriptor once drained.
	if closer, ok := stream.(io.Closer); ok {
		closer.Close()
	}
}

// Wait blocks until the drain goroutines from the last Collect finish.
func (r *Redirector) Wait() {
	r.wg.Wait()
}

func (r *Redirector) Stats() Stats {
	return Stats{
		StdoutLines: atomic.LoadInt64(&r.stdoutLines),
		StderrLines: atomic.LoadInt64(&r.stderrLines),
		Bytes:       atomic.LoadInt64(&r.bytes),
	}
}

// Close waits for the drains, syncs and closes the file sinks.
func (r *Redirector) Close() error {
	r.wg.Wait()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.opened {
		return nil
	}

	collection := errors.NewErrorCollection()
	if r.out != nil {
		if err := r.out.Sync(); err != nil {
			// Sync on stdout/stderr fails on some platforms, ignore
			r.logger.Debugf("Log sink sync, app: %s, error: %v", r.id, err)
		}
	}
	for _, closer := range r.closers {
		if err := closer.Close(); err != nil {
			collection.Add(errors.NewIOError("failed to close log sink", err).WithContext("app", r.id))
		}
	}

	r.out = nil
	r.errOut = nil
	r.closers = nil
	r.opened = false

	return collection.ToError()
}
