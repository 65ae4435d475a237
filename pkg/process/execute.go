package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

// ExecutionConfig describes how to spawn an app process. The command line is
// assembled as interpreter + interpreter_args + script + args; when
// Interpreter is empty the script itself is executed.
type ExecutionConfig struct {
	Interpreter      string        `yaml:"interpreter,omitempty"`
	InterpreterArgs  []string      `yaml:"interpreter_args,omitempty"`
	Script           string        `yaml:"script"`
	Args             []string      `yaml:"args,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	WaitDelay        time.Duration `yaml:"wait_delay,omitempty"`
}

// CommandLine returns the fully assembled argv for the configuration.
func (c ExecutionConfig) CommandLine() []string {
	if c.Interpreter == "" {
		return append([]string{c.Script}, c.Args...)
	}
	argv := []string{c.Interpreter}
	argv = append(argv, c.InterpreterArgs...)
	argv = append(argv, c.Script)
	argv = append(argv, c.Args...)
	return argv
}

// SpawnResult carries everything the caller needs to supervise a freshly
// started process.
type SpawnResult struct {
	Process *os.Process
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
}

type StdExecuteCmd func(ctx context.Context) (*SpawnResult, error)

// NewStdExecuteCmd creates the standard spawn command for an app. The child
// runs in its own process group so termination signals reach the whole tree,
// and stdout/stderr are piped separately for log redirection.
func NewStdExecuteCmd(execution ExecutionConfig, name string, logger logging.Logger) StdExecuteCmd {
	return func(ctx context.Context) (*SpawnResult, error) {
		if ctx == nil {
			logger.Errorf("Context cannot be nil, app: %s", name)
			return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("app", name)
		}

		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, app: %s, error: %v", name, err)
			return nil, errors.NewValidationError("invalid execution configuration", err).WithContext("app", name)
		}

		argv := execution.CommandLine()

		// A bare script (no interpreter) must itself be executable.
		if execution.Interpreter == "" {
			if err := ensureExecutable(execution.Script); err != nil {
				return nil, errors.NewPermissionError("failed to ensure script is executable", err).WithContext("app", name).WithContext("script", execution.Script)
			}
		}

		workDir := execution.WorkingDirectory
		if workDir == "" {
			workDir, _ = os.Getwd()
		}

		logger.Debugf("Spawning process, app: %s, argv: %v, working directory: '%s'", name, argv, workDir)

		env := os.Environ()
		env = append(env, execution.Environment...)

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = workDir
		cmd.Env = env

		// Platform-specific setup is handled in execute_unix.go / execute_windows.go
		setupProcessAttributes(cmd)

		// wait after sending the interrupt signal, before sending the kill signal
		cmd.WaitDelay = execution.WaitDelay

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, errors.NewProcessError("failed to create stdout pipe", err).WithContext("app", name)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, errors.NewProcessError("failed to create stderr pipe", err).WithContext("app", name)
		}

		if err := cmd.Start(); err != nil {
			return nil, errors.NewProcessError("failed to start the process", err).WithContext("app", name).WithContext("argv", argv)
		}

		logger.Infof("Process spawned, app: %s, PID: %d", name, cmd.Process.Pid)

		return &SpawnResult{
			Process: cmd.Process,
			Stdout:  stdout,
			Stderr:  stderr,
		}, nil
	}
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	// On Windows, extension decides executability
	if runtime.GOOS == "windows" {
		ext := filepath.Ext(path)
		if ext == ".exe" || ext == ".bat" || ext == ".cmd" {
			return nil
		}
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil // Already executable
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, mode|0111); err != nil {
			return errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
		}
	}

	return nil
}
