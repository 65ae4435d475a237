package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
)

// ValidateExecutionConfig checks an execution configuration before spawn.
func ValidateExecutionConfig(config ExecutionConfig) error {
	collection := errors.NewErrorCollection()

	if strings.TrimSpace(config.Script) == "" {
		collection.Add(errors.NewValidationError("script cannot be empty", nil))
	}

	if config.Interpreter != "" {
		if err := validateCommand(config.Interpreter); err != nil {
			collection.Add(errors.NewValidationError("interpreter is not executable", err).WithContext("interpreter", config.Interpreter))
		}
	} else if config.Script != "" {
		// Without an interpreter the script must exist on disk; with one it
		// may be a module path resolved by the interpreter itself.
		if _, err := os.Stat(config.Script); err != nil {
			collection.Add(errors.NewValidationError("script does not exist", err).WithContext("script", config.Script))
		}
	}

	if config.WorkingDirectory != "" {
		info, err := os.Stat(config.WorkingDirectory)
		if err != nil {
			collection.Add(errors.NewValidationError("working directory does not exist", err).WithContext("working_directory", config.WorkingDirectory))
		} else if !info.IsDir() {
			collection.Add(errors.NewValidationError("working directory is not a directory", nil).WithContext("working_directory", config.WorkingDirectory))
		}
	}

	if config.WaitDelay < 0 {
		collection.Add(errors.NewValidationError("wait delay cannot be negative", nil))
	}

	return collection.ToError()
}

// validateCommand resolves a command the way exec.Command would: through PATH
// when bare, directly when it contains a path separator.
func validateCommand(command string) error {
	if strings.ContainsRune(command, os.PathSeparator) || strings.HasPrefix(command, ".") {
		abs, err := filepath.Abs(command)
		if err != nil {
			return err
		}
		_, err = os.Stat(abs)
		return err
	}
	_, err := exec.LookPath(command)
	return err
}
