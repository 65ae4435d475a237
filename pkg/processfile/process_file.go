package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

const DefaultAppName = "artemis-keeper"

// ServiceContext selects the base directory family for runtime files.
type ServiceContext string

const (
	// SystemService keeps runtime files under /run (or ProgramData on Windows)
	SystemService ServiceContext = "system"

	// UserService keeps runtime files under the user's runtime directory
	UserService ServiceContext = "user"
)

// ProcessFileConfig holds configuration for runtime file path generation.
type ProcessFileConfig struct {
	// Base directory for PID files. If empty, uses OS-appropriate default
	BaseDirectory string

	// Service context - affects directory selection
	ServiceContext ServiceContext

	// Keeper name for subdirectory creation
	KeeperName string
}

// ProcessFileManager generates and manages PID file paths for supervised apps.
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.KeeperName == "" {
		config.KeeperName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// PIDFilePath returns the PID file path for the given app ID, under a
// per-keeper subdirectory so multiple keepers can coexist.
func (m *ProcessFileManager) PIDFilePath(appID string) string {
	return filepath.Join(m.baseDirectory(), m.config.KeeperName, appID+".pid")
}

// WritePIDFile records the PID of a freshly spawned app process.
func (m *ProcessFileManager) WritePIDFile(appID string, pid int) error {
	path := m.PIDFilePath(appID)
	m.logger.Debugf("Writing PID file, app: %s, pid: %d, path: %s", appID, pid, path)

	if err := ensureDirectory(filepath.Dir(path)); err != nil {
		m.logger.Errorf("PID file directory validation failed, app: %s, path: %s, error: %v", appID, path, err)
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", path)
	}

	content := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, app: %s, pid: %d, path: %s, error: %v", appID, pid, path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}

	m.logger.Infof("PID file written, app: %s, pid: %d, path: %s", appID, pid, path)
	return nil
}

// RemovePIDFile deletes the PID file after the app process has stopped.
// A missing file is not an error.
func (m *ProcessFileManager) RemovePIDFile(appID string) error {
	path := m.PIDFilePath(appID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	m.logger.Debugf("PID file removed, app: %s, path: %s", appID, path)
	return nil
}

// ReadAppPID reads the PID recorded for the given app ID.
func (m *ProcessFileManager) ReadAppPID(appID string) (int, error) {
	return ReadPIDFile(m.PIDFilePath(appID))
}

// baseDirectory returns the configured or OS-appropriate base directory.
func (m *ProcessFileManager) baseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}
	if m.config.ServiceContext == SystemService {
		return systemRuntimeDirectory()
	}
	return userRuntimeDirectory()
}

func systemRuntimeDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return programData
		}
		return "C:\\ProgramData"
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userRuntimeDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return "/tmp"
	}
}

// DefaultPIDFilePath returns the PID file path for an app under the default
// keeper configuration. Used by callers that have no manager at hand, such
// as the control CLI.
func DefaultPIDFilePath(appID string) string {
	manager := &ProcessFileManager{config: ProcessFileConfig{
		ServiceContext: UserService,
		KeeperName:     DefaultAppName,
	}}
	return manager.PIDFilePath(appID)
}

// WritePIDFileAt writes a PID to an explicit path, creating parent
// directories as needed.
func WritePIDFileAt(path string, pid int) error {
	if err := ensureDirectory(filepath.Dir(path)); err != nil {
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", path)
	}
	content := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path).WithContext("pid", pid)
	}
	return nil
}

// RemovePIDFileAt deletes a PID file; a missing file is not an error.
func RemovePIDFileAt(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

// ReadPIDFile reads and parses a PID from the given file.
func ReadPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", path).WithContext("content", pidStr)
	}
	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive", nil).WithContext("pid_file", path).WithContext("pid", pid)
	}

	return pid, nil
}

// ensureDirectory creates the directory if missing and verifies writability.
func ensureDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
		}
		return nil
	}
	if !info.IsDir() {
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewPermissionError("directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)
	return nil
}
