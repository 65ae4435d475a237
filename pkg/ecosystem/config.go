package ecosystem

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/resourceusage"
)

// Duration wraps time.Duration with YAML support for the "2s" / "500ms"
// notation used throughout ecosystem files. Plain integers are seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RestartPolicy mirrors pm2's autorestart semantics.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// HealthCheckConfig is the ecosystem-file shape of a health probe; the
// keeper converts it to the runtime monitoring configuration.
type HealthCheckConfig struct {
	Type string `yaml:"type,omitempty"`

	URL     string            `yaml:"url,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	Address string `yaml:"address,omitempty"`
	Port    int    `yaml:"port,omitempty"`

	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	Interval         Duration `yaml:"interval,omitempty"`
	Timeout          Duration `yaml:"timeout,omitempty"`
	InitialDelay     Duration `yaml:"initial_delay,omitempty"`
	FailureThreshold int      `yaml:"failure_threshold,omitempty"`
}

// AppConfig describes one supervised app, the YAML equivalent of a pm2
// ecosystem entry.
type AppConfig struct {
	Name string `yaml:"name"`

	// Spawn
	Interpreter     string   `yaml:"interpreter,omitempty"`
	InterpreterArgs []string `yaml:"interpreter_args,omitempty"`
	Script          string   `yaml:"script"`
	Args            []string `yaml:"args,omitempty"`
	Cwd             string   `yaml:"cwd,omitempty"`

	// Environment
	Env     map[string]string            `yaml:"env,omitempty"`
	EnvFile string                       `yaml:"env_file,omitempty"`
	Envs    map[string]map[string]string `yaml:"envs,omitempty"`

	// Log redirection
	OutFile   string `yaml:"out_file,omitempty"`
	ErrorFile string `yaml:"error_file,omitempty"`

	// Restart behavior
	Autorestart  RestartPolicy `yaml:"autorestart,omitempty"`
	MaxRestarts  int           `yaml:"max_restarts,omitempty"`
	RestartDelay Duration      `yaml:"restart_delay,omitempty"`
	BackoffRate  float64       `yaml:"backoff_rate,omitempty"`
	MinUptime    Duration      `yaml:"min_uptime,omitempty"`
	KillTimeout  Duration      `yaml:"kill_timeout,omitempty"`

	// Resource limits
	MaxMemoryRestart string `yaml:"max_memory_restart,omitempty"`

	// Development watch mode
	Watch         bool     `yaml:"watch,omitempty"`
	WatchPaths    []string `yaml:"watch_paths,omitempty"`
	WatchIgnore   []string `yaml:"watch_ignore,omitempty"`
	WatchDebounce Duration `yaml:"watch_debounce,omitempty"`

	HealthCheck HealthCheckConfig `yaml:"health_check,omitempty"`

	PIDFile  string `yaml:"pid_file,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`

	// Parsed from MaxMemoryRestart during defaults
	MaxMemoryBytes uint64 `yaml:"-"`
}

// KeeperConfig holds keeper-wide settings.
type KeeperConfig struct {
	LogLevel             string   `yaml:"log_level,omitempty"`
	ForceShutdownTimeout Duration `yaml:"force_shutdown_timeout,omitempty"`
	PIDDirectory         string   `yaml:"pid_directory,omitempty"`
}

// EcosystemConfig is the root of an ecosystem file.
type EcosystemConfig struct {
	Keeper KeeperConfig `yaml:"keeper,omitempty"`
	Apps   []AppConfig  `yaml:"apps"`

	// Directory of the config file, for resolving relative paths
	baseDir string
}

// Load reads an ecosystem file, applies defaults and validates it.
func Load(path string) (*EcosystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read ecosystem file", err).WithContext("path", path)
	}

	var config EcosystemConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse ecosystem file", err).WithContext("path", path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewIOError("failed to resolve ecosystem file path", err).WithContext("path", path)
	}
	config.baseDir = filepath.Dir(absPath)

	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// BaseDir returns the directory of the loaded ecosystem file.
func (c *EcosystemConfig) BaseDir() string {
	return c.baseDir
}

// setDefaults fills unset fields and resolves relative paths against the
// config file directory.
func (c *EcosystemConfig) setDefaults() error {
	if c.Keeper.LogLevel == "" {
		c.Keeper.LogLevel = "info"
	}
	if c.Keeper.ForceShutdownTimeout == 0 {
		c.Keeper.ForceShutdownTimeout = Duration(30 * time.Second)
	}

	for i := range c.Apps {
		app := &c.Apps[i]

		if app.Autorestart == "" {
			app.Autorestart = RestartAlways
		}
		if app.MaxRestarts == 0 {
			app.MaxRestarts = 16
		}
		if app.RestartDelay == 0 {
			app.RestartDelay = Duration(time.Second)
		}
		if app.BackoffRate == 0 {
			app.BackoffRate = 1.5
		}
		if app.MinUptime == 0 {
			app.MinUptime = Duration(time.Second)
		}
		if app.KillTimeout == 0 {
			app.KillTimeout = Duration(20 * time.Second)
		}
		if app.Watch && len(app.WatchPaths) == 0 {
			app.WatchPaths = []string{"."}
		}
		if app.WatchDebounce == 0 {
			app.WatchDebounce = Duration(500 * time.Millisecond)
		}

		app.Cwd = c.resolvePath(app.Cwd)
		app.EnvFile = c.resolveAppPath(app, app.EnvFile)
		app.OutFile = c.resolveAppPath(app, app.OutFile)
		app.ErrorFile = c.resolveAppPath(app, app.ErrorFile)
		app.PIDFile = c.resolveAppPath(app, app.PIDFile)
		for j, watchPath := range app.WatchPaths {
			app.WatchPaths[j] = c.resolveAppPathIn(app.Cwd, watchPath)
		}

		if app.MaxMemoryRestart != "" {
			bytes, err := resourceusage.ParseMemorySize(app.MaxMemoryRestart)
			if err != nil {
				return errors.NewValidationError("invalid max_memory_restart", err).WithContext("app", app.Name).WithContext("value", app.MaxMemoryRestart)
			}
			app.MaxMemoryBytes = bytes
		}
	}

	return nil
}

// resolvePath resolves a path against the config file directory.
func (c *EcosystemConfig) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.baseDir, path)
}

// resolveAppPath resolves a path against the app cwd when set, otherwise
// against the config file directory.
func (c *EcosystemConfig) resolveAppPath(app *AppConfig, path string) string {
	return c.resolveAppPathIn(app.Cwd, path)
}

func (c *EcosystemConfig) resolveAppPathIn(cwd, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if cwd != "" {
		return filepath.Join(cwd, path)
	}
	return filepath.Join(c.baseDir, path)
}

// FindApp returns the app config with the given name, or nil.
func (c *EcosystemConfig) FindApp(name string) *AppConfig {
	for i := range c.Apps {
		if c.Apps[i].Name == name {
			return &c.Apps[i]
		}
	}
	return nil
}
