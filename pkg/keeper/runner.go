package keeper

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/artemis-ops/artemis-keeper/pkg/apps"
	"github.com/artemis-ops/artemis-keeper/pkg/ecosystem"
	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
	"github.com/artemis-ops/artemis-keeper/pkg/processfile"
	"github.com/artemis-ops/artemis-keeper/pkg/watcher"
)

// RunOptions configures a foreground keeper run.
type RunOptions struct {
	// Ecosystem file path
	ConfigFile string

	// Environment profile applied to every app, e.g. "production"
	Profile string

	// Force watch mode on all apps regardless of their watch setting
	Watch bool

	// Exit after this many seconds; 0 runs until a signal arrives
	RunDuration int
}

// Run loads an ecosystem file and supervises its apps in the foreground
// until a termination signal or the optional run duration.
func Run(options RunOptions, logger logging.Logger) error {
	logger.Infof("Keeper runner starting...")

	ctx := context.Background()
	var cancel context.CancelFunc
	if options.RunDuration > 0 {
		duration := time.Duration(options.RunDuration) * time.Second
		logger.Infof("Using run duration of %v", duration)
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using ecosystem file: %s", options.ConfigFile)
	if options.Profile != "" {
		logger.Infof("Using environment profile: %s", options.Profile)
	}

	config, err := ecosystem.Load(options.ConfigFile)
	if err != nil {
		return errors.NewValidationError("failed to load ecosystem file", err).WithContext("config_file", options.ConfigFile)
	}

	pidManager := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: config.Keeper.PIDDirectory,
	}, logger)

	k := NewKeeper(logger)

	created := make([]apps.App, 0, len(config.Apps))
	for i := range config.Apps {
		appConfig := &config.Apps[i]
		if appConfig.Disabled {
			logger.Infof("Skipping disabled app: %s", appConfig.Name)
			continue
		}

		app, err := apps.NewManagedApp(appConfig, options.Profile, pidManager, logger)
		if err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("failed to create app: %s", appConfig.Name), err).WithContext("app", appConfig.Name)
		}
		if err := k.AddApp(app); err != nil {
			return err
		}
		created = append(created, app)
	}

	logger.Infof("Registered %d apps", len(created))

	if err := k.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, app := range created {
			if err := k.StartApp(ctx, app.ID()); err != nil {
				logger.Errorf("Failed to start app %s: %v", app.ID(), err)
				continue
			}
		}
		logger.Infof("All apps started, keeper is fully operational")
	}()

	watchers, err := startWatchers(k, created, options.Watch, logger)
	if err != nil {
		logger.Errorf("Watch mode setup failed: %v", err)
	}
	defer func() {
		for _, w := range watchers {
			w.Stop()
		}
	}()

	select {
	case receivedSignal := <-sig:
		logger.Infof("Keeper runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Keeper runner run duration elapsed")
	}

	// Wait for the start phase before shutting down
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Keeper.ForceShutdownTimeout.Std())
	defer shutdownCancel()

	if err := k.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Shutdown finished with errors: %v", err)
		return err
	}

	logger.Infof("Keeper runner stopped")
	return nil
}

// startWatchers creates file watchers for apps with watch mode enabled.
// File changes are delivered as forced restarts: an intentional reload must
// not be throttled by the restart breaker.
func startWatchers(k *Keeper, created []apps.App, watchAll bool, logger logging.Logger) ([]*watcher.Watcher, error) {
	var watchers []*watcher.Watcher
	collection := errors.NewErrorCollection()

	for _, app := range created {
		config := app.Config()
		if !watchAll && !config.Watch {
			continue
		}

		paths := config.WatchPaths
		if len(paths) == 0 {
			if config.Cwd != "" {
				paths = []string{config.Cwd}
			} else {
				logger.Warnf("Watch enabled but no paths for app: %s", app.ID())
				continue
			}
		}

		id := app.ID()
		w, err := watcher.New(watcher.Config{
			Paths:    paths,
			Ignore:   config.WatchIgnore,
			Debounce: config.WatchDebounce.Std(),
		}, id, func(reason string) {
			logger.Infof("Reloading app after file change, id: %s, changed: %s", id, reason)
			if err := k.RestartApp(context.Background(), id, true); err != nil {
				logger.Errorf("File-change restart failed, id: %s, error: %v", id, err)
			}
		}, logger)
		if err != nil {
			collection.Add(err)
			continue
		}
		if err := w.Start(); err != nil {
			collection.Add(err)
			continue
		}
		watchers = append(watchers, w)
	}

	return watchers, collection.ToError()
}

// ValidateConfigFile loads and validates an ecosystem file without running
// it. Used by the control CLI and CI pipelines.
func ValidateConfigFile(configFile string) (*ecosystem.EcosystemConfig, error) {
	config, err := ecosystem.Load(configFile)
	if err != nil {
		return nil, err
	}
	return config, nil
}
