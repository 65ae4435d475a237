package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/artemis-ops/artemis-keeper/pkg/keeper"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

type flagOptions struct {
	ConfigFile  string `long:"config" description:"path to the ecosystem file" default:"ecosystem.yaml"`
	Profile     string `long:"env" description:"environment profile to apply (e.g. production)"`
	Watch       bool   `long:"watch" description:"restart apps on file changes (development mode)"`
	RunDuration int    `long:"run-duration" description:"exit after this many seconds (0 = run until signal)"`
	LogLevel    string `long:"log-level" description:"keeper log level (debug, info, warn, error)"`
	LogFormat   string `long:"log-format" description:"keeper log format (console, json)" default:"console"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	if opts.LogLevel != "" {
		zapConfig.Level = opts.LogLevel
	}
	zapConfig.Format = opts.LogFormat

	baseLogger, sync, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer sync()

	logger := logging.NewLogger("keeper: ", logging.LogFuncs{
		Debugf: baseLogger.Debugf,
		Infof:  baseLogger.Infof,
		Warnf:  baseLogger.Warnf,
		Errorf: baseLogger.Errorf,
	})

	logger.Infof("opts: %+v", opts)

	err = keeper.Run(keeper.RunOptions{
		ConfigFile:  opts.ConfigFile,
		Profile:     opts.Profile,
		Watch:       opts.Watch,
		RunDuration: opts.RunDuration,
	}, logger)
	if err != nil {
		logger.Errorf("Keeper failed: %v", err)
		os.Exit(1)
	}
}
