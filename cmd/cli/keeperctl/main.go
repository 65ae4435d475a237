package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/shirou/gopsutil/process"

	"github.com/artemis-ops/artemis-keeper/pkg/ecosystem"
	"github.com/artemis-ops/artemis-keeper/pkg/keeper"
	keeperProcess "github.com/artemis-ops/artemis-keeper/pkg/process"
	"github.com/artemis-ops/artemis-keeper/pkg/processfile"
	"github.com/artemis-ops/artemis-keeper/pkg/processstate"
	"github.com/artemis-ops/artemis-keeper/pkg/resourceusage"
)

type flagOptions struct {
	ConfigFile string `long:"config" description:"path to the ecosystem file" default:"ecosystem.yaml"`
	Validate   bool   `long:"validate" description:"validate the ecosystem file and exit"`
	Status     bool   `long:"status" description:"report app process status from PID files"`
	Stop       bool   `long:"stop" description:"signal an app process to stop"`
	App        string `long:"app" description:"app name for --status/--stop (default: all apps for --status)"`
	Signal     string `long:"signal" description:"signal to send with --stop (term, kill)" default:"term"`
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := keeper.ValidateConfigFile(opts.ConfigFile)
	if err != nil {
		fmt.Printf("Ecosystem file is invalid: %v\n", err)
		os.Exit(1)
	}

	switch {
	case opts.Validate:
		fmt.Printf("Ecosystem file is valid: %s (%d apps)\n", opts.ConfigFile, len(config.Apps))
		for i := range config.Apps {
			app := &config.Apps[i]
			state := "enabled"
			if app.Disabled {
				state = "disabled"
			}
			fmt.Printf("  %-20s %s %s (%s)\n", app.Name, app.Interpreter, app.Script, state)
		}

	case opts.Status:
		if err := reportStatus(config, opts.App); err != nil {
			fmt.Printf("Status failed: %v\n", err)
			os.Exit(1)
		}

	case opts.Stop:
		if opts.App == "" {
			fmt.Println("--stop requires --app")
			os.Exit(1)
		}
		if err := stopApp(config, opts.App, opts.Signal); err != nil {
			fmt.Printf("Stop failed: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Println("One of --validate, --status or --stop is required")
		os.Exit(1)
	}
}

func pidFilePath(app *ecosystem.AppConfig) string {
	if app.PIDFile != "" {
		return app.PIDFile
	}
	return processfile.DefaultPIDFilePath(app.Name)
}

func reportStatus(config *ecosystem.EcosystemConfig, only string) error {
	fmt.Printf("%-20s %-10s %-8s %-12s %-10s %s\n", "APP", "STATUS", "PID", "UPTIME", "MEMORY", "CPU")

	for i := range config.Apps {
		app := &config.Apps[i]
		if only != "" && app.Name != only {
			continue
		}

		pid, err := processfile.ReadPIDFile(pidFilePath(app))
		if err != nil {
			fmt.Printf("%-20s %-10s %-8s %-12s %-10s %s\n", app.Name, "stopped", "-", "-", "-", "-")
			continue
		}

		running, _ := processstate.IsProcessRunning(pid)
		if !running {
			fmt.Printf("%-20s %-10s %-8d %-12s %-10s %s\n", app.Name, "stale", pid, "-", "-", "-")
			continue
		}

		uptime, rss, cpu := probeProcess(pid)
		fmt.Printf("%-20s %-10s %-8d %-12s %-10s %.1f%%\n",
			app.Name, "running", pid, uptime, resourceusage.FormatMemorySize(rss), cpu)
	}

	if only != "" && config.FindApp(only) == nil {
		return fmt.Errorf("unknown app: %s", only)
	}
	return nil
}

// probeProcess samples uptime, resident memory and CPU for a live PID.
// Missing values degrade to zeros rather than failing the report.
func probeProcess(pid int) (string, uint64, float64) {
	uptime := "-"
	var rss uint64
	var cpu float64

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return uptime, rss, cpu
	}

	if createTime, err := proc.CreateTime(); err == nil {
		started := time.Unix(createTime/1000, 0)
		uptime = time.Since(started).Truncate(time.Second).String()
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		rss = memInfo.RSS
	}
	if cpuPercent, err := proc.CPUPercent(); err == nil {
		cpu = cpuPercent
	}

	return uptime, rss, cpu
}

func stopApp(config *ecosystem.EcosystemConfig, name, signalName string) error {
	app := config.FindApp(name)
	if app == nil {
		return fmt.Errorf("unknown app: %s", name)
	}

	path := pidFilePath(app)
	pid, err := processfile.ReadPIDFile(path)
	if err != nil {
		return fmt.Errorf("app %s has no PID file (%s), is it running?", name, path)
	}

	running, _ := processstate.IsProcessRunning(pid)
	if !running {
		_ = processfile.RemovePIDFileAt(path)
		return fmt.Errorf("app %s is not running (stale PID %d removed)", name, pid)
	}

	switch signalName {
	case "term":
		if err := keeperProcess.SendTerminationSignal(pid, false, 2*time.Second); err != nil {
			return fmt.Errorf("failed to signal PID %d: %w", pid, err)
		}
		fmt.Printf("Sent termination signal to %s (PID %d)\n", name, pid)
	case "kill":
		if err := keeperProcess.SendKillSignal(pid); err != nil {
			return fmt.Errorf("failed to kill PID %d: %w", pid, err)
		}
		fmt.Printf("Sent kill signal to %s (PID %d)\n", name, pid)
	default:
		return fmt.Errorf("unknown signal: %s (use term or kill)", signalName)
	}

	return nil
}
