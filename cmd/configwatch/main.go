package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/picnotebook/configwatch/internal/config"
	"github.com/picnotebook/configwatch/internal/logging"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Getenv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	if getenv == nil {
		getenv = os.Getenv
	}

	rootCmd := &cobra.Command{
		Use:   "configwatch",
		Short: "Configuration drift detector and self-healing reconciler",
		Long: `configwatch keeps the notebook's ports, hosts, URLs and CORS origins in
agreement with a single desired-state document. It scans the backend CORS
list, the frontend env file, the frontend sources and the live services, then
rewrites drifted files in place and nudges the dev server to reload.

Running without a subcommand starts the reconcile loop.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd, getenv)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML config file (default configwatch.yaml in the project root, or $CONFIGWATCH_CONFIG)")
	pf.String("project-root", "", "directory relative paths are resolved against")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: json, console or auto")
	pf.String("log-file", "", "also append logs to this file")
	addLoopFlags(rootCmd)

	rootCmd.AddCommand(
		newRunCmd(getenv),
		newScanCmd(getenv),
		newInitCmd(getenv),
		newHistoryCmd(getenv),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configwatch %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// addLoopFlags registers the flags shared by the loop and one-shot scans.
func addLoopFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("dry-run", false, "detect and log would-be fixes without writing any file")
	f.Bool("no-reachability", false, "skip the live service health checks")
	f.Duration("interval", 0, "periodic scan interval")
	f.Duration("debounce", 0, "quiet period before a file change triggers a scan")
	f.Duration("warm-up", 0, "delay before the startup scan")
	f.String("metrics-addr", "", `metrics listen address ("off" disables)`)
}

// configPath picks the config file: --config, then $CONFIGWATCH_CONFIG, then
// configwatch.yaml under --project-root (or the working directory).
func configPath(cmd *cobra.Command, getenv func(string) string) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	if path := strings.TrimSpace(getenv("CONFIGWATCH_CONFIG")); path != "" {
		return path
	}
	root, _ := cmd.Flags().GetString("project-root")
	if root == "" {
		root = strings.TrimSpace(getenv("CONFIGWATCH_PROJECT_ROOT"))
	}
	if root != "" {
		return filepath.Join(root, config.DefaultConfigFile)
	}
	return config.DefaultConfigFile
}

// loadConfig layers defaults, the config file, the environment and finally any
// flag the user set, then validates and resolves paths.
func loadConfig(cmd *cobra.Command, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(configPath(cmd, getenv), getenv)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	dur := func(name string, dst *config.Duration) {
		if f.Changed(name) {
			d, _ := f.GetDuration(name)
			*dst = config.Duration(d)
		}
	}

	str("project-root", &cfg.ProjectRoot)
	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	str("log-file", &cfg.LogFile)
	str("metrics-addr", &cfg.MetricsAddr)
	if strings.EqualFold(cfg.MetricsAddr, "off") {
		cfg.MetricsAddr = ""
	}
	dur("interval", &cfg.Interval)
	dur("debounce", &cfg.Debounce)
	dur("warm-up", &cfg.WarmUp)
	if f.Changed("dry-run") {
		cfg.DryRun, _ = f.GetBool("dry-run")
	}
}

func initLogging(cfg *config.Config) {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "configwatch",
		FilePath:  cfg.LogFile,
	})
}
