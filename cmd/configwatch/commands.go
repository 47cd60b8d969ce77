package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/picnotebook/configwatch/internal/config"
	"github.com/picnotebook/configwatch/internal/desiredstate"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/fsutil"
	"github.com/picnotebook/configwatch/internal/history"
	"github.com/picnotebook/configwatch/internal/logging"
	"github.com/picnotebook/configwatch/internal/reconciler"
)

func newRunCmd(getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconcile loop (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd, getenv)
		},
	}
	addLoopFlags(cmd)
	return cmd
}

func runLoop(cmd *cobra.Command, getenv func(string) string) error {
	cfg, err := loadConfig(cmd, getenv)
	if err != nil {
		return err
	}
	initLogging(cfg)
	defer logging.Shutdown()

	noReach, _ := cmd.Flags().GetBool("no-reachability")
	a, err := newApp(cfg, !noReach)
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info().
		Str("version", Version).
		Str("project_root", cfg.ProjectRoot).
		Dur("interval", cfg.Interval.Std()).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("Starting configwatch")
	return a.Run(cmd.Context())
}

func newScanCmd(getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a single detect and remediate cycle",
		Long: `Run one cycle and print every finding with what happened to it.
With --dry-run nothing is written; would-be fixes are listed instead.
Exits non-zero when the desired state cannot be loaded or a fix fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, getenv)
			if err != nil {
				return err
			}
			initLogging(cfg)
			defer logging.Shutdown()

			noReach, _ := cmd.Flags().GetBool("no-reachability")
			a, err := newApp(cfg, !noReach)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.ScanOnce(cmd.Context())
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), cfg, report)
			if n := len(report.Failed); n > 0 {
				return fmt.Errorf("%d finding(s) could not be remediated", n)
			}
			return nil
		},
	}
	addLoopFlags(cmd)
	return cmd
}

// findingStatus names what the cycle did with f.
func findingStatus(report reconciler.ScanReport, f finding.Finding) string {
	in := func(list []finding.Finding) bool {
		for _, other := range list {
			if other.Key() == f.Key() {
				return true
			}
		}
		return false
	}
	switch {
	case in(report.Suppressed):
		return "suppressed"
	case in(report.Reported):
		return "report-only"
	case in(report.Failed):
		return "failed"
	case in(report.Changed):
		return "fixed"
	case in(report.Remediated):
		return "in sync"
	case report.DryRun:
		return "would fix"
	default:
		return "pending"
	}
}

func printReport(out io.Writer, cfg *config.Config, report reconciler.ScanReport) {
	mode := ""
	if report.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "Scan %s%s: %d finding(s), %d suppressed, %d remediated, %d failed, %d report-only in %s\n",
		report.ScanID, mode, len(report.Findings), len(report.Suppressed), len(report.Remediated),
		len(report.Failed), len(report.Reported), report.Duration.Round(time.Millisecond))
	if len(report.Findings) == 0 {
		fmt.Fprintln(out, "No drift detected.")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tKIND\tLOCATION\tOBSERVED\tEXPECTED")
	for _, f := range report.Findings {
		loc := cfg.Rel(f.TargetFile)
		if f.Locator.Line > 0 {
			loc = fmt.Sprintf("%s:%d", loc, f.Locator.Line)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", findingStatus(report, f), f.Kind, loc, f.Observed, f.Expected)
	}
	_ = tw.Flush()
}

func newInitCmd(getenv func(string) string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write desired-state defaults and a sample config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig(cmd, getenv)
			if err != nil {
				return err
			}
			initLogging(cfg)
			defer logging.Shutdown()

			_, statErr := os.Stat(cfg.DesiredStatePath)
			state, err := desiredstate.NewStore(cfg.DesiredStatePath).Load()
			if err != nil {
				return err
			}
			if errors.Is(statErr, os.ErrNotExist) {
				fmt.Fprintf(out, "Wrote desired state to %s\n", cfg.DesiredStatePath)
			} else {
				fmt.Fprintf(out, "Desired state already present at %s (frontend %s, api %s)\n",
					cfg.DesiredStatePath, state.FrontendURL, state.APIURL)
			}

			path := configPath(cmd, getenv)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(out, "Config %s already exists; use --force to overwrite\n", path)
				return nil
			}
			sample, err := config.SampleYAML()
			if err != nil {
				return fmt.Errorf("render sample config: %w", err)
			}
			if err := fsutil.WriteFileAtomic(path, sample); err != nil {
				return fmt.Errorf("write sample config: %w", err)
			}
			fmt.Fprintf(out, "Wrote sample config to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newHistoryCmd(getenv func(string) string) *cobra.Command {
	var (
		kind   string
		result string
		limit  int
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent remediation attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := history.Filter{Limit: limit}
			if kind != "" {
				if !finding.Kind(kind).Valid() {
					return fmt.Errorf("unknown kind %q (valid: %s)", kind, kindList())
				}
				filter.Kind = finding.Kind(kind)
			}
			if result != "" {
				r, err := parseResult(result)
				if err != nil {
					return err
				}
				filter.Result = r
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			cfg, err := loadConfig(cmd, getenv)
			if err != nil {
				return err
			}
			initLogging(cfg)
			defer logging.Shutdown()

			store, err := history.Open(cfg.HistoryDBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No remediation history.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tRESULT\tKIND\tLOCATION\tCHANGE\tERROR")
			for _, e := range entries {
				loc := cfg.Rel(e.Target)
				if e.Line > 0 {
					loc = fmt.Sprintf("%s:%d", loc, e.Line)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%q -> %q\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Result, e.Kind, loc, e.Observed, e.Expected, e.Error)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "only show this finding kind")
	f.StringVar(&result, "result", "", "only show this result: fixed, unchanged, failed or unresolved")
	f.IntVar(&limit, "limit", 50, "maximum number of entries (0 for all)")
	f.DurationVar(&since, "since", 0, "only show entries newer than this age, e.g. 24h")
	return cmd
}

func kindList() string {
	kinds := finding.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func parseResult(value string) (history.Result, error) {
	switch r := history.Result(strings.ToLower(value)); r {
	case history.ResultFixed, history.ResultUnchanged, history.ResultSkipped, history.ResultFailed, history.ResultUnresolved:
		return r, nil
	default:
		return "", fmt.Errorf("unknown result %q", value)
	}
}
