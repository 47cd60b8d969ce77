package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/picnotebook/configwatch/internal/audit"
	"github.com/picnotebook/configwatch/internal/config"
	"github.com/picnotebook/configwatch/internal/dedup"
	"github.com/picnotebook/configwatch/internal/desiredstate"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/history"
	"github.com/picnotebook/configwatch/internal/metrics"
	"github.com/picnotebook/configwatch/internal/probe"
	"github.com/picnotebook/configwatch/internal/reconciler"
	"github.com/picnotebook/configwatch/internal/reload"
	"github.com/picnotebook/configwatch/internal/remediate"
	"github.com/picnotebook/configwatch/internal/watcher"
)

const historyRetention = 30 * 24 * time.Hour

// app owns every long-lived component built from one Config.
type app struct {
	cfg        *config.Config
	store      *desiredstate.Store
	audit      *audit.Logger
	history    *history.Store
	metrics    *metrics.Metrics
	server     *metrics.Server
	dialer     *probe.CachingDialer
	reconciler *reconciler.Reconciler
}

func newApp(cfg *config.Config, reachability bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		store:   desiredstate.NewStore(cfg.DesiredStatePath),
		metrics: metrics.New(),
	}

	var err error
	a.audit, err = audit.Open(cfg.AuditLogPath, cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.history, err = history.Open(cfg.HistoryDBPath)
	if err != nil {
		_ = a.audit.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	if cfg.MetricsAddr != "" {
		a.server = metrics.NewServer(cfg.MetricsAddr, a.metrics)
	}

	probes := []probe.Probe{
		&probe.CORSProbe{Path: cfg.BackendCORSFile, LegacyPorts: cfg.LegacyFrontendPorts},
		&probe.EnvConsistencyProbe{Path: cfg.FrontendEnvFile},
		&probe.RequiredVarsProbe{Path: cfg.FrontendEnvFile, Required: cfg.RequiredVars},
	}
	if reachability {
		timeout := cfg.HealthTimeout.Std()
		a.dialer = probe.NewCachingDialer(timeout, 0)
		probes = append(probes, &probe.ReachabilityProbe{Client: a.dialer.HTTPClient(timeout), Timeout: timeout})
	}
	probes = append(probes, &probe.SourceScanProbe{Root: cfg.FrontendSrcDir, Excludes: cfg.ScanExcludes})

	var kindTTLs map[finding.Kind]time.Duration
	if ttls := cfg.KindTTLDurations(); len(ttls) > 0 {
		kindTTLs = make(map[finding.Kind]time.Duration, len(ttls))
		for kind, ttl := range ttls {
			kindTTLs[finding.Kind(kind)] = ttl
		}
	}

	rem := remediate.New(a.audit, cfg.LegacyFrontendPorts, cfg.RequiredVars)
	rem.DryRun = cfg.DryRun

	a.reconciler = reconciler.New(reconciler.Options{
		Store:  a.store,
		Probes: probe.NewSet(probes...).WithObserver(a.metrics),
		Cache: dedup.New(dedup.Options{
			Mode:     dedup.Mode(cfg.CacheMode),
			TTL:      cfg.CacheTTL.Std(),
			KindTTLs: kindTTLs,
		}),
		Remediator: rem,
		Reload:     reload.New(cfg.ReloadTargets, a.audit),
		Audit:      a.audit,
		History:    a.history,
		Metrics:    a.metrics,
		Interval:   cfg.Interval.Std(),
		WarmUp:     cfg.WarmUp.Std(),
		OnCycle:    a.onCycle,
	})
	if a.server != nil {
		a.server.SetScanSource(a.scanSummaries)
	}
	return a, nil
}

// scanSummaries renders the reconciler's retained reports for /scans.
func (a *app) scanSummaries() []metrics.ScanSummary {
	recent := a.reconciler.Recent()
	out := make([]metrics.ScanSummary, 0, len(recent))
	for _, r := range recent {
		s := metrics.ScanSummary{
			ScanID:     r.ScanID,
			Trigger:    string(r.Trigger),
			StartedAt:  r.StartedAt,
			DurationMS: r.Duration.Milliseconds(),
			Outcome:    r.Outcome(),
			Findings:   len(r.Findings),
			Suppressed: len(r.Suppressed),
			Remediated: len(r.Remediated),
			Failed:     len(r.Failed),
			DryRun:     r.DryRun,
		}
		if r.Err != nil {
			s.Error = r.Err.Error()
		}
		if counts := finding.CountByKind(r.Findings); len(counts) > 0 {
			s.Kinds = make(map[string]int, len(counts))
			for kind, n := range counts {
				s.Kinds[string(kind)] = n
			}
		}
		out = append(out, s)
	}
	return out
}

func (a *app) onCycle(report reconciler.ScanReport) {
	if a.server != nil && report.Err == nil {
		a.server.SetReady(true)
	}
}

// Close releases the audit log and history database.
func (a *app) Close() {
	if err := a.history.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close history database")
	}
	if err := a.audit.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audit log")
	}
}

// watchedFiles are the individually tracked inputs. Reload targets are left
// out: touching them must not schedule another scan.
func (a *app) watchedFiles() []string {
	return []string{a.cfg.DesiredStatePath, a.cfg.BackendCORSFile, a.cfg.FrontendEnvFile}
}

// Run starts the reconcile loop, the file watcher and the metrics server and
// blocks until ctx is cancelled or one of them fails.
func (a *app) Run(ctx context.Context) error {
	// Fail fast on an unreadable desired state; later cycles only log it.
	state, err := a.store.Load()
	if err != nil {
		return err
	}
	log.Info().
		Str("project_root", a.cfg.ProjectRoot).
		Str("host", state.Host).
		Int("frontend_port", state.FrontendPort).
		Int("api_port", state.APIPort).
		Bool("dry_run", a.cfg.DryRun).
		Msg("Loaded desired state")

	if n, err := a.history.Prune(ctx, historyRetention); err != nil {
		log.Warn().Err(err).Msg("Failed to prune remediation history")
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("Pruned remediation history")
	}

	w, err := watcher.New(watcher.Options{
		Files:    a.watchedFiles(),
		Trees:    []string{a.cfg.FrontendSrcDir},
		Debounce: a.cfg.Debounce.Std(),
		OnChange: func() { a.reconciler.Notify(reconciler.TriggerEvent) },
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.dialer != nil {
		a.dialer.Start(ctx)
	}
	if a.server != nil {
		g.Go(func() error { return a.server.Serve(ctx) })
	}
	g.Go(func() error {
		if err := w.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		w.Stop()
		return nil
	})
	g.Go(func() error { return a.reconciler.Run(ctx) })

	return g.Wait()
}

// ScanOnce runs a single manual cycle.
func (a *app) ScanOnce(ctx context.Context) (reconciler.ScanReport, error) {
	report, ran := a.reconciler.RunCycle(ctx, reconciler.TriggerManual)
	if !ran {
		return report, fmt.Errorf("a scan is already in progress")
	}
	return report, report.Err
}
