// Package reconciler drives the detect, dedup, remediate and reload cycle and
// schedules it on a timer and on file-change events.
package reconciler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/picnotebook/configwatch/internal/audit"
	"github.com/picnotebook/configwatch/internal/dedup"
	"github.com/picnotebook/configwatch/internal/desiredstate"
	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/history"
	"github.com/picnotebook/configwatch/internal/logging"
	"github.com/picnotebook/configwatch/internal/probe"
	"github.com/picnotebook/configwatch/internal/reload"
	"github.com/picnotebook/configwatch/internal/remediate"
	"github.com/picnotebook/configwatch/internal/utils"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerStartup Trigger = "startup"
	TriggerTimer   Trigger = "timer"
	TriggerEvent   Trigger = "event"
	TriggerManual  Trigger = "manual"
)

const recentReports = 20

// StateLoader yields the desired state at the start of each cycle.
type StateLoader interface {
	Load() (desiredstate.State, error)
}

// Remediator applies the fix for one finding.
type Remediator interface {
	Apply(ctx context.Context, state desiredstate.State, f finding.Finding) (remediate.Result, error)
}

// HistoryRecorder persists remediation attempts.
type HistoryRecorder interface {
	RecordFinding(ctx context.Context, scanID string, f finding.Finding, result history.Result, cause error) error
}

// MetricsRecorder receives cycle-level instrumentation.
type MetricsRecorder interface {
	RecordScan(trigger, outcome string, findings int, elapsed time.Duration, finishedAt time.Time)
	RecordSkipped(trigger string)
	RecordFindings(detected, suppressed []finding.Finding)
	RecordRemediation(kind finding.Kind, result string)
	RecordReload(err error)
	SetHandledEntries(n int)
}

// Options wires a Reconciler. Store, Probes and Remediator are required.
type Options struct {
	Store      StateLoader
	Probes     *probe.Set
	Cache      *dedup.Cache
	Remediator Remediator
	Reload     *reload.Trigger
	Audit      *audit.Logger
	History    HistoryRecorder
	Metrics    MetricsRecorder

	Interval time.Duration
	WarmUp   time.Duration

	// OnCycle is called after every completed cycle.
	OnCycle func(ScanReport)
	Now     func() time.Time
}

// ScanReport summarizes one cycle. Reports are kept in memory only.
type ScanReport struct {
	ScanID     string
	Trigger    Trigger
	StartedAt  time.Time
	Duration   time.Duration
	Findings   []finding.Finding
	Suppressed []finding.Finding
	Reported   []finding.Finding
	Remediated []finding.Finding
	Failed     []finding.Finding
	// Changed lists remediated findings whose fix wrote to disk.
	Changed []finding.Finding
	DryRun  bool
	Err     error
}

// Outcome is the metrics label for the cycle result.
func (r ScanReport) Outcome() string {
	switch {
	case r.Err != nil:
		return "error"
	case len(r.Failed) > 0:
		return "partial"
	case len(r.Findings) == 0:
		return "clean"
	default:
		return "ok"
	}
}

// Reconciler owns the handled-finding cache and the reentrancy guard. One
// instance is created per process.
type Reconciler struct {
	opts    Options
	running atomic.Bool
	events  chan Trigger
	recent  *utils.Ring[ScanReport]
}

// New builds a Reconciler from opts, filling in defaults.
func New(opts Options) *Reconciler {
	if opts.Cache == nil {
		opts.Cache = dedup.New(dedup.Options{})
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.WarmUp < 0 {
		opts.WarmUp = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		opts:   opts,
		events: make(chan Trigger, 1),
		recent: utils.NewRing[ScanReport](recentReports),
	}
}

// Busy reports whether a cycle is in progress.
func (r *Reconciler) Busy() bool {
	return r.running.Load()
}

// Recent returns the retained reports, newest first.
func (r *Reconciler) Recent() []ScanReport {
	return r.recent.Snapshot()
}

// Notify requests a cycle from the run loop. It is dropped when a cycle is
// already running or another request is pending; triggers are never queued
// behind a running cycle.
func (r *Reconciler) Notify(trigger Trigger) bool {
	if r.running.Load() {
		r.skipped(trigger)
		return false
	}
	select {
	case r.events <- trigger:
		return true
	default:
		r.skipped(trigger)
		return false
	}
}

func (r *Reconciler) skipped(trigger Trigger) {
	log.Debug().Str("trigger", string(trigger)).Msg("Scan already in progress; trigger dropped")
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordSkipped(string(trigger))
	}
}

// Run waits for the warm-up delay, runs the startup cycle, then runs a cycle
// on every tick and every notification until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", r.opts.Interval).
		Dur("warm_up", r.opts.WarmUp).
		Strs("probes", r.opts.Probes.Names()).
		Msg("Reconciler starting")

	warm := time.NewTimer(r.opts.WarmUp)
	select {
	case <-ctx.Done():
		warm.Stop()
		return nil
	case <-warm.C:
	}
	r.RunCycle(ctx, TriggerStartup)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciler stopped")
			return nil
		case <-ticker.C:
			r.RunCycle(ctx, TriggerTimer)
		case trigger := <-r.events:
			r.RunCycle(ctx, trigger)
		}
		// Drops a tick that came due while the cycle ran.
		ticker.Reset(r.opts.Interval)
	}
}

// RunCycle performs one detect, remediate and reload pass. It returns false
// without doing anything when another cycle holds the guard.
func (r *Reconciler) RunCycle(ctx context.Context, trigger Trigger) (ScanReport, bool) {
	if !r.running.CompareAndSwap(false, true) {
		r.skipped(trigger)
		return ScanReport{}, false
	}
	defer r.running.Store(false)

	ctx, scanID := logging.WithScanID(ctx, "")
	logger := logging.FromContext(ctx)
	report := ScanReport{ScanID: scanID, Trigger: trigger, StartedAt: r.opts.Now()}

	state, err := r.opts.Store.Load()
	if err != nil {
		report.Err = err
		logger.Error().Err(err).Str("trigger", string(trigger)).Msg("Failed to load desired state; skipping scan")
		r.finish(&report)
		return report, true
	}

	findings, _ := r.opts.Probes.Run(ctx, state)
	report.Findings = findings
	kept, suppressed := r.opts.Cache.Filter(findings)
	report.Suppressed = suppressed
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordFindings(findings, suppressed)
	}

	fixable, reportOnly := finding.SplitRemediable(kept)
	for _, f := range reportOnly {
		r.opts.Audit.Report(f)
		logger.Warn().
			Str("kind", string(f.Kind)).
			Str("target", f.TargetFile).
			Str("observed", f.Observed).
			Msg(f.Description)
	}
	report.Reported = reportOnly

	// Each target is edited by one batch; the remediator re-reads the file
	// before every fix so later findings see earlier edits.
	targets, groups := finding.GroupByTarget(fixable)
batches:
	for _, target := range targets {
		group := groups[target]
		logger.Debug().Str("target", target).Int("findings", len(group)).Msg("Remediating target")
		for _, f := range group {
			if ctx.Err() != nil {
				logger.Warn().Msg("Scan cancelled; remaining findings left for the next cycle")
				break batches
			}
			r.remediate(ctx, logger, state, f, &report)
		}
	}

	if len(report.Changed) > 0 && r.opts.Reload != nil {
		for _, o := range r.opts.Reload.Fire(report.Changed) {
			if r.opts.Metrics != nil {
				r.opts.Metrics.RecordReload(o.Err)
			}
		}
	}

	r.finish(&report)
	return report, true
}

func (r *Reconciler) remediate(ctx context.Context, logger zerolog.Logger, state desiredstate.State, f finding.Finding, report *ScanReport) {
	r.opts.Audit.Detect(f)

	res, err := r.opts.Remediator.Apply(ctx, state, f)
	var result history.Result
	switch {
	case err != nil && cwerrors.IsUnresolved(err):
		result = history.ResultUnresolved
		report.Failed = append(report.Failed, f)
	case err != nil:
		result = history.ResultFailed
		report.Failed = append(report.Failed, f)
		logger.Error().Err(err).Str("kind", string(f.Kind)).Str("target", f.TargetFile).Msg("Remediation failed")
	case res.DryRun:
		result = history.ResultSkipped
		report.DryRun = true
	case res.Changed:
		result = history.ResultFixed
		r.opts.Cache.MarkHandled(f)
		report.Remediated = append(report.Remediated, f)
		report.Changed = append(report.Changed, f)
	default:
		result = history.ResultUnchanged
		r.opts.Cache.MarkHandled(f)
		report.Remediated = append(report.Remediated, f)
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordRemediation(f.Kind, string(result))
	}
	if r.opts.History != nil && !res.DryRun {
		if herr := r.opts.History.RecordFinding(ctx, report.ScanID, f, result, err); herr != nil {
			logger.Warn().Err(herr).Msg("Failed to record remediation history")
		}
	}
}

func (r *Reconciler) finish(report *ScanReport) {
	finished := r.opts.Now()
	report.Duration = finished.Sub(report.StartedAt)

	r.opts.Audit.Scan(report.ScanID, string(report.Trigger), len(report.Findings), len(report.Suppressed),
		len(report.Remediated), len(report.Failed), report.Duration)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordScan(string(report.Trigger), report.Outcome(), len(report.Findings), report.Duration, finished)
		r.opts.Metrics.SetHandledEntries(r.opts.Cache.Len())
	}

	event := log.Info()
	if report.Err != nil || len(report.Failed) > 0 {
		event = log.Warn()
	}
	event.
		Str("scan_id", report.ScanID).
		Str("trigger", string(report.Trigger)).
		Int("findings", len(report.Findings)).
		Int("suppressed", len(report.Suppressed)).
		Int("reported", len(report.Reported)).
		Int("remediated", len(report.Remediated)).
		Int("failed", len(report.Failed)).
		Dur("duration", report.Duration).
		Msg("Scan complete")

	r.recent.Push(*report)
	if r.opts.OnCycle != nil {
		r.opts.OnCycle(*report)
	}
}
