package reconciler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/picnotebook/configwatch/internal/audit"
	"github.com/picnotebook/configwatch/internal/config"
	"github.com/picnotebook/configwatch/internal/dedup"
	"github.com/picnotebook/configwatch/internal/desiredstate"
	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/history"
	"github.com/picnotebook/configwatch/internal/metrics"
	"github.com/picnotebook/configwatch/internal/probe"
	"github.com/picnotebook/configwatch/internal/reload"
	"github.com/picnotebook/configwatch/internal/remediate"
)

const canonicalCORS = `["http://localhost:3000", "http://localhost:3002", "http://127.0.0.1:3000", "http://127.0.0.1:3002", "http://0.0.0.0:3002", "https://picnotebook.com"]`

type project struct {
	root       string
	statePath  string
	corsPath   string
	envPath    string
	srcDir     string
	sourcePath string
	nextConfig string
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newProject(t *testing.T) project {
	t.Helper()
	root := t.TempDir()
	p := project{
		root:       root,
		statePath:  filepath.Join(root, "config", "desired_state.json"),
		corsPath:   filepath.Join(root, "mock_experiment_api.py"),
		envPath:    filepath.Join(root, "frontend", ".env.local"),
		srcDir:     filepath.Join(root, "frontend", "src"),
		sourcePath: filepath.Join(root, "frontend", "src", "lib", "api.ts"),
		nextConfig: filepath.Join(root, "frontend", "next.config.js"),
	}
	require.NoError(t, desiredstate.NewStore(p.statePath).Save(desiredstate.Defaults()))
	p.write(t, p.corsPath, "app = Flask(__name__)\nCORS(app, origins="+canonicalCORS+")\n")
	p.write(t, p.envPath, string(probe.CanonicalEnvFile(desiredstate.Defaults(), config.DefaultRequiredVars)))
	p.write(t, p.sourcePath, "export const base = process.env.NEXT_PUBLIC_API_URL;\n")
	p.write(t, p.nextConfig, "module.exports = {}\n")
	return p
}

func (p project) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, epoch, epoch))
}

func (p project) breakAll(t *testing.T) {
	t.Helper()
	p.write(t, p.corsPath, "app = Flask(__name__)\nCORS(app, origins=[\"http://localhost:3000\"])\n")
	env := bytes.Replace(probe.CanonicalEnvFile(desiredstate.Defaults(), config.DefaultRequiredVars),
		[]byte("NEXT_PUBLIC_API_URL=http://127.0.0.1:5005"), []byte("NEXT_PUBLIC_API_URL=http://localhost:9999"), 1)
	p.write(t, p.envPath, string(env))
	p.write(t, p.sourcePath, "export const load = () => fetch(\"http://localhost:5005/x\");\n")
}

func (p project) modTimes(t *testing.T) map[string]time.Time {
	t.Helper()
	out := make(map[string]time.Time)
	for _, path := range []string{p.statePath, p.corsPath, p.envPath, p.sourcePath, p.nextConfig} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		out[path] = info.ModTime()
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	rec     *Reconciler
	audit   *bytes.Buffer
	clock   *fakeClock
	rem     *remediate.Remediator
	metrics *metrics.Metrics
	history *history.Store
}

func newHarness(t *testing.T, p project, extra ...probe.Probe) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	var buf bytes.Buffer
	auditLog := audit.New(&buf, p.root).WithClock(clock.Now)

	hist, err := history.Open(filepath.Join(p.root, "data", "configwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	probes := []probe.Probe{
		&probe.CORSProbe{Path: p.corsPath, LegacyPorts: []int{3000}},
		&probe.EnvConsistencyProbe{Path: p.envPath},
		&probe.RequiredVarsProbe{Path: p.envPath, Required: config.DefaultRequiredVars},
		&probe.SourceScanProbe{Root: p.srcDir},
	}
	probes = append(probes, extra...)

	m := metrics.New()
	rem := remediate.New(auditLog, []int{3000}, config.DefaultRequiredVars)
	trig := reload.New([]string{p.nextConfig}, auditLog)
	trig.Now = clock.Now

	rec := New(Options{
		Store:      desiredstate.NewStore(p.statePath),
		Probes:     probe.NewSet(probes...).WithObserver(m),
		Cache:      dedup.New(dedup.Options{TTL: 30 * time.Second, Now: clock.Now}),
		Remediator: rem,
		Reload:     trig,
		Audit:      auditLog,
		History:    hist,
		Metrics:    m,
		Now:        clock.Now,
	})
	return &harness{rec: rec, audit: &buf, clock: clock, rem: rem, metrics: m, history: hist}
}

func TestCleanProjectScansAreStable(t *testing.T) {
	p := newProject(t)
	h := newHarness(t, p)
	before := p.modTimes(t)

	first, ok := h.rec.RunCycle(context.Background(), TriggerStartup)
	require.True(t, ok)
	second, ok := h.rec.RunCycle(context.Background(), TriggerTimer)
	require.True(t, ok)

	assert.Empty(t, first.Findings)
	assert.Empty(t, second.Findings)
	assert.Equal(t, "clean", second.Outcome())
	assert.Equal(t, before, p.modTimes(t))
	assert.NotEqual(t, first.ScanID, second.ScanID)
	assert.NotContains(t, h.audit.String(), "[FIX]")
	assert.NotContains(t, h.audit.String(), "[RELOAD]")
}

func TestBrokenProjectConverges(t *testing.T) {
	p := newProject(t)
	p.breakAll(t)
	h := newHarness(t, p)

	report, ok := h.rec.RunCycle(context.Background(), TriggerStartup)
	require.True(t, ok)
	require.NoError(t, report.Err)

	assert.Equal(t, map[finding.Kind]int{
		finding.KindCORSMissingOrigins: 1,
		finding.KindEnvPortMismatch:    1,
		finding.KindEnvWrongValue:      1,
		finding.KindHardcodedURL:       1,
	}, finding.CountByKind(report.Findings))
	assert.Len(t, report.Remediated, 4)
	assert.Len(t, report.Changed, 3, "the wrong-value fix lands on an already rewritten line")
	assert.True(t, sort.SliceIsSorted(report.Remediated, func(i, j int) bool {
		return report.Remediated[i].TargetFile < report.Remediated[j].TargetFile
	}), "fixes are applied one target at a time")
	assert.Empty(t, report.Failed)

	info, err := os.Stat(p.nextConfig)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(h.clock.Now()), "reload target should be touched")

	env, err := os.ReadFile(p.envPath)
	require.NoError(t, err)
	assert.Contains(t, string(env), "NEXT_PUBLIC_API_URL=http://127.0.0.1:5005\n")
	src, err := os.ReadFile(p.sourcePath)
	require.NoError(t, err)
	assert.Contains(t, string(src), "process.env.NEXT_PUBLIC_API_URL || \"http://localhost:5005\"")

	again, ok := h.rec.RunCycle(context.Background(), TriggerTimer)
	require.True(t, ok)
	assert.Empty(t, again.Findings)

	entries, err := h.history.List(context.Background(), history.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	unchanged, err := h.history.List(context.Background(), history.Filter{Result: history.ResultUnchanged})
	require.NoError(t, err)
	assert.Len(t, unchanged, 1)

	n, err := testutil.GatherAndCount(h.metrics.Registry(), "configwatch_scans_total", "configwatch_remediations_total", "configwatch_reloads_total")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestRevertedFixIsSuppressedUntilTTL(t *testing.T) {
	p := newProject(t)
	broken := "NEXT_PUBLIC_API_URL=http://localhost:9999\n"
	h := newHarness(t, p)

	revert := func() {
		data, err := os.ReadFile(p.envPath)
		require.NoError(t, err)
		p.write(t, p.envPath, string(bytes.Replace(data, []byte("NEXT_PUBLIC_API_URL=http://127.0.0.1:5005\n"), []byte(broken), 1)))
	}

	revert()
	first, _ := h.rec.RunCycle(context.Background(), TriggerStartup)
	require.Len(t, first.Remediated, 2)

	revert()
	h.clock.Advance(10 * time.Second)
	second, _ := h.rec.RunCycle(context.Background(), TriggerEvent)
	assert.Len(t, second.Suppressed, 2)
	assert.Empty(t, second.Remediated)
	env, err := os.ReadFile(p.envPath)
	require.NoError(t, err)
	assert.Contains(t, string(env), broken, "suppressed findings must not be fixed again")

	h.clock.Advance(30 * time.Second)
	third, _ := h.rec.RunCycle(context.Background(), TriggerTimer)
	assert.Empty(t, third.Suppressed)
	assert.Len(t, third.Remediated, 2)
}

func TestFailedRemediationIsRetried(t *testing.T) {
	p := newProject(t)
	p.write(t, p.corsPath, "CORS(app)\n")
	h := newHarness(t, p)

	for i := 0; i < 2; i++ {
		report, ok := h.rec.RunCycle(context.Background(), TriggerTimer)
		require.True(t, ok)
		require.Len(t, report.Failed, 1)
		assert.Empty(t, report.Suppressed)
		assert.Equal(t, "partial", report.Outcome())
	}
	assert.Contains(t, h.audit.String(), "[UNRESOLVED] cors_missing_origins mock_experiment_api.py")

	entries, err := h.history.List(context.Background(), history.Filter{Result: history.ResultUnresolved})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDryRunLeavesFilesAlone(t *testing.T) {
	p := newProject(t)
	p.breakAll(t)
	h := newHarness(t, p)
	h.rem.DryRun = true
	before := p.modTimes(t)

	report, _ := h.rec.RunCycle(context.Background(), TriggerManual)
	assert.True(t, report.DryRun)
	assert.Len(t, report.Findings, 4)
	assert.Empty(t, report.Remediated)
	assert.Equal(t, before, p.modTimes(t))
	assert.Contains(t, h.audit.String(), "[SKIP]")

	again, _ := h.rec.RunCycle(context.Background(), TriggerManual)
	assert.Empty(t, again.Suppressed)

	entries, err := h.history.List(context.Background(), history.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReportOnlyFindingsAreNotRemediated(t *testing.T) {
	p := newProject(t)
	h := newHarness(t, p, staticProbe{findings: []finding.Finding{{
		Kind:        finding.KindServiceNotRunning,
		TargetFile:  "http://127.0.0.1:5005/health",
		Observed:    "not listening",
		Description: "api is not listening on port 5005",
	}}})

	report, _ := h.rec.RunCycle(context.Background(), TriggerTimer)
	assert.Len(t, report.Reported, 1)
	assert.Empty(t, report.Remediated)
	assert.Empty(t, report.Failed)
	assert.Contains(t, h.audit.String(), "[REPORT] service_not_running")
}

func TestInvalidDesiredStateAbortsCycle(t *testing.T) {
	p := newProject(t)
	p.write(t, p.statePath, "{not json")
	h := newHarness(t, p)

	report, ok := h.rec.RunCycle(context.Background(), TriggerStartup)
	require.True(t, ok)
	require.Error(t, report.Err)
	assert.True(t, cwerrors.IsConfigLoad(report.Err))
	assert.Equal(t, "error", report.Outcome())
	assert.Empty(t, report.Findings)
}

func TestConcurrentCycleIsSkipped(t *testing.T) {
	p := newProject(t)
	block := &blockingProbe{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, p, block)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.rec.RunCycle(context.Background(), TriggerTimer)
	}()
	<-block.started

	assert.True(t, h.rec.Busy())
	_, ok := h.rec.RunCycle(context.Background(), TriggerEvent)
	assert.False(t, ok)
	assert.False(t, h.rec.Notify(TriggerEvent))

	close(block.release)
	<-done
	assert.False(t, h.rec.Busy())
	assert.Len(t, h.rec.Recent(), 1)

	n, err := testutil.GatherAndCount(h.metrics.Registry(), "configwatch_scans_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	p := newProject(t)
	h := newHarness(t, p)
	h.rec.opts.Interval = time.Hour

	var mu sync.Mutex
	var triggers []Trigger
	h.rec.opts.OnCycle = func(r ScanReport) {
		mu.Lock()
		triggers = append(triggers, r.Trigger)
		mu.Unlock()
	}
	seen := func() []Trigger {
		mu.Lock()
		defer mu.Unlock()
		return append([]Trigger(nil), triggers...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.rec.Run(ctx) }()

	require.Eventually(t, func() bool { return len(seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.rec.Notify(TriggerEvent) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(seen()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Trigger{TriggerStartup, TriggerEvent}, seen())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSlowCycleDoesNotQueueTick(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	const interval = 40 * time.Millisecond
	p := newProject(t)
	h := newHarness(t, p, slowProbe{delay: 100 * time.Millisecond})
	h.rec.opts.Interval = interval
	h.rec.opts.Now = time.Now

	var mu sync.Mutex
	var reports []ScanReport
	h.rec.opts.OnCycle = func(r ScanReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}
	seen := func() []ScanReport {
		mu.Lock()
		defer mu.Unlock()
		return append([]ScanReport(nil), reports...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.rec.Run(ctx) }()

	require.Eventually(t, func() bool { return len(seen()) >= 4 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	got := seen()
	for i := 1; i < len(got); i++ {
		prevEnd := got[i-1].StartedAt.Add(got[i-1].Duration)
		gap := got[i].StartedAt.Sub(prevEnd)
		assert.GreaterOrEqual(t, gap, interval*3/4, "cycle %d started %s after the previous one ended", i, gap)
	}
}

func TestRunReturnsDuringWarmUp(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	p := newProject(t)
	h := newHarness(t, p)
	h.rec.opts.WarmUp = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.rec.Run(ctx))
	assert.Empty(t, h.rec.Recent())
}

type staticProbe struct {
	findings []finding.Finding
}

func (s staticProbe) Name() string { return "static" }

func (s staticProbe) Run(context.Context, desiredstate.State) ([]finding.Finding, error) {
	return s.findings, nil
}

type blockingProbe struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingProbe) Name() string { return "blocking" }

func (b *blockingProbe) Run(ctx context.Context, _ desiredstate.State) ([]finding.Finding, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil, nil
}

type slowProbe struct {
	delay time.Duration
}

func (s slowProbe) Name() string { return "slow" }

func (s slowProbe) Run(ctx context.Context, _ desiredstate.State) ([]finding.Finding, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return nil, nil
}
