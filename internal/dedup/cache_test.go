package dedup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picnotebook/configwatch/internal/finding"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
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

func envFinding(line int) finding.Finding {
	return finding.Finding{
		Kind:       finding.KindEnvWrongValue,
		TargetFile: ".env.local",
		Locator:    finding.Locator{Line: line, Variable: "NEXT_PUBLIC_API_URL"},
		Observed:   "http://localhost:9999",
		Expected:   "http://127.0.0.1:5005",
	}
}

func TestFilterDropsOnlyHandledKeys(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now})

	a, b := envFinding(1), envFinding(2)
	c.MarkHandled(a)

	kept, suppressed := c.Filter([]finding.Finding{a, b})
	assert.Equal(t, []finding.Finding{b}, kept)
	assert.Equal(t, []finding.Finding{a}, suppressed)

	// A structurally equal finding from a later scan is the same entry.
	again := envFinding(1)
	again.Description = "re-detected"
	assert.True(t, c.Contains(again))
}

func TestWindowModePurgesTogether(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Mode: ModeWindow, TTL: 30 * time.Second, Now: clock.Now})
	assert.Equal(t, ModeWindow, c.Mode())

	a, b := envFinding(1), envFinding(2)
	c.MarkHandled(a)
	clock.Advance(20 * time.Second)
	c.MarkHandled(b)

	// a is older than the TTL, but the window restarted at b's mark.
	clock.Advance(15 * time.Second)
	assert.True(t, c.Contains(a))
	assert.True(t, c.Contains(b))

	clock.Advance(15 * time.Second)
	assert.False(t, c.Contains(a))
	assert.False(t, c.Contains(b))
	assert.Equal(t, 0, c.Len())
}

func TestPerEntryModeExpiresIndividually(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{
		Mode:     ModePerEntry,
		TTL:      30 * time.Second,
		KindTTLs: map[finding.Kind]time.Duration{finding.KindHardcodedURL: 5 * time.Minute},
		Now:      clock.Now,
	})

	env := envFinding(1)
	src := finding.Finding{Kind: finding.KindHardcodedURL, TargetFile: "a.ts", Locator: finding.Locator{Line: 2}}
	c.MarkHandled(env)
	clock.Advance(20 * time.Second)
	c.MarkHandled(src)

	clock.Advance(15 * time.Second)
	assert.False(t, c.Contains(env), "env entry expired after its own 30s")
	assert.True(t, c.Contains(src))

	clock.Advance(5 * time.Minute)
	assert.False(t, c.Contains(src))
}

func TestTTLFor(t *testing.T) {
	kinds := map[finding.Kind]time.Duration{finding.KindHardcodedURL: time.Minute, finding.KindEnvWrongValue: 0}

	perEntry := New(Options{Mode: ModePerEntry, TTL: 10 * time.Second, KindTTLs: kinds})
	assert.Equal(t, time.Minute, perEntry.TTLFor(finding.KindHardcodedURL))
	assert.Equal(t, 10*time.Second, perEntry.TTLFor(finding.KindEnvWrongValue), "non-positive override ignored")

	window := New(Options{Mode: ModeWindow, TTL: 10 * time.Second, KindTTLs: kinds})
	assert.Equal(t, 10*time.Second, window.TTLFor(finding.KindHardcodedURL))

	defaults := New(Options{})
	assert.Equal(t, DefaultTTL, defaults.TTLFor(finding.KindCORSMissingOrigins))
}

func TestPurgeReportsDropped(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{Now: clock.Now})
	c.MarkHandled(envFinding(1))
	c.MarkHandled(envFinding(2))

	require.Equal(t, 0, c.Purge(clock.Now()))
	assert.Equal(t, 2, c.Purge(clock.Now().Add(DefaultTTL)))
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentUse(t *testing.T) {
	c := New(Options{Mode: ModePerEntry})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(line int) {
			defer wg.Done()
			f := envFinding(line)
			c.MarkHandled(f)
			c.Filter([]finding.Finding{f})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, c.Len())
}
