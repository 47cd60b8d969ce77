package finding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Finding {
	return Finding{
		Kind:       KindEnvPortMismatch,
		TargetFile: "frontend/.env.local",
		Locator:    Locator{Line: 3, Variable: "NEXT_PUBLIC_API_URL"},
		Observed:   "http://localhost:9999",
		Expected:   "http://127.0.0.1:5005",
	}
}

func TestKeyIsStructural(t *testing.T) {
	a := sample()
	b := sample()
	b.Description = "different prose does not change identity"
	assert.Equal(t, a.Key(), b.Key())
	assert.Len(t, a.Key(), 32)

	c := sample()
	c.Locator.Line = 4
	assert.NotEqual(t, a.Key(), c.Key())

	d := sample()
	d.Kind = KindEnvWrongValue
	assert.NotEqual(t, a.Key(), d.Key())
}

func TestKeyFieldBoundaries(t *testing.T) {
	a := Finding{Kind: KindHardcodedURL, TargetFile: "ab", Observed: "c"}
	b := Finding{Kind: KindHardcodedURL, TargetFile: "a", Observed: "bc"}
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestKindAttributes(t *testing.T) {
	for _, k := range Kinds() {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("bogus").Valid())
	assert.False(t, Kind("bogus").Remediable())

	assert.False(t, KindServiceNotRunning.Remediable())
	assert.False(t, KindServiceConnectionFailed.Remediable())
	assert.False(t, KindServiceUnhealthy.Remediable())
	assert.True(t, KindHardcodedURL.Remediable())
	assert.True(t, KindCORSMissingOrigins.Remediable())

	assert.True(t, KindEnvFileMissing.AffectsRuntime())
	assert.True(t, KindCORSMissingOrigins.AffectsRuntime())
	assert.False(t, KindHardcodedURL.AffectsRuntime())
	assert.False(t, KindServiceUnhealthy.AffectsRuntime())
}

func TestStringAndLocation(t *testing.T) {
	f := sample()
	assert.Equal(t, "frontend/.env.local:3", f.Location())
	assert.Equal(t, `env_port_mismatch frontend/.env.local:3 NEXT_PUBLIC_API_URL: "http://localhost:9999" -> "http://127.0.0.1:5005"`, f.String())

	missing := Finding{Kind: KindEnvFileMissing, TargetFile: "frontend/.env.local"}
	assert.Equal(t, "env_file_missing frontend/.env.local", missing.String())

	assert.Equal(t, `line 7:12 "http://localhost:5005"`, Locator{Line: 7, Column: 12, Match: "http://localhost:5005"}.String())
}

func TestSplitAndGroup(t *testing.T) {
	findings := []Finding{
		{Kind: KindServiceUnhealthy, TargetFile: "http://127.0.0.1:5005/health"},
		{Kind: KindHardcodedURL, TargetFile: "src/b.ts"},
		{Kind: KindHardcodedURL, TargetFile: "src/a.ts"},
		{Kind: KindHardcodedURL, TargetFile: "src/b.ts", Locator: Locator{Line: 9}},
	}

	fixable, reportOnly := SplitRemediable(findings)
	require.Len(t, fixable, 3)
	require.Len(t, reportOnly, 1)
	assert.Equal(t, KindServiceUnhealthy, reportOnly[0].Kind)

	targets, groups := GroupByTarget(fixable)
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, targets)
	assert.Len(t, groups["src/b.ts"], 2)

	counts := CountByKind(findings)
	assert.Equal(t, 3, counts[KindHardcodedURL])
	assert.Equal(t, 1, counts[KindServiceUnhealthy])
}
