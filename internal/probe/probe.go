// Package probe holds the independent checks that compare on-disk and live
// state against the desired state. Each probe emits zero or more findings.
package probe

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/picnotebook/configwatch/internal/desiredstate"
	"github.com/picnotebook/configwatch/internal/finding"
)

// Probe inspects one configuration surface.
type Probe interface {
	Name() string
	Run(ctx context.Context, state desiredstate.State) ([]finding.Finding, error)
}

// Observer receives per-probe outcomes. Metrics implement it.
type Observer interface {
	ObserveProbe(name string, findings int, err error, elapsed time.Duration)
}

// Result is the outcome of one probe within a scan.
type Result struct {
	Probe    string
	Findings []finding.Finding
	Err      error
	Elapsed  time.Duration
}

// Set runs probes in a fixed order.
type Set struct {
	probes   []Probe
	observer Observer
}

// NewSet returns a Set that runs probes in the order given.
func NewSet(probes ...Probe) *Set {
	return &Set{probes: probes}
}

// WithObserver attaches an observer and returns the set.
func (s *Set) WithObserver(o Observer) *Set {
	s.observer = o
	return s
}

// Names lists the probe names in run order.
func (s *Set) Names() []string {
	names := make([]string, len(s.probes))
	for i, p := range s.probes {
		names[i] = p.Name()
	}
	return names
}

// Run executes every probe and concatenates their findings in probe order.
// A failing probe contributes no findings and never aborts the scan.
func (s *Set) Run(ctx context.Context, state desiredstate.State) ([]finding.Finding, []Result) {
	var all []finding.Finding
	results := make([]Result, 0, len(s.probes))

	for _, p := range s.probes {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		findings, err := p.Run(ctx, state)
		elapsed := time.Since(start)
		if err != nil {
			log.Warn().Err(err).Str("probe", p.Name()).Msg("Probe failed; treating as no findings")
			findings = nil
		} else {
			log.Debug().Str("probe", p.Name()).Int("findings", len(findings)).Dur("elapsed", elapsed).Msg("Probe finished")
		}
		if s.observer != nil {
			s.observer.ObserveProbe(p.Name(), len(findings), err, elapsed)
		}
		results = append(results, Result{Probe: p.Name(), Findings: findings, Err: err, Elapsed: elapsed})
		all = append(all, findings...)
	}
	return all, results
}
