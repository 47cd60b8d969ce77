// Package remediate applies the minimal file edit that brings one finding back
// in line with the desired state.
package remediate

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog/log"

	"github.com/picnotebook/configwatch/internal/audit"
	"github.com/picnotebook/configwatch/internal/desiredstate"
	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/fsutil"
	"github.com/picnotebook/configwatch/internal/probe"
)

// Result describes what Apply did for one finding.
type Result struct {
	Kind   finding.Kind
	Target string
	// Changed is false when the file already held the desired content or the
	// remediator ran in dry-run mode.
	Changed bool
	DryRun  bool
	Before  string
	After   string
}

// Remediator mutates tracked files. It writes only the finding's target file
// and always re-reads that file from disk before editing it.
type Remediator struct {
	LegacyPorts  []int
	RequiredVars []string
	Audit        *audit.Logger
	DryRun       bool
}

var discard = audit.Discard()

// Editors and dev servers briefly hold files open; writes are retried before a
// finding is reported as failed.
const (
	writeAttempts = 3
	writeDelay    = 50 * time.Millisecond
	writeMaxDelay = 200 * time.Millisecond
)

// edit is a planned change to a single file.
type edit struct {
	content []byte
	before  string
	after   string
}

// New returns a Remediator that audits to a.
func New(a *audit.Logger, legacyPorts []int, requiredVars []string) *Remediator {
	if a == nil {
		a = audit.Discard()
	}
	return &Remediator{
		LegacyPorts:  legacyPorts,
		RequiredVars: requiredVars,
		Audit:        a,
	}
}

// Apply fixes f against state. Report-only kinds return ErrNotRemediable.
// Failures are returned as *errors.OpError; a file that no longer matches
// what the probe saw yields an error satisfying errors.IsUnresolved.
func (r *Remediator) Apply(ctx context.Context, state desiredstate.State, f finding.Finding) (Result, error) {
	res := Result{Kind: f.Kind, Target: f.TargetFile, DryRun: r.DryRun}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if !f.Kind.Valid() {
		return res, cwerrors.NewRemediationError("apply", string(f.Kind), f.TargetFile, cwerrors.ErrUnknownKind)
	}
	if !f.Kind.Remediable() {
		return res, cwerrors.NewRemediationError("apply", string(f.Kind), f.TargetFile, cwerrors.ErrNotRemediable)
	}

	op, e, err := r.plan(state, f)
	if err != nil {
		opErr := cwerrors.NewRemediationError(op, string(f.Kind), f.TargetFile, err)
		r.auditFailure(f, opErr)
		return res, opErr
	}
	res.Before, res.After = e.before, e.after

	if r.DryRun {
		r.audit().Skip(f, fmt.Sprintf("dry run: %q -> %q", e.before, e.after))
		return res, nil
	}

	var changed bool
	err = retry.Do(func() error {
		var werr error
		changed, werr = fsutil.WriteIfChanged(f.TargetFile, e.content)
		return werr
	}, retry.Attempts(writeAttempts), retry.Delay(writeDelay), retry.MaxDelay(writeMaxDelay))
	if err != nil {
		opErr := cwerrors.NewRemediationError(op, string(f.Kind), f.TargetFile, err)
		r.auditFailure(f, opErr)
		return res, opErr
	}
	res.Changed = changed
	if !changed {
		log.Debug().Str("kind", string(f.Kind)).Str("target", f.TargetFile).Msg("File already holds the desired content")
		return res, nil
	}

	r.audit().Fix(f, e.before, e.after)
	log.Info().
		Str("kind", string(f.Kind)).
		Str("target", f.TargetFile).
		Int("line", f.Locator.Line).
		Msg("Remediated finding")
	return res, nil
}

func (r *Remediator) plan(state desiredstate.State, f finding.Finding) (string, edit, error) {
	switch f.Kind {
	case finding.KindCORSMissingOrigins:
		e, err := r.planCORS(state, f)
		return "cors_origins", e, err
	case finding.KindEnvPortMismatch, finding.KindEnvHostInconsistency, finding.KindEnvWrongValue:
		e, err := planEnvLine(f)
		return "rewrite_line", e, err
	case finding.KindEnvMissingVariable:
		e, err := planMissingVariable(f)
		return "append_variable", e, err
	case finding.KindEnvFileMissing:
		e, err := r.planEnvFile(state, f)
		return "write_env_file", e, err
	case finding.KindHardcodedURL:
		e, err := planHardcodedURL(f)
		return "rewrite_url", e, err
	default:
		return "apply", edit{}, cwerrors.ErrUnknownKind
	}
}

func (r *Remediator) auditFailure(f finding.Finding, err error) {
	if cwerrors.IsUnresolved(err) {
		r.audit().Unresolved(f, err)
		log.Warn().Err(err).Str("kind", string(f.Kind)).Str("target", f.TargetFile).Msg("Finding could not be resolved")
		return
	}
	r.audit().Error(f, err)
	log.Error().Err(err).Str("kind", string(f.Kind)).Str("target", f.TargetFile).Msg("Remediation failed")
}

func (r *Remediator) audit() *audit.Logger {
	if r.Audit == nil {
		return discard
	}
	return r.Audit
}

func (r *Remediator) planEnvFile(state desiredstate.State, f finding.Finding) (edit, error) {
	content := probe.CanonicalEnvFile(state, r.RequiredVars)
	before := "missing"
	if _, err := os.Stat(f.TargetFile); err == nil {
		before = "replaced"
	}
	vars := 0
	for _, line := range probe.SplitLines(content) {
		if _, ok := probe.MatchEnvAssignment(line); ok {
			vars++
		}
	}
	return edit{content: content, before: before, after: fmt.Sprintf("%d variables", vars)}, nil
}
