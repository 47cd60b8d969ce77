// Package finding defines the value type produced by probes and consumed by
// the remediator.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the category of a detected inconsistency.
type Kind string

const (
	KindCORSMissingOrigins      Kind = "cors_missing_origins"
	KindEnvHostInconsistency    Kind = "env_host_inconsistency"
	KindEnvPortMismatch         Kind = "env_port_mismatch"
	KindEnvMissingVariable      Kind = "env_missing_variable"
	KindEnvWrongValue           Kind = "env_wrong_value"
	KindEnvFileMissing          Kind = "env_file_missing"
	KindServiceNotRunning       Kind = "service_not_running"
	KindServiceConnectionFailed Kind = "service_connection_failed"
	KindServiceUnhealthy        Kind = "service_unhealthy"
	KindHardcodedURL            Kind = "hardcoded_url"
)

var allKinds = []Kind{
	KindCORSMissingOrigins,
	KindEnvHostInconsistency,
	KindEnvPortMismatch,
	KindEnvMissingVariable,
	KindEnvWrongValue,
	KindEnvFileMissing,
	KindServiceNotRunning,
	KindServiceConnectionFailed,
	KindServiceUnhealthy,
	KindHardcodedURL,
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Remediable reports whether the reconciler may mutate files for this kind.
// Reachability findings are surfaced for operators only.
func (k Kind) Remediable() bool {
	switch k {
	case KindServiceNotRunning, KindServiceConnectionFailed, KindServiceUnhealthy:
		return false
	default:
		return k.Valid()
	}
}

// AffectsRuntime reports whether fixing this kind changes configuration that a
// running service reads, so dependents need a reload.
func (k Kind) AffectsRuntime() bool {
	switch k {
	case KindCORSMissingOrigins,
		KindEnvHostInconsistency,
		KindEnvPortMismatch,
		KindEnvMissingVariable,
		KindEnvWrongValue,
		KindEnvFileMissing:
		return true
	default:
		return false
	}
}

// Locator addresses the offending spot inside TargetFile.
type Locator struct {
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Variable string `json:"variable,omitempty"`
	Match    string `json:"match,omitempty"`
}

func (l Locator) String() string {
	var parts []string
	if l.Line > 0 {
		pos := strconv.Itoa(l.Line)
		if l.Column > 0 {
			pos += ":" + strconv.Itoa(l.Column)
		}
		parts = append(parts, "line "+pos)
	}
	if l.Variable != "" {
		parts = append(parts, l.Variable)
	}
	if l.Match != "" {
		parts = append(parts, strconv.Quote(l.Match))
	}
	return strings.Join(parts, " ")
}

// Finding describes exactly one detected inconsistency. Findings are values:
// probes create them fresh each scan and nothing mutates them afterwards.
type Finding struct {
	Kind        Kind    `json:"kind"`
	TargetFile  string  `json:"target_file"`
	Locator     Locator `json:"locator"`
	Observed    string  `json:"observed,omitempty"`
	Expected    string  `json:"expected,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Key returns the structural identity used for de-duplication. Two findings
// with the same kind, target, locator and values share a key regardless of
// which scan produced them.
func (f Finding) Key() string {
	h := sha256.New()
	fields := []string{
		string(f.Kind),
		f.TargetFile,
		strconv.Itoa(f.Locator.Line),
		strconv.Itoa(f.Locator.Column),
		f.Locator.Variable,
		f.Locator.Match,
		f.Observed,
		f.Expected,
	}
	for _, field := range fields {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Location renders TargetFile with the line when known.
func (f Finding) Location() string {
	if f.Locator.Line > 0 {
		return fmt.Sprintf("%s:%d", f.TargetFile, f.Locator.Line)
	}
	return f.TargetFile
}

func (f Finding) String() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	b.WriteByte(' ')
	b.WriteString(f.Location())
	if f.Locator.Variable != "" {
		b.WriteByte(' ')
		b.WriteString(f.Locator.Variable)
	}
	if f.Observed != "" || f.Expected != "" {
		fmt.Fprintf(&b, ": %q -> %q", f.Observed, f.Expected)
	}
	return b.String()
}

// CountByKind tallies findings per kind.
func CountByKind(findings []Finding) map[Kind]int {
	counts := make(map[Kind]int)
	for _, f := range findings {
		counts[f.Kind]++
	}
	return counts
}

// SplitRemediable separates findings the reconciler may fix from those that
// are report-only, preserving order within each group.
func SplitRemediable(findings []Finding) (fixable, reportOnly []Finding) {
	for _, f := range findings {
		if f.Kind.Remediable() {
			fixable = append(fixable, f)
		} else {
			reportOnly = append(reportOnly, f)
		}
	}
	return fixable, reportOnly
}

// GroupByTarget buckets findings per target file. Targets are returned sorted
// so callers iterate deterministically.
func GroupByTarget(findings []Finding) ([]string, map[string][]Finding) {
	groups := make(map[string][]Finding)
	for _, f := range findings {
		groups[f.TargetFile] = append(groups[f.TargetFile], f)
	}
	targets := make([]string, 0, len(groups))
	for target := range groups {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets, groups
}
