package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/picnotebook/configwatch/internal/desiredstate"
	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
)

// EnvConsistencyProbe checks each URL-valued line of the frontend env file
// for hosts and ports that disagree with the desired state.
type EnvConsistencyProbe struct {
	Path string
}

func (p *EnvConsistencyProbe) Name() string { return "env-consistency" }

func (p *EnvConsistencyProbe) Run(_ context.Context, state desiredstate.State) ([]finding.Finding, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		// Reported once by the required-variable probe.
		return nil, nil
	}
	if err != nil {
		return nil, cwerrors.WrapProbeError(p.Name(), p.Path, err)
	}

	var findings []finding.Finding
	for i, line := range SplitLines(data) {
		lineNo := i + 1
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		a, isAssign := MatchEnvAssignment(line)
		if isAssign {
			if u, ok := MatchURLWithPort(a.Value); ok {
				if f, found := p.classify(state, lineNo, a, u); found {
					findings = append(findings, f)
				}
				continue
			}
		}

		if ContainsLocalhostURL(line) && !isLocalhostHost(state.Host) {
			loc := finding.Locator{Line: lineNo, Match: line}
			if isAssign {
				loc.Variable = a.Name
			}
			findings = append(findings, finding.Finding{
				Kind:        finding.KindEnvHostInconsistency,
				TargetFile:  p.Path,
				Locator:     loc,
				Observed:    line,
				Expected:    strings.ReplaceAll(line, "http://localhost:", "http://"+state.Host+":"),
				Description: fmt.Sprintf("line %d uses localhost instead of %s", lineNo, state.Host),
			})
		}
	}
	return findings, nil
}

// classify assigns at most one finding to a URL-valued assignment. A foreign
// port wins over a localhost host since rewriting the origin fixes both.
func (p *EnvConsistencyProbe) classify(state desiredstate.State, lineNo int, a EnvAssignment, u URLParts) (finding.Finding, bool) {
	loc := finding.Locator{Line: lineNo, Variable: a.Name}

	if !state.IsDeclaredPort(u.Port) {
		expected := desiredstate.Origin(ExpectedURLForVariable(a.Name, state)) + u.Suffix
		return finding.Finding{
			Kind:        finding.KindEnvPortMismatch,
			TargetFile:  p.Path,
			Locator:     loc,
			Observed:    a.Value,
			Expected:    expected,
			Description: fmt.Sprintf("%s uses port %d; declared ports are %d and %d", a.Name, u.Port, state.FrontendPort, state.APIPort),
		}, true
	}

	if u.Host == "localhost" && !isLocalhostHost(state.Host) {
		expected := desiredstate.Origin(state.URLForPort(u.Port)) + u.Suffix
		return finding.Finding{
			Kind:        finding.KindEnvHostInconsistency,
			TargetFile:  p.Path,
			Locator:     loc,
			Observed:    a.Value,
			Expected:    expected,
			Description: fmt.Sprintf("%s uses localhost instead of %s", a.Name, state.Host),
		}, true
	}
	return finding.Finding{}, false
}

// ExpectedURLForVariable picks the declared URL a variable should point at.
// Names that mention the frontend get the frontend URL, everything else the API.
func ExpectedURLForVariable(name string, state desiredstate.State) string {
	upper := strings.ToUpper(name)
	for _, hint := range []string{"FRONTEND", "APP_URL", "SITE_URL"} {
		if strings.Contains(upper, hint) {
			return state.FrontendURL
		}
	}
	return state.APIURL
}

func isLocalhostHost(host string) bool {
	return strings.EqualFold(host, "localhost")
}

// SplitLines splits file content into lines without their terminators. A
// trailing newline does not produce an empty final line.
func SplitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	return lines
}
