package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/picnotebook/configwatch/internal/desiredstate"
	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
)

// RequiredVarsProbe checks that every required variable is defined and points
// at the declared API URL.
type RequiredVarsProbe struct {
	Path     string
	Required []string
}

func (p *RequiredVarsProbe) Name() string { return "required-vars" }

func (p *RequiredVarsProbe) Run(_ context.Context, state desiredstate.State) ([]finding.Finding, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return []finding.Finding{{
			Kind:        finding.KindEnvFileMissing,
			TargetFile:  p.Path,
			Expected:    state.APIURL,
			Description: "frontend environment file does not exist",
		}}, nil
	}
	if err != nil {
		return nil, cwerrors.WrapProbeError(p.Name(), p.Path, err)
	}

	values, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, cwerrors.WrapProbeError(p.Name(), p.Path, fmt.Errorf("parse env file: %w", err))
	}
	lines := lastDefinitionLines(data)

	var findings []finding.Finding
	for _, name := range p.Required {
		value, ok := values[name]
		if !ok {
			findings = append(findings, finding.Finding{
				Kind:        finding.KindEnvMissingVariable,
				TargetFile:  p.Path,
				Locator:     finding.Locator{Variable: name},
				Expected:    state.APIURL,
				Description: fmt.Sprintf("required variable %s is not set", name),
			})
			continue
		}
		if value != state.APIURL {
			findings = append(findings, finding.Finding{
				Kind:        finding.KindEnvWrongValue,
				TargetFile:  p.Path,
				Locator:     finding.Locator{Line: lines[name], Variable: name},
				Observed:    value,
				Expected:    state.APIURL,
				Description: fmt.Sprintf("%s should be %s", name, state.APIURL),
			})
		}
	}
	return findings, nil
}

// lastDefinitionLines maps each variable to the line of its last assignment,
// which is the one that takes effect.
func lastDefinitionLines(data []byte) map[string]int {
	lines := make(map[string]int)
	for i, line := range SplitLines(data) {
		if a, ok := MatchEnvAssignment(line); ok {
			lines[a.Name] = i + 1
		}
	}
	return lines
}

// CanonicalEnvFile renders the env file the remediator writes when the file is
// missing: every required variable set to the API URL plus the frontend URL.
func CanonicalEnvFile(state desiredstate.State, required []string) []byte {
	var b bytes.Buffer
	b.WriteString("# Generated by configwatch from the desired state.\n")
	seen := make(map[string]bool)
	for _, name := range required {
		if seen[name] {
			continue
		}
		seen[name] = true
		fmt.Fprintf(&b, "%s=%s\n", name, state.APIURL)
	}
	if !seen[FrontendURLVar] {
		fmt.Fprintf(&b, "%s=%s\n", FrontendURLVar, state.FrontendURL)
	}
	return b.Bytes()
}

const (
	APIURLVar      = "NEXT_PUBLIC_API_URL"
	FrontendURLVar = "NEXT_PUBLIC_FRONTEND_URL"
)
