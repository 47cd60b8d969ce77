package probe

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/picnotebook/configwatch/internal/desiredstate"
	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
)

// CORSProbe checks the allow-origin list of the backend CORS declaration.
type CORSProbe struct {
	Path        string
	LegacyPorts []int
}

func (p *CORSProbe) Name() string { return "cors" }

func (p *CORSProbe) Run(_ context.Context, state desiredstate.State) ([]finding.Finding, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, cwerrors.WrapProbeError(p.Name(), p.Path, err)
	}

	required := RequiredOrigins(state, p.LegacyPorts)
	m, ok := MatchCORSOrigins(string(data))
	if !ok {
		return []finding.Finding{{
			Kind:        finding.KindCORSMissingOrigins,
			TargetFile:  p.Path,
			Expected:    strings.Join(required, ", "),
			Description: "no CORS(app, origins=[...]) declaration found",
		}}, nil
	}

	missing := MissingOrigins(required, m.Origins)
	if len(missing) == 0 {
		return nil, nil
	}
	return []finding.Finding{{
		Kind:        finding.KindCORSMissingOrigins,
		TargetFile:  p.Path,
		Locator:     finding.Locator{Line: m.Line},
		Observed:    strings.Join(m.Origins, ", "),
		Expected:    strings.Join(missing, ", "),
		Description: fmt.Sprintf("CORS declaration is missing %d origin(s): %s", len(missing), strings.Join(missing, ", ")),
	}}, nil
}

// RequiredOrigins is the set every CORS declaration must allow: the frontend
// on localhost and 127.0.0.1 at each legacy and the declared port, then the
// production origin.
func RequiredOrigins(state desiredstate.State, legacyPorts []int) []string {
	return originSet(state, legacyPorts, false)
}

// CanonicalOrigins is the full list the remediator writes. It extends the
// required set with the 0.0.0.0 binding of the declared frontend port.
func CanonicalOrigins(state desiredstate.State, legacyPorts []int) []string {
	return originSet(state, legacyPorts, true)
}

func originSet(state desiredstate.State, legacyPorts []int, withWildcard bool) []string {
	ports := make([]int, 0, len(legacyPorts)+1)
	for _, p := range legacyPorts {
		if p != state.FrontendPort {
			ports = append(ports, p)
		}
	}
	ports = append(ports, state.FrontendPort)

	var out []string
	seen := make(map[string]bool)
	add := func(o string) {
		if o != "" && !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	for _, host := range []string{"localhost", "127.0.0.1"} {
		for _, port := range ports {
			add(fmt.Sprintf("http://%s:%d", host, port))
		}
	}
	if withWildcard {
		add(fmt.Sprintf("http://0.0.0.0:%d", state.FrontendPort))
	}
	add(state.ProductionOrigin)
	return out
}

// MissingOrigins returns required origins absent from present, in required
// order. Trailing slashes are ignored.
func MissingOrigins(required, present []string) []string {
	have := make(map[string]bool, len(present))
	for _, o := range present {
		have[strings.TrimRight(o, "/")] = true
	}
	var missing []string
	for _, o := range required {
		if !have[strings.TrimRight(o, "/")] {
			missing = append(missing, o)
		}
	}
	return missing
}
