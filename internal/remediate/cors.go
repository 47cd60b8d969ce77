package remediate

import (
	"os"

	"github.com/picnotebook/configwatch/internal/desiredstate"
	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/probe"
)

// planCORS replaces the whole origin list with the canonical one. Origins the
// operator added by hand are not preserved.
func (r *Remediator) planCORS(state desiredstate.State, f finding.Finding) (edit, error) {
	data, err := os.ReadFile(f.TargetFile)
	if err != nil {
		return edit{}, err
	}
	src := string(data)

	m, ok := probe.MatchCORSOrigins(src)
	if !ok {
		return edit{}, cwerrors.ErrPatternNotFound
	}

	list := probe.FormatOriginList(probe.CanonicalOrigins(state, r.LegacyPorts))
	out := src[:m.ListStart] + list + src[m.ListEnd:]
	return edit{
		content: []byte(out),
		before:  src[m.ListStart:m.ListEnd],
		after:   list,
	}, nil
}
