// Package reload nudges running dev servers to pick up remediated
// configuration by touching the files they watch.
package reload

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/picnotebook/configwatch/internal/audit"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/fsutil"
)

// Trigger touches every target after a batch that changed runtime
// configuration. Targets that do not exist are logged and left alone.
type Trigger struct {
	Targets []string
	Audit   *audit.Logger
	Now     func() time.Time
}

// Outcome is the result of touching one target.
type Outcome struct {
	Path string
	Err  error
}

// New returns a Trigger for targets.
func New(targets []string, a *audit.Logger) *Trigger {
	if a == nil {
		a = audit.Discard()
	}
	return &Trigger{Targets: targets, Audit: a, Now: time.Now}
}

// Needed reports whether any remediated finding changes configuration a
// running service reads.
func Needed(remediated []finding.Finding) bool {
	for _, f := range remediated {
		if f.Kind.AffectsRuntime() {
			return true
		}
	}
	return false
}

// Fire touches the targets when remediated warrants it. Errors never stop
// the loop; they are returned per target for the caller's bookkeeping.
func (t *Trigger) Fire(remediated []finding.Finding) []Outcome {
	if !Needed(remediated) || len(t.Targets) == 0 {
		return nil
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	outcomes := make([]Outcome, 0, len(t.Targets))
	for _, path := range t.Targets {
		err := fsutil.Touch(path, now())
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Reload target could not be touched")
		} else {
			log.Info().Str("path", path).Msg("Touched reload target")
		}
		if t.Audit != nil {
			t.Audit.Reload(path, err)
		}
		outcomes = append(outcomes, Outcome{Path: path, Err: err})
	}
	return outcomes
}
