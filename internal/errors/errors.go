package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrConfigLoad      = errors.New("config load failed")
	ErrPatternNotFound = errors.New("expected pattern not found")
	ErrNotRemediable   = errors.New("finding is not remediable")
	ErrProbeFailed     = errors.New("probe failed")
	ErrStaleLocator    = errors.New("locator no longer matches file content")
	ErrUnknownKind     = errors.New("unknown finding kind")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeProbe       ErrorType = "probe"
	ErrorTypeRemediation ErrorType = "remediation"
)

// ConfigLoadError is returned when the desired-state document exists but
// cannot be used.
type ConfigLoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("load %s: %s", e.Path, e.Reason)
}

func (e *ConfigLoadError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ConfigLoadError) Is(target error) bool {
	return target == ErrConfigLoad
}

// NewConfigLoadError creates a new ConfigLoadError
func NewConfigLoadError(path, reason string, err error) *ConfigLoadError {
	return &ConfigLoadError{Path: path, Reason: reason, Err: err}
}

// OpError is a structured error for probe and remediation operations
type OpError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "cors", "rewrite_line")
	Kind      string // Finding kind if applicable
	Target    string // File or URL the operation touched
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *OpError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s %s (%s) failed on %s: %v", e.Type, e.Op, e.Kind, e.Target, e.Err)
	}
	if e.Target != "" {
		return fmt.Sprintf("%s %s failed on %s: %v", e.Type, e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Type, e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *OpError) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == ErrProbeFailed {
		return e.Type == ErrorTypeProbe
	}
	return errors.Is(e.Err, target)
}

// WithKind adds the finding kind to the error
func (e *OpError) WithKind(kind string) *OpError {
	e.Kind = kind
	return e
}

// Helper functions

// WrapProbeError wraps a probe failure with context
func WrapProbeError(probe, target string, err error) error {
	return &OpError{
		Type:      ErrorTypeProbe,
		Op:        probe,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// NewRemediationError creates an error for a failed file mutation
func NewRemediationError(op, kind, target string, err error) *OpError {
	return &OpError{
		Type:      ErrorTypeRemediation,
		Op:        op,
		Kind:      kind,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// IsUnresolved reports whether a remediation failed because the file no
// longer looks the way the probe saw it. These are surfaced as unresolved
// findings rather than plain write failures.
func IsUnresolved(err error) bool {
	return errors.Is(err, ErrPatternNotFound) || errors.Is(err, ErrStaleLocator)
}

// IsConfigLoad checks if an error came from loading the desired state
func IsConfigLoad(err error) bool {
	return errors.Is(err, ErrConfigLoad)
}
