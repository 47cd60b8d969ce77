// Package audit writes the operator trail: one timestamped plain-text line per
// detection, fix, skip or error.
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/picnotebook/configwatch/internal/finding"
)

// Tag classifies an audit line.
type Tag string

const (
	TagDetect     Tag = "DETECT"
	TagFix        Tag = "FIX"
	TagSkip       Tag = "SKIP"
	TagReport     Tag = "REPORT"
	TagError      Tag = "ERROR"
	TagUnresolved Tag = "UNRESOLVED"
	TagReload     Tag = "RELOAD"
	TagScan       Tag = "SCAN"
)

// Logger appends audit lines to a writer.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	now    func() time.Time
	root   string
}

// Open appends to the file at path, creating it and its directory.
func Open(path, projectRoot string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{out: file, closer: file, now: time.Now, root: projectRoot}, nil
}

// New writes audit lines to w. Paths are shown relative to projectRoot.
func New(w io.Writer, projectRoot string) *Logger {
	return &Logger{out: w, now: time.Now, root: projectRoot}
}

// Discard returns a Logger that drops every line.
func Discard() *Logger {
	return New(io.Discard, "")
}

// WithClock replaces the time source and returns the logger.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Close closes the underlying file, if Open created it.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Detect records a finding that will be acted on.
func (l *Logger) Detect(f finding.Finding) {
	l.write(TagDetect, l.describe(f, f.Observed, f.Expected), "")
}

// Fix records a successful mutation with the text before and after.
func (l *Logger) Fix(f finding.Finding, before, after string) {
	l.write(TagFix, l.describe(f, before, after), "")
}

// Skip records a finding that was not acted on, with the reason.
func (l *Logger) Skip(f finding.Finding, reason string) {
	l.write(TagSkip, l.describe(f, f.Observed, f.Expected), reason)
}

// Report records a report-only finding.
func (l *Logger) Report(f finding.Finding) {
	l.write(TagReport, l.describe(f, f.Observed, f.Expected), f.Description)
}

// Error records a failed remediation.
func (l *Logger) Error(f finding.Finding, err error) {
	l.write(TagError, l.describe(f, f.Observed, f.Expected), errText(err))
}

// Unresolved records a remediation that found nothing it could safely change.
func (l *Logger) Unresolved(f finding.Finding, err error) {
	l.write(TagUnresolved, l.describe(f, f.Observed, f.Expected), errText(err))
}

// Reload records a reload trigger outcome for path.
func (l *Logger) Reload(path string, err error) {
	detail := "touched"
	if err != nil {
		detail = "failed: " + err.Error()
	}
	l.write(TagReload, l.rel(path), detail)
}

// Scan records the summary of one scan cycle.
func (l *Logger) Scan(scanID, trigger string, findings, suppressed, remediated, failed int, elapsed time.Duration) {
	body := fmt.Sprintf("%s trigger=%s findings=%d suppressed=%d remediated=%d failed=%d",
		scanID, trigger, findings, suppressed, remediated, failed)
	l.write(TagScan, body, elapsed.Round(time.Millisecond).String())
}

func (l *Logger) describe(f finding.Finding, before, after string) string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	b.WriteByte(' ')
	b.WriteString(l.rel(f.TargetFile))
	if f.Locator.Line > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(f.Locator.Line))
	}
	if f.Locator.Variable != "" {
		b.WriteByte(' ')
		b.WriteString(f.Locator.Variable)
	}
	if before != "" || after != "" {
		fmt.Fprintf(&b, ": %q -> %q", before, after)
	}
	return b.String()
}

func (l *Logger) rel(path string) string {
	if l.root == "" || !filepath.IsAbs(path) {
		return path
	}
	if rel, err := filepath.Rel(l.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}

func (l *Logger) write(tag Tag, body, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := l.now().UTC().Format(time.RFC3339) + " [" + string(tag) + "] " + body
	if detail != "" {
		line += " (" + detail + ")"
	}
	if _, err := io.WriteString(l.out, line+"\n"); err != nil {
		log.Error().Err(err).Str("tag", string(tag)).Msg("Failed to write audit line")
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
