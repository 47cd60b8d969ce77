// Package logging configures the process-wide zerolog logger and carries the
// scan ID through contexts so every line of a cycle can be correlated.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console" or "auto"
	Level     string // "trace", "debug", "info", "warn", "error" or "disabled"
	Component string
	FilePath  string // appended to in addition to stderr
}

type scanIDKey struct{}

// sink is what the last Init installed.
type sink struct {
	writer    io.Writer
	component string
	file      *os.File
}

var (
	mu      sync.RWMutex
	current sink

	stderr     = os.Stderr
	isTerminal = func(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }
)

// Init installs a new global logger and returns it. A log file that cannot be
// opened is reported on stderr and otherwise ignored.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(levelOf(cfg.Level))

	previous := current.file
	next := sink{writer: formatWriter(cfg.Format), component: strings.TrimSpace(cfg.Component)}
	if strings.TrimSpace(cfg.FilePath) != "" {
		f, err := appendFile(cfg.FilePath)
		if err != nil {
			fmt.Fprintf(stderr, "logging: %v; continuing without file output\n", err)
		} else {
			next.file = f
			next.writer = zerolog.MultiLevelWriter(next.writer, f)
		}
	}

	builder := zerolog.New(next.writer).With().Timestamp()
	if next.component != "" {
		builder = builder.Str("component", next.component)
	}
	log.Logger = builder.Logger()
	current = next

	if previous != nil {
		_ = previous.Close()
	}
	return log.Logger
}

// Shutdown closes the log file opened by Init, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if current.file == nil {
		return
	}
	if err := current.file.Close(); err != nil {
		fmt.Fprintf(stderr, "logging: close log file: %v\n", err)
	}
	current.file = nil
}

// WithScanID stores scanID on ctx, generating one when it is blank.
func WithScanID(ctx context.Context, scanID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if scanID = strings.TrimSpace(scanID); scanID == "" {
		scanID = uuid.NewString()
	}
	return context.WithValue(ctx, scanIDKey{}, scanID), scanID
}

// ScanIDFromContext returns the ID stored by WithScanID, or "".
func ScanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(scanIDKey{}).(string)
	return id
}

// FromContext returns the global logger with the scan ID attached when ctx
// carries one.
func FromContext(ctx context.Context) zerolog.Logger {
	mu.RLock()
	logger := log.Logger
	mu.RUnlock()

	if id := ScanIDFromContext(ctx); id != "" {
		return logger.With().Str("scan_id", id).Logger()
	}
	return logger
}

func levelOf(raw string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return zerolog.InfoLevel
	case "warning":
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		fmt.Fprintf(stderr, "logging: unknown level %q, using info\n", raw)
		return zerolog.InfoLevel
	}
	return lvl
}

func formatWriter(format string) io.Writer {
	console := zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return console
	case "json":
		return stderr
	case "", "auto":
		if isTerminal(stderr) {
			return console
		}
		return stderr
	default:
		fmt.Fprintf(stderr, "logging: unknown format %q, using json\n", format)
		return stderr
	}
}

func appendFile(path string) (*os.File, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if info, err := os.Lstat(path); err == nil && !info.Mode().IsRegular() {
		return nil, fmt.Errorf("log path %s is not a regular file", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
