// Package history persists one row per remediation attempt in SQLite so
// operators can review what the reconciler changed.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/picnotebook/configwatch/internal/finding"
)

// Result is the outcome of one remediation attempt.
type Result string

const (
	ResultFixed      Result = "fixed"
	ResultUnchanged  Result = "unchanged"
	ResultSkipped    Result = "skipped"
	ResultFailed     Result = "failed"
	ResultUnresolved Result = "unresolved"
)

// Entry is one recorded remediation attempt.
type Entry struct {
	ID        string
	ScanID    string
	Kind      finding.Kind
	Target    string
	Line      int
	Variable  string
	Observed  string
	Expected  string
	Result    Result
	Error     string
	Timestamp time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind   finding.Kind
	Result Result
	Since  time.Time
	Limit  int
}

// Store is the SQLite-backed history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Remediation history store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS remediations (
			id TEXT PRIMARY KEY,
			scan_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			line INTEGER NOT NULL DEFAULT 0,
			variable TEXT NOT NULL DEFAULT '',
			observed TEXT NOT NULL DEFAULT '',
			expected TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_remediations_ts ON remediations(ts);
		CREATE INDEX IF NOT EXISTS idx_remediations_kind ON remediations(kind, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores e, assigning an ID and timestamp when they are empty.
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remediations (id, scan_id, kind, target, line, variable, observed, expected, result, error, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ScanID, string(e.Kind), e.Target, e.Line, e.Variable, e.Observed, e.Expected,
		string(e.Result), e.Error, e.Timestamp.UnixNano(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert remediation: %w", err)
	}
	return e, nil
}

// RecordFinding is a convenience wrapper that builds the entry from f.
func (s *Store) RecordFinding(ctx context.Context, scanID string, f finding.Finding, result Result, cause error) error {
	e := Entry{
		ScanID:   scanID,
		Kind:     f.Kind,
		Target:   f.TargetFile,
		Line:     f.Locator.Line,
		Variable: f.Locator.Variable,
		Observed: f.Observed,
		Expected: f.Expected,
		Result:   result,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	_, err := s.Record(ctx, e)
	return err
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(filter.Result))
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT id, scan_id, kind, target, line, variable, observed, expected, result, error, ts FROM remediations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query remediations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			kind, result string
			ts           int64
		)
		if err := rows.Scan(&e.ID, &e.ScanID, &kind, &e.Target, &e.Line, &e.Variable, &e.Observed, &e.Expected, &result, &e.Error, &ts); err != nil {
			return nil, fmt.Errorf("scan remediation row: %w", err)
		}
		e.Kind = finding.Kind(kind)
		e.Result = Result(result)
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than retention and returns how many were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM remediations WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune remediations: %w", err)
	}
	return res.RowsAffected()
}
