package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/picnotebook/configwatch/internal/desiredstate"
	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/fsutil"
	"github.com/picnotebook/configwatch/internal/utils"
)

const (
	sniffSize       = 8 * 1024
	maxScanFileSize = 2 * 1024 * 1024
)

var (
	sourceExtensions = map[string]bool{
		".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true, ".cjs": true,
	}
	skippedDirs = map[string]bool{
		"node_modules": true, ".next": true, "dist": true, "build": true, ".git": true,
	}
)

// SourceScanProbe walks the frontend source tree for hardcoded local URLs.
type SourceScanProbe struct {
	Root     string
	Excludes []string
}

func (p *SourceScanProbe) Name() string { return "source-scan" }

func (p *SourceScanProbe) Run(ctx context.Context, state desiredstate.State) ([]finding.Finding, error) {
	if _, err := os.Stat(p.Root); err != nil {
		return nil, cwerrors.WrapProbeError(p.Name(), p.Root, err)
	}

	accept := func(host string) bool {
		return utils.IsLoopbackHost(host) || strings.EqualFold(host, state.Host)
	}

	var findings []finding.Finding
	err := filepath.WalkDir(p.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Skipping unreadable path")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(p.Root, path)
		if relErr != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path != p.Root && (IsSkippedDir(d.Name()) || p.excluded(rel, d.Name())) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !IsSourceFile(path) || p.excluded(rel, d.Name()) {
			return nil
		}

		fileFindings, scanErr := ScanSourceFile(path, state, accept)
		if scanErr != nil {
			log.Debug().Err(scanErr).Str("path", path).Msg("Skipping source file")
			return nil
		}
		findings = append(findings, fileFindings...)
		return nil
	})
	if err != nil {
		return findings, cwerrors.WrapProbeError(p.Name(), p.Root, err)
	}
	return findings, nil
}

// IsSourceFile reports whether path has one of the scanned extensions.
func IsSourceFile(path string) bool {
	return sourceExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsSkippedDir reports whether a directory with this name is never scanned.
func IsSkippedDir(name string) bool {
	return skippedDirs[name]
}

func (p *SourceScanProbe) excluded(rel, name string) bool {
	for _, pattern := range p.Excludes {
		if wildcard.Match(pattern, rel) || wildcard.Match(pattern, name) {
			return true
		}
	}
	return false
}

var errBinaryFile = errors.New("binary file")

// ScanSourceFile reports every unguarded literal URL in one file, in line
// order.
func ScanSourceFile(path string, state desiredstate.State, accept func(string) bool) ([]finding.Finding, error) {
	data, err := readTextFile(path)
	if err != nil {
		return nil, err
	}

	var findings []finding.Finding
	for i, line := range SplitLines(data) {
		if IsCommentLine(line) || IsEnvGuarded(line) || IsPlaceholderComment(line) {
			continue
		}
		for _, lit := range FindLiteralURLs(line, accept) {
			envVar := EnvVarForPort(lit.Port, state)
			findings = append(findings, finding.Finding{
				Kind:       finding.KindHardcodedURL,
				TargetFile: path,
				Locator: finding.Locator{
					Line:     i + 1,
					Column:   lit.Start + 1,
					Variable: envVar,
					Match:    lit.URL,
				},
				Observed:    lit.URL,
				Expected:    "process.env." + envVar,
				Description: fmt.Sprintf("hardcoded %s should prefer process.env.%s", lit.URL, envVar),
			})
		}
	}
	return findings, nil
}

// EnvVarForPort names the variable a hardcoded URL on port should read.
func EnvVarForPort(port int, state desiredstate.State) string {
	if port == state.FrontendPort && port != state.APIPort {
		return FrontendURLVar
	}
	return APIURLVar
}

func readTextFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > maxScanFileSize {
		return nil, fmt.Errorf("file larger than %d bytes", maxScanFileSize)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	head := data
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	if !fsutil.IsText(head) {
		return nil, errBinaryFile
	}
	return data, nil
}
