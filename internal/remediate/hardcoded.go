package remediate

import (
	"os"
	"regexp"
	"strings"

	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/probe"
)

var (
	templateEscaper = strings.NewReplacer("`", "\\`", "${", "\\${")
	envRefRe        = regexp.MustCompile(`process\.env\.[A-Za-z_][A-Za-z0-9_]*\s*$`)
)

// planHardcodedURL rewrites one literal URL into an environment-first
// expression. The change is textual; the surrounding code is not parsed.
func planHardcodedURL(f finding.Finding) (edit, error) {
	url := f.Locator.Match
	if url == "" {
		url = f.Observed
	}
	envVar := f.Locator.Variable
	if envVar == "" {
		envVar = strings.TrimPrefix(f.Expected, "process.env.")
	}
	if url == "" || envVar == "" {
		return edit{}, cwerrors.ErrStaleLocator
	}

	data, err := os.ReadFile(f.TargetFile)
	if err != nil {
		return edit{}, err
	}
	lines := splitKeep(string(data))

	idx, lit, ok := findOccurrence(lines, f.Locator, url)
	if !ok {
		if hasGuardedOccurrence(lines, url) {
			return edit{content: data, before: url, after: envGuard(envVar, url, '"')}, nil
		}
		return edit{}, cwerrors.ErrStaleLocator
	}

	text, term := lineText(lines[idx])
	rewritten, err := rewriteLiteral(text, lit, envVar)
	if err != nil {
		return edit{}, err
	}
	lines[idx] = rewritten + term
	return edit{
		content: []byte(strings.Join(lines, "")),
		before:  strings.TrimSpace(text),
		after:   strings.TrimSpace(rewritten),
	}, nil
}

// findOccurrence resolves the locator against current content: the exact
// column first, then the first unguarded occurrence on the same line, then the
// first one anywhere in the file.
func findOccurrence(lines []string, loc finding.Locator, url string) (int, probe.LiteralURL, bool) {
	if loc.Line > 0 && loc.Line <= len(lines) {
		text, _ := lineText(lines[loc.Line-1])
		cands := unguarded(text, url)
		for _, c := range cands {
			if c.Start == loc.Column-1 {
				return loc.Line - 1, c, true
			}
		}
		if len(cands) > 0 {
			return loc.Line - 1, cands[0], true
		}
	}
	for i, line := range lines {
		text, _ := lineText(line)
		if cands := unguarded(text, url); len(cands) > 0 {
			return i, cands[0], true
		}
	}
	return -1, probe.LiteralURL{}, false
}

func unguarded(text, url string) []probe.LiteralURL {
	if probe.IsCommentLine(text) {
		return nil
	}
	var out []probe.LiteralURL
	for _, lit := range probe.FindLiteralURLs(text, nil) {
		if lit.URL == url && !isGuarded(text, lit) {
			out = append(out, lit)
		}
	}
	return out
}

func hasGuardedOccurrence(lines []string, url string) bool {
	for _, line := range lines {
		text, _ := lineText(line)
		for _, lit := range probe.FindLiteralURLs(text, nil) {
			if lit.URL == url && isGuarded(text, lit) {
				return true
			}
		}
	}
	return false
}

// isGuarded reports whether the URL is already the fallback of
// "process.env.NAME || ...". Other "||" fallbacks do not count.
func isGuarded(text string, lit probe.LiteralURL) bool {
	before := strings.TrimRight(text[:lit.Start], "\"'`")
	before = strings.TrimRight(before, " \t(")
	left, ok := strings.CutSuffix(before, "||")
	if !ok {
		return false
	}
	return envRefRe.MatchString(left)
}

func envGuard(envVar, url string, quote byte) string {
	q := string(quote)
	return "process.env." + envVar + " || " + q + url + q
}

// rewriteLiteral applies the rewrite matching the literal's shape:
//
//	"http://h:1"          -> (process.env.V || "http://h:1")
//	"http://h:1/x"        -> `${process.env.V || "http://h:1"}/x`
//	`http://h:1/x`        -> `${process.env.V || "http://h:1"}/x`
//	href="http://h:1"     -> href={process.env.V || "http://h:1"}
//	href="http://h:1/x"   -> href={`${process.env.V || "http://h:1"}/x`}
func rewriteLiteral(text string, lit probe.LiteralURL, envVar string) (string, error) {
	expr := "${" + envGuard(envVar, lit.URL, '"') + "}"
	switch {
	case lit.Quote == '`':
		return text[:lit.Start] + expr + text[lit.End:], nil
	case lit.QuoteEnd < 0:
		return "", cwerrors.ErrPatternNotFound
	}

	lhs, rhs := "(", ")"
	if isJSXAttribute(text, lit.QuoteStart) {
		lhs, rhs = "{", "}"
	}
	if lit.IsBare() {
		return text[:lit.QuoteStart] + lhs + envGuard(envVar, lit.URL, lit.Quote) + rhs + text[lit.QuoteEnd+1:], nil
	}
	prefix := templateEscaper.Replace(text[lit.QuoteStart+1 : lit.Start])
	suffix := templateEscaper.Replace(text[lit.End:lit.QuoteEnd])
	tmpl := "`" + prefix + expr + suffix + "`"
	if lhs == "{" {
		tmpl = "{" + tmpl + "}"
	}
	return text[:lit.QuoteStart] + tmpl + text[lit.QuoteEnd+1:], nil
}

// isJSXAttribute reports whether the quote at offset opens an attribute value
// of a JSX tag, as in <a href="...">. Only the current line is considered.
func isJSXAttribute(text string, quoteStart int) bool {
	before := strings.TrimRight(text[:quoteStart], " \t")
	if !strings.HasSuffix(before, "=") {
		return false
	}
	lt := strings.LastIndex(before, "<")
	if lt < 0 || lt+1 >= len(before) || lt < strings.LastIndex(before, ">") {
		return false
	}
	c := before[lt+1]
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
