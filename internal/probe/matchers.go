package probe

import (
	"regexp"
	"strconv"
	"strings"
)

// Every textual pattern the probes and the remediator rely on lives here, one
// named matcher per pattern.

var (
	corsDeclRe    = regexp.MustCompile(`(?s)CORS\(\s*app\s*,\s*origins\s*=\s*(\[[^\]]*\])`)
	quotedRe      = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)
	envAssignRe   = regexp.MustCompile(`^(\s*(?:export\s+)?)([A-Za-z_][A-Za-z0-9_]*)(\s*=\s*)(.*)$`)
	urlOriginRe   = regexp.MustCompile(`^(https?)://([^:/\s]+):(\d+)(.*)$`)
	literalURLRe  = regexp.MustCompile(`https?://([A-Za-z0-9.\-]+|\[[0-9a-fA-F:]+\]):(\d+)`)
	placeholderRe = regexp.MustCompile(`(?i)\b(placeholder|example)\b`)
)

// CORSMatch locates the origin list of a CORS(app, origins=[...]) declaration.
type CORSMatch struct {
	// ListStart and ListEnd bound the bracketed list, brackets included.
	ListStart int
	ListEnd   int
	Line      int
	Origins   []string
}

// MatchCORSOrigins finds the first CORS origin declaration in src.
func MatchCORSOrigins(src string) (CORSMatch, bool) {
	loc := corsDeclRe.FindStringSubmatchIndex(src)
	if loc == nil {
		return CORSMatch{}, false
	}
	start, end := loc[2], loc[3]
	list := src[start:end]

	var origins []string
	for _, m := range quotedRe.FindAllStringSubmatch(list, -1) {
		v := m[1]
		if v == "" {
			v = m[2]
		}
		if v = strings.TrimSpace(v); v != "" {
			origins = append(origins, v)
		}
	}
	return CORSMatch{
		ListStart: start,
		ListEnd:   end,
		Line:      strings.Count(src[:loc[0]], "\n") + 1,
		Origins:   origins,
	}, true
}

// FormatOriginList renders origins as a double-quoted Python list literal.
func FormatOriginList(origins []string) string {
	quoted := make([]string, len(origins))
	for i, o := range origins {
		quoted[i] = strconv.Quote(o)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// EnvAssignment is one NAME=value line of an env file.
type EnvAssignment struct {
	Prefix string // leading whitespace and optional "export "
	Name   string
	Sep    string // "=" with any surrounding spaces
	Value  string // unquoted value
	Quote  string // quote character wrapping the raw value, if any

	// Comment is a trailing " # ..." kept verbatim, leading whitespace
	// included.
	Comment string
}

// MatchEnvAssignment parses a NAME=value line. Comment and blank lines do not
// match.
func MatchEnvAssignment(line string) (EnvAssignment, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return EnvAssignment{}, false
	}
	m := envAssignRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return EnvAssignment{}, false
	}
	a := EnvAssignment{Prefix: m[1], Name: m[2], Sep: m[3]}
	a.Value, a.Quote, a.Comment = splitEnvValue(strings.TrimSpace(m[4]))
	return a, true
}

// splitEnvValue separates a raw value into its unquoted text, its quote
// character and a trailing comment. A "#" starts a comment only after the
// closing quote or, for unquoted values, after whitespace.
func splitEnvValue(raw string) (value, quote, comment string) {
	if raw != "" && (raw[0] == '"' || raw[0] == '\'') {
		if end := strings.IndexByte(raw[1:], raw[0]) + 1; end > 0 {
			rest := raw[end+1:]
			if trimmed := strings.TrimSpace(rest); trimmed == "" || trimmed[0] == '#' {
				return raw[1:end], raw[:1], rest
			}
		}
		return raw, "", ""
	}
	for i := 1; i < len(raw); i++ {
		if raw[i] == '#' && (raw[i-1] == ' ' || raw[i-1] == '\t') {
			value = strings.TrimRight(raw[:i], " \t")
			return value, "", raw[len(value):]
		}
	}
	return raw, "", ""
}

// Render writes the assignment back with a new value, keeping the prefix,
// separator, quoting and trailing comment of the original line.
func (a EnvAssignment) Render(value string) string {
	return a.Prefix + a.Name + a.Sep + a.Quote + value + a.Quote + a.Comment
}

// URLParts is a URL split at its origin.
type URLParts struct {
	Scheme string
	Host   string
	Port   int
	Suffix string // path, query and fragment after host:port
}

// Origin returns scheme://host:port.
func (u URLParts) Origin() string {
	return u.Scheme + "://" + u.Host + ":" + strconv.Itoa(u.Port)
}

// MatchURLWithPort parses values like http://host:port/path. URLs without an
// explicit port do not match.
func MatchURLWithPort(value string) (URLParts, bool) {
	m := urlOriginRe.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return URLParts{}, false
	}
	port, err := strconv.Atoi(m[3])
	if err != nil {
		return URLParts{}, false
	}
	return URLParts{Scheme: m[1], Host: m[2], Port: port, Suffix: m[4]}, true
}

// ContainsLocalhostURL reports whether line mentions http://localhost:.
func ContainsLocalhostURL(line string) bool {
	return strings.Contains(line, "http://localhost:")
}

// LiteralURL is a host:port URL origin found inside a string literal.
type LiteralURL struct {
	// Start and End are byte offsets of the URL origin within the line.
	Start int
	End   int
	URL   string
	Host  string
	Port  int

	// Quote is the delimiter of the enclosing literal: ', " or `.
	Quote      byte
	QuoteStart int // offset of the opening delimiter
	QuoteEnd   int // offset of the closing delimiter, -1 when unterminated
}

// IsBare reports whether the literal holds nothing but the URL.
func (l LiteralURL) IsBare() bool {
	return l.QuoteStart == l.Start-1 && l.QuoteEnd == l.End
}

// FindLiteralURLs returns URL origins with an explicit port that sit inside a
// string literal on line. Hosts are filtered by accept. Text after a // line
// comment is ignored.
func FindLiteralURLs(line string, accept func(host string) bool) []LiteralURL {
	spans := stringSpans(line)
	var out []LiteralURL
	for _, loc := range literalURLRe.FindAllStringSubmatchIndex(line, -1) {
		start, end := loc[0], loc[1]
		host := line[loc[2]:loc[3]]
		if accept != nil && !accept(host) {
			continue
		}
		span, ok := enclosingSpan(spans, start, end)
		if !ok {
			continue
		}
		port, err := strconv.Atoi(line[loc[4]:loc[5]])
		if err != nil {
			continue
		}
		out = append(out, LiteralURL{
			Start:      start,
			End:        end,
			URL:        line[start:end],
			Host:       host,
			Port:       port,
			Quote:      span.quote,
			QuoteStart: span.open,
			QuoteEnd:   span.close,
		})
	}
	return out
}

// IsEnvGuarded reports whether the line already prefers an environment variable.
func IsEnvGuarded(line string) bool {
	return strings.Contains(line, "process.env")
}

// IsPlaceholderComment reports whether the line is a comment, or carries a
// trailing comment, that marks its URLs as placeholder or example values.
func IsPlaceholderComment(line string) bool {
	if IsCommentLine(line) {
		return placeholderRe.MatchString(line)
	}
	if idx := commentStart(line); idx >= 0 {
		return placeholderRe.MatchString(line[idx:])
	}
	return false
}

// IsCommentLine reports whether the whole line is a JS comment.
func IsCommentLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*")
}

type span struct {
	quote byte
	open  int
	close int
}

// stringSpans tokenizes just enough JavaScript to find string literals on a
// single line: quotes, backslash escapes and // comments.
func stringSpans(line string) []span {
	var spans []span
	var cur *span
	for i := 0; i < len(line); i++ {
		c := line[i]
		if cur != nil {
			switch c {
			case '\\':
				i++
			case cur.quote:
				cur.close = i
				spans = append(spans, *cur)
				cur = nil
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			cur = &span{quote: c, open: i, close: -1}
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return spans
			}
		}
	}
	if cur != nil {
		spans = append(spans, *cur)
	}
	return spans
}

func enclosingSpan(spans []span, start, end int) (span, bool) {
	for _, s := range spans {
		if s.open < start && (s.close == -1 || end <= s.close) {
			return s, true
		}
	}
	return span{}, false
}

// commentStart returns the offset of a // comment outside any string literal,
// or -1.
func commentStart(line string) int {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return i
			}
		}
	}
	return -1
}
