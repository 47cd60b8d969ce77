package remediate

import (
	"os"
	"strings"

	cwerrors "github.com/picnotebook/configwatch/internal/errors"
	"github.com/picnotebook/configwatch/internal/finding"
	"github.com/picnotebook/configwatch/internal/probe"
)

// splitKeep splits s into lines that keep their terminators, so joining the
// slice reproduces s byte for byte.
func splitKeep(s string) []string {
	return strings.SplitAfter(s, "\n")
}

// lineText strips the terminator from a line returned by splitKeep.
func lineText(line string) (text, term string) {
	text = strings.TrimSuffix(line, "\n")
	text = strings.TrimSuffix(text, "\r")
	return text, line[len(text):]
}

// locate returns the index of the line the locator points at when it still
// satisfies match. Otherwise it scans the whole file, returning the first or
// the last matching line. It returns -1 when nothing matches.
func locate(lines []string, lineNo int, preferLast bool, match func(text string) bool) int {
	if lineNo > 0 && lineNo <= len(lines) {
		if text, _ := lineText(lines[lineNo-1]); match(text) {
			return lineNo - 1
		}
	}
	found := -1
	for i, line := range lines {
		text, _ := lineText(line)
		if !match(text) {
			continue
		}
		if !preferLast {
			return i
		}
		found = i
	}
	return found
}

func assignmentNamed(name string) func(string) bool {
	return func(text string) bool {
		a, ok := probe.MatchEnvAssignment(text)
		return ok && a.Name == name
	}
}

// planEnvLine rewrites exactly one line of the env file.
func planEnvLine(f finding.Finding) (edit, error) {
	data, err := os.ReadFile(f.TargetFile)
	if err != nil {
		return edit{}, err
	}
	lines := splitKeep(string(data))

	if f.Locator.Match != "" {
		return replaceWholeLine(data, lines, f)
	}
	if f.Locator.Variable == "" {
		return edit{}, cwerrors.ErrStaleLocator
	}

	idx := locate(lines, f.Locator.Line, true, assignmentNamed(f.Locator.Variable))
	if idx < 0 {
		return edit{}, cwerrors.ErrStaleLocator
	}
	return setAssignment(data, lines, idx, f.Expected), nil
}

// replaceWholeLine handles findings on lines that are not plain URL
// assignments. The locator carries the full line text.
func replaceWholeLine(data []byte, lines []string, f finding.Finding) (edit, error) {
	idx := locate(lines, f.Locator.Line, false, func(text string) bool { return text == f.Locator.Match })
	if idx < 0 {
		if locate(lines, f.Locator.Line, false, func(text string) bool { return text == f.Expected }) >= 0 {
			return edit{content: data, before: f.Locator.Match, after: f.Expected}, nil
		}
		return edit{}, cwerrors.ErrStaleLocator
	}
	_, term := lineText(lines[idx])
	lines[idx] = f.Expected + term
	return edit{
		content: []byte(strings.Join(lines, "")),
		before:  f.Locator.Match,
		after:   f.Expected,
	}, nil
}

// setAssignment gives the assignment at lines[idx] a new value, keeping its
// prefix, separator and quoting. A line that already holds value is left as is.
func setAssignment(data []byte, lines []string, idx int, value string) edit {
	text, term := lineText(lines[idx])
	a, _ := probe.MatchEnvAssignment(text)
	if a.Value == value {
		return edit{content: data, before: a.Value, after: value}
	}
	lines[idx] = a.Render(value) + term
	return edit{
		content: []byte(strings.Join(lines, "")),
		before:  a.Value,
		after:   value,
	}
}

// planMissingVariable appends NAME=value. If the variable appeared since the
// scan, its line is rewritten instead.
func planMissingVariable(f finding.Finding) (edit, error) {
	name := f.Locator.Variable
	if name == "" {
		return edit{}, cwerrors.ErrStaleLocator
	}
	data, err := os.ReadFile(f.TargetFile)
	if err != nil {
		return edit{}, err
	}
	lines := splitKeep(string(data))
	if idx := locate(lines, 0, true, assignmentNamed(name)); idx >= 0 {
		return setAssignment(data, lines, idx, f.Expected), nil
	}

	out := string(data)
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += name + "=" + f.Expected + "\n"
	return edit{content: []byte(out), after: f.Expected}, nil
}
