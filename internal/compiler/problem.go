package compiler

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/ccsc-client/internal/lsp"
)

// DiagnosticSource is the source reported on diagnostics built from problems.
const DiagnosticSource = "ccsc-compiler"

// Severity indicates the severity of a problem.
type Severity string

const (
	// SeverityError is an error.
	SeverityError Severity = "error"
	// SeverityWarning is a warning.
	SeverityWarning Severity = "warning"
	// SeverityInfo is informational.
	SeverityInfo Severity = "info"
)

// Problem is one error, warning or note reported by the compiler.
type Problem struct {
	// File is the path as the compiler printed it.
	File string

	// Line is the line number (1-based).
	Line int

	// Column and EndColumn delimit the reported span on Line.
	Column    int
	EndColumn int

	// Severity indicates error, warning, or info.
	Severity Severity

	// Code is the compiler's numeric message code.
	Code int

	// Message is the problem description.
	Message string
}

// String formats the problem the way compilers usually print locations.
func (p Problem) String() string {
	return fmt.Sprintf("%s:%d:%d: %s %d: %s", p.File, p.Line, p.Column, p.Severity, p.Code, p.Message)
}

// Capture groups: severity, code, file, line, start column, end column, message.
//
//	>>> Warning 203 "C:\proj\main.c" Line 12(5,9): Condition always TRUE
var problemPattern = regexp.MustCompile(
	`^(?:>>>|\*\*\*|---)\s+([a-zA-Z]+)\s+(\d+)\s+"([^"\n]*)"\s+Line\s+(\d+)\((\d+),(\d+)\): (.*)$`,
)

// ParseLine parses a single line of compiler output.
func ParseLine(line string) (Problem, bool) {
	m := problemPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return Problem{}, false
	}

	code, err := strconv.Atoi(m[2])
	if err != nil {
		return Problem{}, false
	}
	lineNo, err := strconv.Atoi(m[4])
	if err != nil {
		return Problem{}, false
	}
	start, err := strconv.Atoi(m[5])
	if err != nil {
		return Problem{}, false
	}
	end, err := strconv.Atoi(m[6])
	if err != nil {
		return Problem{}, false
	}

	return Problem{
		File:      m[3],
		Line:      lineNo,
		Column:    start,
		EndColumn: end,
		Severity:  parseSeverity(m[1]),
		Code:      code,
		Message:   m[7],
	}, true
}

func parseSeverity(s string) Severity {
	switch s {
	case "Info", "info", "INFO":
		return SeverityInfo
	case "Warning", "warning", "WARNING":
		return SeverityWarning
	default:
		return SeverityError
	}
}

// Parse reads compiler output and returns every problem line it contains.
// Other lines are ignored.
func Parse(r io.Reader) ([]Problem, error) {
	var problems []Problem
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if p, ok := ParseLine(sc.Text()); ok {
			problems = append(problems, p)
		}
	}
	if err := sc.Err(); err != nil {
		return problems, fmt.Errorf("parse compiler output: %w", err)
	}
	return problems, nil
}

// ParseFile parses an error file. A missing file yields no problems.
func ParseFile(path string) ([]Problem, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open error file: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// ErrFile returns the error file the compiler writes for source: the same
// name with an .err extension.
func ErrFile(source string) string {
	return strings.TrimSuffix(source, filepath.Ext(source)) + ".err"
}

// IsErrFile reports whether path names a compiler error file.
func IsErrFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".err")
}

// Diagnostic converts p to an LSP diagnostic. Lines become 0-based; the
// column span is kept as reported.
func (p Problem) Diagnostic() lsp.Diagnostic {
	line := max(p.Line-1, 0)
	return lsp.Diagnostic{
		Range: lsp.Range{
			Start: lsp.Position{Line: line, Character: max(p.Column, 0)},
			End:   lsp.Position{Line: line, Character: max(p.EndColumn, p.Column, 0)},
		},
		Severity: p.lspSeverity(),
		Code:     p.Code,
		Source:   DiagnosticSource,
		Message:  p.Message,
	}
}

func (p Problem) lspSeverity() lsp.DiagnosticSeverity {
	switch p.Severity {
	case SeverityInfo:
		return lsp.DiagnosticSeverityInformation
	case SeverityWarning:
		return lsp.DiagnosticSeverityWarning
	default:
		return lsp.DiagnosticSeverityError
	}
}

// Resolve returns the absolute path of the file a problem refers to.
// Relative paths are taken relative to dir.
func (p Problem) Resolve(dir string) string {
	path := p.File
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	return filepath.Clean(path)
}

// Diagnostics groups problems by file URI. Relative file names are resolved
// against dir.
func Diagnostics(problems []Problem, dir string) map[lsp.DocumentURI][]lsp.Diagnostic {
	out := make(map[lsp.DocumentURI][]lsp.Diagnostic)
	for _, p := range problems {
		uri := lsp.FilePathToURI(p.Resolve(dir))
		out[uri] = append(out[uri], p.Diagnostic())
	}
	return out
}

// Count returns the number of problems with each severity.
func Count(problems []Problem) (errs, warnings, infos int) {
	for _, p := range problems {
		switch p.Severity {
		case SeverityError:
			errs++
		case SeverityWarning:
			warnings++
		case SeverityInfo:
			infos++
		}
	}
	return errs, warnings, infos
}
