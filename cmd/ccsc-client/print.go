package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/ccsc-client/internal/compiler"
	"github.com/dshills/ccsc-client/internal/lsp"
)

// exitError ends the command with a status code and no further message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// printDiagnostics writes one line per diagnostic, files in path order,
// and returns the number of errors.
func printDiagnostics(w io.Writer, byPath map[string][]lsp.Diagnostic, base string) int {
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	errs := 0
	for _, p := range paths {
		name := relPath(base, p)
		for _, d := range lsp.SortDiagnosticsBySeverity(byPath[p]) {
			if d.Severity == lsp.DiagnosticSeverityError {
				errs++
			}
			fmt.Fprintln(w, lsp.FormatDiagnosticWithLocation(name, d))
		}
	}
	return errs
}

func printProblems(w io.Writer, report *compiler.Report) {
	base := filepath.Dir(report.File)
	for _, p := range report.Problems {
		p.File = relPath(base, p.Resolve(base))
		fmt.Fprintln(w, p.String())
	}
	errs, warnings, infos := compiler.Count(report.Problems)
	fmt.Fprintf(w, "%d errors, %d warnings, %d notes\n", errs, warnings, infos)
}

// relPath shortens path relative to base when it lies below it.
func relPath(base, path string) string {
	if base == "" {
		return path
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
