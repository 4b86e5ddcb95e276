package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/ccsc-client/internal/lsp"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Problem
		ok   bool
	}{
		{
			name: "warning",
			line: `>>> Warning 203 "C:\proj\main.c" Line 12(5,9): Condition always TRUE`,
			want: Problem{
				File: `C:\proj\main.c`, Line: 12, Column: 5, EndColumn: 9,
				Severity: SeverityWarning, Code: 203, Message: "Condition always TRUE",
			},
			ok: true,
		},
		{
			name: "error",
			line: `*** Error 12 "main.c" Line 4(3,7): Undefined identifier   x`,
			want: Problem{
				File: "main.c", Line: 4, Column: 3, EndColumn: 7,
				Severity: SeverityError, Code: 12, Message: "Undefined identifier   x",
			},
			ok: true,
		},
		{
			name: "info",
			line: `--- Info 300 "/src/lib.h" Line 1(0,1): Memory usage`,
			want: Problem{
				File: "/src/lib.h", Line: 1, Column: 0, EndColumn: 1,
				Severity: SeverityInfo, Code: 300, Message: "Memory usage",
			},
			ok: true,
		},
		{
			name: "unknown severity defaults to error",
			line: `>>> Fatal 1 "a.c" Line 2(1,2): boom`,
			want: Problem{
				File: "a.c", Line: 2, Column: 1, EndColumn: 2,
				Severity: SeverityError, Code: 1, Message: "boom",
			},
			ok: true,
		},
		{
			name: "carriage return",
			line: ">>> Warning 5 \"a.c\" Line 2(1,2): crlf\r",
			want: Problem{
				File: "a.c", Line: 2, Column: 1, EndColumn: 2,
				Severity: SeverityWarning, Code: 5, Message: "crlf",
			},
			ok: true,
		},
		{name: "summary line", line: "      1 Errors,  1 Warnings.", ok: false},
		{name: "missing prefix", line: `Warning 203 "a.c" Line 1(1,2): x`, ok: false},
		{name: "missing span", line: `>>> Warning 203 "a.c" Line 1: x`, ok: false},
		{name: "empty", line: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ParseLine() ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("ParseLine() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input string
		want  Severity
	}{
		{"Error", SeverityError},
		{"Warning", SeverityWarning},
		{"warning", SeverityWarning},
		{"Info", SeverityInfo},
		{"INFO", SeverityInfo},
		{"Note", SeverityError},
		{"", SeverityError},
	}

	for _, tt := range tests {
		if got := parseSeverity(tt.input); got != tt.want {
			t.Errorf("parseSeverity(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	output := strings.Join([]string{
		"CCS PCM C Compiler, Version 5.0",
		`>>> Warning 203 "main.c" Line 12(5,9): Condition always TRUE`,
		`*** Error 12 "main.c" Line 4(3,7): Undefined identifier`,
		"      1 Errors,  1 Warnings.",
	}, "\r\n")

	problems, err := Parse(strings.NewReader(output))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(problems) != 2 {
		t.Fatalf("got %d problems, want 2", len(problems))
	}
	if problems[0].Code != 203 || problems[1].Code != 12 {
		t.Errorf("problems = %+v", problems)
	}

	errs, warnings, infos := Count(problems)
	if errs != 1 || warnings != 1 || infos != 0 {
		t.Errorf("Count() = %d, %d, %d", errs, warnings, infos)
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()

	problems, err := ParseFile(filepath.Join(dir, "missing.err"))
	if err != nil || problems != nil {
		t.Errorf("ParseFile(missing) = %v, %v", problems, err)
	}

	path := filepath.Join(dir, "main.err")
	content := `*** Error 12 "main.c" Line 4(3,7): Undefined identifier` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	problems, err = ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(problems) != 1 || problems[0].Message != "Undefined identifier" {
		t.Errorf("problems = %+v", problems)
	}
}

func TestErrFile(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/work/main.c", "/work/main.err"},
		{"/work/io.h", "/work/io.err"},
		{"/work/noext", "/work/noext.err"},
		{"/work/v1.2/main.c", "/work/v1.2/main.err"},
	}

	for _, tt := range tests {
		if got := ErrFile(tt.in); got != tt.want {
			t.Errorf("ErrFile(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if !IsErrFile("/w/MAIN.ERR") || IsErrFile("/w/main.c") {
		t.Error("IsErrFile mismatch")
	}
}

func TestProblemDiagnostic(t *testing.T) {
	p := Problem{File: "main.c", Line: 12, Column: 5, EndColumn: 9, Severity: SeverityWarning, Code: 203, Message: "msg"}
	d := p.Diagnostic()

	want := lsp.Range{
		Start: lsp.Position{Line: 11, Character: 5},
		End:   lsp.Position{Line: 11, Character: 9},
	}
	if d.Range != want {
		t.Errorf("Range = %+v, want %+v", d.Range, want)
	}
	if d.Severity != lsp.DiagnosticSeverityWarning {
		t.Errorf("Severity = %v", d.Severity)
	}
	if d.Source != DiagnosticSource || d.Code != 203 || d.Message != "msg" {
		t.Errorf("diagnostic = %+v", d)
	}

	// Line 0 never produces a negative position.
	d = Problem{Line: 0, Column: 3, EndColumn: 1}.Diagnostic()
	if d.Range.Start.Line != 0 || d.Range.End.Character != 3 {
		t.Errorf("Range = %+v", d.Range)
	}
	if d.Severity != lsp.DiagnosticSeverityError {
		t.Errorf("Severity = %v, want error", d.Severity)
	}
}

func TestDiagnostics(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "lib.h")
	problems := []Problem{
		{File: "main.c", Line: 1, Severity: SeverityError},
		{File: "main.c", Line: 2, Severity: SeverityWarning},
		{File: abs, Line: 3, Severity: SeverityInfo},
	}

	got := Diagnostics(problems, dir)
	mainURI := lsp.FilePathToURI(filepath.Join(dir, "main.c"))
	if len(got[mainURI]) != 2 {
		t.Errorf("main.c diagnostics = %+v", got[mainURI])
	}
	if len(got[lsp.FilePathToURI(abs)]) != 1 {
		t.Errorf("lib.h diagnostics = %+v", got)
	}
}
