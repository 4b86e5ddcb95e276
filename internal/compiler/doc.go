// Package compiler runs the ccsc compiler and turns what it reports into
// problems and LSP diagnostics.
//
// The compiler is invoked through the command package with a fixed flag
// list followed by the absolute source path, never through a shell. It
// prints problem lines such as
//
//	>>> Warning 203 "C:\proj\main.c" Line 12(5,9): Condition always TRUE
//	*** Error 12 "main.c" Line 4(3,7): Undefined identifier
//
// on its output and also writes them to an error file next to the source
// (main.c produces main.err). Compile collects both.
//
//	c := compiler.New(compiler.DefaultConfig(), compiler.WithLogger(logger))
//	report, err := c.Compile(ctx, "src/main.c")
//	if err != nil {
//	    return err // not started, timed out or cancelled
//	}
//	for _, p := range report.Problems {
//	    fmt.Println(p)
//	}
//
// Problem.Diagnostic converts a problem to an lsp.Diagnostic with source
// "ccsc-compiler"; lines become 0-based.
package compiler
