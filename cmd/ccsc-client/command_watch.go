package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/dshills/ccsc-client/internal/ccsc"
	"github.com/dshills/ccsc-client/internal/lsp"
)

func newWatchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir]",
		Short: "Run the language server and follow compiler error files until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			cfg := *c.config
			cfg.Watch.Enabled = true

			out := cmd.OutOrStdout()
			var outMu sync.Mutex
			var ext *ccsc.Extension
			onDiagnostics := func(uri lsp.DocumentURI, diags []lsp.Diagnostic) {
				path := lsp.URIToFilePath(uri)
				outMu.Lock()
				defer outMu.Unlock()
				fmt.Fprintf(out, "%s: %d diagnostics\n", relPath(ext.Root(), path), len(diags))
				printDiagnostics(out, map[string][]lsp.Diagnostic{path: diags}, ext.Root())
			}

			var err error
			ext, err = ccsc.New(&cfg, dir,
				ccsc.WithLogger(c.logger),
				ccsc.WithVersion(version),
				ccsc.WithDiagnosticsHandler(onDiagnostics),
				ccsc.WithStateChangeHandler(func(from, to lsp.State) {
					c.logger.Info("language server", "state", to.String())
				}),
			)
			if err != nil {
				return err
			}
			if err := ext.Activate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "watching %s (Ctrl-C to stop)\n", ext.Root())

			<-ctx.Done()

			sctx, cancel := c.shutdownContext()
			defer cancel()
			return ext.Deactivate(sctx)
		},
	}
}
