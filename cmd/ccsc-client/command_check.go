package main

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/ccsc-client/internal/ccsc"
	"github.com/dshills/ccsc-client/internal/lsp"
)

func newCheckCmd(c *cli) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "check <file>...",
		Short: "Open files on the language server and print its diagnostics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root, err := os.Getwd()
			if err != nil {
				return err
			}

			cfg := *c.config
			cfg.Watch.Enabled = false

			var (
				mu   sync.Mutex
				seen = make(map[lsp.DocumentURI]bool)
			)
			published := make(chan struct{}, 1)
			onDiagnostics := func(uri lsp.DocumentURI, _ []lsp.Diagnostic) {
				mu.Lock()
				seen[uri] = true
				mu.Unlock()
				select {
				case published <- struct{}{}:
				default:
				}
			}

			ext, err := ccsc.New(&cfg, root,
				ccsc.WithLogger(c.logger),
				ccsc.WithVersion(version),
				ccsc.WithDiagnosticsHandler(onDiagnostics),
			)
			if err != nil {
				return err
			}
			if err := ext.Activate(ctx); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := c.shutdownContext()
				defer cancel()
				if err := ext.Deactivate(sctx); err != nil {
					c.logger.Warn("deactivate", "error", err)
				}
			}()

			paths := make([]string, 0, len(args))
			for _, arg := range args {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				if err := ext.OpenFile(ctx, abs); err != nil {
					return err
				}
				paths = append(paths, abs)
			}

			pending := func() int {
				mu.Lock()
				defer mu.Unlock()
				n := 0
				for _, p := range paths {
					if !seen[lsp.FilePathToURI(p)] {
						n++
					}
				}
				return n
			}

			deadline := time.NewTimer(wait)
			defer deadline.Stop()
		waitLoop:
			for pending() > 0 {
				select {
				case <-published:
				case <-deadline.C:
					c.logger.Warn("no diagnostics received", "files", pending(), "waited", wait)
					break waitLoop
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			byPath := make(map[string][]lsp.Diagnostic, len(paths))
			for _, p := range paths {
				byPath[p] = ext.Diagnostics().Get(p)
			}
			if printDiagnostics(cmd.OutOrStdout(), byPath, root) > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the server's diagnostics")
	return cmd
}
