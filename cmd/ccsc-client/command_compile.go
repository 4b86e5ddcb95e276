package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/ccsc-client/internal/ccsc"
	"github.com/dshills/ccsc-client/internal/command"
)

func newCompileCmd(c *cli) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Compile a source file and print the problems reported",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			opts := []ccsc.Option{ccsc.WithLogger(c.logger)}
			if verbose {
				errOut := cmd.ErrOrStderr()
				opts = append(opts, ccsc.WithCompilerOutput(func(_ command.Stream, line string) {
					fmt.Fprintln(errOut, line)
				}))
			}

			ext, err := ccsc.New(c.config, "", opts...)
			if err != nil {
				return err
			}
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}

			report, err := ext.Compile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printProblems(out, report)

			if !report.Success() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "stream compiler output to stderr")
	return cmd
}
