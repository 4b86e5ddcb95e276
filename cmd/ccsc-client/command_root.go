package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/ccsc-client/internal/config"
	"github.com/dshills/ccsc-client/internal/logging"
)

// cli holds the state shared by the subcommands once the root command has
// loaded the configuration.
type cli struct {
	configPath string
	logLevel   string

	config *config.Config
	logger *slog.Logger
	closer io.Closer
}

// newRootCmd builds the command tree. Run it with cli.execute so the log
// file is closed whatever the outcome.
func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}

	root := &cobra.Command{
		Use:           "ccsc-client",
		Short:         "Client for the ccsc language server and compiler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "path to a TOML or YAML config file (default: search the working directory)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides the config)")

	root.AddCommand(newCheckCmd(c))
	root.AddCommand(newCompileCmd(c))
	root.AddCommand(newWatchCmd(c))
	root.AddCommand(newVersionCmd())

	return root, c
}

// execute runs root and then closes the log file, also when the command
// failed.
func (c *cli) execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if cerr := c.close(); err == nil {
		err = cerr
	}
	return err
}

// load reads the configuration and builds the logger.
func (c *cli) load() error {
	path := c.configPath
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = config.Find(wd)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}

	logger, closer, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return err
	}
	c.config, c.logger, c.closer = cfg, logger, closer

	if path != "" {
		logger.Debug("configuration loaded", "path", path)
	}
	return nil
}

func (c *cli) close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

// shutdownContext bounds stopping the language server: the protocol
// shutdown, the terminate grace period and a second of slack.
func (c *cli) shutdownContext() (context.Context, context.CancelFunc) {
	d := c.config.Session.ShutdownTimeout.D() + c.config.Session.TerminateGrace.D() + time.Second
	return context.WithTimeout(context.Background(), d)
}
