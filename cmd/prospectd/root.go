package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shpitdev/prospect-enrichment/internal/app"
	"github.com/shpitdev/prospect-enrichment/internal/config"
	"github.com/shpitdev/prospect-enrichment/internal/logging"
	"github.com/shpitdev/prospect-enrichment/internal/version"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// configError marks failures to load or validate configuration; they exit 2.
type configError struct{ err error }

func (e *configError) Error() string { return "config error: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "prospectd",
		Short:         "Prospect search and enrichment service",
		Version:       version.Current,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (env: "+config.PathEnv+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug|info|warn|error)")

	cmd.AddCommand(
		newServeCommand(opts),
		newWorkerCommand(opts),
		newSearchCommand(opts),
		newEnrichCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// load reads and validates the configuration for role and builds the logger.
func (o *rootOptions) load(role config.Role) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, &configError{err}
	}
	if strings.TrimSpace(o.logLevel) != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(role); err != nil {
		return config.Config{}, nil, &configError{err}
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format).With("role", string(role))
	return cfg, logger, nil
}

// open loads the configuration and assembles the application.
func (o *rootOptions) open(ctx context.Context, role config.Role) (*app.App, config.Config, *slog.Logger, error) {
	cfg, logger, err := o.load(role)
	if err != nil {
		return nil, cfg, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, cfg, nil, err
	}
	return a, cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
