package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/shpitdev/prospect-enrichment/internal/app"
	"github.com/shpitdev/prospect-enrichment/internal/auth"
	"github.com/shpitdev/prospect-enrichment/internal/config"
	"github.com/shpitdev/prospect-enrichment/internal/search"
	"github.com/shpitdev/prospect-enrichment/internal/version"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the people-search, prospect and enrichment API.

By default the process also consumes the enrichment queue. Pass
--with-worker=false when workers run as separate processes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, cfg, logger, err := root.open(ctx, config.RoleServe)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			var wg sync.WaitGroup
			if withWorker {
				wg.Add(1)
				go func() {
					defer wg.Done()
					a.RunWorker(ctx)
				}()
			}

			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           a.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http listening", "addr", cfg.HTTP.Addr, "version", version.Current, "with_worker", withWorker)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					stop()
					wg.Wait()
					return fmt.Errorf("http server: %w", err)
				}
			case <-ctx.Done():
			}

			logger.Info("shutting down", "timeout", cfg.HTTP.ShutdownTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			err = srv.Shutdown(shutdownCtx)
			wg.Wait()
			return err
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "also consume the enrichment queue in this process")
	return cmd
}

func newWorkerCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the enrichment queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, _, _, err := root.open(ctx, config.RoleWorker)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			a.RunWorker(ctx)
			return nil
		},
	}
}

type principalFlags struct {
	tenant string
	user   string
}

func (p *principalFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.tenant, "tenant", "", "tenant ID (required)")
	cmd.Flags().StringVar(&p.user, "user", "cli", "acting user ID")
	_ = cmd.MarkFlagRequired("tenant")
}

func (p *principalFlags) principal() auth.Principal {
	return auth.Principal{TenantID: p.tenant, UserID: p.user}
}

func newSearchCommand(root *rootOptions) *cobra.Command {
	var (
		who      principalFlags
		filters  search.Filters
		page     int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run one people search and print the result as JSON",
		Example: `  prospectd search --tenant acme --title CFO --seniority c_suite
  prospectd search --tenant acme --keywords "analytical engines" --page 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, _, _, err := root.open(ctx, config.RoleSearch)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			res, err := a.Search.SearchPeople(ctx, who.principal(), filters, page, pageSize)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	who.register(cmd)
	f := cmd.Flags()
	f.StringSliceVar(&filters.Titles, "title", nil, "job title filter (repeatable)")
	f.StringSliceVar(&filters.Seniorities, "seniority", nil, "seniority filter (repeatable)")
	f.StringSliceVar(&filters.Industries, "industry", nil, "industry filter (repeatable)")
	f.StringSliceVar(&filters.Locations, "location", nil, "location filter (repeatable)")
	f.StringSliceVar(&filters.CompanySizeRanges, "company-size", nil, "employee range such as 51,200 (repeatable)")
	f.StringVar(&filters.Keywords, "keywords", "", "free-text keywords")
	f.IntVar(&page, "page", 1, "result page")
	f.IntVar(&pageSize, "page-size", 25, "results per page")
	return cmd
}

func newEnrichCommand(root *rootOptions) *cobra.Command {
	var who principalFlags
	cmd := &cobra.Command{
		Use:   "enrich <prospect-id>",
		Short: "Enrich one prospect synchronously and print it as JSON",
		Long: `Enrich one prospect in this process without going through the queue.

A prospect that is fresh or already being enriched is left alone and the
command reports already_enriched or in_progress.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, _, _, err := root.open(ctx, config.RoleEnrich)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()
			return enrichOne(ctx, cmd, a, args[0], who.principal())
		},
	}
	who.register(cmd)
	return cmd
}

func enrichOne(ctx context.Context, cmd *cobra.Command, a *app.App, id string, p auth.Principal) error {
	res, err := a.Orchestrator.RunNow(ctx, id, p.TenantID, p.UserID)
	if err != nil {
		return err
	}
	got, err := a.Prospects.Get(ctx, p.TenantID, id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"result": res, "prospect": got})
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load(config.RoleMigrate)
			if err != nil {
				return err
			}
			if err := app.Migrate(cmd.Context(), cfg); err != nil {
				return err
			}
			logger.Info("migrations applied", "database", cfg.Database.Path)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.UserAgent())
		},
	}
}
