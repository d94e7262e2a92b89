package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radiusdt/adstats/internal/httpserver"
	"github.com/radiusdt/adstats/internal/middleware"
	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "adstats",
		Short:        "adstats - ad performance stats pipeline",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(rollupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scheduler and the queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	cfg, logger := a.cfg, a.logger
	logger.Info("starting adstats",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("provider", cfg.Provider.Mode),
	)

	q, err := a.queue(ctx)
	if err != nil {
		return err
	}
	proc, err := a.processor()
	if err != nil {
		return err
	}

	limiter := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpserver.NewServer(&httpserver.Dependencies{
			Queue:       q,
			Config:      cfg,
			Logger:      logger,
			RateLimiter: limiter,
			Checks:      a.checks,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return q.Start(gctx, proc.Handle)
	})

	g.Go(func() error {
		limiter.RunCleanup(gctx)
		return nil
	})

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(a.store, q, cfg.Scheduler.Interval, logger, a.metrics)
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func syncCmd() *cobra.Command {
	var tenantID, date string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Enqueue CAMPAIGN, ADSET and AD sync jobs for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(date)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			q, err := a.queue(ctx)
			if err != nil {
				return err
			}
			for _, level := range models.AllLevels() {
				id, created, err := q.Enqueue(ctx, models.NewJobPayload(tenantID, level, day))
				if err != nil {
					return err
				}
				status := "enqueued"
				if !created {
					status = "already pending"
				}
				fmt.Printf("%s\t%s\n", id, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&date, "date", "", "Date to sync (YYYY-MM-DD, default today)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runCmd() *cobra.Command {
	var tenantID, level, date string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one sync job inline, without the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(date)
			if err != nil {
				return err
			}
			lvl, err := models.ParseLevel(level)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			proc, err := a.processor()
			if err != nil {
				return err
			}
			res, err := proc.Process(ctx, models.NewJobPayload(tenantID, lvl, day))
			if err != nil {
				return err
			}

			fmt.Printf("job:       %s\n", res.JobID)
			fmt.Printf("entities:  %d\n", res.Entities)
			fmt.Printf("raw rows:  %d\n", res.RawRows)
			fmt.Printf("daily:     %d\n", res.DailyRows)
			fmt.Printf("sellpage:  %d\n", res.SellpageRows)
			fmt.Printf("duration:  %s\n", res.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&level, "level", string(models.LevelCampaign), "Entity level (CAMPAIGN, ADSET, AD)")
	cmd.Flags().StringVar(&date, "date", "", "Date to sync (YYYY-MM-DD, default today)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func rollupCmd() *cobra.Command {
	var tenantID, date string

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Recompute sellpage rollups from campaign daily stats",
		Long: `Recompute the per-sellpage daily rollup for one tenant, or for every
eligible tenant when --tenant is omitted. A failing tenant is logged and
skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := parseDay(date)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			tenants := []string{tenantID}
			if tenantID == "" {
				if tenants, err = a.store.ListEligibleTenants(ctx); err != nil {
					return err
				}
			}

			byTenant := make(map[string][]string, len(tenants))
			for _, t := range tenants {
				h, err := a.resolver.Resolve(ctx, t)
				if err != nil {
					a.logger.Error("failed to resolve tenant", zap.String("tenant_id", t), zap.Error(err))
					continue
				}
				byTenant[t] = h.IDs(models.LevelCampaign)
			}

			total, failed := a.rollup.RollupTenants(ctx, day, byTenant)
			fmt.Printf("tenants: %d, rows: %d, failed: %d\n", len(byTenant), total, failed)
			if failed > 0 {
				return fmt.Errorf("%d tenant rollups failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id (default all eligible tenants)")
	cmd.Flags().StringVar(&date, "date", "", "Date to roll up (YYYY-MM-DD, default today)")

	return cmd
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return models.Day(time.Now()), nil
	}
	d, err := models.ParseDate(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}
