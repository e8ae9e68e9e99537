package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mediguard/mediguard/internal/config"
	"github.com/mediguard/mediguard/internal/domain/chain"
	"github.com/mediguard/mediguard/internal/domain/prediction"
	"github.com/mediguard/mediguard/internal/platform/anchor"
	"github.com/mediguard/mediguard/internal/platform/auth"
	"github.com/mediguard/mediguard/internal/platform/cache"
	"github.com/mediguard/mediguard/internal/platform/db"
	"github.com/mediguard/mediguard/internal/platform/middleware"
	"github.com/mediguard/mediguard/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mediguard-server",
		Short:        "MediGuard AI prediction API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(chainCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MediGuard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore the database from a backup instead, then re-run migrate up.")
			return nil
		},
	})

	return cmd
}

// chainCmd groups the operator maintenance commands for the hash chain
// ledger: integrity verification, destructive rebuild, a manual anchor
// cycle, and head inspection.
func chainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect and maintain the prediction hash chain",
	}

	cmd.AddCommand(chainVerifyCmd())
	cmd.AddCommand(chainRebuildCmd())
	cmd.AddCommand(chainAnchorCmd())
	cmd.AddCommand(chainHeadCmd())

	return cmd
}

func chainVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk the full ledger and revalidate every hash link",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := openChainApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			spinner, _ := pterm.DefaultSpinner.Start("Verifying hash chain...")
			report, err := app.chainSvc.Verify(ctx)
			if err != nil {
				spinner.Fail("Verification aborted")
				return err
			}

			if report.Valid {
				spinner.Success(fmt.Sprintf("Chain valid: %d entries checked in %s", report.Entries, report.Duration))
				return nil
			}

			spinner.Fail(fmt.Sprintf("Chain INVALID: %d entries checked in %s", report.Entries, report.Duration))
			for _, msg := range report.Errors {
				pterm.Error.Println(msg)
			}
			return fmt.Errorf("chain verification found %d discrepancies", len(report.Errors))
		},
	}
}

func chainRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Delete the ledger and rebuild it from stored predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				pterm.Warning.Println("This deletes every chain entry and replays all predictions in chronological order.")
				pterm.Warning.Println("Anchor references on existing entries are lost.")
				answer, _ := pterm.DefaultInteractiveTextInput.
					WithDefaultText("Type 'yes' to continue").
					Show()
				if strings.TrimSpace(answer) != "yes" {
					pterm.Info.Println("Rebuild cancelled.")
					return nil
				}
			}

			ctx := context.Background()
			app, err := openChainApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			var bar *pterm.ProgressbarPrinter
			result, err := app.chainSvc.Rebuild(ctx, func(done, total int) {
				if bar == nil {
					bar, _ = pterm.DefaultProgressbar.
						WithTotal(total).
						WithTitle("Replaying predictions").
						Start()
				}
				bar.Increment()
			})
			if bar != nil {
				_, _ = bar.Stop()
			}
			if err != nil {
				pterm.Error.Printfln("Rebuild failed: %v", err)
				return err
			}

			pterm.Success.Printfln("Rebuilt %d entries from %d predictions in %s",
				result.Entries, result.Predictions, result.Duration)

			if !result.Report.Valid {
				for _, msg := range result.Report.Errors {
					pterm.Error.Println(msg)
				}
				return fmt.Errorf("rebuilt ledger failed verification with %d discrepancies", len(result.Report.Errors))
			}
			pterm.Info.Printfln("Verification passed: %d entries", result.Report.Entries)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Skip the interactive confirmation")
	return cmd
}

func chainAnchorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anchor",
		Short: "Commit the current chain head to the anchor service now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := openChainApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			anchorSvc, err := anchor.New(ctx, anchorSettings(app.cfg), app.logger)
			if err != nil {
				return err
			}
			defer anchorSvc.Close()

			committer := anchor.NewCommitter(app.chainSvc, anchorSvc,
				app.cfg.AnchorCommitInterval, app.cfg.AnchorBatchSize, app.logger)

			spinner, _ := pterm.DefaultSpinner.Start("Committing chain head to anchor service...")
			result, err := committer.RunCycle(ctx)
			if err != nil {
				spinner.Fail("Anchor cycle failed")
				return err
			}
			if result.Skipped {
				spinner.Success("Nothing to anchor: no pending entries")
				return nil
			}

			spinner.Success(fmt.Sprintf("Anchored %d entries at position %d", result.Anchored, result.Position))
			pterm.Info.Printfln("Reference: %s", result.Reference)
			return nil
		},
	}
}

func chainHeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Print the current chain head and ledger totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := openChainApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			status, err := app.chainSvc.Status(ctx)
			if err != nil {
				return err
			}

			if status.TotalEntries == 0 {
				pterm.Info.Println("Ledger is empty.")
				return nil
			}

			pterm.Info.Printfln("Head hash:      %s", *status.HeadHash)
			pterm.Info.Printfln("Total entries:  %d", status.TotalEntries)
			pterm.Info.Printfln("Pending anchor: %d", status.PendingAnchor)
			if status.LastEntryAt != nil {
				pterm.Info.Printfln("Last entry at:  %s", status.LastEntryAt.Format(time.RFC3339))
			}
			if status.LastAnchoredRef != nil {
				pterm.Info.Printfln("Last anchor:    %s", *status.LastAnchoredRef)
			}
			return nil
		},
	}
}

// chainApp bundles the handles the chain subcommands share.
type chainApp struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	chainSvc *chain.Service
	logger   zerolog.Logger
}

func (a *chainApp) close() {
	a.pool.Close()
}

// openChainApp loads config, connects to the database and builds the chain
// service. Service logs go to stderr at warn level so they do not fight the
// pterm output on stdout.
func openChainApp(ctx context.Context) (*chainApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	predRepo := prediction.NewRepoPG(pool)
	chainSvc := chain.NewService(chain.NewEntryRepoPG(pool), prediction.NewChainSource(predRepo), logger)

	return &chainApp{cfg: cfg, pool: pool, chainSvc: chainSvc, logger: logger}, nil
}

// anchorSettings maps the loaded configuration onto the anchor backend
// config, resolving the network name to its EVM chain id.
func anchorSettings(cfg *config.Config) anchor.Config {
	chainID, _ := cfg.AnchorChainID()
	return anchor.Config{
		Simulated:          cfg.AnchorSimulated,
		RPCURL:             cfg.AnchorRPCURL,
		PrivateKey:         cfg.AnchorPrivateKey,
		Network:            cfg.AnchorNetwork,
		ChainID:            chainID,
		ContractAddress:    cfg.AnchorContractAddress,
		GasLimit:           cfg.AnchorGasLimit,
		GasPriceMultiplier: cfg.AnchorGasPriceMultiplier,
		StorePath:          cfg.AnchorStorePath,
		ConfirmTimeout:     cfg.AnchorConfirmTimeout,
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis cache is optional; dashboard stats fall back to live aggregation
	// when it is absent or unreachable.
	var cacheClient *cache.Client
	if cfg.RedisHost != "" {
		cacheClient, err = cache.New(cfg.RedisHost, cfg.RedisPort, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, dashboard caching disabled")
			cacheClient = nil
		} else {
			defer cacheClient.Close()
		}
	}

	// Anchor backend (simulated LevelDB store or Ethereum client)
	anchorSvc, err := anchor.New(ctx, anchorSettings(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize anchor service")
	}
	defer anchorSvc.Close()

	// Domain wiring: prediction saves and chain appends share one
	// transaction through the TxRunner.
	predRepo := prediction.NewRepoPG(pool)
	chainSvc := chain.NewService(chain.NewEntryRepoPG(pool), prediction.NewChainSource(predRepo), logger)
	predSvc := prediction.NewService(predRepo, chainSvc,
		func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		}, cacheClient, logger)

	// Periodic anchor committer
	committer := anchor.NewCommitter(chainSvc, anchorSvc,
		cfg.AnchorCommitInterval, cfg.AnchorBatchSize, logger)
	if err := committer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start anchor committer")
	}
	defer committer.Stop()

	// Telemetry
	metrics := telemetry.NewProvider()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware([]byte(cfg.AuthJWTSecret)))
	}

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Domain handlers
	prediction.NewHandler(predSvc).RegisterRoutes(apiV1)
	chain.NewHandler(chainSvc, committer, anchorSvc).RegisterRoutes(apiV1)

	// Health checks and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", metrics.PrometheusHandler())

	// Pool and ledger gauges refresh in the background.
	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()
	go sampleGauges(samplerCtx, metrics, pool, chainSvc)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Bool("anchor_simulated", cfg.AnchorSimulated).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// sampleGauges refreshes database pool and ledger gauges every 15 seconds
// until ctx is cancelled.
func sampleGauges(ctx context.Context, metrics *telemetry.Provider, pool *pgxpool.Pool, chainSvc *chain.Service) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.GetPoolStats(pool)
			metrics.SetGauge("db_pool_total_conns", int64(stats.TotalConns))
			metrics.SetGauge("db_pool_idle_conns", int64(stats.IdleConns))
			metrics.SetGauge("db_pool_acquired_conns", int64(stats.AcquiredConns))

			status, err := chainSvc.Status(ctx)
			if err != nil {
				continue
			}
			metrics.SetGauge("chain_entries_total", status.TotalEntries)
			metrics.SetGauge("chain_pending_anchor", status.PendingAnchor)
		}
	}
}
