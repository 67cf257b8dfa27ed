package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medtrail/medtrail/internal/config"
	"github.com/medtrail/medtrail/internal/domain/audit"
	"github.com/medtrail/medtrail/internal/domain/keys"
	"github.com/medtrail/medtrail/internal/platform/anchor"
	"github.com/medtrail/medtrail/internal/platform/auth"
	"github.com/medtrail/medtrail/internal/platform/crypto"
	"github.com/medtrail/medtrail/internal/platform/db"
	"github.com/medtrail/medtrail/internal/platform/hub"
	"github.com/medtrail/medtrail/internal/platform/kdf"
	"github.com/medtrail/medtrail/internal/platform/middleware"
)

// hubNotifier adapts the subscriber hub to the audit.Notifier interface
// so recorded entries fan out to connected monitoring clients.
type hubNotifier struct {
	hub    *hub.Hub
	logger zerolog.Logger
}

func (n *hubNotifier) EntryRecorded(e *audit.Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		n.logger.Error().Err(err).Int64("entry_id", e.ID).Msg("marshal entry for hub")
		return
	}
	n.hub.Notify(hub.Notification{
		ActorID:      e.ActorID,
		ResourceType: e.ResourceType,
		Action:       string(e.Action),
		Entry:        raw,
	})
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "medtrail-server",
		Short: "Compliance audit and key lifecycle server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API server",
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
			schema, _ := cmd.Flags().GetString("schema")
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
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
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
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
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
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage encryption keys",
	}

	sweepCmd := &cobra.Command{
		Use:   "compliance-sweep",
		Short: "Evaluate every key against its rotation policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			backend, err := kdfBackend(cfg, logger)
			if err != nil {
				return err
			}

			registry := keys.NewRegistry(keys.NewPGRepository(pool), backend, keys.NewMaterialCache(cfg.KeyCacheTTL), logger)

			reports, err := registry.SweepCompliance(ctx)
			if err != nil {
				return fmt.Errorf("compliance sweep failed: %w", err)
			}

			if len(reports) == 0 {
				fmt.Println("All keys compliant.")
				return nil
			}

			fmt.Printf("%-38s %-12s %-16s %s\n", "KEY ID", "STATUS", "POLICY", "FINDINGS")
			for _, r := range reports {
				for i, issue := range r.Issues {
					if i == 0 {
						fmt.Printf("%-38s %-12s %-16s [%s] %s\n", r.KeyID, r.Status, r.Policy, issue.Severity, issue.Detail)
					} else {
						fmt.Printf("%-38s %-12s %-16s [%s] %s\n", "", "", "", issue.Severity, issue.Detail)
					}
				}
			}
			return fmt.Errorf("%d key(s) with findings", len(reports))
		},
	}
	cmd.AddCommand(sweepCmd)

	return cmd
}

// kdfBackend selects the derivation backend: a remote KDF service when
// KDF_URL is set, otherwise local HKDF from KDF_SECRET.
func kdfBackend(cfg *config.Config, logger zerolog.Logger) (kdf.Backend, error) {
	if cfg.KDFURL != "" {
		return kdf.NewHTTPBackend(cfg.KDFURL, cfg.KDFTimeout, logger), nil
	}
	backend, err := kdf.NewLocalBackend([]byte(cfg.KDFSecret))
	if err != nil {
		return nil, fmt.Errorf("local KDF backend: %w", err)
	}
	return backend, nil
}

func anchorClient(cfg *config.Config, logger zerolog.Logger) (anchor.Client, error) {
	if cfg.AnchorURL != "" {
		return anchor.NewHTTPClient(cfg.AnchorURL, cfg.AnchorTimeout, logger), nil
	}
	if !cfg.IsDev() {
		return nil, fmt.Errorf("ANCHOR_URL is required when ENV=%q", cfg.Env)
	}
	logger.Warn().Msg("ANCHOR_URL not set; using in-process mock anchor")
	return anchor.NewMockClient(), nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Key registry
	backend, err := kdfBackend(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create KDF backend")
	}
	registry := keys.NewRegistry(keys.NewPGRepository(pool), backend, keys.NewMaterialCache(cfg.KeyCacheTTL), logger)

	// Envelope encryption, keyed by the registry
	cryptoSvc := crypto.NewService(registry, cfg.ChunkSize)

	// Anchor client and audit ledger
	anchorCli, err := anchorClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create anchor client")
	}

	auditRepo := audit.NewPGRepository(pool)
	batcher := audit.NewBatcher(auditRepo, anchorCli, cfg.BatchInterval, cfg.BatchThreshold, logger)

	// Subscriber hub
	eventHub := hub.NewHub(64, logger)
	defer eventHub.Close()

	auditSvc := audit.NewService(auditRepo, anchorCli, audit.MultiNotifier(
		batcher,
		&hubNotifier{hub: eventHub, logger: logger},
	), logger)

	batcherCtx, batcherCancel := context.WithCancel(ctx)
	go batcher.Start(batcherCtx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Break-Glass"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// Every API access becomes a ledger entry before the handler runs.
	// The audit endpoints themselves are exempt so reading the ledger
	// does not write to it.
	recorder := middleware.AccessRecorderFunc(func(ctx context.Context, rec middleware.AccessRecord) error {
		_, err := auditSvc.Record(ctx, audit.RecordParams{
			ActorID:      rec.ActorID,
			Action:       audit.Action(rec.Action),
			ResourceType: rec.ResourceType,
			ResourceID:   rec.ResourceID,
			Metadata:     rec.Metadata,
		})
		return err
	})
	e.Use(middleware.AccessLog(logger, recorder,
		"/api/v1/audit",
		"/api/v1/ws",
	))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API routes
	apiV1 := e.Group("/api/v1")

	audit.NewHandler(auditSvc).RegisterRoutes(apiV1)
	keys.NewHandler(registry).RegisterRoutes(apiV1)
	crypto.NewHandler(cryptoSvc).RegisterRoutes(apiV1)
	hub.NewHandler(eventHub, logger).RegisterRoutes(apiV1)

	// Start server in goroutine for graceful shutdown
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	// Seal and anchor whatever is still pending before exit.
	batcherCancel()
	batcher.Wait()

	logger.Info().Msg("server stopped")
	return nil
}
