package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirsearch/internal/config"
	"github.com/ehr/fhirsearch/internal/domain/resource"
	"github.com/ehr/fhirsearch/internal/platform/db"
	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/platform/lock"
	"github.com/ehr/fhirsearch/internal/platform/metrics"
	"github.com/ehr/fhirsearch/internal/platform/middleware"
	"github.com/ehr/fhirsearch/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fhirsearch-server",
		Short: "FHIR search index and versioned resource store",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(schemaCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR search server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}
	return logger
}

func loadRegistry(cfg *config.Config) (*fhir.Registry, error) {
	if cfg.SchemaDir != "" {
		return fhir.LoadRegistryDir(cfg.SchemaDir)
	}
	return fhir.DefaultRegistry()
}

// store is an opened repository together with its health probe and cleanup.
type store struct {
	repo    resource.Repository
	checker db.Checker
	close   func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverPebble:
		pdb, err := resource.OpenPebble(cfg.PebbleDir)
		if err != nil {
			return nil, err
		}
		repo := resource.NewPebbleRepo(pdb)
		logger.Info().Str("dir", cfg.PebbleDir).Msg("opened pebble store")
		return &store{repo: repo, checker: repo, close: func() {
			if err := pdb.Close(); err != nil {
				logger.Error().Err(err).Msg("close pebble store")
			}
		}}, nil

	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		return &store{repo: resource.NewPGRepo(pool), checker: pool, close: pool.Close}, nil
	}
}

// newServer wires the middleware chain and routes around svc.
func newServer(cfg *config.Config, svc *resource.Service, st *store, m *metrics.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if m != nil {
		e.Use(m.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "If-Match", middleware.OwnerHeader, middleware.RequestIDHeader},
		ExposeHeaders: []string{echo.HeaderLocation, "ETag", "Last-Modified", "Content-Location", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/metrics"))
	}

	backend := cfg.StoreDriver
	e.GET("/health", db.HealthHandler(backend, st.checker))
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	fhirGroup := e.Group("/fhir", middleware.Owner(cfg.DefaultOwner))
	resource.NewHandler(svc, cfg.FHIRBaseURL, logger).RegisterRoutes(fhirGroup)
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	registry, err := loadRegistry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load resource schemas")
	}
	logger.Info().Int("types", len(registry.ResourceTypes())).Msg("loaded resource schemas")

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open resource store")
	}
	defer st.close()

	svc, err := resource.NewService(st.repo, registry, resource.ServiceConfig{
		BaseURL:          cfg.FHIRBaseURL,
		MaxChainDepth:    cfg.MaxChainDepth,
		KeyCacheSize:     cfg.QueryKeyCacheSize,
		LockTTL:          cfg.LockTTL,
		CorrectDocuments: cfg.CorrectDocuments,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create resource service")
	}

	if cfg.LockRedisURL != "" {
		locker, err := lock.Dial(ctx, cfg.LockRedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to lock redis")
		}
		defer locker.Close()
		svc.SetLocker(locker)
		logger.Info().Str("owner", locker.OwnerID()).Msg("per-resource write locks enabled")
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
		svc.SetMetrics(m)
	}

	e := newServer(cfg, svc, st, m, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
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
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func newMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	if schema == "" {
		schema = cfg.DBSchema
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	migrator, err := db.NewMigrator(pool, migrationsFS(dir), schema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return migrator, pool.Close, nil
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
			ctx := context.Background()
			migrator, closePool, err := newMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closePool, err := newMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
		c.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	}
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect resource schemas",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List resource types and their search parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			registry, err := loadRegistry(&config.Config{SchemaDir: dir})
			if err != nil {
				return err
			}
			printRegistry(cmd.OutOrStdout(), registry)
			return nil
		},
	}
	listCmd.Flags().String("dir", "", "Schema directory (defaults to the embedded schemas)")
	cmd.AddCommand(listCmd)
	return cmd
}

func printRegistry(w io.Writer, r *fhir.Registry) {
	for _, typ := range r.ResourceTypes() {
		fmt.Fprintln(w, typ)
		params := r.SearchParams(typ)
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			line := fmt.Sprintf("  %-28s %s", name, params[name])
			if params[name] == fhir.SearchParamReference {
				targets := r.ReferenceTargets(typ, name)
				if targets.Any {
					line += " -> " + fhir.AnyResourceType
				} else {
					line += " -> " + strings.Join(targets.Types, ", ")
				}
			}
			fmt.Fprintln(w, line)
		}
		if cb, ok := r.Coordinate(typ); ok {
			fmt.Fprintf(w, "  %-28s composite(%s, %s, %s)\n", fhir.CoordinateParam, cb.Chromosome, cb.Start, cb.End)
		}
	}
}
