package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/time/rate"

	"github.com/ehr/billing/internal/config"
	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/lock"
	"github.com/ehr/billing/internal/platform/logging"
	"github.com/ehr/billing/internal/platform/middleware"
	"github.com/ehr/billing/internal/platform/sandbox"
	"github.com/ehr/billing/migrations"
	"github.com/ehr/billing/pkg/money"
)

const (
	appName = "billing-server"
	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Hospital billing and insurance reconciliation API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// backend is the ledger store selected by LEDGER_STORE together with the
// hooks that differ between PostgreSQL and MongoDB.
type backend struct {
	name   string
	store  billing.Store
	pinger db.Pinger
	pool   *pgxpool.Pool
	mongo  *billing.MongoStore
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.UsesMongo() {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURL).SetAppName(appName))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		ms := billing.NewMongoStore(client, cfg.MongoDatabase)
		if err := ms.Ping(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return &backend{
			name:   config.StoreMongo,
			store:  ms.Store(),
			pinger: ms,
			mongo:  ms,
			close:  func() { _ = client.Disconnect(context.Background()) },
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: appName,
		MaxConnLifetime: time.Hour,
	})
	if err != nil {
		return nil, err
	}
	return &backend{
		name:   config.StorePostgres,
		store:  billing.NewPGStore(pool),
		pinger: pool,
		pool:   pool,
		close:  pool.Close,
	}, nil
}

// tenantMiddleware resolves the tenant of each request. PostgreSQL requests
// get a connection pinned to the tenant schema.
func (b *backend) tenantMiddleware(defaultTenant string) echo.MiddlewareFunc {
	if b.pool != nil {
		return db.TenantMiddleware(b.pool, defaultTenant)
	}
	return db.TenantContext(defaultTenant)
}

// scope returns a context bound to tenantID for work outside a request.
func (b *backend) scope(ctx context.Context, tenantID string) (context.Context, func(), error) {
	if b.pool != nil {
		return db.TenantConn(ctx, b.pool, tenantID)
	}
	return db.WithTenant(ctx, tenantID), func() {}, nil
}

// migrate brings the tenant's ledger up to date: SQL migrations for
// PostgreSQL, indexes for MongoDB.
func (b *backend) migrate(ctx context.Context, tenantID string, files fs.FS) error {
	if b.mongo != nil {
		return b.mongo.Migrate(db.WithTenant(ctx, tenantID))
	}
	return db.CreateTenantSchema(ctx, b.pool, tenantID, files)
}

func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Console:    cfg.IsDev(),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}).With().Str("service", appName).Logger()
}

// newService builds the billing service. A Redis locker replaces the
// in-process one when REDIS_URL is set, so composition is serialized across
// instances. The returned cleanup closes the Redis client.
func newService(ctx context.Context, cfg *config.Config, store billing.Store, logger zerolog.Logger) (*billing.Service, func(), error) {
	svc := billing.NewService(store)
	svc.SetLogger(logger)
	svc.SetTierUnit(money.Amount(cfg.CoverageTierUnit))

	cleanup := func() {}
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		svc.SetLocker(lock.NewRedis(client, cfg.LockTTL, lock.WithLogger(logger)))
		cleanup = func() { _ = client.Close() }
		logger.Info().Msg("using redis composition lock")
	}
	return svc, cleanup, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run ledger migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := context.Background()
			be, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer be.close()

			fmt.Printf("Running %s migrations for tenant: %s\n", be.name, tenant)
			if err := be.migrate(ctx, tenant, migrationFiles(dir)); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied successfully.")
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant to migrate (defaults to DEFAULT_TENANT)")
	upCmd.Flags().String("dir", "", "Directory of SQL migrations (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status of a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := context.Background()
			be, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer be.close()

			if be.mongo != nil {
				return printIndexStatus(db.WithTenant(ctx, tenant), be.mongo, tenant)
			}

			schema := db.SchemaFor(tenant)
			statuses, err := db.NewMigrator(be.pool, migrationFiles(dir)).Status(ctx, schema)
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
	statusCmd.Flags().String("tenant", "", "Tenant to inspect (defaults to DEFAULT_TENANT)")
	statusCmd.Flags().String("dir", "", "Directory of SQL migrations (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore the tenant from a backup or drop its schema to start over.")
			return nil
		},
	})

	return cmd
}

func printIndexStatus(ctx context.Context, ms *billing.MongoStore, tenant string) error {
	status, err := ms.IndexStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get index status: %w", err)
	}
	cols := make([]string, 0, len(status))
	for col := range status {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	fmt.Printf("Index status for tenant: %s\n", tenant)
	fmt.Printf("%-24s %s\n", "COLLECTION", "INDEXES")
	for _, col := range cols {
		fmt.Printf("%-24s %v\n", col, status[col])
	}
	return nil
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant and migrate its ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			be, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer be.close()

			fmt.Printf("Creating tenant: %s\n", name)
			if err := be.migrate(ctx, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load reproducible demo data into a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			patients, _ := cmd.Flags().GetInt("patients")
			seed, _ := cmd.Flags().GetInt64("seed")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			be, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer be.close()

			svc, cleanup, err := newService(ctx, cfg, be.store, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			tctx, release, err := be.scope(ctx, tenant)
			if err != nil {
				return err
			}
			defer release()

			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.PatientCount = patients
			seedCfg.Seed = seed

			res, err := sandbox.NewSeeder(be.store, svc, logger).Seed(tctx, seedCfg)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			fmt.Printf("Seeded tenant %s with seed %d: %d patients, %d enrollments, %d consultations, %d reports, %d prescriptions, %d room stays\n",
				tenant, res.Seed, res.Patients, res.Enrollments, res.Consultations, res.Reports, res.Prescriptions, res.RoomStays)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to seed (defaults to DEFAULT_TENANT)")
	cmd.Flags().Int("patients", sandbox.DefaultSeedConfig().PatientCount, "Number of patients to generate")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 picks one and prints it")
	return cmd
}

// newServer assembles the HTTP stack around svc.
func newServer(cfg *config.Config, be *backend, svc *billing.Service, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.Secure())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID, db.TenantHeader},
	}))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	if cfg.RateLimitRPS > 0 {
		e.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.RateLimitRPS),
			Burst:     cfg.RateLimitBurst,
			ExpiresIn: 3 * time.Minute,
		})))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(be.name, be.pinger))

	apiV1 := e.Group("/api/v1", be.tenantMiddleware(cfg.DefaultTenant))
	billing.NewHandler(svc).RegisterRoutes(apiV1)

	if cfg.IsDev() {
		sandbox.NewSeedHandler(sandbox.NewSeeder(be.store, svc, logger)).RegisterRoutes(apiV1)
	}

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Ledger store
	ctx := context.Background()
	be, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.LedgerStore).Msg("failed to connect to ledger store")
	}
	defer be.close()
	logger.Info().Str("store", be.name).Msg("connected to ledger store")

	svc, cleanup, err := newService(ctx, cfg, be.store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up billing service")
	}
	defer cleanup()

	e := newServer(cfg, be, svc, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
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
