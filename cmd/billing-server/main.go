package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicos/billing/internal/config"
	"github.com/clinicos/billing/internal/domain/billing"
	"github.com/clinicos/billing/internal/platform/accounting"
	"github.com/clinicos/billing/internal/platform/auth"
	"github.com/clinicos/billing/internal/platform/db"
	"github.com/clinicos/billing/internal/platform/httperr"
	"github.com/clinicos/billing/internal/platform/jobs"
	"github.com/clinicos/billing/internal/platform/logging"
	"github.com/clinicos/billing/internal/platform/middleware"
	"github.com/clinicos/billing/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "billing-server",
		Short:        "Clinic billing API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(invoicesCmd())

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

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			all, _ := cmd.Flags().GetBool("all-tenants")

			ctx := cmd.Context()
			pool, _, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemas := []string{schema}
			if all {
				tenants, err := db.ListTenants(ctx, pool)
				if err != nil {
					return err
				}
				schemas = schemas[:0]
				for _, t := range tenants {
					schemas = append(schemas, db.SchemaName(t))
				}
			}

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			out := cmd.OutOrStdout()
			for _, s := range schemas {
				fmt.Fprintf(out, "Running migrations on schema: %s\n", s)
				count, err := migrator.Up(ctx, s)
				if err != nil {
					return fmt.Errorf("migration failed for %s: %w", s, err)
				}
				fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			}
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	upCmd.Flags().Bool("all-tenants", false, "Migrate every tenant schema")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			pool, _, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			writeMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply all migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			name, err := db.NormalizeTenantID(name)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, _, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (letters, digits and underscores)")

	cmd.AddCommand(createCmd)
	return cmd
}

func invoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Invoice reports",
	}

	overdueCmd := &cobra.Command{
		Use:   "overdue",
		Short: "List AUTHORISED invoices past their due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			rawAsOf, _ := cmd.Flags().GetString("as-of")

			ctx := cmd.Context()
			pool, cfg, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg)
			svc, err := newService(cfg, logger, pool)
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			return db.WithTenant(ctx, pool, tenant, func(ctx context.Context) error {
				asOf, err := parseAsOf(rawAsOf, svc)
				if err != nil {
					return err
				}
				items, err := svc.OverdueInvoices(ctx, asOf)
				if err != nil {
					return err
				}
				writeOverdue(cmd.OutOrStdout(), asOf, items)
				return nil
			})
		},
	}
	overdueCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	overdueCmd.Flags().String("as-of", "", "Report date YYYY-MM-DD (defaults to today)")
	cmd.AddCommand(overdueCmd)
	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: requests without a token are treated as admin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svc, err := newService(cfg, logger, pool)
	if err != nil {
		return err
	}

	e := newEcho(cfg, logger)
	e.GET("/health", db.HealthHandler(pool, version))
	apiV1 := e.Group("/api/v1",
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.Audit(logging.WithComponent(logger, "audit")),
	)
	billing.NewHandler(svc).RegisterRoutes(apiV1)

	loc, _ := cfg.Location()
	runner := jobs.NewRunner(logging.WithComponent(logger, "jobs"), loc)
	if cfg.OverdueSweepSchedule != "" {
		if err := runner.Add("overdue-sweep", cfg.OverdueSweepSchedule, overdueSweep(pool, svc)); err != nil {
			return err
		}
	}
	runner.Start()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("jobs did not stop in time")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with every middleware that does not need the database.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httperr.Handler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	return e
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(logging.Config{Level: cfg.LogLevel, Console: cfg.IsDev()})
}

func connect(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func newService(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*billing.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	client := accounting.NewClient(cfg.AccountingBaseURL, cfg.AccountingAPIKey, cfg.AccountingSigningSecret,
		accounting.WithHTTPClient(&http.Client{Timeout: cfg.AccountingTimeout}),
		accounting.WithMaxRetries(cfg.AccountingMaxRetries),
		accounting.WithLogger(logging.WithComponent(logger, "accounting")),
	)
	return billing.NewService(
		billing.NewInvoiceRepoPG(pool),
		billing.NewQuoteRepoPG(pool),
		billing.NewPaymentRepoPG(pool),
		billing.NewAccountingRemote(client),
		db.NewTransactor(pool),
		billing.Options{
			DueDays:         cfg.InvoiceDueDays,
			DefaultCurrency: cfg.DefaultCurrency,
			Location:        loc,
		},
	), nil
}

type overdueSweeper interface {
	SweepOverdue(ctx context.Context) (int, error)
}

func overdueSweep(pool *pgxpool.Pool, svc overdueSweeper) jobs.Func {
	return jobs.ForEachTenant(jobs.PoolTenants(pool), sweepTenant(svc))
}

func sweepTenant(svc overdueSweeper) jobs.Func {
	return func(ctx context.Context) error {
		n, err := svc.SweepOverdue(ctx)
		if err != nil {
			return err
		}
		zerolog.Ctx(ctx).Info().Int("overdue", n).Msg("overdue sweep complete")
		return nil
	}
}

// migrationsFS returns the embedded migrations, or dir when one is given.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

type todayer interface {
	Today() civil.Date
}

func parseAsOf(raw string, svc todayer) (civil.Date, error) {
	if raw == "" {
		return svc.Today(), nil
	}
	d, err := civil.ParseDate(raw)
	if err != nil {
		return civil.Date{}, fmt.Errorf("--as-of must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

func writeMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func writeOverdue(w io.Writer, asOf civil.Date, items []*billing.Invoice) {
	fmt.Fprintf(w, "Overdue invoices as of %s: %d\n", asOf, len(items))
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%-14s %-12s %-24s %12s\n", "NUMBER", "DUE", "CONTACT", "AMOUNT DUE")
	for _, inv := range items {
		fmt.Fprintf(w, "%-14s %-12s %-24s %12s\n",
			inv.DisplayNumber(), inv.DueDate, inv.Contact, inv.AmountDue().StringFixed(2))
	}
}
