package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

const schemaPrefix = "tenant_"

// Unquoted Postgres identifiers fold to lower case and stop at 63 bytes, prefix included.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// NormalizeTenantID lower-cases id and reports whether it names a valid tenant.
func NormalizeTenantID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if !tenantIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid tenant identifier: %q", id)
	}
	return id, nil
}

// SchemaName returns the Postgres schema that holds a tenant's billing tables.
func SchemaName(tenantID string) string {
	return schemaPrefix + tenantID
}

// acquireTenant pins a pooled connection to the tenant's schema. release resets the
// search_path before the connection goes back to the pool.
func acquireTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (*pgxpool.Conn, func(), error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenantID))); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path for %s: %w", tenantID, err)
	}
	release := func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "RESET search_path"); err != nil {
			// A connection in an unknown state is not handed to the next caller.
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
		}
		conn.Release()
	}
	return conn, release, nil
}

func withTenantValues(ctx context.Context, tenantID string, conn *pgxpool.Conn) context.Context {
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	return context.WithValue(ctx, DBConnKey, conn)
}

// TenantMiddleware resolves the tenant of each request and pins a pooled connection
// whose search_path points at the tenant's schema.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, err := NormalizeTenantID(resolveTenantID(c, defaultTenant))
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			conn, release, err := acquireTenant(c.Request().Context(), pool, tenantID)
			if err != nil {
				zerolog.Ctx(c.Request().Context()).Error().Err(err).Str("tenant", tenantID).Msg("tenant connection failed")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(withTenantValues(c.Request().Context(), tenantID, conn)))
			return next(c)
		}
	}
}

// WithTenant runs fn with a tenant-scoped connection in its context, the same way a
// request handled by TenantMiddleware sees it. Background jobs and the CLI use it.
func WithTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	tenantID, err := NormalizeTenantID(tenantID)
	if err != nil {
		return err
	}
	conn, release, err := acquireTenant(ctx, pool, tenantID)
	if err != nil {
		return err
	}
	defer release()
	return fn(withTenantValues(ctx, tenantID, conn))
}

// resolveTenantID picks the tenant from, in order, the token claim set by the auth
// middleware, the X-Tenant-ID header, the tenant_id query parameter and the default.
func resolveTenantID(c echo.Context, defaultTenant string) string {
	if tid, _ := c.Get("jwt_tenant_id").(string); tid != "" {
		return tid
	}
	for _, tid := range []string{c.Request().Header.Get("X-Tenant-ID"), c.QueryParam("tenant_id")} {
		if tid != "" {
			return tid
		}
	}
	return defaultTenant
}

func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the schema for a tenant and, when migrations is non-nil,
// brings it up to date. Running it again for an existing tenant only applies what is
// pending.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) error {
	tenantID, err := NormalizeTenantID(tenantID)
	if err != nil {
		return err
	}
	schema := SchemaName(tenantID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrations == nil {
		return nil
	}
	if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s: %w", schema, err)
	}
	return nil
}

// ListTenants returns the IDs of every tenant that has a schema, in name order.
func ListTenants(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT substr(schema_name, $1)
		FROM information_schema.schemata
		WHERE starts_with(schema_name, $2)
		ORDER BY schema_name`, len(schemaPrefix)+1, schemaPrefix)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant schema: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
