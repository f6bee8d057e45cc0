// Package jobs runs scheduled background work on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/clinicos/billing/internal/platform/db"
)

// Func is one run of a job. ctx is cancelled when the runner stops.
type Func func(ctx context.Context) error

// Runner schedules named jobs. A job never overlaps with its own previous run and a
// panic inside a job is logged instead of crashing the process.
type Runner struct {
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunner(logger zerolog.Logger, loc *time.Location) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under a standard five-field cron spec or a descriptor such as
// "@daily".
func (r *Runner) Add(name, spec string, fn Func) error {
	if _, err := r.cron.AddFunc(spec, r.wrap(name, fn)); err != nil {
		return fmt.Errorf("schedule job %s (%q): %w", name, spec, err)
	}
	r.logger.Info().Str("job", name).Str("schedule", spec).Msg("job scheduled")
	return nil
}

func (r *Runner) wrap(name string, fn Func) func() {
	return func() {
		logger := r.logger.With().Str("job", name).Logger()
		ctx := logger.WithContext(r.ctx)
		start := time.Now()
		if err := fn(ctx); err != nil {
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
			return
		}
		logger.Info().Dur("duration", time.Since(start)).Msg("job finished")
	}
}

func (r *Runner) Len() int { return len(r.cron.Entries()) }

func (r *Runner) Start() { r.cron.Start() }

// Stop cancels running jobs and waits for them until ctx is done.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tenants enumerates tenants and runs work scoped to one of them.
type Tenants interface {
	List(ctx context.Context) ([]string, error)
	Run(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

type poolTenants struct{ pool *pgxpool.Pool }

// PoolTenants discovers tenants from their schemas and runs work on a tenant-scoped
// connection.
func PoolTenants(pool *pgxpool.Pool) Tenants { return poolTenants{pool} }

func (p poolTenants) List(ctx context.Context) ([]string, error) {
	return db.ListTenants(ctx, p.pool)
}

func (p poolTenants) Run(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	return db.WithTenant(ctx, p.pool, tenantID, fn)
}

// ForEachTenant runs fn once per tenant. A failing tenant does not stop the others; the
// returned error reports how many failed.
func ForEachTenant(tenants Tenants, fn Func) Func {
	return func(ctx context.Context) error {
		ids, err := tenants.List(ctx)
		if err != nil {
			return err
		}
		base := zerolog.Ctx(ctx)
		failed := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger := base.With().Str("tenant_id", id).Logger()
			err := tenants.Run(logger.WithContext(ctx), id, fn)
			if err != nil {
				logger.Error().Err(err).Msg("tenant job failed")
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d tenants failed", failed, len(ids))
		}
		return nil
	}
}

// cronLogger routes the scheduler's own messages through zerolog.
type cronLogger struct{ logger zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
