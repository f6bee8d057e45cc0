package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // zone data for TIMEZONE in minimal images

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	AccountingBaseURL       string        `mapstructure:"ACCOUNTING_BASE_URL"`
	AccountingAPIKey        string        `mapstructure:"ACCOUNTING_API_KEY"`
	AccountingSigningSecret string        `mapstructure:"ACCOUNTING_SIGNING_SECRET"`
	AccountingTimeout       time.Duration `mapstructure:"ACCOUNTING_TIMEOUT"`
	AccountingMaxRetries    int           `mapstructure:"ACCOUNTING_MAX_RETRIES"`

	DefaultCurrency      string        `mapstructure:"DEFAULT_CURRENCY"`
	InvoiceDueDays       int           `mapstructure:"INVOICE_DUE_DAYS"`
	Timezone             string        `mapstructure:"TIMEZONE"`
	OverdueSweepSchedule string        `mapstructure:"OVERDUE_SWEEP_SCHEDULE"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit            string        `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"ACCOUNTING_BASE_URL", "ACCOUNTING_API_KEY", "ACCOUNTING_SIGNING_SECRET",
	"ACCOUNTING_TIMEOUT", "ACCOUNTING_MAX_RETRIES", "DEFAULT_CURRENCY", "INVOICE_DUE_DAYS",
	"TIMEZONE", "OVERDUE_SWEEP_SCHEDULE", "REQUEST_TIMEOUT", "BODY_LIMIT",
}

// Load reads configuration from the environment. Variables in envFiles (default .env)
// are added to the environment first without overriding what is already set; missing
// files are ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ACCOUNTING_TIMEOUT", "15s")
	v.SetDefault("ACCOUNTING_MAX_RETRIES", 2)
	v.SetDefault("DEFAULT_CURRENCY", "AUD")
	v.SetDefault("INVOICE_DUE_DAYS", 14)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("OVERDUE_SWEEP_SCHEDULE", "0 6 * * *")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")

	// Bind explicitly so Unmarshal sees variables that have no default.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	origins := v.GetString("CORS_ORIGINS")
	cfg.CORSOrigins = nil
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE, which decides what "today" means for due dates.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate checks what the server needs to start. Every problem is reported at once.
func (c *Config) Validate() error {
	var errs []error
	if !c.IsDev() && c.AuthSigningKey == "" {
		errs = append(errs, fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env))
	}
	if c.IsProduction() && len(c.AuthSigningKey) < 32 {
		errs = append(errs, errors.New("AUTH_SIGNING_KEY must be at least 32 characters in production"))
	}
	if c.AccountingBaseURL == "" {
		errs = append(errs, errors.New("ACCOUNTING_BASE_URL is required"))
	} else if u, err := url.Parse(c.AccountingBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("ACCOUNTING_BASE_URL %q is not an absolute URL", c.AccountingBaseURL))
	}
	if c.AccountingMaxRetries < 0 {
		errs = append(errs, errors.New("ACCOUNTING_MAX_RETRIES must not be negative"))
	}
	if c.AccountingTimeout <= 0 {
		errs = append(errs, errors.New("ACCOUNTING_TIMEOUT must be positive"))
	}
	if !currencyCode.MatchString(c.DefaultCurrency) {
		errs = append(errs, fmt.Errorf("DEFAULT_CURRENCY %q is not a three-letter code", c.DefaultCurrency))
	}
	if c.InvoiceDueDays <= 0 {
		errs = append(errs, errors.New("INVOICE_DUE_DAYS must be positive"))
	}
	if c.OverdueSweepSchedule != "" {
		if _, err := cron.ParseStandard(c.OverdueSweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("OVERDUE_SWEEP_SCHEDULE: %w", err))
		}
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS must not exceed DB_MAX_CONNS"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
