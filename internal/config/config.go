package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	RateLimitRPS    float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int     `mapstructure:"RATE_LIMIT_BURST"`
	CPSAttemptsRPS  float64 `mapstructure:"CPS_ATTEMPTS_RPS"`
	CPSAttemptBurst int     `mapstructure:"CPS_ATTEMPT_BURST"`

	CPSVerificationTTL time.Duration `mapstructure:"CPS_VERIFICATION_TTL"`
	AccessModes        []string      `mapstructure:"ACCESS_MODES"`
	MaxAccessMinutes   int           `mapstructure:"MAX_ACCESS_MINUTES"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`

	NotifyDefaultChannel string        `mapstructure:"NOTIFY_DEFAULT_CHANNEL"`
	NotifyWorkers        int           `mapstructure:"NOTIFY_WORKERS"`
	NotifyQueueSize      int           `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifyMaxAttempts    int           `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	NotifyInitialBackoff time.Duration `mapstructure:"NOTIFY_INITIAL_BACKOFF"`
	NotifyMaxBackoff     time.Duration `mapstructure:"NOTIFY_MAX_BACKOFF"`
	NotifyExpiryMinutes  int           `mapstructure:"NOTIFY_EXPIRY_MINUTES"`
	NotificationTypes    []string      `mapstructure:"NOTIFICATION_TYPES"`

	EmailEnabled bool          `mapstructure:"EMAIL_ENABLED"`
	EmailFrom    string        `mapstructure:"EMAIL_FROM"`
	SMTPHost     string        `mapstructure:"SMTP_HOST"`
	SMTPPort     int           `mapstructure:"SMTP_PORT"`
	SMTPUsername string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string        `mapstructure:"SMTP_PASSWORD"`
	SMTPUseTLS   bool          `mapstructure:"SMTP_USE_TLS"`
	SMTPTimeout  time.Duration `mapstructure:"SMTP_TIMEOUT"`

	SMSEnabled       bool   `mapstructure:"SMS_ENABLED"`
	SMSIRAPIKey      string `mapstructure:"SMSIR_API_KEY"`
	SMSIRSecretKey   string `mapstructure:"SMSIR_SECRET_KEY"`
	SMSIRTemplateID  string `mapstructure:"SMSIR_TEMPLATE_ID"`
	SMSDefaultRegion string `mapstructure:"SMS_DEFAULT_REGION"`

	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR", "REDIS_URL",
	"CORS_ORIGINS", "JWT_SECRET", "JWT_ISSUER", "JWT_AUDIENCE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CPS_ATTEMPTS_RPS", "CPS_ATTEMPT_BURST",
	"CPS_VERIFICATION_TTL", "ACCESS_MODES", "MAX_ACCESS_MINUTES", "SWEEP_INTERVAL",
	"NOTIFY_DEFAULT_CHANNEL", "NOTIFY_WORKERS", "NOTIFY_QUEUE_SIZE", "NOTIFY_MAX_ATTEMPTS",
	"NOTIFY_INITIAL_BACKOFF", "NOTIFY_MAX_BACKOFF", "NOTIFY_EXPIRY_MINUTES", "NOTIFICATION_TYPES",
	"EMAIL_ENABLED", "EMAIL_FROM", "SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD",
	"SMTP_USE_TLS", "SMTP_TIMEOUT",
	"SMS_ENABLED", "SMSIR_API_KEY", "SMSIR_SECRET_KEY", "SMSIR_TEMPLATE_ID", "SMS_DEFAULT_REGION",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CPS_ATTEMPTS_RPS", 0.1)
	v.SetDefault("CPS_ATTEMPT_BURST", 5)
	v.SetDefault("CPS_VERIFICATION_TTL", "5m")
	v.SetDefault("ACCESS_MODES", "autorise_par_patient,urgence,consultation")
	v.SetDefault("MAX_ACCESS_MINUTES", 43200)
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("NOTIFY_DEFAULT_CHANNEL", "in_app")
	v.SetDefault("NOTIFY_WORKERS", 4)
	v.SetDefault("NOTIFY_QUEUE_SIZE", 256)
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 5)
	v.SetDefault("NOTIFY_INITIAL_BACKOFF", "2s")
	v.SetDefault("NOTIFY_MAX_BACKOFF", "1m")
	v.SetDefault("NOTIFY_EXPIRY_MINUTES", 10080)
	v.SetDefault("NOTIFICATION_TYPES", "demande_validation,acces_accorde,acces_refuse,acces_expire,acces_revoque")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USE_TLS", true)
	v.SetDefault("SMTP_TIMEOUT", "30s")
	v.SetDefault("SMS_DEFAULT_REGION", "FR")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.AccessModes = splitList(cfg.AccessModes, v.GetString("ACCESS_MODES"))
	cfg.NotificationTypes = splitList(cfg.NotificationTypes, v.GetString("NOTIFICATION_TYPES"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList normalises comma separated list settings. Viper only splits
// values coming from defaults, env values arrive as a single element.
func splitList(current []string, raw string) []string {
	if len(current) == 1 && strings.Contains(current[0], ",") {
		raw = current[0]
		current = nil
	}
	if len(current) == 0 && raw != "" {
		current = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(current))
	for _, s := range current {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT secret is mandatory, and every enabled delivery channel must carry
// its provider settings.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters when ENV=%q", c.Env)
	}
	if c.CPSVerificationTTL <= 0 {
		return fmt.Errorf("CPS_VERIFICATION_TTL must be positive, got %s", c.CPSVerificationTTL)
	}
	if len(c.AccessModes) == 0 {
		return fmt.Errorf("ACCESS_MODES must list at least one mode")
	}
	if c.MaxAccessMinutes <= 0 {
		return fmt.Errorf("MAX_ACCESS_MINUTES must be positive, got %d", c.MaxAccessMinutes)
	}

	switch c.NotifyDefaultChannel {
	case "email", "sms", "in_app":
	default:
		return fmt.Errorf("NOTIFY_DEFAULT_CHANNEL must be \"email\", \"sms\" or \"in_app\", got %q", c.NotifyDefaultChannel)
	}
	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1, got %d", c.NotifyMaxAttempts)
	}
	if c.NotifyWorkers < 1 {
		return fmt.Errorf("NOTIFY_WORKERS must be at least 1, got %d", c.NotifyWorkers)
	}

	if c.EmailEnabled {
		if c.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when EMAIL_ENABLED is true")
		}
		if c.EmailFrom == "" {
			return fmt.Errorf("EMAIL_FROM is required when EMAIL_ENABLED is true")
		}
	}
	if c.SMSEnabled {
		if c.SMSIRAPIKey == "" {
			return fmt.Errorf("SMSIR_API_KEY is required when SMS_ENABLED is true")
		}
		if c.SMSIRTemplateID == "" {
			return fmt.Errorf("SMSIR_TEMPLATE_ID is required when SMS_ENABLED is true")
		}
	}

	return nil
}

// SigningKey returns the HMAC key used for bearer tokens. Development falls
// back to a fixed key so local probes can mint tokens without setup.
func (c *Config) SigningKey() []byte {
	if c.JWTSecret == "" && c.IsDev() {
		return []byte("dev-only-signing-key-change-me-in-production")
	}
	return []byte(c.JWTSecret)
}
