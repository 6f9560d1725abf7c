package internal

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security" validate:"required"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Effects       EffectsConfig       `mapstructure:"effects"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Worker        WorkerConfig        `mapstructure:"worker"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	AllowedOrigins    string        `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	OpenAPISpecPath   string        `mapstructure:"openapi_spec_path"`
	ValidateRequests  bool          `mapstructure:"validate_requests"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source"`
}

// SecurityConfig holds the RSA key pair used for bearer tokens. Tokens are
// issued by the identity provider; the private key is only needed by the
// `token` dev command.
type SecurityConfig struct {
	JWTPrivateKey       string        `mapstructure:"jwt_private_key"`
	JWTPublicKey        string        `mapstructure:"jwt_public_key" validate:"required"`
	JWTIssuer           string        `mapstructure:"jwt_issuer"`
	AccessTokenDuration time.Duration `mapstructure:"access_token_duration"`
}

type PaymentConfig struct {
	SettlementCurrency string             `mapstructure:"settlement_currency"`
	DefaultCurrency    string             `mapstructure:"default_currency"`
	EscrowEnabled      bool               `mapstructure:"escrow_enabled"`
	StandardEnabled    bool               `mapstructure:"standard_enabled"`
	PlatformFee        PlatformFeeConfig  `mapstructure:"platform_fee"`
	ExchangeRates      map[string]float64 `mapstructure:"exchange_rates"`
	Gateways           []GatewayConfig    `mapstructure:"gateways"`
	GatewayTimeout     time.Duration      `mapstructure:"gateway_timeout"`
	ReturnURL          string             `mapstructure:"return_url"`
	CancelURL          string             `mapstructure:"cancel_url"`
	CallbackBaseURL    string             `mapstructure:"callback_base_url"`
	AutoReleaseAfter   time.Duration      `mapstructure:"auto_release_after"`
	Polling            PollingConfig      `mapstructure:"polling"`
}

// PlatformFeeConfig is expressed in percent, e.g. 10 for 10%.
type PlatformFeeConfig struct {
	EscrowPercent   float64 `mapstructure:"escrow_percent"`
	StandardPercent float64 `mapstructure:"standard_percent"`
}

type GatewayConfig struct {
	ID                  string   `mapstructure:"id"`
	Enabled             bool     `mapstructure:"enabled"`
	FeePercentage       float64  `mapstructure:"fee_percentage"`
	FixedFee            float64  `mapstructure:"fixed_fee"`
	SupportedCurrencies []string `mapstructure:"supported_currencies"`
	SupportedModes      []string `mapstructure:"supported_modes"`
	SettlementDelayDays int      `mapstructure:"settlement_delay_days"`
	APIBaseURL          string   `mapstructure:"api_base_url"`
	APIKey              string   `mapstructure:"api_key"`
	APISecret           string   `mapstructure:"api_secret"`
	ProfileID           string   `mapstructure:"profile_id"`
	WebhookSecret       string   `mapstructure:"webhook_secret"`
}

type PollingConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
}

type EffectsConfig struct {
	Queue       string        `mapstructure:"queue"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	BatchSize   int           `mapstructure:"batch_size"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CollaboratorsConfig struct {
	NotificationURL string        `mapstructure:"notification_url"`
	WalletURL       string        `mapstructure:"wallet_url"`
	ArbitrationURL  string        `mapstructure:"arbitration_url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type WorkerConfig struct {
	Concurrency         int           `mapstructure:"concurrency"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	EmbeddedScheduler   bool          `mapstructure:"embedded_scheduler"`
	AutoReleaseSchedule string        `mapstructure:"auto_release_schedule"`
	EffectRetrySchedule string        `mapstructure:"effect_retry_schedule"`
	PollSweepSchedule   string        `mapstructure:"poll_sweep_schedule"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ApplyDefaults fills the values a minimal config file may leave out.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.OpenAPISpecPath == "" {
		c.Server.OpenAPISpecPath = "./api/openapi.yml"
	}
	if c.Payment.SettlementCurrency == "" {
		c.Payment.SettlementCurrency = "USD"
	}
	if c.Payment.DefaultCurrency == "" {
		c.Payment.DefaultCurrency = c.Payment.SettlementCurrency
	}
	if c.Payment.PlatformFee.EscrowPercent == 0 {
		c.Payment.PlatformFee.EscrowPercent = 10
	}
	if c.Payment.PlatformFee.StandardPercent == 0 {
		c.Payment.PlatformFee.StandardPercent = 5
	}
	if c.Payment.GatewayTimeout <= 0 {
		c.Payment.GatewayTimeout = 15 * time.Second
	}
	if c.Payment.AutoReleaseAfter <= 0 {
		c.Payment.AutoReleaseAfter = 7 * 24 * time.Hour
	}
	if c.Payment.Polling.Window <= 0 {
		c.Payment.Polling.Window = 10 * time.Second
	}
	if c.Payment.Polling.MaxAttempts <= 0 {
		c.Payment.Polling.MaxAttempts = 6
	}
	if c.Payment.Polling.Workers <= 0 {
		c.Payment.Polling.Workers = 4
	}
	if c.Payment.Polling.QueueSize <= 0 {
		c.Payment.Polling.QueueSize = 100
	}
	if c.Effects.Queue == "" {
		c.Effects.Queue = "inline"
	}
	if c.Effects.MaxAttempts <= 0 {
		c.Effects.MaxAttempts = 8
	}
	if c.Effects.BaseBackoff <= 0 {
		c.Effects.BaseBackoff = 30 * time.Second
	}
	if c.Effects.BatchSize <= 0 {
		c.Effects.BatchSize = 100
	}
	if c.Collaborators.Timeout <= 0 {
		c.Collaborators.Timeout = 10 * time.Second
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 10
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.AutoReleaseSchedule == "" {
		c.Worker.AutoReleaseSchedule = "@every 1m"
	}
	if c.Worker.EffectRetrySchedule == "" {
		c.Worker.EffectRetrySchedule = "@every 30s"
	}
	if c.Worker.PollSweepSchedule == "" {
		c.Worker.PollSweepSchedule = "@every 1m"
	}
	if c.Security.AccessTokenDuration <= 0 {
		c.Security.AccessTokenDuration = 15 * time.Minute
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

// LoadConfigFromEnv builds the config for container deployments where no
// config file is mounted.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("PORT", 8080),
			BaseURL:           getEnv("BASE_URL", ""),
			AllowedOrigins:    getEnv("ALLOWED_ORIGINS", "*"),
			ReadHeaderTimeout: getEnvAsDuration("READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("WRITE_TIMEOUT", 15*time.Second),
			ValidateRequests:  getEnvAsBool("VALIDATE_REQUESTS", false),
		},
		Database: DatabaseConfig{
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			Source:          getEnv("DATABASE_URL", ""),
		},
		Security: SecurityConfig{
			JWTPrivateKey: getEnv("JWT_PRIVATE_KEY", ""),
			JWTPublicKey:  getEnv("JWT_PUBLIC_KEY", ""),
			JWTIssuer:     getEnv("JWT_ISSUER", ""),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
		Payment: PaymentConfig{
			SettlementCurrency: getEnv("SETTLEMENT_CURRENCY", "USD"),
			EscrowEnabled:      getEnvAsBool("ESCROW_ENABLED", true),
			StandardEnabled:    getEnvAsBool("STANDARD_ENABLED", true),
			ReturnURL:          getEnv("PAYMENT_RETURN_URL", ""),
			CancelURL:          getEnv("PAYMENT_CANCEL_URL", ""),
			CallbackBaseURL:    getEnv("PAYMENT_CALLBACK_BASE_URL", ""),
			Gateways:           gatewaysFromEnv(),
		},
		Effects: EffectsConfig{
			Queue: getEnv("EFFECTS_QUEUE", "inline"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Collaborators: CollaboratorsConfig{
			NotificationURL: getEnv("NOTIFICATION_SERVICE_URL", ""),
			WalletURL:       getEnv("WALLET_SERVICE_URL", ""),
			ArbitrationURL:  getEnv("ARBITRATION_SERVICE_URL", ""),
			APIKey:          getEnv("COLLABORATORS_API_KEY", ""),
		},
		Worker: WorkerConfig{
			EmbeddedScheduler: getEnvAsBool("EMBEDDED_SCHEDULER", false),
		},
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func gatewaysFromEnv() []GatewayConfig {
	var gateways []GatewayConfig
	for _, id := range strings.Split(getEnv("GATEWAYS", "stripe"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		prefix := "GATEWAY_" + strings.ToUpper(id) + "_"
		gateways = append(gateways, GatewayConfig{
			ID:                  id,
			Enabled:             getEnvAsBool(prefix+"ENABLED", true),
			FeePercentage:       getEnvAsFloat(prefix+"FEE_PERCENTAGE", 0),
			FixedFee:            getEnvAsFloat(prefix+"FIXED_FEE", 0),
			SupportedCurrencies: splitList(getEnv(prefix+"CURRENCIES", "USD")),
			SupportedModes:      splitList(getEnv(prefix+"MODES", "escrow,standard")),
			SettlementDelayDays: getEnvAsInt(prefix+"SETTLEMENT_DELAY_DAYS", 2),
			APIBaseURL:          getEnv(prefix+"API_BASE_URL", ""),
			APIKey:              getEnv(prefix+"API_KEY", ""),
			APISecret:           getEnv(prefix+"API_SECRET", ""),
			ProfileID:           getEnv(prefix+"PROFILE_ID", ""),
			WebhookSecret:       getEnv(prefix+"WEBHOOK_SECRET", ""),
		})
	}
	return gateways
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if err := c.Effects.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("effects config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.AllowedOrigins != "" {
		origins := strings.Split(c.AllowedOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin == "*" {
				continue
			}
			if _, err := url.Parse(origin); err != nil {
				return fmt.Errorf("invalid allowed origin %s: %w", origin, err)
			}
		}
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if c.JWTPublicKey == "" {
		return errors.New("jwt_public_key is required")
	}
	if _, err := c.GetPublicKey(); err != nil {
		return fmt.Errorf("invalid JWT public key: %w", err)
	}
	if c.JWTPrivateKey != "" {
		if _, err := c.GetPrivateKey(); err != nil {
			return fmt.Errorf("invalid JWT private key: %w", err)
		}
	}
	return nil
}

func (c *SecurityConfig) GetPrivateKey() (*rsa.PrivateKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func (c *SecurityConfig) GetPublicKey() (*rsa.PublicKey, error) {
	keyData, err := base64.StdEncoding.DecodeString(c.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

func (c *PaymentConfig) Validate() error {
	var errs []string

	if !c.EscrowEnabled && !c.StandardEnabled {
		errs = append(errs, "at least one of escrow_enabled or standard_enabled must be true")
	}
	if len(c.Gateways) == 0 {
		errs = append(errs, "at least one gateway must be configured")
	}

	seen := make(map[string]bool)
	for _, g := range c.Gateways {
		if g.ID == "" {
			errs = append(errs, "gateway id is required")
			continue
		}
		if seen[g.ID] {
			errs = append(errs, fmt.Sprintf("gateway %s configured twice", g.ID))
		}
		seen[g.ID] = true
		if g.FeePercentage < 0 || g.FixedFee < 0 {
			errs = append(errs, fmt.Sprintf("gateway %s fees must not be negative", g.ID))
		}
		if len(g.SupportedCurrencies) == 0 {
			errs = append(errs, fmt.Sprintf("gateway %s has no supported currencies", g.ID))
		}
	}

	for currency, rate := range c.ExchangeRates {
		if rate <= 0 {
			errs = append(errs, fmt.Sprintf("exchange rate for %s must be positive", currency))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, ", "))
	}
	return nil
}

func (c *EffectsConfig) Validate() error {
	switch c.Queue {
	case "", "inline", "asynq":
		return nil
	default:
		return fmt.Errorf("unknown effects queue %q", c.Queue)
	}
}
