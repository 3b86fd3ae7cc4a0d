package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Graph       GraphConfig       `yaml:"graph"`
	Auth        AuthConfig        `yaml:"auth"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Risk        RiskConfig        `yaml:"risk"`
	Escrow      EscrowConfig      `yaml:"escrow"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOriginsCSV string        `yaml:"allowed_origins"`
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"` // text|json
	IncludeCaller bool   `yaml:"include_caller"`
}

// PostgresConfig selects durable storage. An empty URL keeps state in memory.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// RedisConfig enables the shared idempotency store and velocity window.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// GraphConfig describes connectivity to the counterparty graph (Neo4j).
type GraphConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`
}

// AuthConfig holds credentials and session settings.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	Issuer      string        `yaml:"issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	AdminAPIKey string        `yaml:"admin_api_key"`
	BcryptCost  int           `yaml:"bcrypt_cost"`
	// AllowUsernameParam trusts the username named in a request when no
	// token is presented, as the demo dashboard does.
	AllowUsernameParam bool `yaml:"allow_username_param"`
}

// LedgerConfig tunes account creation.
type LedgerConfig struct {
	InitialBalance    decimal.Decimal `yaml:"initial_balance"`
	MinPasswordLength int             `yaml:"min_password_length"`
}

// RiskConfig exposes the operational knobs of the risk engine.
type RiskConfig struct {
	VelocityWindow   time.Duration   `yaml:"velocity_window"`
	HighValueAmount  decimal.Decimal `yaml:"high_value_amount"`
	CoolingOffPeriod time.Duration   `yaml:"cooling_off_period"`
	NewAccountLimit  decimal.Decimal `yaml:"new_account_limit"`
}

// EscrowConfig selects who may release escrows.
type EscrowConfig struct {
	ReleasePolicy    string  `yaml:"release_policy"`
	SenderAuraReward float64 `yaml:"sender_aura_reward"`
}

// IdempotencyConfig bounds how long request results are replayable.
type IdempotencyConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	PendingTTL  time.Duration `yaml:"pending_ttl"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// FileEnv names the optional YAML file applied before environment overrides.
const FileEnv = "GUARDPAY_CONFIG"

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Postgres: PostgresConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			RetryInterval:   2 * time.Second,
		},
		Redis: RedisConfig{KeyPrefix: "guardpay"},
		Graph: GraphConfig{MaxConnections: 10},
		Auth: AuthConfig{
			Issuer:             "guardpay",
			TokenTTL:           12 * time.Hour,
			BcryptCost:         10,
			AllowUsernameParam: true,
		},
		Ledger: LedgerConfig{
			InitialBalance:    decimal.NewFromInt(10000),
			MinPasswordLength: 6,
		},
		Risk: RiskConfig{
			VelocityWindow:   60 * time.Second,
			HighValueAmount:  decimal.NewFromInt(5000),
			CoolingOffPeriod: 24 * time.Hour,
			NewAccountLimit:  decimal.NewFromInt(5000),
		},
		Escrow: EscrowConfig{ReleasePolicy: "receiver-or-admin", SenderAuraReward: 2},
		Idempotency: IdempotencyConfig{
			TTL:         24 * time.Hour,
			PendingTTL:  30 * time.Second,
			WaitTimeout: 5 * time.Second,
		},
	}
}

// Load starts from Default, applies the YAML file named by GUARDPAY_CONFIG
// when set, then environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTP.Host = valueOrDefault("SERVER_HOST", cfg.HTTP.Host)
	cfg.HTTP.AllowedOriginsCSV = valueOrDefault("SERVER_ALLOWED_ORIGINS", cfg.HTTP.AllowedOriginsCSV)
	port, err := parsePort("SERVER_PORT", cfg.HTTP.Port)
	if err != nil {
		return err
	}
	cfg.HTTP.Port = port

	cfg.Logging.Level = valueOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = valueOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.IncludeCaller = parseBoolWithDefault("LOG_INCLUDE_CALLER", cfg.Logging.IncludeCaller)

	cfg.Postgres.URL = valueOrDefault("DATABASE_URL", cfg.Postgres.URL)
	cfg.Postgres.MaxOpenConns = parseIntWithDefault("DATABASE_MAX_OPEN_CONNS", cfg.Postgres.MaxOpenConns)
	cfg.Postgres.MaxIdleConns = parseIntWithDefault("DATABASE_MAX_IDLE_CONNS", cfg.Postgres.MaxIdleConns)
	cfg.Postgres.ConnectAttempts = parseIntWithDefault("DATABASE_CONNECT_ATTEMPTS", cfg.Postgres.ConnectAttempts)

	cfg.Redis.URL = valueOrDefault("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Password = valueOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = parseIntWithDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = valueOrDefault("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)

	cfg.Graph.URI = valueOrDefault("GRAPH_URI", cfg.Graph.URI)
	cfg.Graph.Database = valueOrDefault("GRAPH_DATABASE", cfg.Graph.Database)
	cfg.Graph.Username = valueOrDefault("GRAPH_USERNAME", cfg.Graph.Username)
	cfg.Graph.Password = valueOrDefault("GRAPH_PASSWORD", cfg.Graph.Password)
	cfg.Graph.MaxConnections = parseIntWithDefault("GRAPH_MAX_CONNECTIONS", cfg.Graph.MaxConnections)

	cfg.Auth.JWTSecret = valueOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = valueOrDefault("JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.AdminAPIKey = valueOrDefault("ADMIN_API_KEY", cfg.Auth.AdminAPIKey)
	cfg.Auth.BcryptCost = parseIntWithDefault("BCRYPT_COST", cfg.Auth.BcryptCost)
	cfg.Auth.AllowUsernameParam = parseBoolWithDefault("AUTH_ALLOW_USERNAME_PARAM", cfg.Auth.AllowUsernameParam)

	cfg.Ledger.MinPasswordLength = parseIntWithDefault("LEDGER_MIN_PASSWORD_LENGTH", cfg.Ledger.MinPasswordLength)

	cfg.Escrow.ReleasePolicy = valueOrDefault("ESCROW_RELEASE_POLICY", cfg.Escrow.ReleasePolicy)
	cfg.Escrow.SenderAuraReward = parseFloatWithDefault("ESCROW_SENDER_AURA_REWARD", cfg.Escrow.SenderAuraReward)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
		{"DATABASE_CONN_MAX_LIFETIME", &cfg.Postgres.ConnMaxLifetime},
		{"DATABASE_RETRY_INTERVAL", &cfg.Postgres.RetryInterval},
		{"JWT_TTL", &cfg.Auth.TokenTTL},
		{"RISK_VELOCITY_WINDOW", &cfg.Risk.VelocityWindow},
		{"RISK_COOLING_OFF_PERIOD", &cfg.Risk.CoolingOffPeriod},
		{"IDEMPOTENCY_TTL", &cfg.Idempotency.TTL},
		{"IDEMPOTENCY_PENDING_TTL", &cfg.Idempotency.PendingTTL},
		{"IDEMPOTENCY_WAIT_TIMEOUT", &cfg.Idempotency.WaitTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	amounts := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"LEDGER_INITIAL_BALANCE", &cfg.Ledger.InitialBalance},
		{"RISK_HIGH_VALUE_AMOUNT", &cfg.Risk.HighValueAmount},
		{"RISK_NEW_ACCOUNT_LIMIT", &cfg.Risk.NewAccountLimit},
	}
	for _, a := range amounts {
		v := os.Getenv(a.key)
		if v == "" {
			continue
		}
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", a.key, v, err)
		}
		*a.dst = parsed
	}
	return nil
}

// Validate rejects values the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.HTTP.Port))
	}
	if c.Ledger.InitialBalance.IsNegative() {
		errs = append(errs, errors.New("ledger initial balance must not be negative"))
	}
	if !c.Risk.HighValueAmount.IsPositive() || !c.Risk.NewAccountLimit.IsPositive() {
		errs = append(errs, errors.New("risk amounts must be positive"))
	}
	if c.Risk.VelocityWindow <= 0 {
		errs = append(errs, errors.New("risk velocity window must be positive"))
	}
	switch strings.ToLower(c.Escrow.ReleasePolicy) {
	case "receiver-or-admin", "participants":
	default:
		errs = append(errs, fmt.Errorf("unknown escrow release policy %q", c.Escrow.ReleasePolicy))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	return errors.Join(errs...)
}

// AllowedOrigins splits AllowedOriginsCSV into trimmed, non-empty origins.
func (h HTTPConfig) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(h.AllowedOriginsCSV, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseFloatWithDefault(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			return val
		}
	}
	return fallback
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
