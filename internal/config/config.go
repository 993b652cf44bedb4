// Package config loads runtime settings in layers: built-in defaults, an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const ConfigPathEnvVar = "CONFIG_PATH"

var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

const minSecretLength = 32

type Config struct {
	App      AppConfig      `koanf:"app"`
	Log      LogConfig      `koanf:"log"`
	Token    TokenConfig    `koanf:"token"`
	Database DatabaseConfig `koanf:"database"`
	Store    StoreConfig    `koanf:"store"`
	Login    LoginConfig    `koanf:"login"`
	Admin    AdminConfig    `koanf:"admin"`
	OAuth2   OAuth2Config   `koanf:"oauth2"`
}

type AppConfig struct {
	Env           string `koanf:"env"`
	Port          string `koanf:"port"`
	Release       string `koanf:"release"`
	SentryDSN     string `koanf:"sentry_dsn"`
	RunMigrations bool   `koanf:"run_migrations"`

	// TrustedProxies lists proxy IPs or CIDRs whose forwarding headers are
	// believed. Empty means the connection address is always used.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TokenConfig struct {
	Secret     string        `koanf:"secret"`
	AccessTTL  time.Duration `koanf:"access_ttl"`
	RefreshTTL time.Duration `koanf:"refresh_ttl"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

type StoreConfig struct {
	Backend         string        `koanf:"backend"`
	RedisAddr       string        `koanf:"redis_addr"`
	RedisPassword   string        `koanf:"redis_password"`
	RedisDB         int           `koanf:"redis_db"`
	Prefix          string        `koanf:"prefix"`
	OpTimeout       time.Duration `koanf:"op_timeout"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerOpen     time.Duration `koanf:"breaker_open"`
}

type LoginConfig struct {
	RateLimitMax    int           `koanf:"rate_limit_max"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

type AdminConfig struct {
	Email    string `koanf:"email"`
	Password string `koanf:"password"`
}

type OAuth2Config struct {
	SuccessRedirect string         `koanf:"success_redirect"`
	Google          ProviderConfig `koanf:"google"`
	GitHub          ProviderConfig `koanf:"github"`
	Facebook        ProviderConfig `koanf:"facebook"`
}

type ProviderConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
}

func (p ProviderConfig) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

func defaultConfig() Config {
	return Config{
		App: AppConfig{
			Env:            "development",
			Port:           "8080",
			TrustedProxies: []string{},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Token: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Store: StoreConfig{
			Backend:         "redis",
			RedisAddr:       "localhost:6379",
			Prefix:          "estate:",
			OpTimeout:       2 * time.Second,
			BreakerFailures: 5,
			BreakerOpen:     30 * time.Second,
		},
		Login: LoginConfig{
			RateLimitMax:    10,
			RateLimitWindow: time.Minute,
		},
	}
}

type Options struct {
	LoadDotEnv bool
}

func Load(options Options) (*Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if len(strings.TrimSpace(c.Token.Secret)) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength))
	}
	if c.Token.AccessTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be positive"))
	}
	if c.Token.RefreshTTL <= 0 {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must be positive"))
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, errors.New("missing required env: DATABASE_URL"))
	}
	switch c.Store.Backend {
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	if c.Store.OpTimeout <= 0 {
		errs = append(errs, errors.New("STORE_OP_TIMEOUT must be positive"))
	}
	for _, proxy := range c.App.TrustedProxies {
		if !validProxyEntry(proxy) {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", proxy))
		}
	}
	if (c.Admin.Email == "") != (c.Admin.Password == "") {
		errs = append(errs, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together"))
	}

	return errors.Join(errs...)
}

func validProxyEntry(entry string) bool {
	if _, err := netip.ParsePrefix(entry); err == nil {
		return true
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

func findConfigFile() string {
	if path := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var envKeys = map[string]string{
	"APP_ENV":                   "app.env",
	"PORT":                      "app.port",
	"APP_RELEASE":               "app.release",
	"SENTRY_DSN":                "app.sentry_dsn",
	"RUN_MIGRATIONS_ON_STARTUP": "app.run_migrations",
	"TRUSTED_PROXIES":           "app.trusted_proxies",

	"LOG_LEVEL":  "log.level",
	"LOG_FORMAT": "log.format",

	"JWT_SECRET":        "token.secret",
	"ACCESS_TOKEN_TTL":  "token.access_ttl",
	"REFRESH_TOKEN_TTL": "token.refresh_ttl",

	"DATABASE_URL":          "database.url",
	"DB_MAX_OPEN_CONNS":     "database.max_open_conns",
	"DB_MAX_IDLE_CONNS":     "database.max_idle_conns",
	"DB_CONN_MAX_LIFETIME":  "database.conn_max_lifetime",
	"DB_CONN_MAX_IDLE_TIME": "database.conn_max_idle_time",

	"STORE_BACKEND":          "store.backend",
	"REDIS_ADDR":             "store.redis_addr",
	"REDIS_PASSWORD":         "store.redis_password",
	"REDIS_DB":               "store.redis_db",
	"STORE_PREFIX":           "store.prefix",
	"STORE_OP_TIMEOUT":       "store.op_timeout",
	"STORE_BREAKER_FAILURES": "store.breaker_failures",
	"STORE_BREAKER_OPEN":     "store.breaker_open",

	"LOGIN_RATE_LIMIT_MAX":    "login.rate_limit_max",
	"LOGIN_RATE_LIMIT_WINDOW": "login.rate_limit_window",

	"ADMIN_EMAIL":    "admin.email",
	"ADMIN_PASSWORD": "admin.password",

	"OAUTH2_SUCCESS_REDIRECT":       "oauth2.success_redirect",
	"OAUTH2_GOOGLE_CLIENT_ID":       "oauth2.google.client_id",
	"OAUTH2_GOOGLE_CLIENT_SECRET":   "oauth2.google.client_secret",
	"OAUTH2_GOOGLE_REDIRECT_URL":    "oauth2.google.redirect_url",
	"OAUTH2_GITHUB_CLIENT_ID":       "oauth2.github.client_id",
	"OAUTH2_GITHUB_CLIENT_SECRET":   "oauth2.github.client_secret",
	"OAUTH2_GITHUB_REDIRECT_URL":    "oauth2.github.redirect_url",
	"OAUTH2_FACEBOOK_CLIENT_ID":     "oauth2.facebook.client_id",
	"OAUTH2_FACEBOOK_CLIENT_SECRET": "oauth2.facebook.client_secret",
	"OAUTH2_FACEBOOK_REDIRECT_URL":  "oauth2.facebook.redirect_url",
}

// sliceKeys are parsed as comma-separated lists when they come from the
// environment.
var sliceKeys = []string{"app.trusted_proxies"}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceKeys {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := make([]string, 0)
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// envTransform maps known environment variables to config keys; anything
// else is dropped.
func envTransform(key string) string {
	return envKeys[strings.ToUpper(key)]
}
