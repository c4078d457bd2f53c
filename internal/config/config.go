package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

// DBConfig selects the SQL driver and its connection string.
type DBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SessionConfig controls session storage and cookies.
type SessionConfig struct {
	Store           string        `yaml:"store"`
	Duration        time.Duration `yaml:"duration"`
	SecureCookie    bool          `yaml:"secure_cookie"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RedisConfig is used when sessions are kept in Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PasswordConfig holds the PBKDF2 parameters for new hashes.
type PasswordConfig struct {
	Iterations int `yaml:"iterations"`
	SaltLength int `yaml:"salt_length"`
}

// AdminConfig seeds a first account on an empty database.
type AdminConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// Session store backends.
const (
	SessionStoreSQL   = "sql"
	SessionStoreRedis = "redis"
)

// Config is the full server configuration.
type Config struct {
	Env         string         `yaml:"env"`
	Port        string         `yaml:"port"`
	LogLevel    string         `yaml:"log_level"`
	LogDir      string         `yaml:"log_dir"`
	CORSOrigins []string       `yaml:"cors_origins"`
	DB          DBConfig       `yaml:"db"`
	Session     SessionConfig  `yaml:"session"`
	Redis       RedisConfig    `yaml:"redis"`
	Password    PasswordConfig `yaml:"password"`
	Admin       AdminConfig    `yaml:"admin"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Env:         "development",
		Port:        "8080",
		LogLevel:    "info",
		CORSOrigins: []string{"*"},
		DB: DBConfig{
			Driver: "sqlite",
			DSN:    "expenses.db",
		},
		Session: SessionConfig{
			Store:           SessionStoreSQL,
			Duration:        30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "expense",
		},
		Password: PasswordConfig{
			Iterations: 600000,
			SaltLength: 24,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (optional),
// a .env file in the working directory (optional) and the process environment,
// in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := gotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env variables: %w", err)
	}

	if err := overrideFromEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("APP_ENV", &cfg.Env)
	setString("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("LOG_DIR", &cfg.LogDir)
	setString("DB_DRIVER", &cfg.DB.Driver)
	setString("DB_DSN", &cfg.DB.DSN)
	setString("SESSION_STORE", &cfg.Session.Store)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setString("REDIS_PREFIX", &cfg.Redis.Prefix)
	setString("ADMIN_EMAIL", &cfg.Admin.Email)
	setString("ADMIN_PASSWORD", &cfg.Admin.Password)

	// DB_PATH is kept for SQLite deployments that predate DB_DSN.
	if v := os.Getenv("DB_PATH"); v != "" && os.Getenv("DB_DSN") == "" {
		cfg.DB.DSN = v
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins := []string{}
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSOrigins = origins
	}

	if v := os.Getenv("SESSION_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SESSION_DURATION: %w", err)
		}
		cfg.Session.Duration = d
	}
	if v := os.Getenv("SECURE_COOKIE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SECURE_COOKIE: %w", err)
		}
		cfg.Session.SecureCookie = b
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("PBKDF2_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PBKDF2_ITERATIONS: %w", err)
		}
		cfg.Password.Iterations = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.DB.Driver) {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db dsn is required")
	}

	switch c.Session.Store {
	case SessionStoreSQL, SessionStoreRedis:
	default:
		return fmt.Errorf("unsupported session store %q", c.Session.Store)
	}
	if c.Session.Duration <= 0 {
		return errors.New("session duration must be positive")
	}
	if c.Session.CleanupInterval <= 0 {
		return errors.New("session cleanup interval must be positive")
	}

	if c.Password.Iterations <= 0 {
		return errors.New("pbkdf2 iterations must be positive")
	}
	if c.Password.SaltLength <= 0 {
		return errors.New("salt length must be positive")
	}

	if (c.Admin.Email == "") != (c.Admin.Password == "") {
		return errors.New("admin email and password must be set together")
	}
	return nil
}

// IsProduction reports whether the app runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
