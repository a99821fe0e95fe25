// Package config loads the application configuration from the environment.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrParsingConfig is returned when environment variables cannot be parsed.
var ErrParsingConfig = errors.New("failed to parse environment variables into config")

// Environment is the deployment environment the process runs in.
type Environment string

const (
	Production  Environment = "production"
	Staging     Environment = "staging"
	Development Environment = "development"
	Test        Environment = "test"
)

// ParseEnvironment normalises common spellings. Unknown values are treated as
// production so limits are never relaxed by accident.
func ParseEnvironment(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev", "local":
		return Development
	case "test", "testing":
		return Test
	case "staging", "stage":
		return Staging
	default:
		return Production
	}
}

type Config struct {
	Env             string        `env:"APP_ENV" envDefault:"development"`
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"estate-api"`
	Port            string        `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Redis     RedisConfig
	RateLimit RateLimitConfig
}

// RedisConfig describes the counter store connection. Leaving both URL and
// Host empty selects the in-memory store.
type RedisConfig struct {
	URL            string        `env:"REDIS_URL"`
	Host           string        `env:"REDIS_HOST"`
	Port           int           `env:"REDIS_PORT" envDefault:"6379"`
	Password       string        `env:"REDIS_PASSWORD"`
	DB             int           `env:"REDIS_DB" envDefault:"0"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"5s"`
	CommandTimeout time.Duration `env:"REDIS_COMMAND_TIMEOUT" envDefault:"3s"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"500ms"`
}

type RateLimitConfig struct {
	// CustomRules is a JSON array of extra route rules appended to the defaults.
	CustomRules string   `env:"RATE_LIMIT_CONFIGS"`
	BypassIPs   []string `env:"RATE_LIMIT_BYPASS_IPS" envSeparator:","`
	// TrustedProxies are the only peers whose forwarding headers are honoured.
	TrustedProxies []string      `env:"RATE_LIMIT_TRUSTED_PROXIES" envSeparator:","`
	DevTestToken   string        `env:"RATE_LIMIT_DEV_TEST_TOKEN"`
	AdminToken     string        `env:"RATE_LIMIT_ADMIN_TOKEN"`
	KeyPrefix      string        `env:"RATE_LIMIT_KEY_PREFIX" envDefault:"rl"`
	UserHeader     string        `env:"RATE_LIMIT_USER_HEADER" envDefault:"X-User-ID"`
	StoreRetry     time.Duration `env:"RATE_LIMIT_STORE_RETRY" envDefault:"30s"`
}

// Environment returns the parsed deployment environment.
func (c Config) Environment() Environment {
	return ParseEnvironment(c.Env)
}

// Load reads a .env file when present and parses the environment into Config.
func Load() (Config, error) {
	// the .env file is optional
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}
