package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeCreator Mode = "creator"
	ModeRelay   Mode = "relay"
)

const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	Telegram struct {
		BotToken   string  `env:"BOT_TOKEN,required"`
		APIID      int     `env:"API_ID"`
		APIHash    string  `env:"API_HASH"`
		AdminIDs   []int64 `env:"ADMIN_IDS" envSeparator:","`
		WebhookURL string  `env:"WEBHOOK_URL"`
	}

	Server struct {
		Port          int    `env:"PORT" envDefault:"8080"`
		AdminUsername string `env:"ADMIN_USERNAME"`
		AdminPassword string `env:"ADMIN_PASSWORD"`
	}

	Relay struct {
		UserPassword string `env:"USER_PASSWORD"`
	}

	Store struct {
		Driver        string `env:"STORE_DRIVER" envDefault:"mongo"`
		MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
		MongoDatabase string `env:"MONGO_DATABASE" envDefault:"github_bot_db"`
		SQLitePath    string `env:"SQLITE_PATH" envDefault:"./data/repobot.db"`
		RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		RedisPassword string `env:"REDIS_PASSWORD"`
		RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
		// VaultKey is a base64 32-byte key; empty keeps credentials unsealed.
		VaultKey string `env:"VAULT_KEY"`
	}

	Limits struct {
		FloodMaxAttempts    int           `env:"FLOOD_MAX_ATTEMPTS" envDefault:"3"`
		FloodMaxWait        time.Duration `env:"FLOOD_MAX_WAIT" envDefault:"5m"`
		UserRatePerSec      float64       `env:"USER_RATE_PER_SEC" envDefault:"1"`
		UserRateBurst       int           `env:"USER_RATE_BURST" envDefault:"5"`
		BroadcastRatePerSec float64       `env:"BROADCAST_RATE_PER_SEC" envDefault:"20"`
	}

	Janitor struct {
		Schedule        string        `env:"JANITOR_SCHEDULE" envDefault:"@every 15m"`
		LoginAttemptTTL time.Duration `env:"LOGIN_ATTEMPT_TTL" envDefault:"10m"`
		StaleFlowAfter  time.Duration `env:"STALE_FLOW_AFTER" envDefault:"24h"`
	}
}

// Load reads an optional dotenv file and then the process environment.
// An explicitly named envFile must exist; the default .env may be absent.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings a given bot variant cannot run without.
func (c *Config) Validate(mode Mode) error {
	var errs []error

	switch mode {
	case ModeCreator:
		if c.Telegram.APIID == 0 {
			errs = append(errs, errors.New("API_ID is required"))
		}
		if c.Telegram.APIHash == "" {
			errs = append(errs, errors.New("API_HASH is required"))
		}
	case ModeRelay:
		if c.Relay.UserPassword == "" {
			errs = append(errs, errors.New("USER_PASSWORD is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", mode))
	}

	switch c.Store.Driver {
	case DriverMongo, DriverSQLite, DriverRedis, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}

	if (c.Server.AdminUsername == "") != (c.Server.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together"))
	}
	if c.Limits.FloodMaxAttempts < 1 {
		errs = append(errs, errors.New("FLOOD_MAX_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}

// ConsoleEnabled reports whether the basic-auth admin pages should be served.
func (c *Config) ConsoleEnabled() bool {
	return c.Server.AdminUsername != "" && c.Server.AdminPassword != ""
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
