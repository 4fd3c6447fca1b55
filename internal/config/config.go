// Package config loads relay settings from the environment, with an optional
// .env file in front of it.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/chatrelay/internal/domain"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Config holds every runtime setting of the relay.
type Config struct {
	Port           string `env:"SERVER_PORT,default=:8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize int64  `env:"MAX_MESSAGE_SIZE,default=8192"`

	RateLimitBurst  int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefill time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`

	PushTimeout     time.Duration `env:"PUSH_TIMEOUT,default=2s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	StoreKind  string `env:"STORE_KIND,default=memory" validate:"oneof=memory badger mysql"`
	BadgerPath string `env:"BADGER_PATH,default=data/badger" validate:"required_if=StoreKind badger"`
	MySQLDSN   string `env:"MYSQL_DSN" validate:"required_if=StoreKind mysql"`

	// SeedUsers creates users 1..SeedUsers in the memory and badger stores.
	SeedUsers int `env:"SEED_USERS,default=0" validate:"gte=0"`
	// SeedGroups is a list like "100=1,2,3;101=2,4".
	SeedGroups string `env:"SEED_GROUPS"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB,default=0" validate:"gte=0"`
	RedisRefresh  time.Duration `env:"REDIS_REFRESH_INTERVAL,default=1m"`
	NodeID        string        `env:"NODE_ID"`

	LogLevel    string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogEncoding string `env:"LOG_ENCODING,default=json" validate:"oneof=json console"`
}

var validate = validator.New()

// Load reads envFile when given, or ./.env when present, then the process
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return finish(cfg)
}

// FromEnvSet builds a Config from an explicit set of variables.
func FromEnvSet(es env.EnvSet) (*Config, error) {
	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return finish(cfg)
}

func finish(cfg Config) (*Config, error) {
	cfg = sanitize(cfg)
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Groups(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// sanitize replaces out of range values with defaults.
func sanitize(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 5
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RedisRefresh <= 0 {
		cfg.RedisRefresh = time.Minute
	}
	cfg.StoreKind = strings.ToLower(strings.TrimSpace(cfg.StoreKind))
	if cfg.StoreKind == "" {
		cfg.StoreKind = string(store.KindMemory)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogEncoding = strings.ToLower(cfg.LogEncoding)
	return cfg
}

// Origins splits AllowedOrigins on commas.
func (c *Config) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Groups parses SeedGroups.
func (c *Config) Groups() ([]domain.Group, error) {
	var groups []domain.Group
	for _, entry := range strings.Split(c.SeedGroups, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, members, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid config: seed group %q: missing '='", entry)
		}
		gid, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || gid <= 0 {
			return nil, fmt.Errorf("invalid config: seed group %q: bad id", entry)
		}
		g := domain.Group{ID: domain.GroupID(gid), Name: fmt.Sprintf("group-%d", gid)}
		for _, m := range strings.Split(members, ",") {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			uid, err := strconv.ParseInt(m, 10, 64)
			if err != nil || uid <= 0 {
				return nil, fmt.Errorf("invalid config: seed group %q: bad member %q", entry, m)
			}
			g.Members = append(g.Members, domain.UserID(uid))
		}
		if len(g.Members) > 0 {
			g.CreatedBy = g.Members[0]
		}
		groups = append(groups, g)
	}
	return groups, nil
}
