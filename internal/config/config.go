// Package config reads the service configuration from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BusMemory = "memory"
	BusRedis  = "redis"

	AuthNone  = "none"
	AuthHS256 = "hs256"
	AuthJWKS  = "jwks"

	StorageSQLite = "sqlite"
	StorageTables = "tables"
)

type Config struct {
	Debug      bool
	ListenPort int

	BusBackend     string
	RedisConn      string
	BusBuffer      int
	SubscribeWait  time.Duration
	RequireInit    bool
	AuthMode       string
	AuthSecret     string
	Auth0Domain    string
	Auth0Audience  string
	JWKSCacheTTL   time.Duration
	TriggerToken   string
	DedupeTTL      time.Duration
	StorageBackend string
	SQLiteDSN      string
	StorageConn    string
	ModelsTable    string
	TriggerQueue   string
	RelayPoll      time.Duration
}

// Load reads and validates the configuration.
func Load() (Config, error) {
	var err error
	c := Config{
		BusBackend:     strings.ToLower(envStr("BUS_BACKEND", BusMemory)),
		RedisConn:      os.Getenv("REDIS_CONNECTION_STRING"),
		AuthMode:       strings.ToLower(envStr("AUTH_MODE", AuthNone)),
		AuthSecret:     os.Getenv("AUTH_SHARED_SECRET"),
		Auth0Domain:    os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience:  os.Getenv("AUTH0_AUDIENCE"),
		TriggerToken:   os.Getenv("TRIGGER_TOKEN"),
		StorageBackend: strings.ToLower(envStr("STORAGE_BACKEND", StorageSQLite)),
		SQLiteDSN:      envStr("SQLITE_DSN", "file:models.db"),
		StorageConn:    os.Getenv("STORAGE_CONNECTION_STRING"),
		ModelsTable:    envStr("MODELS_TABLE", "models"),
		TriggerQueue:   os.Getenv("TRIGGER_QUEUE"),
	}
	if c.Debug, err = envBool("DEBUG", false); err != nil {
		return c, err
	}
	if c.RequireInit, err = envBool("REQUIRE_CONNECTION_INIT", false); err != nil {
		return c, err
	}
	if c.ListenPort, err = envInt("LISTEN_PORT", 9000); err != nil {
		return c, err
	}
	if c.BusBuffer, err = envInt("BUS_BUFFER", 256); err != nil {
		return c, err
	}
	if c.SubscribeWait, err = envDur("BUS_SUBSCRIBE_TIMEOUT", 5*time.Second); err != nil {
		return c, err
	}
	if c.JWKSCacheTTL, err = envDur("JWKS_CACHE_TTL", 15*time.Minute); err != nil {
		return c, err
	}
	if c.DedupeTTL, err = envDur("TRIGGER_DEDUPE_TTL", 24*time.Hour); err != nil {
		return c, err
	}
	if c.RelayPoll, err = envDur("RELAY_POLL_INTERVAL", time.Second); err != nil {
		return c, err
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch c.BusBackend {
	case BusMemory:
	case BusRedis:
		if c.RedisConn == "" {
			return fmt.Errorf("missing redis config: REDIS_CONNECTION_STRING")
		}
	default:
		return fmt.Errorf("unsupported BUS_BACKEND %q", c.BusBackend)
	}
	switch c.AuthMode {
	case AuthNone:
	case AuthHS256:
		if c.AuthSecret == "" {
			return fmt.Errorf("AUTH_SHARED_SECRET must be set when AUTH_MODE=hs256")
		}
	case AuthJWKS:
		if c.Auth0Domain == "" || c.Auth0Audience == "" {
			return fmt.Errorf("missing Auth0 config")
		}
	default:
		return fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode)
	}
	if c.RequireInit && c.AuthMode == AuthNone {
		return fmt.Errorf("REQUIRE_CONNECTION_INIT needs AUTH_MODE hs256 or jwks")
	}
	switch c.StorageBackend {
	case StorageSQLite:
	case StorageTables:
		if c.StorageConn == "" {
			return fmt.Errorf("missing storage config: STORAGE_CONNECTION_STRING")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.TriggerQueue != "" && c.StorageConn == "" {
		return fmt.Errorf("TRIGGER_QUEUE needs STORAGE_CONNECTION_STRING")
	}
	return nil
}

// RedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true".
func RedisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if parts[0] == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %v", key, err)
	}
	return b, nil
}
