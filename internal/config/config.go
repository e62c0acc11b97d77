// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

type Config struct {
	StoreBackend string
	StateTable   string
	DatabaseURL  string
	ParamPrefix  string

	FreeTierTokenLimit int64
	ResetInterval      time.Duration

	SessionCacheSize int
	SessionLockScope string

	MaxMessageLength int
	MaxContextItems  int
	TokenizerModel   string
	LogLevel         slog.Level

	// OpenAITemperature is nil when unset; the API default applies.
	OpenAITemperature *float64
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadEnvFiles loads .env.local and then .env into the process environment.
// Variables already set are never overridden, and missing files are ignored.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

// Load builds a Config from lookup, applying defaults. All problems are
// reported together.
func Load(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := reader{lookup: lookup}

	cfg := Config{
		StoreBackend:       strings.ToLower(r.str("STORE_BACKEND", BackendDynamoDB)),
		StateTable:         r.str("STATE_TABLE", ""),
		DatabaseURL:        r.str("DATABASE_URL", ""),
		ParamPrefix:        r.str("PARAM_PREFIX", ""),
		FreeTierTokenLimit: int64(r.positiveInt("FREE_TIER_TOKEN_LIMIT", 200)),
		ResetInterval:      time.Duration(r.positiveInt("TOKEN_RESET_INTERVAL_MINUTES", 5)) * time.Minute,
		SessionCacheSize:   r.positiveInt("SESSION_CACHE_SIZE", 50),
		SessionLockScope:   strings.ToLower(r.str("SESSION_LOCK_SCOPE", "conversation")),
		MaxMessageLength:   r.positiveInt("MAX_MESSAGE_LENGTH", 4000),
		MaxContextItems:    r.positiveInt("MAX_CONTEXT_ITEMS", 20),
		TokenizerModel:     r.str("TOKENIZER_MODEL", "gpt-3.5-turbo"),
		LogLevel:           r.level("LOG_LEVEL", slog.LevelInfo),
		OpenAITemperature:  r.optionalFloat("OPENAI_TEMPERATURE", 0, 2),
	}

	if cfg.ParamPrefix == "" {
		r.fail("PARAM_PREFIX is required")
	}
	switch cfg.StoreBackend {
	case BackendDynamoDB:
		if cfg.StateTable == "" {
			r.fail("STATE_TABLE is required for the dynamodb backend")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			r.fail("DATABASE_URL is required for the postgres backend")
		}
	default:
		r.fail(fmt.Sprintf("STORE_BACKEND %q is not one of dynamodb, postgres", cfg.StoreBackend))
	}
	switch cfg.SessionLockScope {
	case "conversation", "process":
	default:
		r.fail(fmt.Sprintf("SESSION_LOCK_SCOPE %q is not one of conversation, process", cfg.SessionLockScope))
	}

	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(r.errs...))
	}
	return cfg, nil
}

type reader struct {
	lookup LookupFunc
	errs   []error
}

func (r *reader) fail(msg string) { r.errs = append(r.errs, errors.New(msg)) }

func (r *reader) str(key, def string) string {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return def
	}
	return v
}

func (r *reader) positiveInt(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.fail(fmt.Sprintf("%s must be a positive integer, got %q", key, v))
		return def
	}
	return n
}

func (r *reader) optionalFloat(key string, lo, hi float64) *float64 {
	v := r.str(key, "")
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < lo || f > hi {
		r.fail(fmt.Sprintf("%s must be a number in [%g, %g], got %q", key, lo, hi, v))
		return nil
	}
	return &f
}

func (r *reader) level(key string, def slog.Level) slog.Level {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		r.fail(fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return lvl
}
