package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type API struct {
	Addr         string   `yaml:"addr"`
	CORSOrigins  []string `yaml:"corsOrigins"`
	HistoryLimit int      `yaml:"historyLimit"`

	// IdentityHeader names the header an authenticating proxy sets to the caller's account
	IdentityHeader  string `yaml:"identityHeader"`
	RequireIdentity bool   `yaml:"requireIdentity"`
	// OperatorKey unlocks every account's reconciliations over HTTP; empty disables it
	OperatorKey string `yaml:"operatorKey"`
}

type Store struct {
	Backend    string `yaml:"backend"` // pebble | sqlite | memory
	PebblePath string `yaml:"pebblePath"`
	SQLitePath string `yaml:"sqlitePath"`
}

// Instrument is a paper venue listing; price and lot size are decimal strings
type Instrument struct {
	Symbol  string `yaml:"symbol"`
	Price   string `yaml:"price"`
	LotSize string `yaml:"lotSize"`
}

type Venue struct {
	Kind          string        `yaml:"kind"` // paper | http
	BaseURL       string        `yaml:"baseUrl"`
	APIKey        string        `yaml:"apiKey"`
	APISecret     string        `yaml:"apiSecret"`
	QuoteAsset    string        `yaml:"quoteAsset"`
	SubmitTimeout time.Duration `yaml:"submitTimeout"`
	FeeBps        int64         `yaml:"feeBps"`
	Instruments   []Instrument  `yaml:"instruments"`
}

type Breaker struct {
	Failures  int           `yaml:"failures"`
	Successes int           `yaml:"successes"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Reconcile struct {
	Interval time.Duration `yaml:"interval"`
}

type Log struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
}

type Config struct {
	API       API       `yaml:"api"`
	Store     Store     `yaml:"store"`
	Venue     Venue     `yaml:"venue"`
	Breaker   Breaker   `yaml:"breaker"`
	Kafka     Kafka     `yaml:"kafka"`
	Reconcile Reconcile `yaml:"reconcile"`
	Log       Log       `yaml:"log"`
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			CORSOrigins:    []string{"http://localhost:3000"},
			IdentityHeader: "X-Account-ID",
			HistoryLimit:   100,
		},
		Store: Store{
			Backend:    "pebble",
			PebblePath: "./data/ledger",
			SQLitePath: "./data/ledger.db",
		},
		Venue: Venue{
			Kind:          "paper",
			QuoteAsset:    "USDT",
			SubmitTimeout: 5 * time.Second,
			FeeBps:        10,
			Instruments: []Instrument{
				{Symbol: "BTCUSDT", Price: "60000", LotSize: "0.00001"},
				{Symbol: "ETHUSDT", Price: "3000", LotSize: "0.0001"},
			},
		},
		Breaker: Breaker{
			Failures:  5,
			Successes: 2,
			Cooldown:  30 * time.Second,
		},
		Kafka: Kafka{Topic: "ledger.reconciliation"},
		Reconcile: Reconcile{
			Interval: 10 * time.Second,
		},
		Log: Log{
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists), an optional
// YAML file named by CONFIG_FILE, and environment variables.
// Priority: ENV > .env file > CONFIG_FILE > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return Config{}, err
		}
	}

	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	millis := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	list := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	str("API_ADDR", &cfg.API.Addr)
	list("CORS_ORIGINS", &cfg.API.CORSOrigins)
	str("IDENTITY_HEADER", &cfg.API.IdentityHeader)
	if v := os.Getenv("REQUIRE_IDENTITY"); v != "" {
		cfg.API.RequireIdentity = v == "true"
	}
	str("OPERATOR_KEY", &cfg.API.OperatorKey)

	str("STORE_BACKEND", &cfg.Store.Backend)
	str("DB_PATH", &cfg.Store.PebblePath)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)

	str("VENUE", &cfg.Venue.Kind)
	str("VENUE_BASE_URL", &cfg.Venue.BaseURL)
	str("VENUE_API_KEY", &cfg.Venue.APIKey)
	str("VENUE_API_SECRET", &cfg.Venue.APISecret)
	str("VENUE_QUOTE_ASSET", &cfg.Venue.QuoteAsset)
	millis("SUBMIT_TIMEOUT_MS", &cfg.Venue.SubmitTimeout)

	num("BREAKER_FAILURES", &cfg.Breaker.Failures)
	millis("BREAKER_COOLDOWN_MS", &cfg.Breaker.Cooldown)

	list("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)

	millis("RECONCILE_INTERVAL_MS", &cfg.Reconcile.Interval)

	str("LOG_FILE", &cfg.Log.File)
	num("LOG_MAX_SIZE_MB", &cfg.Log.MaxSizeMB)
	num("LOG_MAX_BACKUPS", &cfg.Log.MaxBackups)

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the node cannot start with
func (c Config) Validate() error {
	var errs []error
	if c.API.Addr == "" {
		errs = append(errs, errors.New("api addr is empty"))
	}
	switch c.Store.Backend {
	case "pebble":
		if c.Store.PebblePath == "" {
			errs = append(errs, errors.New("pebble path is empty"))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is empty"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Venue.Kind {
	case "paper":
		if len(c.Venue.Instruments) == 0 {
			errs = append(errs, errors.New("paper venue lists no instruments"))
		}
		if c.Venue.FeeBps < 0 {
			errs = append(errs, errors.New("fee bps must not be negative"))
		}
	case "http":
		if c.Venue.BaseURL == "" || c.Venue.APIKey == "" || c.Venue.APISecret == "" {
			errs = append(errs, errors.New("http venue needs base url, api key and api secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown venue %q", c.Venue.Kind))
	}
	if c.Venue.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("submit timeout must be positive"))
	}
	if c.Breaker.Failures <= 0 || c.Breaker.Successes <= 0 || c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("breaker settings must be positive"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile interval must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is empty"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
