// Package config reads the server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Port            int           `env:"PORT" envDefault:"3333"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	TickRate           int           `env:"TICK_RATE" envDefault:"30"`
	DetectEvery        int           `env:"DETECT_EVERY" envDefault:"2"`
	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"30s"`
	StatsEvery         uint64        `env:"COLLISION_STATS_EVERY" envDefault:"300"`
	CommandCapacity    int           `env:"COMMAND_CAPACITY" envDefault:"4096"`
	PerActorLimit      int           `env:"COMMAND_PER_ACTOR_LIMIT" envDefault:"16"`

	WorldSeed       string  `env:"WORLD_SEED" envDefault:"stake-arena"`
	EscapeThreshold float64 `env:"ESCAPE_THRESHOLD" envDefault:"1"`
	EntryFee        float64 `env:"ENTRY_FEE" envDefault:"1"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/sessions.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	PriceAPIURL string        `env:"PRICE_API_URL"`
	ChainID     int64         `env:"CHAIN_ID" envDefault:"4352"`
	PriceTTL    time.Duration `env:"PRICE_TTL" envDefault:"10s"`

	LedgerFeeBps       int64  `env:"LEDGER_FEE_BPS" envDefault:"500"`
	ContractAddress    string `env:"CONTRACT_ADDRESS"`
	DevLedgerEndpoints bool   `env:"DEV_LEDGER_ENDPOINTS" envDefault:"false"`

	Settlement SettlementConfig `envPrefix:"SETTLEMENT_"`

	LogSinks       []string `env:"LOG_SINKS" envDefault:"console" envSeparator:","`
	LogJSONPath    string   `env:"LOG_JSON_PATH" envDefault:"logs/events.jsonl"`
	LogMinSeverity string   `env:"LOG_MIN_SEVERITY" envDefault:"info"`

	OTelEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"stake-arena"`
	EnablePprof  bool   `env:"ENABLE_PPROF" envDefault:"false"`
}

// SettlementConfig tunes the settlement retry policy.
type SettlementConfig struct {
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"500ms"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	MaxElapsed     time.Duration `env:"MAX_ELAPSED" envDefault:"10m"`
	MaxTries       uint          `env:"MAX_TRIES" envDefault:"20"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("TICK_RATE must be positive, got %d", c.TickRate))
	}
	if c.DetectEvery <= 0 {
		errs = append(errs, fmt.Errorf("DETECT_EVERY must be positive, got %d", c.DetectEvery))
	}
	if c.EscapeThreshold <= 0 || c.EntryFee <= 0 {
		errs = append(errs, errors.New("ESCAPE_THRESHOLD and ENTRY_FEE must be positive"))
	}
	if c.LedgerFeeBps < 0 || c.LedgerFeeBps > 10_000 {
		errs = append(errs, fmt.Errorf("LEDGER_FEE_BPS %d out of range", c.LedgerFeeBps))
	}
	if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
		errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS %q is not an address", c.ContractAddress))
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
