// Package config loads the node configuration: YAML on disk, checked against an embedded JSON schema, then
// defaulted, normalized and validated.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/huncho416/MythicPrisonCore/internal/economy/currency"
	"github.com/huncho416/MythicPrisonCore/internal/sim/palette"
	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
)

//go:embed schema.json
var schemaSrc string

var schema = jsonschema.MustCompileString("config.schema.json", schemaSrc)

type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Tick        TickConfig        `yaml:"tick"`
	Mines       []MineConfig      `yaml:"mines"`
	Reset       ResetConfig       `yaml:"reset"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Bus         BusConfig         `yaml:"bus"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Journal     JournalConfig     `yaml:"journal"`
}

type NodeConfig struct {
	// ID names this process in bus updates and journals. Empty picks one at startup.
	ID string `yaml:"id"`
}

type TickConfig struct {
	RateHz       int `yaml:"rate_hz"`
	DrainPerTick int `yaml:"drain_per_tick"`
}

type MineConfig struct {
	ID                 string        `yaml:"id"`
	Min                region.Pos    `yaml:"min"`
	Max                region.Pos    `yaml:"max"`
	Preset             string        `yaml:"preset"`
	Palette            []BlockConfig `yaml:"palette"`
	Policy             PolicyConfig  `yaml:"policy"`
	Currency           string        `yaml:"currency"`
	MultiplierPermille int64         `yaml:"multiplier_permille"`
}

// BlockConfig values are minor currency units.
type BlockConfig struct {
	Block  string `yaml:"block"`
	Weight int64  `yaml:"weight"`
	Value  int64  `yaml:"value"`
}

type PolicyConfig struct {
	Kind     string        `yaml:"kind"`
	Interval time.Duration `yaml:"interval"`
	// Threshold is the remaining fraction that triggers a depletion reset. Nil means the default.
	Threshold *float64      `yaml:"threshold"`
	Grace     time.Duration `yaml:"grace"`
}

type ResetConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BlocksPerSecond float64       `yaml:"blocks_per_second"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	Seed            int64         `yaml:"seed"`
}

type CoordinatorConfig struct {
	Workers          int           `yaml:"workers"`
	MaxPending       int           `yaml:"max_pending"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff  time.Duration `yaml:"max_retry_backoff"`
	CompletionBuffer int           `yaml:"completion_buffer"`
}

type LedgerConfig struct {
	MaxConflictRetries int `yaml:"max_conflict_retries"`
	// DefaultCurrency is paid by mines that do not name one.
	DefaultCurrency string `yaml:"default_currency"`
}

type CacheConfig struct {
	FreshFor           time.Duration `yaml:"fresh_for"`
	StaleFor           time.Duration `yaml:"stale_for"`
	LocalMaxMB         int           `yaml:"local_max_mb"`
	SharedTimeout      time.Duration `yaml:"shared_timeout"`
	RevalidateInterval time.Duration `yaml:"revalidate_interval"`
	RevalidateWindow   time.Duration `yaml:"revalidate_window"`
}

const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Path is the sqlite file or badger directory. An empty badger path runs in memory.
	Path                 string        `yaml:"path"`
	IdempotencyRetention time.Duration `yaml:"idempotency_retention"`
	PruneInterval        time.Duration `yaml:"prune_interval"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
	BusWS     = "ws"
)

type BusConfig struct {
	Driver string `yaml:"driver"`
	WSURL  string `yaml:"ws_url"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	// Listen serves /metrics when set.
	Listen string `yaml:"listen"`
}

type JournalConfig struct {
	// Dir enables the transaction and reset journal.
	Dir    string `yaml:"dir"`
	Buffer int    `yaml:"buffer"`
}

// DefaultThreshold resets a depletion mine once 80% of its value is mined.
const DefaultThreshold = 0.2

func Defaults() Config {
	return Config{
		Tick: TickConfig{RateHz: 20, DrainPerTick: 512},
		Mines: []MineConfig{
			{
				ID:     "a",
				Min:    region.Pos{X: 0, Y: 1, Z: 0},
				Max:    region.Pos{X: 31, Y: 32, Z: 31},
				Preset: "a",
				Policy: PolicyConfig{Kind: string(region.PolicyDepletion), Grace: 5 * time.Second},
			},
		},
		Reset: ResetConfig{
			BatchSize:       4096,
			MaxAttempts:     4,
			BaseBackoff:     100 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			BlocksPerSecond: 200000,
			CheckInterval:   time.Second,
			BatchTimeout:    10 * time.Second,
			JobTimeout:      10 * time.Minute,
		},
		Coordinator: CoordinatorConfig{
			Workers:          8,
			MaxPending:       8192,
			JobTimeout:       5 * time.Second,
			RetryAttempts:    3,
			RetryBackoff:     50 * time.Millisecond,
			MaxRetryBackoff:  time.Second,
			CompletionBuffer: 8192,
		},
		Ledger: LedgerConfig{MaxConflictRetries: 8, DefaultCurrency: currency.Default},
		Cache: CacheConfig{
			FreshFor:           5 * time.Second,
			StaleFor:           10 * time.Minute,
			LocalMaxMB:         64,
			SharedTimeout:      250 * time.Millisecond,
			RevalidateInterval: 30 * time.Second,
			RevalidateWindow:   5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:               StoreSQLite,
			Path:                 "data/prison.db",
			IdempotencyRetention: 7 * 24 * time.Hour,
			PruneInterval:        time.Hour,
		},
		Redis: RedisConfig{Channel: "prison:balances", KeyPrefix: "prison:bal:", TTL: 10 * time.Minute},
		Bus:   BusConfig{Driver: BusNone},
		Log:   LogConfig{Level: "info", Format: "console", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Journal: JournalConfig{Buffer: 4096},
	}
}

// Load reads path over Defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse decodes YAML over Defaults.
func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := checkSchema(b); err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// checkSchema validates the document shape. YAML goes through JSON so the validator sees JSON types.
func checkSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Node.ID = strings.TrimSpace(c.Node.ID)
	c.Ledger.DefaultCurrency = currency.Normalize(c.Ledger.DefaultCurrency)
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Bus.Driver = strings.ToLower(strings.TrimSpace(c.Bus.Driver))
	if c.Bus.Driver == "" {
		c.Bus.Driver = BusNone
	}
	for i := range c.Mines {
		m := &c.Mines[i]
		m.ID = strings.TrimSpace(m.ID)
		if m.Currency == "" {
			m.Currency = c.Ledger.DefaultCurrency
		}
		m.Currency = currency.Normalize(m.Currency)
		if m.MultiplierPermille <= 0 {
			m.MultiplierPermille = 1000
		}
		if m.Policy.Kind == "" {
			m.Policy.Kind = string(region.PolicyDepletion)
		}
		if m.Policy.Kind == string(region.PolicyDepletion) && m.Policy.Threshold == nil {
			t := DefaultThreshold
			m.Policy.Threshold = &t
		}
		if m.Preset == "" && len(m.Palette) == 0 {
			m.Preset = "default"
		}
	}
}

func (c Config) Validate() error {
	if c.Tick.RateHz <= 0 {
		return fmt.Errorf("tick.rate_hz must be > 0")
	}
	if !currency.Known(c.Ledger.DefaultCurrency) {
		return fmt.Errorf("ledger.default_currency: unknown currency %q", c.Ledger.DefaultCurrency)
	}
	seen := map[string]bool{}
	for _, m := range c.Mines {
		if m.ID == "" {
			return fmt.Errorf("mines: id must not be empty")
		}
		if seen[m.ID] {
			return fmt.Errorf("mines: duplicate id %s", m.ID)
		}
		seen[m.ID] = true
		if _, err := m.RegionConfig(); err != nil {
			return fmt.Errorf("mines: %w", err)
		}
		if !currency.Known(m.Currency) {
			return fmt.Errorf("mines: %s: unknown currency %q", m.ID, m.Currency)
		}
	}
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path required for sqlite")
		}
	case StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	switch c.Bus.Driver {
	case BusNone, BusMemory:
	case BusRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("bus.driver redis needs redis.addr")
		}
	case BusWS:
		if c.Bus.WSURL == "" {
			return fmt.Errorf("bus.driver ws needs bus.ws_url")
		}
	default:
		return fmt.Errorf("bus.driver: unknown driver %q", c.Bus.Driver)
	}
	return nil
}

// RegionConfig builds the region described by m. Normalize must have run.
func (m MineConfig) RegionConfig() (region.Config, error) {
	pal, err := m.palette()
	if err != nil {
		return region.Config{}, fmt.Errorf("%s: %w", m.ID, err)
	}
	pol := region.Policy{Kind: region.PolicyKind(m.Policy.Kind), Interval: m.Policy.Interval, Grace: m.Policy.Grace}
	if m.Policy.Threshold != nil {
		pol.Threshold = *m.Policy.Threshold
	}
	rc := region.Config{
		ID:                 m.ID,
		Bounds:             region.NewCuboid(m.Min, m.Max),
		Palette:            pal,
		Policy:             pol,
		Currency:           m.Currency,
		MultiplierPermille: m.MultiplierPermille,
	}
	// region.New carries the bounds and policy checks
	if _, err := region.New(rc); err != nil {
		return region.Config{}, err
	}
	return rc, nil
}

func (m MineConfig) palette() (*palette.Palette, error) {
	if len(m.Palette) == 0 {
		if !knownPreset(m.Preset) {
			return nil, fmt.Errorf("unknown preset %q", m.Preset)
		}
		return palette.Preset(m.Preset), nil
	}
	entries := make([]palette.Entry, 0, len(m.Palette))
	for _, b := range m.Palette {
		entries = append(entries, palette.Entry{Block: b.Block, Weight: b.Weight, Value: b.Value})
	}
	return palette.New(entries)
}

func knownPreset(name string) bool {
	for _, p := range palette.PresetNames() {
		if p == name {
			return true
		}
	}
	return false
}
