package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/infrastructure/marketdata"
	"github.com/vitos/ltp_strategy_bot/internal/usecase"
	"gopkg.in/yaml.v3"
)

const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
	StorageRedis  = "redis"

	GatewayBybit = "bybit"
	GatewayPaper = "paper"

	SourceLive      = "live"
	SourceReplay    = "replay"
	SourceSynthetic = "synthetic"

	StrategyFixedEntry     = "FixedEntry"
	StrategyAllTimeHighDip = "AllTimeHighDip"
)

type Config struct {
	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"` // per-run log files; empty logs to stderr only
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"` // 0 disables the status API
	} `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	ResultLog ResultLogConfig `yaml:"result_log"`
	Runs      []RunConfig     `yaml:"runs"`

	Secrets Secrets `yaml:"-"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	// Dir holds JSON state files and JSONL result logs. With the redis backend
	// only state lives in redis and results still go here.
	Dir   string `yaml:"dir"`
	Redis struct {
		Addr   string `yaml:"addr"`
		DB     int    `yaml:"db"`
		Prefix string `yaml:"prefix"`
	} `yaml:"redis"`
}

type GatewayConfig struct {
	Type         string        `yaml:"type"`
	BaseURL      string        `yaml:"base_url"`
	Category     string        `yaml:"category"`
	Stream       bool          `yaml:"stream"`
	WSURL        string        `yaml:"ws_url"`
	StreamMaxAge time.Duration `yaml:"stream_max_age"`
	DefaultFee   float64       `yaml:"default_fee"`
	Paper        struct {
		Cash           float64 `yaml:"cash"`
		FeeRate        float64 `yaml:"fee_rate"`
		FillAfterPolls int     `yaml:"fill_after_polls"`
	} `yaml:"paper"`
}

type ResultLogConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StrategyConfig struct {
	Type        string  `yaml:"type"`
	EntryPrice  float64 `yaml:"entry_price"`
	AllTimeHigh float64 `yaml:"all_time_high"`
	DipFraction float64 `yaml:"dip_fraction"`
	Capital     float64 `yaml:"capital"`
}

type FrequencyConfig struct {
	Mode     domain.FrequencyMode `yaml:"mode"`
	Constant float64              `yaml:"constant"`
	Min      float64              `yaml:"min"`
	Max      float64              `yaml:"max"`
	Epsilon  float64              `yaml:"epsilon"`
	Exponent float64              `yaml:"exponent"`
}

// SourceConfig selects where prices come from. Live uses the gateway.
type SourceConfig struct {
	Type    string                 `yaml:"type"`
	File    string                 `yaml:"file"`
	Session marketdata.SessionOHLC `yaml:"session"`
	Minutes int                    `yaml:"minutes"`
	Seed    int64                  `yaml:"seed"`
	// Start is the virtual clock origin for replay and synthetic runs.
	Start time.Time `yaml:"start"`
}

type RunConfig struct {
	Name      string                `yaml:"name"`
	Mode      domain.RunMode        `yaml:"mode"`
	Venue     string                `yaml:"venue"`
	Input     domain.StrategyInput  `yaml:"input"`
	Strategy  StrategyConfig        `yaml:"strategy"`
	Params    domain.StrategyParams `yaml:"params"`
	Frequency FrequencyConfig       `yaml:"frequency"`
	Source    SourceConfig          `yaml:"source"`

	ErrorCooldown    time.Duration    `yaml:"error_cooldown"`
	PostExitCooldown time.Duration    `yaml:"post_exit_cooldown"`
	MaxRetries       int              `yaml:"max_retries"`
	MaxIterations    int              `yaml:"max_iterations"`
	LogPolicy        domain.LogPolicy `yaml:"log_policy"`
}

// Secrets are read from the environment (optionally seeded from .env),
// never from the YAML file.
type Secrets struct {
	BybitAPIKey    string `envconfig:"BYBIT_API_KEY"`
	BybitAPISecret string `envconfig:"BYBIT_API_SECRET"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
}

const envPrefix = "LTPBOT"

func Defaults() Config {
	var cfg Config
	cfg.Logging.Level = "info"
	cfg.Storage.Backend = StorageSQLite
	cfg.Storage.SQLitePath = "ltp_bot.db"
	cfg.Storage.Dir = "data"
	cfg.Gateway.Type = GatewayPaper
	cfg.Gateway.StreamMaxAge = 10 * time.Second
	cfg.Gateway.Paper.Cash = 10000
	cfg.ResultLog.BatchSize = 50
	cfg.ResultLog.FlushInterval = 5 * time.Second
	return cfg
}

// Load reads the YAML file on top of Defaults and pulls secrets from the
// environment. The result is not validated.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg := Defaults()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	// .env is optional
	_ = godotenv.Load()
	if err := envconfig.Process(envPrefix, &cfg.Secrets); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required"))
		}
	case StorageFile:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required"))
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" || c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.redis.addr and storage.dir are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Gateway.Type {
	case GatewayBybit:
		if c.Secrets.BybitAPIKey == "" || c.Secrets.BybitAPISecret == "" {
			errs = append(errs, fmt.Errorf("%s_BYBIT_API_KEY and %s_BYBIT_API_SECRET must be set", envPrefix, envPrefix))
		}
	case GatewayPaper:
		if c.Gateway.Paper.Cash < 0 || c.Gateway.Paper.FeeRate < 0 || c.Gateway.Paper.FillAfterPolls < 0 {
			errs = append(errs, errors.New("gateway.paper settings must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown gateway type %q", c.Gateway.Type))
	}
	if c.Gateway.DefaultFee < 0 {
		errs = append(errs, errors.New("gateway.default_fee must not be negative"))
	}
	if c.Gateway.Stream && c.Gateway.StreamMaxAge <= 0 {
		errs = append(errs, errors.New("gateway.stream_max_age must be positive"))
	}

	if c.ResultLog.BatchSize < 1 || c.ResultLog.FlushInterval <= 0 {
		errs = append(errs, errors.New("result_log.batch_size and result_log.flush_interval must be positive"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port %d", c.Server.Port))
	}

	if len(c.Runs) == 0 {
		errs = append(errs, errors.New("no runs configured"))
	}
	names := make(map[string]bool)
	slots := make(map[string]string)
	for i := range c.Runs {
		r := &c.Runs[i]
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("runs[%d]: name is required", i))
			continue
		}
		if names[r.Name] {
			errs = append(errs, fmt.Errorf("duplicate run name %q", r.Name))
		}
		names[r.Name] = true

		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", r.Name, err))
			continue
		}
		// two runs would overwrite each other's state
		key := r.Identity().StateKey()
		if other, ok := slots[key]; ok {
			errs = append(errs, fmt.Errorf("runs %s and %s share state slot %s", other, r.Name, key))
		}
		slots[key] = r.Name
	}
	return errors.Join(errs...)
}

func (r *RunConfig) Validate() error {
	if err := r.Params.Validate(); err != nil {
		return err
	}
	if _, err := r.BuildStrategy(); err != nil {
		return err
	}
	if _, err := r.SchedulerConfig(); err != nil {
		return err
	}

	switch r.Source.Type {
	case SourceLive:
		if r.Mode != domain.RunModeLive {
			return fmt.Errorf("live prices need mode %s, got %s", domain.RunModeLive, r.Mode)
		}
	case SourceReplay:
		if r.Source.File == "" {
			return errors.New("source.file is required for replay")
		}
	case SourceSynthetic:
		if err := r.Source.Session.Validate(); err != nil {
			return fmt.Errorf("source.session: %w", err)
		}
		if r.Source.Minutes < 3 {
			return fmt.Errorf("source.minutes must be at least 3, got %d", r.Source.Minutes)
		}
	default:
		return fmt.Errorf("unknown source type %q", r.Source.Type)
	}
	if r.Mode == domain.RunModeLive && r.Source.Type != SourceLive {
		return fmt.Errorf("mode %s needs a live source", r.Mode)
	}
	return nil
}

func (r *RunConfig) Identity() domain.RunIdentity {
	return domain.RunIdentity{
		StrategyName: r.Strategy.Type,
		Symbol:       r.Input.Symbol,
		RunMode:      r.Mode,
		Venue:        r.Venue,
	}
}

func (r *RunConfig) BuildStrategy() (usecase.Strategy, error) {
	switch r.Strategy.Type {
	case StrategyFixedEntry:
		return usecase.NewFixedEntry(r.Strategy.EntryPrice, r.Strategy.Capital)
	case StrategyAllTimeHighDip:
		return usecase.NewAllTimeHighDip(r.Strategy.AllTimeHigh, r.Strategy.DipFraction, r.Strategy.Capital)
	}
	return nil, fmt.Errorf("unknown strategy type %q", r.Strategy.Type)
}

func (r *RunConfig) SchedulerConfig() (usecase.SchedulerConfig, error) {
	cfg := usecase.SchedulerConfig{
		Identity:          r.Identity(),
		Input:             r.Input,
		FrequencyMode:     r.Frequency.Mode,
		ConstantFrequency: r.Frequency.Constant,
		MinFrequency:      r.Frequency.Min,
		MaxFrequency:      r.Frequency.Max,
		Curve:             usecase.FrequencyCurve{Epsilon: r.Frequency.Epsilon, Exponent: r.Frequency.Exponent},
		ErrorCooldown:     r.ErrorCooldown,
		PostExitCooldown:  r.PostExitCooldown,
		MaxRetries:        r.MaxRetries,
		MaxIterations:     r.MaxIterations,
		LogPolicy:         r.LogPolicy,
	}
	if err := cfg.Validate(); err != nil {
		return usecase.SchedulerConfig{}, err
	}
	return cfg, nil
}
