package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ImportConfig is the operator-tunable section of the pipeline: geocoding
// provider selection, cache TTLs, and worker pacing. It lives in a mounted
// YAML file so it can change without a redeploy.
type ImportConfig struct {
	Geocoding GeocodingConfig `mapstructure:"geocoding"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Parsing   ParsingConfig   `mapstructure:"parsing"`
}

type GeocodingConfig struct {
	Enabled         bool             `mapstructure:"enabled"`
	FallbackEnabled bool             `mapstructure:"fallbackEnabled"`
	Strategy        string           `mapstructure:"strategy"` // "priority" or "tag"
	RequiredTags    []string         `mapstructure:"requiredTags"`
	CacheEnabled    bool             `mapstructure:"cacheEnabled"`
	CacheTTLDays    int              `mapstructure:"cacheTTLDays"`
	Providers       []ProviderConfig `mapstructure:"providers"`
}

type ProviderConfig struct {
	ID        string   `mapstructure:"id"`
	URL       string   `mapstructure:"url"`
	APIKey    string   `mapstructure:"apiKey"`
	Tags      []string `mapstructure:"tags"`
	TimeoutMs int      `mapstructure:"timeoutMs"`
	Rate      float64  `mapstructure:"rate"`
	Burst     int      `mapstructure:"burst"`
}

type WorkerConfig struct {
	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
	BatchLimit          int `mapstructure:"batchLimit"`
	MaxStageRetries     int `mapstructure:"maxStageRetries"`
	GeocodeConcurrency  int `mapstructure:"geocodeConcurrency"`
	MaterializeBatch    int `mapstructure:"materializeBatch"`
	RetentionDays       int `mapstructure:"retentionDays"`
}

type ParsingConfig struct {
	SampleRows  int `mapstructure:"sampleRows"`
	MaxColumns  int `mapstructure:"maxColumns"`
	InferSample int `mapstructure:"inferSample"`
}

const (
	StrategyPriority = "priority"
	StrategyTag      = "tag"
)

func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		Geocoding: GeocodingConfig{
			Enabled:         true,
			FallbackEnabled: true,
			Strategy:        StrategyPriority,
			CacheEnabled:    true,
			CacheTTLDays:    30,
		},
		Worker: WorkerConfig{
			PollIntervalSeconds: 15,
			BatchLimit:          5,
			MaxStageRetries:     3,
			GeocodeConcurrency:  4,
			MaterializeBatch:    200,
			RetentionDays:       90,
		},
		Parsing: ParsingConfig{
			SampleRows:  5,
			MaxColumns:  256,
			InferSample: 100,
		},
	}
}

// ImportConfigHolder exposes the current ImportConfig with hot reload.
type ImportConfigHolder struct {
	current atomic.Value // holds ImportConfig
}

func NewImportConfigHolder() (*ImportConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("importing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/plotline/config")
	v.AddConfigPath("/etc/plotline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PLOTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultImportConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		v.SetDefault("import.geocoding", defaults.Geocoding)
		v.SetDefault("import.worker", defaults.Worker)
		v.SetDefault("import.parsing", defaults.Parsing)
	}

	cfg := defaults
	if err := v.UnmarshalKey("import", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateImportConfig(cfg); err != nil {
		return nil, err
	}

	holder := &ImportConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultImportConfig()
		if err := v.UnmarshalKey("import", &updated); err != nil {
			log.Printf("[import-config] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validateImportConfig(updated); err != nil {
			log.Printf("[import-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[import-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *ImportConfigHolder) Get() ImportConfig {
	return h.current.Load().(ImportConfig)
}

// NewStaticImportConfigHolder wraps a fixed config, for tests.
func NewStaticImportConfigHolder(cfg ImportConfig) *ImportConfigHolder {
	holder := &ImportConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (c ImportConfig) withDefaults() ImportConfig {
	defaults := DefaultImportConfig()
	if strings.TrimSpace(c.Geocoding.Strategy) == "" {
		c.Geocoding.Strategy = defaults.Geocoding.Strategy
	}
	if c.Geocoding.CacheTTLDays <= 0 {
		c.Geocoding.CacheTTLDays = defaults.Geocoding.CacheTTLDays
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		c.Worker.PollIntervalSeconds = defaults.Worker.PollIntervalSeconds
	}
	if c.Worker.BatchLimit <= 0 {
		c.Worker.BatchLimit = defaults.Worker.BatchLimit
	}
	if c.Worker.MaxStageRetries <= 0 {
		c.Worker.MaxStageRetries = defaults.Worker.MaxStageRetries
	}
	if c.Worker.GeocodeConcurrency <= 0 {
		c.Worker.GeocodeConcurrency = defaults.Worker.GeocodeConcurrency
	}
	if c.Worker.MaterializeBatch <= 0 {
		c.Worker.MaterializeBatch = defaults.Worker.MaterializeBatch
	}
	if c.Worker.RetentionDays <= 0 {
		c.Worker.RetentionDays = defaults.Worker.RetentionDays
	}
	if c.Parsing.SampleRows <= 0 {
		c.Parsing.SampleRows = defaults.Parsing.SampleRows
	}
	if c.Parsing.MaxColumns <= 0 {
		c.Parsing.MaxColumns = defaults.Parsing.MaxColumns
	}
	if c.Parsing.InferSample <= 0 {
		c.Parsing.InferSample = defaults.Parsing.InferSample
	}
	return c
}

func validateImportConfig(cfg ImportConfig) error {
	switch cfg.Geocoding.Strategy {
	case StrategyPriority, StrategyTag:
	default:
		return errors.New("import.geocoding.strategy must be priority or tag")
	}
	for _, p := range cfg.Geocoding.Providers {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("import.geocoding.providers entries require an id")
		}
		if strings.TrimSpace(p.URL) == "" {
			return errors.New("import.geocoding.providers entries require a url")
		}
	}
	return nil
}

func (g GeocodingConfig) CacheTTL() time.Duration {
	return time.Duration(g.CacheTTLDays) * 24 * time.Hour
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}
