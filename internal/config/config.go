package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 18890

	DefaultBufSize = 100

	DefaultSummarizerModel     = "openai/gpt-4o-mini"
	DefaultSummarizerMaxTokens = 1024

	DefaultCompactionInterval  = "10m"
	DefaultCompactionBatchSize = 100
	DefaultCompactionMinBatch  = 20
	DefaultCompactionMinAge    = "24h"
	DefaultRetentionDays       = 90

	DefaultRetrieverMinScore    = 0.05
	DefaultRetrieverCacheTTL    = "1h"
	DefaultRetrieverRecentLimit = 200
	DefaultRetrieverResultLimit = 10

	DefaultPreloadTickInterval = "5m"
	DefaultPreloadCacheSize    = 50
	DefaultPreloadTopK         = 10
	DefaultPreloadMinMessages  = 3
	DefaultPreloadTTLMin       = "5m"
	DefaultPreloadTTLMax       = "30m"

	DefaultWeightRecency        = 0.5
	DefaultWeightFrequency      = 0.3
	DefaultWeightResponsiveness = 0.2

	DefaultTopicKeywordCap = 20
)

type Config struct {
	Channels   ChannelsConfig   `json:"channels"`
	Provider   ProviderConfig   `json:"provider"`
	Gateway    GatewayConfig    `json:"gateway"`
	Memory     MemoryConfig     `json:"memory"`
	Classifier ClassifierConfig `json:"classifier"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
}

// ProviderConfig points at an OpenAI-compatible chat-completions endpoint.
// It serves both the reply model and, unless Memory.Provider overrides it,
// the summarizer used by compaction.
type ProviderConfig struct {
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type MemoryConfig struct {
	DBPath     string           `json:"dbPath,omitempty"`
	Provider   *ProviderConfig  `json:"provider,omitempty"`
	Compaction CompactionConfig `json:"compaction"`
	Retriever  RetrieverConfig  `json:"retriever"`
	Preloader  PreloaderConfig  `json:"preloader"`
}

type CompactionConfig struct {
	Interval      string `json:"interval,omitempty"`
	BatchSize     int    `json:"batchSize,omitempty"`
	MinBatch      int    `json:"minBatch,omitempty"`
	MinAge        string `json:"minAge,omitempty"`
	RetentionDays int    `json:"retentionDays,omitempty"`
}

type RetrieverConfig struct {
	MinScore    float64 `json:"minScore,omitempty"`
	CacheTTL    string  `json:"cacheTtl,omitempty"`
	RecentLimit int     `json:"recentLimit,omitempty"`
	ResultLimit int     `json:"resultLimit,omitempty"`
}

type PreloaderConfig struct {
	TickInterval string          `json:"tickInterval,omitempty"`
	CacheSize    int             `json:"cacheSize,omitempty"`
	TopK         int             `json:"topK,omitempty"`
	MinMessages  int             `json:"minMessages,omitempty"`
	TTLMin       string          `json:"ttlMin,omitempty"`
	TTLMax       string          `json:"ttlMax,omitempty"`
	Weights      PriorityWeights `json:"weights"`
}

// PriorityWeights ranks conversations for preloading. Responsiveness favors
// users whose replies arrive quickly, since a human is actively waiting.
type PriorityWeights struct {
	Recency        float64 `json:"recency"`
	Frequency      float64 `json:"frequency"`
	Responsiveness float64 `json:"responsiveness"`
}

type ClassifierConfig struct {
	RulesPath       string `json:"rulesPath,omitempty"`
	TopicKeywordCap int    `json:"topicKeywordCap,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{},
		Provider: ProviderConfig{
			Model:     DefaultSummarizerModel,
			MaxTokens: DefaultSummarizerMaxTokens,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Memory: MemoryConfig{
			Compaction: CompactionConfig{
				Interval:      DefaultCompactionInterval,
				BatchSize:     DefaultCompactionBatchSize,
				MinBatch:      DefaultCompactionMinBatch,
				MinAge:        DefaultCompactionMinAge,
				RetentionDays: DefaultRetentionDays,
			},
			Retriever: RetrieverConfig{
				MinScore:    DefaultRetrieverMinScore,
				CacheTTL:    DefaultRetrieverCacheTTL,
				RecentLimit: DefaultRetrieverRecentLimit,
				ResultLimit: DefaultRetrieverResultLimit,
			},
			Preloader: PreloaderConfig{
				TickInterval: DefaultPreloadTickInterval,
				CacheSize:    DefaultPreloadCacheSize,
				TopK:         DefaultPreloadTopK,
				MinMessages:  DefaultPreloadMinMessages,
				TTLMin:       DefaultPreloadTTLMin,
				TTLMax:       DefaultPreloadTTLMax,
				Weights: PriorityWeights{
					Recency:        DefaultWeightRecency,
					Frequency:      DefaultWeightFrequency,
					Responsiveness: DefaultWeightResponsiveness,
				},
			},
		},
		Classifier: ClassifierConfig{
			TopicKeywordCap: DefaultTopicKeywordCap,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatumba")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("CHATUMBA_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("CHATUMBA_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CHATUMBA_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if token := os.Getenv("CHATUMBA_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if key := os.Getenv("CHATUMBA_MEMORY_API_KEY"); key != "" {
		if cfg.Memory.Provider == nil {
			cfg.Memory.Provider = &ProviderConfig{}
		}
		cfg.Memory.Provider.APIKey = key
	}
	if url := os.Getenv("CHATUMBA_MEMORY_BASE_URL"); url != "" {
		if cfg.Memory.Provider == nil {
			cfg.Memory.Provider = &ProviderConfig{}
		}
		cfg.Memory.Provider.BaseURL = url
	}
	if dbPath := os.Getenv("CHATUMBA_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if interval := os.Getenv("CHATUMBA_COMPACTION_INTERVAL"); interval != "" {
		cfg.Memory.Compaction.Interval = interval
	}
	if batch := os.Getenv("CHATUMBA_COMPACTION_BATCH_SIZE"); batch != "" {
		if parsed, err := strconv.Atoi(batch); err == nil {
			cfg.Memory.Compaction.BatchSize = parsed
		}
	}
	if tick := os.Getenv("CHATUMBA_PRELOAD_TICK"); tick != "" {
		cfg.Memory.Preloader.TickInterval = tick
	}
	if size := os.Getenv("CHATUMBA_PRELOAD_CACHE_SIZE"); size != "" {
		if parsed, err := strconv.Atoi(size); err == nil {
			cfg.Memory.Preloader.CacheSize = parsed
		}
	}
	if rules := os.Getenv("CHATUMBA_CLASSIFIER_RULES"); rules != "" {
		cfg.Classifier.RulesPath = rules
	}

	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps zero or out-of-range tunables back to defaults so a
// partially written config file never produces a degenerate engine.
func (c *Config) Normalize() {
	if c.Provider.Model == "" {
		c.Provider.Model = DefaultSummarizerModel
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = DefaultSummarizerMaxTokens
	}
	if c.Gateway.Host == "" {
		c.Gateway.Host = DefaultHost
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = DefaultPort
	}

	comp := &c.Memory.Compaction
	if comp.Interval == "" {
		comp.Interval = DefaultCompactionInterval
	}
	if comp.BatchSize <= 0 {
		comp.BatchSize = DefaultCompactionBatchSize
	}
	if comp.MinBatch <= 0 {
		comp.MinBatch = DefaultCompactionMinBatch
	}
	if comp.MinAge == "" {
		comp.MinAge = DefaultCompactionMinAge
	}
	if comp.RetentionDays <= 0 {
		comp.RetentionDays = DefaultRetentionDays
	}

	ret := &c.Memory.Retriever
	if ret.MinScore <= 0 {
		ret.MinScore = DefaultRetrieverMinScore
	}
	if ret.CacheTTL == "" {
		ret.CacheTTL = DefaultRetrieverCacheTTL
	}
	if ret.RecentLimit <= 0 {
		ret.RecentLimit = DefaultRetrieverRecentLimit
	}
	if ret.ResultLimit <= 0 {
		ret.ResultLimit = DefaultRetrieverResultLimit
	}

	pre := &c.Memory.Preloader
	if pre.TickInterval == "" {
		pre.TickInterval = DefaultPreloadTickInterval
	}
	if pre.CacheSize <= 0 {
		pre.CacheSize = DefaultPreloadCacheSize
	}
	if pre.TopK <= 0 {
		pre.TopK = DefaultPreloadTopK
	}
	if pre.MinMessages <= 0 {
		pre.MinMessages = DefaultPreloadMinMessages
	}
	if pre.TTLMin == "" {
		pre.TTLMin = DefaultPreloadTTLMin
	}
	if pre.TTLMax == "" {
		pre.TTLMax = DefaultPreloadTTLMax
	}
	if pre.Weights.Recency <= 0 && pre.Weights.Frequency <= 0 && pre.Weights.Responsiveness <= 0 {
		pre.Weights = PriorityWeights{
			Recency:        DefaultWeightRecency,
			Frequency:      DefaultWeightFrequency,
			Responsiveness: DefaultWeightResponsiveness,
		}
	}

	if c.Classifier.TopicKeywordCap <= 0 {
		c.Classifier.TopicKeywordCap = DefaultTopicKeywordCap
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
