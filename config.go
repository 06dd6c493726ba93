package codelet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	defaults "github.com/Paranoid-AF/codelet/default"
)

// Config represents the user's codelet configuration.
type Config struct {
	Version    int              `json:"version"`
	Generation GenerationConfig `json:"generation"`
	Completion CompletionConfig `json:"completion"`
	Cache      CacheConfig      `json:"cache"`
	Monitor    MonitorConfig    `json:"monitor"`
	Context    ContextConfig    `json:"context"`
	Embedding  EmbeddingConfig  `json:"embedding"`
}

// GenerationConfig holds settings for the inference API.
type GenerationConfig struct {
	BaseURL           string   `json:"base_url"`
	APIKey            string   `json:"api_key"`
	Model             string   `json:"model"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	Temperature       float64  `json:"temperature,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	RequestsPerSecond float64  `json:"requests_per_second,omitempty"`
}

// CompletionConfig holds orchestration settings.
type CompletionConfig struct {
	DebounceMs       int     `json:"debounce_ms"`
	AdaptiveDebounce *bool   `json:"adaptive_debounce,omitempty"`
	InvalidateOnEdit *bool   `json:"invalidate_on_edit,omitempty"`
	Streaming        *bool   `json:"streaming,omitempty"`
	MaxTypingRate    float64 `json:"max_typing_rate,omitempty"`
}

// CacheConfig holds completion cache settings.
type CacheConfig struct {
	// MaxSizeBytes caps the cache; 0 leaves it to the memory budget.
	MaxSizeBytes int64 `json:"max_size_bytes,omitempty"`
	// StorePath is the badger directory for cross-session persistence; empty disables it.
	StorePath         string `json:"store_path,omitempty"`
	StaleAfterSeconds int    `json:"stale_after_seconds,omitempty"`
}

// MonitorConfig holds resource monitor settings.
type MonitorConfig struct {
	MemoryLimitBytes int64     `json:"memory_limit_bytes,omitempty"`
	Thresholds       []float64 `json:"thresholds,omitempty"`
	IntervalSeconds  int       `json:"interval_seconds,omitempty"`
}

// ContextConfig holds context assembly settings.
type ContextConfig struct {
	MaxConcurrency int `json:"max_concurrency,omitempty"`
	MaxBytes       int `json:"max_bytes,omitempty"`
	FileTTLMinutes int `json:"file_ttl_minutes,omitempty"`
}

// EmbeddingConfig holds settings for the embedding API used by the history index.
type EmbeddingConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// ConfigDir returns the config directory path.
// Resolution order: $CODELET_CONFIG_DIR > $XDG_CONFIG_HOME/codelet > ~/.config/codelet
func ConfigDir() string {
	if dir := os.Getenv("CODELET_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "codelet")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "codelet-config")
	}
	return filepath.Join(home, ".config", "codelet")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// PromptPath returns the prompt file path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// HistoryPath returns the file the acceptance history is saved to.
func HistoryPath() string {
	return filepath.Join(ConfigDir(), "history.json")
}

// DefaultConfig returns the default configuration from the embedded default_config.json.
func DefaultConfig() *Config {
	var cfg Config
	if err := json.Unmarshal(defaults.DefaultConfigJSON, &cfg); err != nil {
		panic("codelet: invalid embedded default_config.json: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from disk or returns defaults if not found.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom loads config from path, filling missing fields from defaults.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults(DefaultConfig())
	return &cfg, nil
}

func (cfg *Config) applyDefaults(d *Config) {
	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = d.Generation.BaseURL
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = d.Generation.Model
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = d.Generation.MaxTokens
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = d.Generation.Temperature
	}
	if cfg.Generation.RequestsPerSecond == 0 {
		cfg.Generation.RequestsPerSecond = d.Generation.RequestsPerSecond
	}
	if cfg.Completion.DebounceMs == 0 {
		cfg.Completion.DebounceMs = d.Completion.DebounceMs
	}
	if cfg.Completion.AdaptiveDebounce == nil {
		cfg.Completion.AdaptiveDebounce = d.Completion.AdaptiveDebounce
	}
	if cfg.Completion.InvalidateOnEdit == nil {
		cfg.Completion.InvalidateOnEdit = d.Completion.InvalidateOnEdit
	}
	if cfg.Completion.Streaming == nil {
		cfg.Completion.Streaming = d.Completion.Streaming
	}
	if cfg.Completion.MaxTypingRate == 0 {
		cfg.Completion.MaxTypingRate = d.Completion.MaxTypingRate
	}
	if cfg.Cache.StaleAfterSeconds == 0 {
		cfg.Cache.StaleAfterSeconds = d.Cache.StaleAfterSeconds
	}
	if len(cfg.Monitor.Thresholds) == 0 {
		cfg.Monitor.Thresholds = d.Monitor.Thresholds
	}
	if cfg.Monitor.IntervalSeconds == 0 {
		cfg.Monitor.IntervalSeconds = d.Monitor.IntervalSeconds
	}
	if cfg.Context.MaxConcurrency == 0 {
		cfg.Context.MaxConcurrency = d.Context.MaxConcurrency
	}
	if cfg.Context.MaxBytes == 0 {
		cfg.Context.MaxBytes = d.Context.MaxBytes
	}
	if cfg.Context.FileTTLMinutes == 0 {
		cfg.Context.FileTTLMinutes = d.Context.FileTTLMinutes
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = d.Embedding.Model
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = d.Embedding.Dimensions
	}
}

// Validate reports configuration that cannot be started with.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Completion.DebounceMs < 0 {
		errs = append(errs, fmt.Errorf("completion.debounce_ms must be >= 0, got %d", cfg.Completion.DebounceMs))
	}
	if cfg.Completion.MaxTypingRate < 0 {
		errs = append(errs, fmt.Errorf("completion.max_typing_rate must be >= 0, got %g", cfg.Completion.MaxTypingRate))
	}
	if cfg.Cache.MaxSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.max_size_bytes must be >= 0, got %d", cfg.Cache.MaxSizeBytes))
	}
	if cfg.Context.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("context.max_concurrency must be > 0, got %d", cfg.Context.MaxConcurrency))
	}
	if len(cfg.Monitor.Thresholds) != 0 && len(cfg.Monitor.Thresholds) != 4 {
		errs = append(errs, fmt.Errorf("monitor.thresholds needs 4 values, got %d", len(cfg.Monitor.Thresholds)))
	} else {
		prev := 0.0
		for _, t := range cfg.Monitor.Thresholds {
			if t <= prev || t > 100 {
				errs = append(errs, fmt.Errorf("monitor.thresholds must increase within (0, 100]: %v", cfg.Monitor.Thresholds))
				break
			}
			prev = t
		}
	}
	return errors.Join(errs...)
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	if ResolveGenerationAPIKey(cfg) == "" && cfg.Generation.BaseURL == DefaultConfig().Generation.BaseURL {
		warnings = append(warnings, "generation API key is not configured; completions will fail against the default endpoint")
	}
	if cfg.Cache.MaxSizeBytes == 0 && cfg.Monitor.MemoryLimitBytes == 0 {
		warnings = append(warnings, "neither cache.max_size_bytes nor monitor.memory_limit_bytes is set; the cache budget follows runtime heap size")
	}
	if err := cfg.Validate(); err != nil {
		warnings = append(warnings, err.Error())
	}
	return warnings
}

// DebounceMin returns the configured minimum debounce interval.
func (cfg *Config) DebounceMin() time.Duration {
	return time.Duration(cfg.Completion.DebounceMs) * time.Millisecond
}

// StaleAfter returns the cache staleness threshold.
func (cfg *Config) StaleAfter() time.Duration {
	return time.Duration(cfg.Cache.StaleAfterSeconds) * time.Second
}

// Enabled reports whether an optional bool is set and true.
func Enabled(b *bool) bool {
	return b != nil && *b
}

// ResolveGenerationBaseURL returns the generation API base URL.
// Priority: $CODELET_GENERATION_API_BASE_URL env > config value.
func ResolveGenerationBaseURL(cfg *Config) string {
	if url := os.Getenv("CODELET_GENERATION_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Generation.BaseURL
	}
	return ""
}

// ResolveGenerationAPIKey returns the generation API key.
// Priority: $CODELET_GENERATION_API_KEY env > config value.
func ResolveGenerationAPIKey(cfg *Config) string {
	if key := os.Getenv("CODELET_GENERATION_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Generation.APIKey
	}
	return ""
}

// ResolveGenerationModel returns the generation model name.
// Priority: $CODELET_GENERATION_MODEL env > config value.
func ResolveGenerationModel(cfg *Config) string {
	if model := os.Getenv("CODELET_GENERATION_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Generation.Model
	}
	return ""
}

// ResolveEmbeddingBaseURL returns the embedding API base URL.
// Priority: $CODELET_EMBEDDING_API_BASE_URL env > config value.
func ResolveEmbeddingBaseURL(cfg *Config) string {
	if url := os.Getenv("CODELET_EMBEDDING_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Embedding.BaseURL
	}
	return ""
}

// ResolveEmbeddingAPIKey returns the embedding API key.
// Priority: $CODELET_EMBEDDING_API_KEY env > config value.
func ResolveEmbeddingAPIKey(cfg *Config) string {
	if key := os.Getenv("CODELET_EMBEDDING_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Embedding.APIKey
	}
	return ""
}

// ResolveEmbeddingModel returns the embedding model name.
// Priority: $CODELET_EMBEDDING_MODEL env > config value.
func ResolveEmbeddingModel(cfg *Config) string {
	if model := os.Getenv("CODELET_EMBEDDING_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Embedding.Model
	}
	return ""
}

// EmbeddingEnabled returns true if an embedding API key is available.
func EmbeddingEnabled(cfg *Config) bool {
	return ResolveEmbeddingAPIKey(cfg) != ""
}
