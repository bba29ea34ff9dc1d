package logextract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOGEXTRACT_"

// Config is the file-level configuration of the command, loaded from YAML and
// then overridden from LOGEXTRACT_* environment variables.
type Config struct {
	Backend struct {
		Provider string `yaml:"provider"` // ollama, openai or gemini
		URL      string `yaml:"url"`
		Chat     bool   `yaml:"chat"` // ollama: use /api/chat with a system message
		APIKey   string `yaml:"api_key"`
	} `yaml:"backend"`
	Generation struct {
		Model         string        `yaml:"model"`
		Temperature   float64       `yaml:"temperature"`
		MaxTokens     int           `yaml:"max_tokens"`
		Timeout       time.Duration `yaml:"timeout"`
		Stream        bool          `yaml:"stream"`
		StreamTimeout time.Duration `yaml:"stream_timeout"`
	} `yaml:"generation"`
	Batch struct {
		Size    int `yaml:"size"`
		Workers int `yaml:"workers"` // 0 → half the CPUs
	} `yaml:"batch"`
	Retrieval struct {
		Enabled    bool   `yaml:"enabled"`
		CorpusDir  string `yaml:"corpus_dir"`
		IndexPath  string `yaml:"index_path"`
		Embedder   string `yaml:"embedder"` // ollama, gemini or hash
		EmbedModel string `yaml:"embed_model"`
		Dim        int    `yaml:"dim"` // hash embedder only
		TopK       int    `yaml:"top_k"`
	} `yaml:"retrieval"`
	Prompt struct {
		TemplatesDir string `yaml:"templates_dir"`
		System       string `yaml:"system"`
		SchemaPath   string `yaml:"schema_path"`
	} `yaml:"prompt"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultConfig targets a local Ollama server.
func DefaultConfig() Config {
	var cfg Config
	cfg.Backend.Provider = "ollama"
	cfg.Backend.URL = DefaultOllamaURL
	cfg.Generation.Model = "llama3"
	cfg.Generation.Temperature = DefaultTemperature
	cfg.Generation.MaxTokens = DefaultMaxTokens
	cfg.Generation.Timeout = DefaultTimeout
	cfg.Batch.Size = DefaultBatchSize
	cfg.Retrieval.IndexPath = "logextract-index.db"
	cfg.Retrieval.Embedder = "ollama"
	cfg.Retrieval.EmbedModel = "nomic-embed-text"
	cfg.Retrieval.Dim = 256
	cfg.Retrieval.TopK = DefaultTopK
	cfg.Prompt.System = DefaultSystemPrompt
	cfg.Log.Level = "info"
	return cfg
}

// LoadConfig reads path over the defaults (a missing file is not an error),
// applies environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "BACKEND"); v != "" {
		cfg.Backend.Provider = v
	}
	if v := os.Getenv(EnvPrefix + "URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv(EnvPrefix + "CHAT"); v != "" {
		cfg.Backend.Chat = parseBool(v, cfg.Backend.Chat)
	}
	if v := os.Getenv(EnvPrefix + "API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.Backend.APIKey == "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv(EnvPrefix + "MODEL"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv(EnvPrefix + "TEMPERATURE"); v != "" {
		if t, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Generation.Temperature = t
		}
	}
	if v := os.Getenv(EnvPrefix + "MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Generation.MaxTokens = n
		}
	}
	if v := os.Getenv(EnvPrefix + "TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Generation.Timeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "STREAM"); v != "" {
		cfg.Generation.Stream = parseBool(v, cfg.Generation.Stream)
	}
	if v := os.Getenv(EnvPrefix + "BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Size = n
		}
	}
	if v := os.Getenv(EnvPrefix + "WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Workers = n
		}
	}
	if v := os.Getenv(EnvPrefix + "RETRIEVAL"); v != "" {
		cfg.Retrieval.Enabled = parseBool(v, cfg.Retrieval.Enabled)
	}
	if v := os.Getenv(EnvPrefix + "CORPUS_DIR"); v != "" {
		cfg.Retrieval.CorpusDir = v
	}
	if v := os.Getenv(EnvPrefix + "INDEX_PATH"); v != "" {
		cfg.Retrieval.IndexPath = v
	}
	if v := os.Getenv(EnvPrefix + "EMBEDDER"); v != "" {
		cfg.Retrieval.Embedder = v
	}
	if v := os.Getenv(EnvPrefix + "EMBED_MODEL"); v != "" {
		cfg.Retrieval.EmbedModel = v
	}
	if v := os.Getenv(EnvPrefix + "TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.TopK = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SCHEMA"); v != "" {
		cfg.Prompt.SchemaPath = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend.Provider {
	case "ollama", "openai":
	case "gemini":
		if c.Backend.APIKey == "" {
			errs = append(errs, errors.New("backend.api_key (or GEMINI_API_KEY) is required for gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend.provider %q", c.Backend.Provider))
	}
	if strings.TrimSpace(c.Generation.Model) == "" {
		errs = append(errs, ErrModelMissing)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("%w: got %v", ErrInvalidTemperature, c.Generation.Temperature))
	}
	if c.Generation.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrInvalidMaxTokens, c.Generation.MaxTokens))
	}
	if c.Generation.Timeout < 0 {
		errs = append(errs, errors.New("generation.timeout must not be negative"))
	}
	if c.Batch.Size < 1 {
		errs = append(errs, errors.New("batch.size must be at least 1"))
	}
	if c.Batch.Workers < 0 {
		errs = append(errs, errors.New("batch.workers must not be negative"))
	}
	if c.Retrieval.Enabled {
		if c.Retrieval.CorpusDir == "" {
			errs = append(errs, errors.New("retrieval.corpus_dir is required when retrieval is enabled"))
		}
		switch c.Retrieval.Embedder {
		case "ollama", "gemini", "hash":
		default:
			errs = append(errs, fmt.Errorf("unknown retrieval.embedder %q", c.Retrieval.Embedder))
		}
		if c.Retrieval.TopK < 1 {
			errs = append(errs, errors.New("retrieval.top_k must be at least 1"))
		}
	}
	return errors.Join(errs...)
}

// Options converts the generation and batch settings to extraction options.
func (c Config) Options() []func(*Options) {
	opts := []func(*Options){
		WithModel(c.Generation.Model),
		WithTemperature(c.Generation.Temperature),
		WithMaxTokens(c.Generation.MaxTokens),
		WithTimeout(c.Generation.Timeout),
		WithStreamTimeout(c.Generation.StreamTimeout),
		WithBatchSize(c.Batch.Size),
		WithWorkers(c.Batch.Workers),
		WithTopK(c.Retrieval.TopK),
	}
	if c.Generation.Stream {
		opts = append(opts, WithStreaming())
	}
	return opts
}

// NewBackend builds the configured generative backend.
func (c Config) NewBackend(ctx context.Context, log *slog.Logger) (Backend, error) {
	switch c.Backend.Provider {
	case "ollama":
		return NewOllamaBackend(c.Backend.URL, c.Backend.Chat, log), nil
	case "openai":
		url := c.Backend.URL
		if url == DefaultOllamaURL {
			url = DefaultOpenAIURL
		}
		return NewOpenAIBackend(url, c.Backend.APIKey, log), nil
	case "gemini":
		client, err := NewGeminiClient(ctx, c.Backend.APIKey)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return NewGeminiBackend(client, log), nil
	default:
		return nil, fmt.Errorf("unknown backend.provider %q", c.Backend.Provider)
	}
}

// NewEmbedder builds the configured retrieval embedder.
func (c Config) NewEmbedder(ctx context.Context, log *slog.Logger) (Embedder, error) {
	switch c.Retrieval.Embedder {
	case "ollama":
		url := c.Backend.URL
		if c.Backend.Provider != "ollama" {
			url = DefaultOllamaURL
		}
		return NewOllamaEmbedder(url, c.Retrieval.EmbedModel, log), nil
	case "gemini":
		client, err := NewGeminiClient(ctx, c.Backend.APIKey)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return NewGeminiEmbedder(client, c.Retrieval.EmbedModel), nil
	case "hash":
		return NewHashEmbedder(c.Retrieval.Dim), nil
	default:
		return nil, fmt.Errorf("unknown retrieval.embedder %q", c.Retrieval.Embedder)
	}
}

// ParseLevel maps debug, info, warn and error onto slog levels (default info).
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
