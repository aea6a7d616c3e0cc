// Package config loads the YAML configuration, applies environment
// overrides and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Log        LogConfig        `yaml:"log"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Index      IndexConfig      `yaml:"index"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Generation GenerationConfig `yaml:"generation"`
	Watch      WatchConfig      `yaml:"watch"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Type      string  `yaml:"type"` // openai or hash
	BaseURL   string  `yaml:"base_url"`
	APIKey    string  `yaml:"api_key"`
	Model     string  `yaml:"model"`
	Dimension int     `yaml:"dimension"`
	BatchSize int     `yaml:"batch_size"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 for none

	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

// IndexConfig selects the vector index.
type IndexConfig struct {
	Type           string       `yaml:"type"` // memory or qdrant
	SemanticWeight float64      `yaml:"semantic_weight"`
	Qdrant         QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig contains connection details for a Qdrant index.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
}

// RetrievalConfig configures chunking and search.
type RetrievalConfig struct {
	TargetTokens  int     `yaml:"target_tokens"`
	OverlapTokens int     `yaml:"overlap_tokens"`
	MinScore      float64 `yaml:"min_score"`
	TopK          int     `yaml:"top_k"`
	HistoryTurns  int     `yaml:"history_turns"`
	Concurrency   int     `yaml:"concurrency"`
}

// GenerationConfig configures the backend and prompt.
type GenerationConfig struct {
	Backend       string  `yaml:"backend"` // ollama or openai
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	Family        string  `yaml:"family"` // forces a family; empty detects from Model
	FamiliesFile  string  `yaml:"families_file"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxTokens     int     `yaml:"max_tokens"`
	ContextWindow int     `yaml:"context_window"`
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
	HistoryShare  float64 `yaml:"history_share"`
}

// WatchConfig configures directory watching.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = defaultDataDir()
	cfg.Log = LogConfig{Level: "info", Format: "text"}
	cfg.Embedding = EmbeddingConfig{
		Type:           "openai",
		BaseURL:        "http://localhost:11434/v1",
		Model:          "nomic-embed-text",
		BatchSize:      32,
		BreakerTimeout: 30 * time.Second,
	}
	cfg.Index = IndexConfig{
		Type:           "memory",
		SemanticWeight: 0.7,
		Qdrant:         QdrantConfig{Host: "localhost", Port: 6334, Collection: "passages"},
	}
	cfg.Retrieval = RetrievalConfig{
		TargetTokens:  200,
		OverlapTokens: 40,
		MinScore:      0.15,
		TopK:          4,
		HistoryTurns:  1,
		Concurrency:   4,
	}
	cfg.Generation = GenerationConfig{
		Backend:      "ollama",
		BaseURL:      "http://localhost:11434",
		Model:        "qwen3:4b",
		MaxTokens:    512,
		HistoryShare: 0.5,
	}
	cfg.Watch = WatchConfig{Debounce: 500 * time.Millisecond}
	return cfg
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "offline-rag")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "offline-rag")
	}
	return ".offline-rag"
}

// DefaultPath is ~/.config/offline-rag/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "offline-rag", "config.yaml")
}

// Load reads the config at path over the defaults, then applies
// environment overrides. A missing file yields the defaults; an empty
// path tries DefaultPath.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config %s: %w", path, err)
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("RAG_DATA_DIR", c.DataDir)
	c.Log.Level = getEnv("RAG_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("RAG_LOG_FORMAT", c.Log.Format)

	c.Embedding.Type = getEnv("RAG_EMBEDDING_TYPE", c.Embedding.Type)
	c.Embedding.BaseURL = getEnv("RAG_EMBEDDING_URL", c.Embedding.BaseURL)
	c.Embedding.Model = getEnv("RAG_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.APIKey = getEnv("OPENAI_API_KEY", c.Embedding.APIKey)
	c.Embedding.Dimension = getEnvInt("RAG_EMBEDDING_DIMENSION", c.Embedding.Dimension)

	c.Index.Type = getEnv("RAG_INDEX_TYPE", c.Index.Type)
	c.Index.Qdrant.Host = getEnv("QDRANT_HOST", c.Index.Qdrant.Host)
	c.Index.Qdrant.Port = getEnvInt("QDRANT_PORT", c.Index.Qdrant.Port)
	c.Index.Qdrant.APIKey = getEnv("QDRANT_API_KEY", c.Index.Qdrant.APIKey)
	c.Index.SemanticWeight = getEnvFloat("RAG_SEMANTIC_WEIGHT", c.Index.SemanticWeight)

	c.Retrieval.MinScore = getEnvFloat("RAG_MIN_SCORE", c.Retrieval.MinScore)
	c.Retrieval.TopK = getEnvInt("RAG_TOP_K", c.Retrieval.TopK)

	c.Generation.Backend = getEnv("RAG_BACKEND", c.Generation.Backend)
	c.Generation.BaseURL = getEnv("RAG_GENERATION_URL", c.Generation.BaseURL)
	c.Generation.Model = getEnv("RAG_MODEL", c.Generation.Model)
	c.Generation.Family = getEnv("RAG_FAMILY", c.Generation.Family)
	c.Generation.ContextWindow = getEnvInt("RAG_CONTEXT_WINDOW", c.Generation.ContextWindow)
}

// applyDefaults restores defaults for values a file zeroed out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Embedding.Type == "" {
		c.Embedding.Type = d.Embedding.Type
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = d.Embedding.Model
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = d.Embedding.BatchSize
	}
	if c.Embedding.Type == "hash" && c.Embedding.Dimension <= 0 {
		c.Embedding.Dimension = 384
	}
	if c.Index.Type == "" {
		c.Index.Type = d.Index.Type
	}
	if c.Index.Qdrant.Collection == "" {
		c.Index.Qdrant.Collection = d.Index.Qdrant.Collection
	}
	if c.Retrieval.TargetTokens <= 0 {
		c.Retrieval.TargetTokens = d.Retrieval.TargetTokens
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = d.Retrieval.TopK
	}
	if c.Retrieval.Concurrency <= 0 {
		c.Retrieval.Concurrency = d.Retrieval.Concurrency
	}
	if c.Generation.Backend == "" {
		c.Generation.Backend = d.Generation.Backend
	}
	if c.Generation.MaxTokens <= 0 {
		c.Generation.MaxTokens = d.Generation.MaxTokens
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = d.Watch.Debounce
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Embedding.Type {
	case "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("embedding.type %q: want openai or hash", c.Embedding.Type))
	}
	switch c.Index.Type {
	case "memory", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("index.type %q: want memory or qdrant", c.Index.Type))
	}
	switch c.Generation.Backend {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("generation.backend %q: want ollama or openai", c.Generation.Backend))
	}
	if w := c.Index.SemanticWeight; w < 0 || w > 1 {
		errs = append(errs, fmt.Errorf("index.semantic_weight %v: want a value in [0,1]", w))
	}
	if r := c.Retrieval; r.OverlapTokens < 0 || r.OverlapTokens >= r.TargetTokens {
		errs = append(errs, fmt.Errorf("retrieval.overlap_tokens %d: want 0 <= overlap < target_tokens (%d)", r.OverlapTokens, r.TargetTokens))
	}
	if s := c.Generation.HistoryShare; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("generation.history_share %v: want a value in [0,1]", s))
	}
	return errors.Join(errs...)
}

// StorePath is the SQLite passage store inside DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "passages.db")
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
