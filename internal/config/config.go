package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/xxxsen/common/logger"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	MetricCosine = "cosine"
	MetricL2     = "l2"
)

type Config struct {
	Port          int              `json:"port"`
	DataDir       string           `json:"data_dir"`
	Database      DatabaseConfig   `json:"database"`
	LogConfig     logger.LogConfig `json:"log_config"`
	Embedding     EmbeddingConfig  `json:"embedding"`
	Generation    GenerationConfig `json:"generation"`
	Chunking      ChunkingConfig   `json:"chunking"`
	Retrieval     RetrievalConfig  `json:"retrieval"`
	Index         IndexConfig      `json:"index"`
	ArtifactStore FileStoreConfig  `json:"artifact_store"`
	Jobs          JobsConfig       `json:"jobs"`
	Retention     RetentionConfig  `json:"retention"`
	Ingest        IngestConfig     `json:"ingest"`
	Server        ServerConfig     `json:"server"`
}

type DatabaseConfig struct {
	Driver   string `json:"driver"`
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
	Path     string `json:"path"`
}

type EmbeddingConfig struct {
	Provider        string           `json:"provider"`
	Model           string           `json:"model"`
	APIKey          string           `json:"api_key"`
	APIKeyEnv       string           `json:"api_key_env"`
	BaseURL         string           `json:"base_url"`
	Dimension       int              `json:"dimension"`
	CostPerMillion  float64          `json:"cost_per_million"`
	TimeoutSeconds  int              `json:"timeout_seconds"`
	MaxAttempts     int              `json:"max_attempts"`
	BackoffMillis   int              `json:"backoff_millis"`
	RateLimitPerSec float64          `json:"rate_limit_per_sec"`
	LRUSize         int              `json:"lru_size"`
	LRUTTLSeconds   int              `json:"lru_ttl_seconds"`
	Fallback        []ProviderConfig `json:"fallback"`
}

type ProviderConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url"`
}

type GenerationConfig struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Temperature    float32 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

type ChunkingConfig struct {
	MaxLength    int  `json:"max_length"`
	Overlap      int  `json:"overlap"`
	WordBoundary bool `json:"word_boundary"`
}

type RetrievalConfig struct {
	DefaultK        int `json:"default_k"`
	WidenMultiplier int `json:"widen_multiplier"`
	MaxK            int `json:"max_k"`
}

type IndexConfig struct {
	Metric string `json:"metric"`
	Path   string `json:"path"`
}

type FileStoreConfig struct {
	Type   string   `json:"type"`
	Dir    string   `json:"dir"`
	Prefix string   `json:"prefix"`
	S3     S3Config `json:"s3"`
}

type S3Config struct {
	Endpoint  string `json:"endpoint"`
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Prefix    string `json:"prefix"`
	UseSSL    bool   `json:"use_ssl"`
}

type JobsConfig struct {
	SyncCron         string `json:"sync_cron"`
	RetentionCron    string `json:"retention_cron"`
	CacheCleanupCron string `json:"cache_cleanup_cron"`
	BackupCron       string `json:"backup_cron"`
	CacheKeepDays    int    `json:"cache_keep_days"`
}

type RetentionConfig struct {
	KeepQuarters int `json:"keep_quarters"`
}

type ServerConfig struct {
	CORSOrigins     []string `json:"cors_origins"`
	QueryRatePerSec float64  `json:"query_rate_per_sec"`
}

type IngestConfig struct {
	Concurrency int `json:"concurrency"`
}

// LoadEnv loads .env files into the process environment. Missing files are ignored.
func LoadEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		_ = godotenv.Load(file)
	}
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw config content. YAML is normalised through JSON so both
// formats share the json field tags.
func Parse(raw []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		raw = converted
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config usable for local sqlite runs and tests.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() error {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" && c.Database.DSN == "" {
			c.Database.Path = filepath.Join(c.DataDir, "earnrag.db")
		}
	case DriverPostgres:
		if c.Database.DSN == "" && c.Database.Host == "" {
			return fmt.Errorf("database.host or database.dsn is required for postgres")
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite")
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.APIKeyEnv == "" {
		c.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 1536
	}
	if c.Embedding.Dimension < 0 {
		return fmt.Errorf("embedding.dimension must be > 0")
	}
	if c.Embedding.CostPerMillion == 0 {
		c.Embedding.CostPerMillion = 0.02
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 30
	}
	if c.Embedding.MaxAttempts == 0 {
		c.Embedding.MaxAttempts = 3
	}
	if c.Embedding.BackoffMillis == 0 {
		c.Embedding.BackoffMillis = 500
	}
	if c.Embedding.LRUSize == 0 {
		c.Embedding.LRUSize = 1024
	}
	if c.Embedding.LRUTTLSeconds == 0 {
		c.Embedding.LRUTTLSeconds = 3600
	}

	if c.Generation.Provider == "" {
		c.Generation.Provider = "openai"
	}
	if c.Generation.Model == "" {
		c.Generation.Model = "gpt-4o-mini"
	}
	if c.Generation.APIKeyEnv == "" {
		c.Generation.APIKeyEnv = c.Embedding.APIKeyEnv
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 500
	}
	if c.Generation.TimeoutSeconds == 0 {
		c.Generation.TimeoutSeconds = 60
	}

	if c.Chunking.MaxLength == 0 {
		c.Chunking.MaxLength = 1000
		if c.Chunking.Overlap == 0 {
			c.Chunking.Overlap = 200
		}
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxLength {
		return fmt.Errorf("chunking.overlap must be >= 0 and < chunking.max_length")
	}

	if c.Retrieval.DefaultK == 0 {
		c.Retrieval.DefaultK = 6
	}
	if c.Retrieval.WidenMultiplier == 0 {
		c.Retrieval.WidenMultiplier = 4
	}
	if c.Retrieval.WidenMultiplier < 2 {
		return fmt.Errorf("retrieval.widen_multiplier must be >= 2")
	}
	if c.Retrieval.MaxK == 0 {
		c.Retrieval.MaxK = 50
	}

	if c.Index.Metric == "" {
		c.Index.Metric = MetricL2
	}
	if c.Index.Metric != MetricL2 && c.Index.Metric != MetricCosine {
		return fmt.Errorf("index.metric must be l2 or cosine")
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.DataDir, "faiss_index.bin")
	}

	if c.ArtifactStore.Type == "" {
		c.ArtifactStore.Type = "local"
	}
	switch c.ArtifactStore.Type {
	case "local":
		if c.ArtifactStore.Dir == "" {
			c.ArtifactStore.Dir = filepath.Join(c.DataDir, "backup")
		}
	case "s3":
		s3 := c.ArtifactStore.S3
		if s3.Endpoint == "" || s3.Bucket == "" || s3.SecretID == "" || s3.SecretKey == "" {
			return fmt.Errorf("artifact_store.s3 endpoint/bucket/secret_id/secret_key are required for s3 store")
		}
		if s3.Region == "" {
			c.ArtifactStore.S3.Region = "us-east-1"
		}
	default:
		return fmt.Errorf("artifact_store.type must be local or s3")
	}

	if c.Jobs.CacheKeepDays == 0 {
		c.Jobs.CacheKeepDays = 30
	}
	if c.Retention.KeepQuarters < 0 {
		return fmt.Errorf("retention.keep_quarters must be >= 0")
	}
	if c.Ingest.Concurrency <= 0 {
		c.Ingest.Concurrency = 4
	}
	return nil
}

// ResolveKey returns key if set, otherwise the value of env.
func ResolveKey(key, env string) string {
	if strings.TrimSpace(key) != "" {
		return key
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
