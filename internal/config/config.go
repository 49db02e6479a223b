// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Ingest    IngestConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	Environment     string
	ShutdownTimeout int
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration for uploaded files.
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// LLMConfig holds model runtime configuration. The runtime is any server
// exposing the OpenAI-compatible /v1 surface (Ollama by default).
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	SummaryModel   string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float64
}

// IngestConfig holds ingestion pipeline configuration.
type IngestConfig struct {
	ChunkSize     int // max tokens per chunk
	ChunkOverlap  int // overlap tokens between adjacent chunks
	MinChunkSize  int // chunks below this are merged into a neighbor
	SummaryMaxLen int // characters of document text fed to the summarizer
	Workers       int // background pipeline workers
	QueueSize     int // pending job queue capacity
}

// RetrievalConfig holds default retrieval parameters. These are defaults
// only; the effective values come from the settings store as an immutable
// snapshot per request.
type RetrievalConfig struct {
	TopK         int
	RerankTopN   int
	BM25Weight   float64
	MaxHistory   int
	QueryRewrite bool
	HybridSearch bool
	Reranking    bool
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from the environment, honoring a .env file if
// one is present in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("HOST", "127.0.0.1"),
			Port:            getEnvAsInt("PORT", 8000),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ShutdownTimeout: getEnvAsInt("SHUTDOWN_TIMEOUT", 30),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "atlas"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("STORAGE_BUCKET", "atlas-uploads"),
			UseSSL:          getEnvAsBool("STORAGE_USE_SSL", false),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
		},
		LLM: LLMConfig{
			BaseURL:        getEnv("LLM_BASE_URL", "http://127.0.0.1:11434/v1"),
			APIKey:         getEnv("LLM_API_KEY", ""),
			ChatModel:      getEnv("LLM_CHAT_MODEL", "qwen3:14b"),
			SummaryModel:   getEnv("LLM_SUMMARY_MODEL", ""),
			EmbeddingModel: getEnv("LLM_EMBEDDING_MODEL", "qwen3-embedding:4b"),
			MaxTokens:      getEnvAsInt("LLM_MAX_TOKENS", 4096),
			Temperature:    getEnvAsFloat("LLM_TEMPERATURE", 0.3),
		},
		Ingest: IngestConfig{
			ChunkSize:     getEnvAsInt("CHUNK_SIZE", 600),
			ChunkOverlap:  getEnvAsInt("CHUNK_OVERLAP", 100),
			MinChunkSize:  getEnvAsInt("CHUNK_MIN_SIZE", 50),
			SummaryMaxLen: getEnvAsInt("SUMMARY_MAX_LEN", 3000),
			Workers:       getEnvAsInt("INGEST_WORKERS", 2),
			QueueSize:     getEnvAsInt("INGEST_QUEUE_SIZE", 64),
		},
		Retrieval: RetrievalConfig{
			TopK:         getEnvAsInt("RETRIEVAL_TOP_K", 5),
			RerankTopN:   getEnvAsInt("RERANK_TOP_N", 10),
			BM25Weight:   getEnvAsFloat("BM25_WEIGHT", 0.3),
			MaxHistory:   getEnvAsInt("MAX_HISTORY_MESSAGES", 20),
			QueryRewrite: getEnvAsBool("ENABLE_QUERY_REWRITE", false),
			HybridSearch: getEnvAsBool("ENABLE_HYBRID_SEARCH", true),
			Reranking:    getEnvAsBool("ENABLE_RERANKING", false),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if cfg.LLM.SummaryModel == "" {
		cfg.LLM.SummaryModel = cfg.LLM.ChatModel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	if c.Retrieval.BM25Weight < 0 || c.Retrieval.BM25Weight > 1 {
		return fmt.Errorf("BM25_WEIGHT must be in [0,1], got %v", c.Retrieval.BM25Weight)
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
