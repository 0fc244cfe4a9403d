package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"paperdesk"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"paperdesk"`

	// Vector index backend: "memory" keeps per-workspace indexes
	// in-process, "weaviate" delegates to a Weaviate cluster.
	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"memory"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel  string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	GenerationModel string `envconfig:"GENERATION_MODEL" default:"gemini-2.0-flash"`

	// Ingestion
	IngestionConcurrency int `envconfig:"INGESTION_CONCURRENCY" default:"4"`
	ChunkMaxChars        int `envconfig:"CHUNK_MAX_CHARS" default:"1000"`
	ChunkOverlap         int `envconfig:"CHUNK_OVERLAP" default:"200"`
	EmbedBatchSize       int `envconfig:"EMBED_BATCH_SIZE" default:"16"`
	EmbedMaxAttempts     int `envconfig:"EMBED_MAX_ATTEMPTS" default:"4"`
	EmbedTimeoutSeconds  int `envconfig:"EMBED_TIMEOUT_SECONDS" default:"60"`

	// Retrieval / synthesis
	DefaultTopK         int `envconfig:"DEFAULT_TOP_K" default:"5"`
	ChatHistoryWindow   int `envconfig:"CHAT_HISTORY_WINDOW" default:"10"`
	MaxContextChars     int `envconfig:"MAX_CONTEXT_CHARS" default:"12000"`
	GenTimeoutSeconds   int `envconfig:"GEN_TIMEOUT_SECONDS" default:"90"`
	SummaryChunksPerDoc int `envconfig:"SUMMARY_CHUNKS_PER_DOC" default:"6"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8081"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	UploadDir       string `envconfig:"PAPERDESK_UPLOAD_DIR" default:"./uploads"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may come from the shell; .env files are optional.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.VectorBackend != "memory" && c.VectorBackend != "weaviate" {
		return fmt.Errorf("%w: VECTOR_BACKEND must be memory or weaviate", ErrMissingRequired)
	}
	if c.ChunkMaxChars <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkMaxChars {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be smaller than CHUNK_MAX_CHARS", ErrMissingRequired)
	}
	if c.DefaultTopK < 1 {
		return fmt.Errorf("%w: DEFAULT_TOP_K must be at least 1", ErrMissingRequired)
	}
	return nil
}
