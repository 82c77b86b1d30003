package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddr   string `yaml:"server_addr" validate:"required"`
	StoreBackend string `yaml:"store_backend" validate:"oneof=memory postgres"`
	Postgres     PG     `yaml:"postgres"`

	Embedder       string  `yaml:"embedder" validate:"oneof=hash ollama"`
	EmbeddingURL   string  `yaml:"embedding_url" validate:"required_if=Embedder ollama"`
	EmbeddingModel string  `yaml:"embedding_model" validate:"required_if=Embedder ollama"`
	EmbeddingDim   int     `yaml:"embedding_dim" validate:"gt=0"`
	Generator      string  `yaml:"generator" validate:"oneof=extractive ollama openai"`
	LLMURL         string  `yaml:"llm_url" validate:"required_if=Generator ollama,required_if=Generator openai"`
	LLMModel       string  `yaml:"llm_model" validate:"required_if=Generator ollama,required_if=Generator openai"`
	LLMAPIKey      string  `yaml:"llm_api_key"`
	UpstreamRPS    float64 `yaml:"upstream_rps" validate:"gte=0"`

	RetryAttempts uint          `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryInitial  time.Duration `yaml:"retry_initial" validate:"gt=0"`

	ChunkSize    int `yaml:"chunk_size" validate:"gt=0"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
	ChunkRows    int `yaml:"chunk_rows" validate:"gt=1"`

	TopK             int     `yaml:"top_k" validate:"gt=0"`
	MinScore         float64 `yaml:"min_score" validate:"gte=0,lte=1"`
	HistoryTurns     int     `yaml:"history_turns" validate:"gte=0"`
	MaxContextChars  int     `yaml:"max_context_chars" validate:"gt=0"`
	MaxContextTokens int     `yaml:"max_context_tokens" validate:"gt=0"`

	IngestWorkers  int   `yaml:"ingest_workers" validate:"gt=0"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes" validate:"gt=0"`

	JWTSecret   string        `yaml:"jwt_secret" validate:"required,min=16"`
	TokenTTL    time.Duration `yaml:"token_ttl" validate:"gt=0"`
	RememberTTL time.Duration `yaml:"remember_ttl" validate:"gtefield=TokenTTL"`
	ChatTimeout time.Duration `yaml:"chat_timeout" validate:"gt=0"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`
}

type PG struct {
	Host     string `yaml:"host" validate:"required_with=User"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
}

func (p PG) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable", p.Host, p.Port, p.User, p.Password, p.DBName)
}

func Default() *Config {
	return &Config{
		ServerAddr:       ":8080",
		StoreBackend:     "memory",
		Postgres:         PG{Host: "localhost", Port: 5432, DBName: "ragchat"},
		Embedder:         "hash",
		EmbeddingDim:     1024,
		Generator:        "extractive",
		UpstreamRPS:      10,
		RetryAttempts:    3,
		RetryInitial:     500 * time.Millisecond,
		ChunkSize:        200,
		ChunkOverlap:     30,
		ChunkRows:        20,
		TopK:             5,
		MinScore:         0.5,
		HistoryTurns:     10,
		MaxContextChars:  40000,
		MaxContextTokens: 12000,
		IngestWorkers:    4,
		MaxUploadBytes:   10 << 20,
		TokenTTL:         24 * time.Hour,
		RememberTTL:      30 * 24 * time.Hour,
		ChatTimeout:      2 * time.Minute,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load reads .env (if present), an optional YAML file named by CONFIG_FILE,
// then environment variables, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) error {
	envString("SERVER_ADDR", &c.ServerAddr)
	envString("STORE_BACKEND", &c.StoreBackend)
	envString("PG_HOST", &c.Postgres.Host)
	envString("PG_USER", &c.Postgres.User)
	envString("PG_PASS", &c.Postgres.Password)
	envString("PG_DB_NAME", &c.Postgres.DBName)
	envString("EMBEDDER", &c.Embedder)
	envString("OLLAMA_EMBEDDING_URL", &c.EmbeddingURL)
	envString("OLLAMA_EMBEDDING_MODEL", &c.EmbeddingModel)
	envString("GENERATOR", &c.Generator)
	envString("LLM_URL", &c.LLMURL)
	envString("LLM_MODEL", &c.LLMModel)
	envString("LLM_API_KEY", &c.LLMAPIKey)
	envString("JWT_SECRET", &c.JWTSecret)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)

	ints := map[string]*int{
		"PG_PORT":            &c.Postgres.Port,
		"EMBEDDING_DIM":      &c.EmbeddingDim,
		"CHUNK_SIZE":         &c.ChunkSize,
		"CHUNK_OVERLAP":      &c.ChunkOverlap,
		"CHUNK_ROWS":         &c.ChunkRows,
		"TOP_K":              &c.TopK,
		"HISTORY_TURNS":      &c.HistoryTurns,
		"MAX_CONTEXT_CHARS":  &c.MaxContextChars,
		"MAX_CONTEXT_TOKENS": &c.MaxContextTokens,
		"INGEST_WORKERS":     &c.IngestWorkers,
	}
	for key, dst := range ints {
		if err := envInt(key, dst); err != nil {
			return err
		}
	}

	durations := map[string]*time.Duration{
		"RETRY_INITIAL": &c.RetryInitial,
		"TOKEN_TTL":     &c.TokenTTL,
		"REMEMBER_TTL":  &c.RememberTTL,
		"CHAT_TIMEOUT":  &c.ChatTimeout,
	}
	for key, dst := range durations {
		if err := envDuration(key, dst); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("MIN_SCORE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MIN_SCORE: %w", err)
		}
		c.MinScore = f
	}
	if v, ok := os.LookupEnv("UPSTREAM_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("UPSTREAM_RPS: %w", err)
		}
		c.UpstreamRPS = f
	}
	if v, ok := os.LookupEnv("RETRY_ATTEMPTS"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("RETRY_ATTEMPTS: %w", err)
		}
		c.RetryAttempts = uint(n)
	}
	if v, ok := os.LookupEnv("MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
