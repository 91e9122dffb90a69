package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds pipeline configuration.
type Config struct {
	Env         string
	LLM         LLMConfig
	Storage     StorageConfig
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string

	// Global overrides applied to every stage when set (zero means unset).
	Concurrency     int
	CheckpointEvery *int

	Stages map[string]StageConfig
}

// LLMConfig configures the shared inference client.
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration

	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthScopes       []string
}

// StorageConfig selects where collections, images and template documents live.
type StorageConfig struct {
	Type        string
	LocalDir    string
	ImageRoot   string
	AWSRegion   string
	S3Bucket    string
	S3Prefix    string
	SSEKMSKeyID string
}

// StageConfig holds optional per-stage settings from the YAML file.
type StageConfig struct {
	Input           string `yaml:"input"`
	Output          string `yaml:"output"`
	Model           string `yaml:"model"`
	Concurrency     int    `yaml:"concurrency"`
	CheckpointEvery *int   `yaml:"checkpoint_every"`
	Template        string `yaml:"template"`
	BatchSize       int    `yaml:"batch_size"`
	SplitDir        string `yaml:"split_dir"`
	IDField         string `yaml:"id_field"`
}

// StageSettings is the resolved configuration of one stage run.
type StageSettings struct {
	Input           string
	Output          string
	Model           string
	Concurrency     int
	CheckpointEvery int
	Template        string
	BatchSize       int
	SplitDir        string
	IDField         string
}

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultTimeout        = 120 * time.Second
	defaultMaxRetries     = 5
	defaultRetryBaseDelay = 2 * time.Second
)

// Load reads configuration from defaults, the optional YAML file at path, and
// environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env")

	cfg := Config{
		Env: "dev",
		LLM: LLMConfig{
			BaseURL:        defaultBaseURL,
			Timeout:        defaultTimeout,
			MaxRetries:     defaultMaxRetries,
			RetryBaseDelay: defaultRetryBaseDelay,
		},
		Storage: StorageConfig{
			Type:      "local",
			ImageRoot: "images",
		},
		LogLevel:  "info",
		LogFormat: "auto",
		Stages:    map[string]StageConfig{},
	}

	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Env = normalizeEnv(getEnv("ENV", cfg.Env))

	cfg.LLM.BaseURL = strings.TrimRight(getEnv("OPENAI_BASE_URL", cfg.LLM.BaseURL), "/")
	cfg.LLM.APIKey = getEnv("OPENAI_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	if secs := envInt("OPENAI_TIMEOUT_SECONDS", 0); secs > 0 {
		cfg.LLM.Timeout = time.Duration(secs) * time.Second
	}
	cfg.LLM.MaxRetries = envInt("LLM_MAX_RETRIES", cfg.LLM.MaxRetries)
	cfg.LLM.RetryBaseDelay = envDuration("LLM_RETRY_BASE_DELAY", cfg.LLM.RetryBaseDelay)
	cfg.LLM.OAuthTokenURL = getEnv("OAUTH_TOKEN_URL", cfg.LLM.OAuthTokenURL)
	cfg.LLM.OAuthClientID = getEnv("OAUTH_CLIENT_ID", cfg.LLM.OAuthClientID)
	cfg.LLM.OAuthClientSecret = getEnv("OAUTH_CLIENT_SECRET", cfg.LLM.OAuthClientSecret)
	if raw := os.Getenv("OAUTH_SCOPES"); raw != "" {
		cfg.LLM.OAuthScopes = splitAndTrim(raw)
	}

	cfg.Storage.Type = normalizeStoreType(getEnv("OBJECT_STORE", cfg.Storage.Type))
	cfg.Storage.LocalDir = getEnv("LOCAL_STORE_DIR", cfg.Storage.LocalDir)
	cfg.Storage.ImageRoot = getEnv("IMAGE_ROOT", cfg.Storage.ImageRoot)
	cfg.Storage.AWSRegion = getEnv("AWS_REGION", cfg.Storage.AWSRegion)
	cfg.Storage.S3Bucket = getEnv("S3_BUCKET", cfg.Storage.S3Bucket)
	cfg.Storage.S3Prefix = getEnv("S3_PREFIX", cfg.Storage.S3Prefix)
	cfg.Storage.SSEKMSKeyID = getEnv("SSE_KMS_KEY_ID", cfg.Storage.SSEKMSKeyID)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.Concurrency = envInt("WORKER_CONCURRENCY", cfg.Concurrency)
	if raw := strings.TrimSpace(os.Getenv("CHECKPOINT_EVERY")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CheckpointEvery = &v
		} else {
			log.Printf("config: CHECKPOINT_EVERY invalid int: %v", err)
		}
	}
}

func (c Config) validate() error {
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm max retries must be >= 1, got %d", c.LLM.MaxRetries)
	}
	if c.LLM.RetryBaseDelay < 0 {
		return fmt.Errorf("llm retry base delay must be >= 0, got %s", c.LLM.RetryBaseDelay)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("worker concurrency must be >= 0, got %d", c.Concurrency)
	}
	if c.CheckpointEvery != nil && *c.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint interval must be >= 0, got %d", *c.CheckpointEvery)
	}
	if c.Storage.Type == "s3" && strings.TrimSpace(c.Storage.S3Bucket) == "" {
		return fmt.Errorf("S3_BUCKET is required when OBJECT_STORE=s3")
	}
	for name, st := range c.Stages {
		if st.Concurrency < 0 {
			return fmt.Errorf("stage %s: concurrency must be >= 0, got %d", name, st.Concurrency)
		}
		if st.CheckpointEvery != nil && *st.CheckpointEvery < 0 {
			return fmt.Errorf("stage %s: checkpoint_every must be >= 0, got %d", name, *st.CheckpointEvery)
		}
	}
	return nil
}

// StageSettings resolves the settings of a stage: defaults, then the YAML stage
// block, then global env overrides. CLI flags are applied by the caller.
func (c Config) StageSettings(name string, defaults StageSettings) StageSettings {
	out := defaults
	if st, ok := c.Stages[name]; ok {
		if st.Input != "" {
			out.Input = st.Input
		}
		if st.Output != "" {
			out.Output = st.Output
		}
		if st.Model != "" {
			out.Model = st.Model
		}
		if st.Concurrency > 0 {
			out.Concurrency = st.Concurrency
		}
		if st.CheckpointEvery != nil {
			out.CheckpointEvery = *st.CheckpointEvery
		}
		if st.Template != "" {
			out.Template = st.Template
		}
		if st.BatchSize > 0 {
			out.BatchSize = st.BatchSize
		}
		if st.SplitDir != "" {
			out.SplitDir = st.SplitDir
		}
		if st.IDField != "" {
			out.IDField = st.IDField
		}
	}
	if c.LLM.Model != "" {
		out.Model = c.LLM.Model
	}
	if c.Concurrency > 0 {
		out.Concurrency = c.Concurrency
	}
	if c.CheckpointEvery != nil {
		out.CheckpointEvery = *c.CheckpointEvery
	}
	return out
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config: %s invalid int: %v", key, err)
		return def
	}
	return val
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config: %s invalid duration: %v", key, err)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
