// Package config loads the service configuration: one YAML file for process
// settings overlaid by environment variables, plus the domain documents
// (sectors, geography, compliance rules) that the scoring agents consult.
// Documents are immutable snapshots; reloads swap the snapshot pointer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Email         EmailConfig         `yaml:"email"`
	Breakers      BreakersConfig      `yaml:"circuit_breakers"`
	Retry         RetryConfig         `yaml:"retry"`
	Search        SearchConfig        `yaml:"search"`
	RAG           RAGConfig           `yaml:"rag"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Workers       WorkersConfig       `yaml:"workers"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Limits        LimitsConfig        `yaml:"limits"`
	GCP           GCPConfig           `yaml:"gcp"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	ConfigDir     string              `yaml:"config_dir"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	LogLevel         string   `yaml:"log_level"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	PoolSize        int    `yaml:"pool_size"`
	MaxOverflow     int    `yaml:"max_overflow"`
	RecycleSeconds  int    `yaml:"recycle_seconds"`
	MigrationsTable string `yaml:"migrations_table"`
}

// MaxOpenConns is the hard pool bound: base pool plus overflow.
func (d DatabaseConfig) MaxOpenConns() int {
	return d.PoolSize + d.MaxOverflow
}

func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.RecycleSeconds) * time.Second
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai | anthropic | ollama
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_seconds"`
}

type EmbeddingConfig struct {
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Dimension   int    `yaml:"dimension"`
	TimeoutSecs int    `yaml:"timeout_seconds"`
}

type EmailConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
	TimeoutSecs int    `yaml:"timeout_seconds"`
}

// BreakerConfig holds one named breaker's thresholds.
type BreakersConfig struct {
	Database BreakerConfig `yaml:"database"`
	LLM      BreakerConfig `yaml:"llm"`
	Vector   BreakerConfig `yaml:"vector"`
	Email    BreakerConfig `yaml:"email"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	RecoverySeconds  int `yaml:"recovery_seconds"`
	SuccessThreshold int `yaml:"success_threshold"`
}

func (b BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoverySeconds) * time.Second
}

type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	BaseDelaySeconds float64 `yaml:"base_delay_seconds"`
	MaxDelaySeconds  float64 `yaml:"max_delay_seconds"`
}

func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds * float64(time.Second))
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds * float64(time.Second))
}

type SearchConfig struct {
	MaxChunks        int  `yaml:"max_chunks"`
	ChunkConcurrency int  `yaml:"chunk_concurrency"`
	ChunkMaxTokens   int  `yaml:"chunk_max_tokens"`
	Refine           bool `yaml:"refine"`
	RefineMaxTokens  int  `yaml:"refine_max_tokens"`
	StaleAfterDays   int  `yaml:"stale_after_days"`
}

type RAGConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	TopK         int `yaml:"top_k"`
}

type SchedulerConfig struct {
	// Cadence selects the sweep preset: "six_hourly" (default) or
	// "twice_weekly" (Mon/Thu 06:00 UTC).
	Cadence            string `yaml:"cadence"`
	SweepIntervalHours int    `yaml:"sweep_interval_hours"`
	CleanupWeekday     string `yaml:"cleanup_weekday"`
	ProbeIntervalSecs  int    `yaml:"probe_interval_seconds"`
}

type WorkersConfig struct {
	PoolSize         int `yaml:"pool_size"`
	QueueCapacity    int `yaml:"queue_capacity"`
	JobTimeoutMins   int `yaml:"job_timeout_minutes"`
	SoftTimeoutMins  int `yaml:"soft_timeout_minutes"`
	DispatchWorkers  int `yaml:"dispatch_workers"`
	DispatchQueueCap int `yaml:"dispatch_queue_capacity"`
}

func (w WorkersConfig) JobTimeout() time.Duration {
	return time.Duration(w.JobTimeoutMins) * time.Minute
}

func (w WorkersConfig) SoftTimeout() time.Duration {
	return time.Duration(w.SoftTimeoutMins) * time.Minute
}

type NotificationsConfig struct {
	Enabled      bool `yaml:"enabled"`
	TopGrants    int  `yaml:"top_grants"`
	DigestWeekly bool `yaml:"digest_weekly"`
}

// LimitsConfig carries the default monthly quotas assigned to new users by
// subscription tier. Per-user rows override these.
type LimitsConfig struct {
	Free TierLimits `yaml:"free"`
	Pro  TierLimits `yaml:"pro"`
}

type TierLimits struct {
	Searches     int `yaml:"searches"`
	Applications int `yaml:"applications"`
}

type GCPConfig struct {
	ProjectID          string `yaml:"project_id"`
	PubSubTopic        string `yaml:"pubsub_topic"`
	CloudTasksLocation string `yaml:"cloud_tasks_location"`
	CloudTasksQueue    string `yaml:"cloud_tasks_queue"`
	CredentialsFile    string `yaml:"credentials_file"`
}

type StorageConfig struct {
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
	Bucket      string `yaml:"bucket"`
}

type AuthConfig struct {
	// TokenSecret verifies HS256-signed bearer tokens minted by the
	// identity provider. Required outside development.
	TokenSecret string `yaml:"token_secret"`
	// TaskToken authenticates Cloud Tasks callbacks to internal routes.
	TaskToken string `yaml:"task_token"`
}

// LoadConfig reads the YAML file at path, fills defaults, and overlays
// environment variables. A missing file is not an error: env plus defaults
// is a complete configuration for containerized deploys.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development", LogLevel: "info", CORSAllowOrigins: []string{"*"}},
		Database: DatabaseConfig{
			PoolSize:        10,
			MaxOverflow:     20,
			RecycleSeconds:  3600,
			MigrationsTable: "schema_migrations",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   2000,
			TimeoutSecs: 90,
		},
		Embedding: EmbeddingConfig{
			Model:       "text-embedding-3-small",
			Dimension:   1536,
			TimeoutSecs: 30,
		},
		Email: EmailConfig{
			BaseURL:     "https://api.sendgrid.com",
			FromAddress: "grants@grantly.app",
			FromName:    "Grantly",
			TimeoutSecs: 15,
		},
		Breakers: BreakersConfig{
			Database: BreakerConfig{FailureThreshold: 3, RecoverySeconds: 30, SuccessThreshold: 2},
			LLM:      BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
			Vector:   BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
			Email:    BreakerConfig{FailureThreshold: 5, RecoverySeconds: 60, SuccessThreshold: 2},
		},
		Retry: RetryConfig{MaxAttempts: 3, BaseDelaySeconds: 1, MaxDelaySeconds: 60},
		Search: SearchConfig{
			MaxChunks:        16,
			ChunkConcurrency: 4,
			ChunkMaxTokens:   2000,
			Refine:           false,
			RefineMaxTokens:  1500,
			StaleAfterDays:   60,
		},
		RAG: RAGConfig{ChunkSize: 500, ChunkOverlap: 50, TopK: 5},
		Scheduler: SchedulerConfig{
			Cadence:            "six_hourly",
			SweepIntervalHours: 6,
			CleanupWeekday:     "Sunday",
			ProbeIntervalSecs:  300,
		},
		Workers: WorkersConfig{
			PoolSize:         4,
			QueueCapacity:    256,
			JobTimeoutMins:   10,
			SoftTimeoutMins:  9,
			DispatchWorkers:  4,
			DispatchQueueCap: 1000,
		},
		Notifications: NotificationsConfig{Enabled: true, TopGrants: 5, DigestWeekly: true},
		Limits: LimitsConfig{
			Free: TierLimits{Searches: 10, Applications: 3},
			Pro:  TierLimits{Searches: 50, Applications: 25},
		},
		Storage:   StorageConfig{Bucket: "profile-documents"},
		ConfigDir: "configs",
	}
}

// applyEnv overlays the environment on top of file values. Env always wins;
// this is what lets the same YAML ship in every environment.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Env, "APP_ENV")
	setString(&cfg.Server.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("CORS_ALLOW_ORIGINS"); v != "" {
		cfg.Server.CORSAllowOrigins = splitCSV(v)
	}
	setString(&cfg.Database.URL, "DATABASE_URL")
	setInt(&cfg.Database.PoolSize, "DB_POOL_SIZE")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.LLM.Provider, "LLM_PROVIDER")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	setString(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")
	setString(&cfg.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	setInt(&cfg.Embedding.Dimension, "EMBEDDING_DIMENSION")
	setString(&cfg.Email.APIKey, "EMAIL_API_KEY")
	setString(&cfg.Email.FromAddress, "EMAIL_FROM")
	setInt(&cfg.Workers.PoolSize, "WORKER_POOL_SIZE")
	setInt(&cfg.Workers.QueueCapacity, "WORKER_QUEUE_CAPACITY")
	setInt(&cfg.Scheduler.SweepIntervalHours, "SWEEP_INTERVAL_HOURS")
	setString(&cfg.Scheduler.Cadence, "SCHEDULER_CADENCE")
	setInt(&cfg.Breakers.Database.FailureThreshold, "CB_DB_FAILURE_THRESHOLD")
	setInt(&cfg.Breakers.LLM.FailureThreshold, "CB_LLM_FAILURE_THRESHOLD")
	setInt(&cfg.Breakers.Vector.FailureThreshold, "CB_VECTOR_FAILURE_THRESHOLD")
	setString(&cfg.GCP.ProjectID, "GCP_PROJECT_ID")
	setString(&cfg.GCP.PubSubTopic, "PUBSUB_TOPIC")
	setString(&cfg.GCP.CloudTasksLocation, "CLOUD_TASKS_LOCATION")
	setString(&cfg.GCP.CloudTasksQueue, "CLOUD_TASKS_QUEUE")
	setString(&cfg.GCP.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&cfg.Storage.SupabaseURL, "SUPABASE_URL")
	setString(&cfg.Storage.SupabaseKey, "SUPABASE_SERVICE_KEY")
	setString(&cfg.Storage.Bucket, "STORAGE_BUCKET")
	setString(&cfg.Auth.TokenSecret, "AUTH_TOKEN_SECRET")
	setString(&cfg.Auth.TaskToken, "TASK_CALLBACK_TOKEN")
	setString(&cfg.ConfigDir, "CONFIG_DIR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("config: worker pool size must be >= 1")
	}
	if c.Workers.QueueCapacity < 1 {
		return fmt.Errorf("config: worker queue capacity must be >= 1")
	}
	if c.Search.ChunkConcurrency < 1 || c.Search.ChunkConcurrency > c.Search.MaxChunks {
		return fmt.Errorf("config: chunk concurrency must be in [1, %d]", c.Search.MaxChunks)
	}
	if c.Embedding.Dimension != 1536 && c.Embedding.Dimension != 3072 {
		return fmt.Errorf("config: embedding dimension must be 1536 or 3072, got %d", c.Embedding.Dimension)
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("config: rag chunk overlap must be smaller than chunk size")
	}
	switch c.Scheduler.Cadence {
	case "six_hourly", "twice_weekly":
	default:
		return fmt.Errorf("config: unknown scheduler cadence %q", c.Scheduler.Cadence)
	}
	return nil
}
