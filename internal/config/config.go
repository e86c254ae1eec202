// SPDX-License-Identifier: MIT

// Package config loads the voxsub configuration with precedence
// ENV > file > defaults and validates it before the daemon starts.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrMigrationRequired is returned by storage bootstrap when the job database
// schema is older than the binary and auto-migration is disabled. The CLI
// maps it to exit code 2.
var ErrMigrationRequired = errors.New("database schema migration required")

// StageTimeouts are the soft per-stage deadlines of the pipeline driver.
type StageTimeouts struct {
	Extract    time.Duration `yaml:"extract"`
	Transcribe time.Duration `yaml:"transcribe"`
	Translate  time.Duration `yaml:"translate"`
	Emit       time.Duration `yaml:"emit"`
}

// ClassLimits hold a per-class integer knob (concurrency caps, queue caps).
type ClassLimits struct {
	Priority int `yaml:"priority"`
	Paid     int `yaml:"paid"`
	Free     int `yaml:"free"`
}

// Config is the full runtime configuration.
type Config struct {
	// API
	APIHost  string `yaml:"apiHost"`
	APIPort  int    `yaml:"apiPort"`
	APIToken string `yaml:"-"` // shared ingress secret for token->tenant resolution; never from file

	// Stores
	DBPath   string `yaml:"dbPath"`
	RedisURL string `yaml:"redisURL"`

	// Blob store (S3-compatible)
	BlobEndpoint  string `yaml:"blobEndpoint"`
	BlobRegion    string `yaml:"blobRegion"`
	BlobBucket    string `yaml:"blobBucket"`
	BlobAccessKey string `yaml:"-"`
	BlobSecretKey string `yaml:"-"`

	// Transcription engine
	WhisperURL       string `yaml:"whisperURL"`
	WhisperModelFree string `yaml:"whisperModelFree"`
	WhisperModelPaid string `yaml:"whisperModelPaid"`

	// Translation providers
	TranslationURL       string `yaml:"translationURL"`
	TranslationKey       string `yaml:"-"`
	TranslationModelFree string `yaml:"translationModelFree"`
	TranslationModelPaid string `yaml:"translationModelPaid"`

	// Quotas and limits
	FreeMinutesLimit  int  `yaml:"freeMinutesLimit"`
	MaxFileSizeMBFree int  `yaml:"maxFileSizeMBFree"`
	MaxFileSizeMBPaid int  `yaml:"maxFileSizeMBPaid"`
	QuotaTopUp        bool `yaml:"quotaTopUp"` // top up reservation when probe exceeds it; default fail

	// Scheduling
	Workers     int           `yaml:"workers"`
	Concurrency ClassLimits   `yaml:"concurrency"`
	QueueMax    ClassLimits   `yaml:"queueMax"`
	PollIdle    time.Duration `yaml:"pollIdle"`
	Stage       StageTimeouts `yaml:"stageTimeouts"`
	MaxRetries  int           `yaml:"maxRetries"`

	// Retention
	ArtifactTTL   time.Duration `yaml:"artifactTTL"`
	ScratchTTL    time.Duration `yaml:"scratchTTL"`
	CleanInterval time.Duration `yaml:"cleanInterval"`
	ScratchDir    string        `yaml:"scratchDir"`

	// Media tooling
	FFmpegPath  string `yaml:"ffmpegPath"`
	FFprobePath string `yaml:"ffprobePath"`

	// Observability
	LogLevel     string  `yaml:"logLevel"`
	MetricsAddr  string  `yaml:"metricsAddr"` // empty disables the metrics listener
	OTELEnabled  bool    `yaml:"otelEnabled"`
	OTELExporter string  `yaml:"otelExporter"`
	OTELEndpoint string  `yaml:"otelEndpoint"`
	OTELSampling float64 `yaml:"otelSampling"`
}

// Default returns the built-in defaults before file and environment overlays.
func Default() Config {
	return Config{
		APIHost:              "0.0.0.0",
		APIPort:              8080,
		DBPath:               "voxsub.db",
		RedisURL:             "redis://localhost:6379",
		BlobRegion:           "auto",
		BlobBucket:           "voxsub-artifacts",
		WhisperModelFree:     "base",
		WhisperModelPaid:     "large-v3",
		TranslationModelFree: "nano",
		TranslationModelPaid: "mini",
		FreeMinutesLimit:     20,
		MaxFileSizeMBFree:    50,
		MaxFileSizeMBPaid:    1000,
		Workers:              4,
		Concurrency:          ClassLimits{Priority: 4, Paid: 2, Free: 1},
		QueueMax:             ClassLimits{Priority: 200, Paid: 200, Free: 100},
		PollIdle:             2 * time.Second,
		Stage: StageTimeouts{
			Extract:    5 * time.Minute,
			Transcribe: 60 * time.Minute,
			Translate:  30 * time.Minute,
			Emit:       2 * time.Minute,
		},
		MaxRetries:    3,
		ArtifactTTL:   24 * time.Hour,
		ScratchTTL:    4 * time.Hour,
		CleanInterval: time.Hour,
		ScratchDir:    "/tmp/voxsub",
		FFmpegPath:    "ffmpeg",
		FFprobePath:   "ffprobe",
		LogLevel:      "info",
		OTELExporter:  "grpc",
		OTELSampling:  1.0,
	}
}

// FromEnv overlays environment variables onto cfg.
func FromEnv(cfg Config) Config {
	cfg.APIHost = ParseString("API_HOST", cfg.APIHost)
	cfg.APIPort = ParseInt("API_PORT", cfg.APIPort)
	cfg.APIToken = ParseString("API_TOKEN", cfg.APIToken)

	cfg.DBPath = ParseString("DB_PATH", cfg.DBPath)
	cfg.RedisURL = ParseString("REDIS_URL", cfg.RedisURL)

	cfg.BlobEndpoint = ParseString("BLOB_ENDPOINT", cfg.BlobEndpoint)
	cfg.BlobRegion = ParseString("BLOB_REGION", cfg.BlobRegion)
	cfg.BlobBucket = ParseString("BLOB_BUCKET", cfg.BlobBucket)
	cfg.BlobAccessKey = ParseString("BLOB_ACCESS_KEY", cfg.BlobAccessKey)
	cfg.BlobSecretKey = ParseString("BLOB_SECRET_KEY", cfg.BlobSecretKey)

	cfg.WhisperURL = ParseString("WHISPER_URL", cfg.WhisperURL)
	cfg.WhisperModelFree = ParseString("WHISPER_MODEL_FREE", cfg.WhisperModelFree)
	cfg.WhisperModelPaid = ParseString("WHISPER_MODEL_PAID", cfg.WhisperModelPaid)

	cfg.TranslationURL = ParseString("TRANSLATION_API_URL", cfg.TranslationURL)
	cfg.TranslationKey = ParseString("TRANSLATION_API_KEY", cfg.TranslationKey)
	cfg.TranslationModelFree = ParseString("TRANSLATION_MODEL_FREE", cfg.TranslationModelFree)
	cfg.TranslationModelPaid = ParseString("TRANSLATION_MODEL_PAID", cfg.TranslationModelPaid)

	cfg.FreeMinutesLimit = ParseInt("FREE_MINUTES_LIMIT", cfg.FreeMinutesLimit)
	cfg.MaxFileSizeMBFree = ParseInt("MAX_FILE_SIZE_MB_FREE", cfg.MaxFileSizeMBFree)
	cfg.MaxFileSizeMBPaid = ParseInt("MAX_FILE_SIZE_MB_PAID", cfg.MaxFileSizeMBPaid)
	cfg.QuotaTopUp = ParseBool("QUOTA_TOPUP", cfg.QuotaTopUp)

	cfg.Workers = ParseInt("WORKERS", cfg.Workers)
	cfg.Concurrency.Priority = ParseInt("CONCURRENCY_PRIORITY", cfg.Concurrency.Priority)
	cfg.Concurrency.Paid = ParseInt("CONCURRENCY_PAID", cfg.Concurrency.Paid)
	cfg.Concurrency.Free = ParseInt("CONCURRENCY_FREE", cfg.Concurrency.Free)
	cfg.QueueMax.Priority = ParseInt("QUEUE_MAX_PRIORITY", cfg.QueueMax.Priority)
	cfg.QueueMax.Paid = ParseInt("QUEUE_MAX_PAID", cfg.QueueMax.Paid)
	cfg.QueueMax.Free = ParseInt("QUEUE_MAX_FREE", cfg.QueueMax.Free)
	cfg.PollIdle = ParseDuration("POLL_IDLE", cfg.PollIdle)
	cfg.Stage.Extract = ParseDuration("STAGE_TIMEOUT_EXTRACT", cfg.Stage.Extract)
	cfg.Stage.Transcribe = ParseDuration("STAGE_TIMEOUT_TRANSCRIBE", cfg.Stage.Transcribe)
	cfg.Stage.Translate = ParseDuration("STAGE_TIMEOUT_TRANSLATE", cfg.Stage.Translate)
	cfg.Stage.Emit = ParseDuration("STAGE_TIMEOUT_EMIT", cfg.Stage.Emit)
	cfg.MaxRetries = ParseInt("MAX_RETRIES", cfg.MaxRetries)

	cfg.ArtifactTTL = time.Duration(ParseInt("ARTIFACT_TTL_HOURS", int(cfg.ArtifactTTL/time.Hour))) * time.Hour
	cfg.ScratchTTL = time.Duration(ParseInt("SCRATCH_TTL_HOURS", int(cfg.ScratchTTL/time.Hour))) * time.Hour
	cfg.CleanInterval = ParseDuration("CLEAN_INTERVAL", cfg.CleanInterval)
	cfg.ScratchDir = ParseString("SCRATCH_DIR", cfg.ScratchDir)

	cfg.FFmpegPath = ParseString("FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FFprobePath = ParseString("FFPROBE_PATH", cfg.FFprobePath)

	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsAddr = ParseString("METRICS_ADDR", cfg.MetricsAddr)
	cfg.OTELEnabled = ParseBool("OTEL_ENABLED", cfg.OTELEnabled)
	cfg.OTELExporter = ParseString("OTEL_EXPORTER", cfg.OTELExporter)
	cfg.OTELEndpoint = ParseString("OTEL_ENDPOINT", cfg.OTELEndpoint)
	cfg.OTELSampling = ParseFloat("OTEL_SAMPLING", cfg.OTELSampling)

	return cfg
}

// Validate fails fast on configuration the daemon cannot run with.
func (c Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port %d", c.APIPort)
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH must be set")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL must be set")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.FreeMinutesLimit <= 0 {
		return fmt.Errorf("FREE_MINUTES_LIMIT must be positive, got %d", c.FreeMinutesLimit)
	}
	if c.Concurrency.Free <= 0 || c.Concurrency.Paid <= 0 || c.Concurrency.Priority <= 0 {
		return errors.New("per-class concurrency caps must be positive")
	}
	if c.ArtifactTTL <= 0 {
		return errors.New("ARTIFACT_TTL_HOURS must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}

// ListenAddr returns the API host:port pair.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}
