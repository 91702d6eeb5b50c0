package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the avatar streaming service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// WorkDir holds uploads, per-avatar cache directories and generated
	// artifacts. Empty means "create a fresh temp dir at startup".
	WorkDir string

	EnginePython         string
	EngineProjectPath    string
	EngineBatchSize      int
	EngineHalfPrecision  bool
	EngineDefaultVersion string
	PrepareTimeout       time.Duration
	GenerateTimeout      time.Duration

	MaxConcurrentGenerations int
	DegradedThreshold        int
	SessionQueueCapacity     int

	ChunkSampleRate int
	ChunkChannels   int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "avatarstream"),
		AllowAnyOrigin:       false,
		WorkDir:              trimmedEnv("AVATAR_WORK_DIR"),
		EnginePython:         envOrDefault("ENGINE_PYTHON", "python"),
		EngineProjectPath:    envOrDefault("ENGINE_PROJECT_PATH", "."),
		EngineDefaultVersion: envOrDefault("ENGINE_DEFAULT_VERSION", "v15"),
		EngineBatchSize:      8,
		EngineHalfPrecision:  false,
		// Preparation extracts frames and caches latents for the whole
		// source video; it is much slower than a single generation.
		PrepareTimeout:           5 * time.Minute,
		GenerateTimeout:          2 * time.Minute,
		MaxConcurrentGenerations: 0,
		DegradedThreshold:        3,
		SessionQueueCapacity:     16,
		ChunkSampleRate:          16000,
		ChunkChannels:            1,
		ShutdownTimeout:          15 * time.Second,
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineBatchSize, err = intFromEnv("ENGINE_BATCH_SIZE", cfg.EngineBatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineHalfPrecision, err = boolFromEnv("ENGINE_HALF_PRECISION", cfg.EngineHalfPrecision)
	if err != nil {
		return Config{}, err
	}
	cfg.PrepareTimeout, err = durationFromEnv("ENGINE_PREPARE_TIMEOUT", cfg.PrepareTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("ENGINE_GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentGenerations, err = intFromEnv("MAX_CONCURRENT_GENERATIONS", cfg.MaxConcurrentGenerations)
	if err != nil {
		return Config{}, err
	}
	cfg.DegradedThreshold, err = intFromEnv("AVATAR_DEGRADED_THRESHOLD", cfg.DegradedThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionQueueCapacity, err = intFromEnv("SESSION_QUEUE_CAPACITY", cfg.SessionQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkSampleRate, err = intFromEnv("CHUNK_SAMPLE_RATE", cfg.ChunkSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkChannels, err = intFromEnv("CHUNK_CHANNELS", cfg.ChunkChannels)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentGenerations == 0 {
		// Default: one generation slot per accelerator, serialized when the
		// accelerator count is unknown.
		n, err := intFromEnv("ACCELERATOR_COUNT", 1)
		if err != nil {
			return Config{}, err
		}
		if n < 1 {
			n = 1
		}
		cfg.MaxConcurrentGenerations = n
	}

	if cfg.EngineDefaultVersion != "v1" && cfg.EngineDefaultVersion != "v15" {
		return Config{}, fmt.Errorf("ENGINE_DEFAULT_VERSION must be v1 or v15")
	}
	if cfg.EngineBatchSize <= 0 {
		return Config{}, fmt.Errorf("ENGINE_BATCH_SIZE must be positive")
	}
	if cfg.PrepareTimeout <= 0 || cfg.GenerateTimeout <= 0 {
		return Config{}, fmt.Errorf("engine timeouts must be positive")
	}
	if cfg.MaxConcurrentGenerations < 1 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_GENERATIONS must be >= 1")
	}
	if cfg.DegradedThreshold < 1 {
		return Config{}, fmt.Errorf("AVATAR_DEGRADED_THRESHOLD must be >= 1")
	}
	if cfg.SessionQueueCapacity < 1 {
		return Config{}, fmt.Errorf("SESSION_QUEUE_CAPACITY must be >= 1")
	}
	if cfg.ChunkSampleRate <= 0 {
		return Config{}, fmt.Errorf("CHUNK_SAMPLE_RATE must be positive")
	}
	if cfg.ChunkChannels != 1 && cfg.ChunkChannels != 2 {
		return Config{}, fmt.Errorf("CHUNK_CHANNELS must be 1 or 2")
	}

	return cfg, nil
}

// EnsureWorkDir resolves and creates the working directory tree. When no
// WorkDir is configured a fresh temp dir is created so concurrent server
// instances never collide.
func (c *Config) EnsureWorkDir() error {
	if c.WorkDir == "" {
		dir, err := os.MkdirTemp("", "avatarstream_")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		c.WorkDir = dir
	}
	for _, sub := range []string{"uploads", "avatars", "outputs"} {
		if err := os.MkdirAll(filepath.Join(c.WorkDir, sub), 0o755); err != nil {
			return fmt.Errorf("create work dir %s: %w", sub, err)
		}
	}
	return nil
}

func (c Config) UploadDir() string { return filepath.Join(c.WorkDir, "uploads") }
func (c Config) AvatarDir() string { return filepath.Join(c.WorkDir, "avatars") }
func (c Config) OutputDir() string { return filepath.Join(c.WorkDir, "outputs") }

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
