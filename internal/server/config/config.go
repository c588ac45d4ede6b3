package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory repository

	StorageBackend string // "fs" or "s3"
	StoragePath    string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string // empty falls back to the default AWS credential chain
	S3SecretKey    string

	MaxFileSize       int64
	MemoryLimit       int64 // largest artifact encrypted, decrypted or unzipped in memory
	BaseURL           string
	CleanupInterval   time.Duration
	RateLimitRPS      float64
	RateLimitBurst    int
	MaxConcurrentJobs int64
	ShareDefaultHours int
	TerminalRetention time.Duration

	NATSURL     string
	NATSSubject string

	LogFile string
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		StorageBackend: getEnv("STORAGE_BACKEND", "fs"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage/artifacts"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretKey:    os.Getenv("S3_SECRET_ACCESS_KEY"),

		MaxFileSize:       getEnvInt64("MAX_FILE_SIZE", 1024*1024*1024), // 1GB
		MemoryLimit:       getEnvInt64("MAX_IN_MEMORY_SIZE", 256*1024*1024),
		BaseURL:           getEnv("BASE_URL", "http://localhost:8080"),
		CleanupInterval:   getEnvDuration("CLEANUP_INTERVAL_HOURS", 1*time.Hour),
		RateLimitRPS:      getEnvFloat64("RATE_LIMIT_RPS", 10),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 20),
		MaxConcurrentJobs: getEnvInt64("MAX_CONCURRENT_JOBS", 4),
		ShareDefaultHours: getEnvInt("SHARE_DEFAULT_HOURS", 24),
		TerminalRetention: getEnvInterval("TERMINAL_RETENTION", 10*time.Minute),

		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: getEnv("NATS_SUBJECT", "squeeze.jobs"),

		LogFile: os.Getenv("LOG_FILE"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration reads a number of hours.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if hours, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(hours * float64(time.Hour))
		}
	}
	return fallback
}

// getEnvInterval reads a Go duration string such as "10m".
func getEnvInterval(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
