package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string
	LogLevel           string
	PollInterval       int // seconds between scheduler passes
	Workers            int // concurrent sync runs across integrations
	DueBatchSize       int // max due integrations fetched per pass
	RunTimeout         int // seconds, wall-clock budget per run
	PageSize           int // remote records requested per page
	TokenRefreshMargin int // seconds of remaining token lifetime required
	BackoffBase        int // seconds, first retry delay
	BackoffCap         int // seconds, retry delay ceiling
	ShutdownTimeout    int // seconds
	ZoteroBaseURL      string
	GoogleClientID     string
	GoogleClientSecret string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Google Books sync will not work")
	}

	return &Config{
		DatabaseURL:        dbURL,
		LogLevel:           os.Getenv("LOG_LEVEL"),
		PollInterval:       envInt("POLL_INTERVAL", 10),
		Workers:            envInt("SYNC_WORKERS", 4),
		DueBatchSize:       envInt("DUE_BATCH_SIZE", 20),
		RunTimeout:         envInt("RUN_TIMEOUT", 300),
		PageSize:           envInt("SYNC_PAGE_SIZE", 50),
		TokenRefreshMargin: envInt("TOKEN_REFRESH_MARGIN", 60),
		BackoffBase:        envInt("BACKOFF_BASE", 60),
		BackoffCap:         envInt("BACKOFF_CAP", 3600),
		ShutdownTimeout:    envInt("SHUTDOWN_TIMEOUT", 30),
		ZoteroBaseURL:      envStr("ZOTERO_BASE_URL", "https://api.zotero.org"),
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
	}, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		fmt.Printf("Warning: invalid %s=%q, using default %d\n", key, v, fallback)
		return fallback
	}
	return n
}
