package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr       string
	CORSOrigin string

	// Database
	DBDriver    string
	DatabaseURL string
	SQLitePath  string

	ReposDir string

	MeiliURL       string
	MeiliMasterKey string

	// Redis - generation lease shared across replicas; in-process when empty
	RedisURL string

	// Writer
	Generator         string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	InitialModel      string
	UpdateModel       string
	SummaryModel      string
	GenerationTimeout time.Duration
	ContextLimit      int
	PromptsFile       string

	// MinIO seed archive - disabled when the endpoint is empty
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	LogLevel  string
	LogPretty bool
}

func Load() Config {
	return Config{
		Addr:              getenv("API_ADDR", ":8787"),
		CORSOrigin:        getenv("DRAFTDESK_CORS_ORIGIN", "*"),
		DBDriver:          strings.ToLower(getenv("DRAFTDESK_DB_DRIVER", "sqlite")),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		SQLitePath:        getenv("DRAFTDESK_SQLITE_PATH", "./data/prd_versions.db"),
		ReposDir:          getenv("DRAFTDESK_REPOS_DIR", "./data/repos"),
		MeiliURL:          getenv("MEILI_URL", ""),
		MeiliMasterKey:    getenv("MEILI_MASTER_KEY", ""),
		RedisURL:          getenv("REDIS_URL", ""),
		Generator:         strings.ToLower(getenv("DRAFTDESK_GENERATOR", "openai")),
		OpenAIAPIKey:      getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getenv("OPENAI_BASE_URL", ""),
		InitialModel:      getenv("DRAFTDESK_INITIAL_MODEL", "gpt-4o"),
		UpdateModel:       getenv("DRAFTDESK_UPDATE_MODEL", "gpt-4o-mini"),
		SummaryModel:      getenv("DRAFTDESK_SUMMARY_MODEL", "gpt-4o"),
		GenerationTimeout: getenvDuration("DRAFTDESK_GENERATION_TIMEOUT_SECONDS", 120*time.Second),
		ContextLimit:      getenvInt("DRAFTDESK_CONTEXT_LIMIT", 10),
		PromptsFile:       getenv("DRAFTDESK_PROMPTS_FILE", ""),
		MinIOEndpoint:     getenv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:    getenv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:    getenv("MINIO_SECRET_KEY", ""),
		MinIOBucket:       getenv("MINIO_BUCKET", "draftdesk"),
		MinIOUseSSL:       getenvBool("MINIO_USE_SSL", false),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogPretty:         getenvBool("LOG_PRETTY", false),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration reads a whole number of seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	seconds := getenvInt(key, -1)
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
