package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	APIPort string
	APIURL  string

	SearxNGURL string

	SmallModel        string
	SmallModelBaseURL string
	SmallModelAPIKey  string

	AnswerModel        string
	AnswerModelBaseURL string
	AnswerModelAPIKey  string

	ChatStore     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string

	TemporalAddress   string
	TemporalTaskQueue string

	TopResults      int
	HistoryMaxTurns int

	ClassifyTimeoutSeconds  int
	SearchTimeoutSeconds    int
	FetchTimeoutSeconds     int
	SynthesisTimeoutSeconds int
	PersistTimeoutSeconds   int

	EnforceContentPolicy bool

	MetricsPort string
}

func Load() Config {
	apiPort := getEnv("API_PORT", "8080")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		APIPort:                 apiPort,
		APIURL:                  getEnv("API_URL", "http://localhost:"+apiPort),
		SearxNGURL:              getEnv("SEARXNG_URL", "http://localhost:8888"),
		SmallModel:              getEnv("SMALL_MODEL", "gpt-4o-mini"),
		SmallModelBaseURL:       getEnv("SMALL_MODEL_BASE_URL", "https://api.openai.com/v1"),
		SmallModelAPIKey:        getEnv("SMALL_MODEL_API_KEY", ""),
		AnswerModel:             getEnv("ANSWER_MODEL", "gpt-4o"),
		AnswerModelBaseURL:      getEnv("ANSWER_MODEL_BASE_URL", "https://api.openai.com/v1"),
		AnswerModelAPIKey:       getEnv("ANSWER_MODEL_API_KEY", ""),
		ChatStore:               getEnv("CHAT_STORE", "redis"),
		RedisAddr:               getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:           getEnv("REDIS_PASSWORD", ""),
		RedisDB:                 getEnvInt("REDIS_DB", 0),
		PostgresURL:             postgresURL,
		TemporalAddress:         getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue:       getEnv("TEMPORAL_TASK_QUEUE", "kensaku-turns"),
		TopResults:              getEnvInt("TOP_RESULTS_COUNT", 5),
		HistoryMaxTurns:         getEnvInt("HISTORY_MAX_TURNS", 8),
		ClassifyTimeoutSeconds:  getEnvInt("CLASSIFY_TIMEOUT_SECONDS", 15),
		SearchTimeoutSeconds:    getEnvInt("SEARCH_TIMEOUT_SECONDS", 15),
		FetchTimeoutSeconds:     getEnvInt("FETCH_TIMEOUT_SECONDS", 10),
		SynthesisTimeoutSeconds: getEnvInt("SYNTHESIS_TIMEOUT_SECONDS", 120),
		PersistTimeoutSeconds:   getEnvInt("PERSIST_TIMEOUT_SECONDS", 5),
		EnforceContentPolicy:    getEnvBool("ENFORCE_CONTENT_POLICY", false),
		MetricsPort:             getEnv("METRICS_PORT", "9091"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "kensaku")
	password := getEnv("POSTGRES_PASSWORD", "kensaku")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "kensaku")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
