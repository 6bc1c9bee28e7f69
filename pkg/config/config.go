// Package config loads process configuration: 12-factor environment
// variables for deployment wiring plus an optional YAML tuning profile for
// drain and resolution behavior.
package config

import "os"

// Config holds daemon configuration.
type Config struct {
	LogLevel     string
	DatabasePath string
	RedisAddr    string

	OracleURL   string
	OracleKey   string
	OracleModel string

	OTLPEndpoint string
	OTLPInsecure bool
	Environment  string

	HealthAddr  string
	ProfilePath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "truth.db"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	oracleURL := os.Getenv("ORACLE_URL")
	if oracleURL == "" {
		// Default to a local OpenAI-compatible endpoint.
		oracleURL = "http://localhost:1234/v1/chat/completions"
	}

	oracleModel := os.Getenv("ORACLE_MODEL")
	if oracleModel == "" {
		oracleModel = "qwen2.5-32b-instruct"
	}

	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	environment := os.Getenv("ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}

	healthAddr := os.Getenv("HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8081"
	}

	return &Config{
		LogLevel:     logLevel,
		DatabasePath: dbPath,
		RedisAddr:    redisAddr,
		OracleURL:    oracleURL,
		OracleKey:    os.Getenv("ORACLE_API_KEY"),
		OracleModel:  oracleModel,
		OTLPEndpoint: otlpEndpoint,
		OTLPInsecure: os.Getenv("OTLP_INSECURE") == "true",
		Environment:  environment,
		HealthAddr:   healthAddr,
		ProfilePath:  os.Getenv("PROFILE_PATH"),
	}
}
