package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port               string
	DatabasePath       string
	LogLevel           string
	HistoricalDataPath string
	CountryDataPath    string
	MaxUploadSizeBytes int64

	// ReviewSessionTTL is how long a parsed file waits for manual assignments.
	// Once it expires the default unresolved policy applies.
	ReviewSessionTTL time.Duration
	// AllowUnlinkedTransactions imports unresolved transactions without an
	// activity instead of skipping them.
	AllowUnlinkedTransactions bool
	// ImportOnSessionExpiry imports an expired review session with the
	// default policy instead of discarding it.
	ImportOnSessionExpiry bool
	ReportSampleSize      int

	RateLimitPerSecond float64
	RateLimitBurst     int
	CORSAllowedOrigins []string
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")
	Cfg = load()

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, ReviewSessionTTL=%s, AllowUnlinked=%t",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.ReviewSessionTTL, Cfg.AllowUnlinkedTransactions)
}

func load() *AppConfig {
	maxUploadSizeBytesStr := getEnv("MAX_UPLOAD_SIZE_BYTES", "52428800")
	maxUploadSizeBytes, err := strconv.ParseInt(maxUploadSizeBytesStr, 10, 64)
	if err != nil {
		log.Printf("WARNING: Invalid MAX_UPLOAD_SIZE_BYTES format '%s'. Using default 50MB. Error: %v", maxUploadSizeBytesStr, err)
		maxUploadSizeBytes = 50 * 1024 * 1024
	}

	rateStr := getEnv("RATE_LIMIT_PER_SECOND", "5")
	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil || rate <= 0 {
		log.Printf("WARNING: Invalid RATE_LIMIT_PER_SECOND '%s'. Using default 5.", rateStr)
		rate = 5
	}

	return &AppConfig{
		Port:               getEnv("PORT", "8080"),
		DatabasePath:       getEnv("DATABASE_PATH", "./aims.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		HistoricalDataPath: getEnv("HISTORICAL_DATA_PATH", "data/historicalExchangeRate.json"),
		CountryDataPath:    getEnv("COUNTRY_DATA_PATH", "data/country.json"),
		MaxUploadSizeBytes: maxUploadSizeBytes,

		ReviewSessionTTL:          getEnvAsDuration("REVIEW_SESSION_TTL", 30*time.Minute),
		AllowUnlinkedTransactions: getEnvAsBool("ALLOW_UNLINKED_TRANSACTIONS", false),
		ImportOnSessionExpiry:     getEnvAsBool("IMPORT_ON_SESSION_EXPIRY", true),
		ReportSampleSize:          getEnvAsInt("REPORT_SAMPLE_SIZE", 20),

		RateLimitPerSecond: rate,
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 10),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Integer value for %s not set or empty, using default: %d", key, fallback)
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Duration value for %s not set or empty, using default: %s", key, fallback.String())
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid boolean value for %s ('%s'), using default: %t", key, valueStr, fallback)
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
