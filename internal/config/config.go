package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	LogLevel              string

	Currency                string
	PaymentTerminalProvider string
	TerminalAPIBaseURL      string
	TerminalAPIKey          string

	FiscalProvider   string
	FiskalyBaseURL   string
	FiskalyAPIKey    string
	FiskalyAPISecret string
	FiskalyTSSID     string
	FiskalyClientID  string

	DocumentsBucket          string
	DocumentsBaseURL         string
	DocumentsCredentialsJSON string
	PubSubProjectID          string
	PubSubTopic              string

	AgentOnlineWindow time.Duration
	AuditMaxAttempts  int
}

// Load reads the environment, after a local .env if one exists. Auth secrets
// have no defaults.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),

		Currency:                strings.ToUpper(getEnv("POS_CURRENCY", "EUR")),
		PaymentTerminalProvider: getEnv("PAYMENT_TERMINAL_PROVIDER", "terminal_rest"),
		TerminalAPIBaseURL:      os.Getenv("TERMINAL_API_BASE_URL"),
		TerminalAPIKey:          strings.TrimSpace(os.Getenv("TERMINAL_API_KEY")),

		FiscalProvider:   strings.ToLower(getEnv("FISCAL_PROVIDER", "noop")),
		FiskalyBaseURL:   os.Getenv("FISKALY_BASE_URL"),
		FiskalyAPIKey:    strings.TrimSpace(os.Getenv("FISKALY_API_KEY")),
		FiskalyAPISecret: strings.TrimSpace(os.Getenv("FISKALY_API_SECRET")),
		FiskalyTSSID:     strings.TrimSpace(os.Getenv("FISKALY_TSS_ID")),
		FiskalyClientID:  strings.TrimSpace(os.Getenv("FISKALY_CLIENT_ID")),

		DocumentsBucket:          os.Getenv("DOCUMENTS_BUCKET"),
		DocumentsBaseURL:         os.Getenv("DOCUMENTS_BASE_URL"),
		DocumentsCredentialsJSON: os.Getenv("DOCUMENTS_CREDENTIALS_JSON"),
		PubSubProjectID:          os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:              getEnv("PUBSUB_TOPIC", "pos-transactions"),

		AgentOnlineWindow: time.Duration(getPositiveInt("AGENT_ONLINE_WINDOW_SECONDS", 30)) * time.Second,
		AuditMaxAttempts:  getPositiveInt("AUDIT_MAX_ATTEMPTS", 10),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
