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
	APIAddr           string
	WorkerMetricsAddr string
	Env               string
	ServiceName       string

	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	QueueName     string

	KafkaBrokers []string
	EventBusName string
	EventSource  string

	MinioEndpoint  string
	MinioSecure    bool
	MinioAccessKey string
	MinioSecretKey string
	PHIBucket      string
	PresignTTL     time.Duration

	VisibilityTimeout  time.Duration
	QueueWait          time.Duration
	ReconcileAfter     time.Duration
	PublishMaxAttempts int
	PoisonMaxReceives  int

	IdentityHMACSecret string
}

func Load() (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		APIAddr:            getEnvDefault("API_ADDR", ":8080"),
		WorkerMetricsAddr:  getEnvDefault("WORKER_METRICS_ADDR", ":9090"),
		Env:                getEnvDefault("ENV", "local"),
		ServiceName:        getEnvDefault("SERVICE_NAME", "claims-pipeline"),
		PostgresDSN:        buildPostgresDSN(),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		QueueName:          getEnvDefault("QUEUE_NAME", "claims-intake"),
		EventBusName:       os.Getenv("EVENT_BUS_NAME"),
		EventSource:        getEnvDefault("EVENT_SOURCE", "advancia.phi.claims"),
		MinioAccessKey:     os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:     os.Getenv("MINIO_SECRET_KEY"),
		PHIBucket:          os.Getenv("PHI_BUCKET"),
		IdentityHMACSecret: os.Getenv("IDENTITY_HMAC_SECRET"),
	}

	endpoint, secure, err := parseMinioEndpoint(os.Getenv("MINIO_ENDPOINT"))
	if err != nil {
		return Config{}, err
	}
	cfg.MinioEndpoint = endpoint
	cfg.MinioSecure = secure

	for _, broker := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, trimmed)
		}
	}

	cfg.PresignTTL, err = getSecondsDefault("PRESIGN_TTL_SECONDS", 300)
	if err != nil {
		return Config{}, err
	}
	cfg.VisibilityTimeout, err = getSecondsDefault("VISIBILITY_TIMEOUT_SECONDS", 60)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueWait, err = getSecondsDefault("QUEUE_WAIT_SECONDS", 20)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileAfter, err = getSecondsDefault("RECONCILE_AFTER_SECONDS", 300)
	if err != nil {
		return Config{}, err
	}
	cfg.PublishMaxAttempts, err = getIntDefault("PUBLISH_MAX_ATTEMPTS", 4)
	if err != nil {
		return Config{}, err
	}
	cfg.PoisonMaxReceives, err = getIntDefault("POISON_MAX_RECEIVES", 5)
	if err != nil {
		return Config{}, err
	}

	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("missing POSTGRES configuration")
	}
	if cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("missing REDIS_ADDR")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("missing KAFKA_BROKERS")
	}
	if cfg.EventBusName == "" {
		return Config{}, fmt.Errorf("missing EVENT_BUS_NAME")
	}
	if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.PHIBucket == "" {
		return Config{}, fmt.Errorf("missing MINIO_ACCESS_KEY, MINIO_SECRET_KEY, or PHI_BUCKET")
	}
	if cfg.IdentityHMACSecret == "" {
		return Config{}, fmt.Errorf("missing IDENTITY_HMAC_SECRET")
	}

	return cfg, nil
}

func buildPostgresDSN() string {
	host := os.Getenv("POSTGRES_HOST")
	port := os.Getenv("POSTGRES_PORT")
	db := os.Getenv("POSTGRES_DB")
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	if host == "" || port == "" || db == "" || user == "" || pass == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, db)
}

func parseMinioEndpoint(raw string) (string, bool, error) {
	if raw == "" {
		return "", false, fmt.Errorf("missing MINIO_ENDPOINT")
	}
	if after, ok := strings.CutPrefix(raw, "https://"); ok {
		return after, true, nil
	}
	if after, ok := strings.CutPrefix(raw, "http://"); ok {
		return after, false, nil
	}
	return raw, false, nil
}

func getEnvDefault(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}

func getIntDefault(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return value, nil
}

func getSecondsDefault(key string, def int) (time.Duration, error) {
	value, err := getIntDefault(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(value) * time.Second, nil
}
