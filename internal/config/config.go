package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBConfig struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string
		SSLMode  string
	}

	HTTPPort int

	KafkaBrokerURL     string
	KafkaPublishTopic  string
	KafkaConsumeTopic  string
	KafkaConsumerGroup string

	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxClaimTTL       time.Duration
	OutboxPublishTimeout time.Duration
	OutboxMaxAttempts    int
	BackoffBase          time.Duration
	BackoffCap           time.Duration

	ConsumerWorkers   int
	ConsumerQueueSize int
	AuditedEventTypes []string

	// RegisteredEventTypes are the event type tags the processor is allowed
	// to relay; a claimed message with any other type is dead-lettered as
	// permanently failed.
	RegisteredEventTypes []string

	CleanupInterval time.Duration
	OutboxRetention time.Duration
	InboxRetention  time.Duration

	MigrationsPath string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DBConfig.Host = getEnvOrDefault("RELAY_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("RELAY_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("RELAY_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("RELAY_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("RELAY_DB_NAME", "relay_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("RELAY_DB_SSLMODE", "disable")

	cfg.HTTPPort = getEnvAsInt("RELAY_HTTP_PORT", 8080)

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaPublishTopic = getEnvOrDefault("KAFKA_PUBLISH_TOPIC", "relay_events")
	cfg.KafkaConsumeTopic = getEnvOrDefault("KAFKA_CONSUME_TOPIC", "")
	cfg.KafkaConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", "relay-service-group")

	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)
	cfg.OutboxBatchSize = getEnvAsInt("OUTBOX_BATCH_SIZE", 100)
	cfg.OutboxClaimTTL = getEnvAsDuration("OUTBOX_CLAIM_TTL", 30*time.Second)
	cfg.OutboxPublishTimeout = getEnvAsDuration("OUTBOX_PUBLISH_TIMEOUT", 10*time.Second)
	cfg.OutboxMaxAttempts = getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 5)
	cfg.BackoffBase = getEnvAsDuration("OUTBOX_BACKOFF_BASE", 1*time.Second)
	cfg.BackoffCap = getEnvAsDuration("OUTBOX_BACKOFF_CAP", 5*time.Minute)

	cfg.ConsumerWorkers = getEnvAsInt("CONSUMER_WORKERS", 8)
	cfg.ConsumerQueueSize = getEnvAsInt("CONSUMER_QUEUE_SIZE", 64)
	cfg.AuditedEventTypes = splitNonEmpty(getEnvOrDefault("RELAY_AUDITED_EVENT_TYPES", ""))
	cfg.RegisteredEventTypes = splitNonEmpty(getEnvOrDefault("RELAY_EVENT_TYPES", ""))

	cfg.CleanupInterval = getEnvAsDuration("RELAY_CLEANUP_INTERVAL", 1*time.Hour)
	cfg.OutboxRetention = getEnvAsDuration("OUTBOX_RETENTION", 72*time.Hour)
	cfg.InboxRetention = getEnvAsDuration("INBOX_RETENTION", 168*time.Hour)

	cfg.MigrationsPath = getEnvOrDefault("RELAY_MIGRATIONS_PATH", "file://migrations")

	return cfg, nil
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Host, c.DBConfig.Port,
		c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
