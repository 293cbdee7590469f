package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration (outbound notifications)
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Order pipeline events (inbound listener)
	OrderEventsSubKey  string
	OrderEventsUUID    string
	OrderEventsChannel string

	// Capacity defaults used when the state record is first created
	DefaultMaxCapacity       int
	DefaultWarningThreshold  int
	DefaultCriticalThreshold int

	// Waiting queue configuration
	QueueEntryTTL      time.Duration
	SweepInterval      time.Duration
	ProcessorInterval  time.Duration
	PositionUpdate     time.Duration
	RateLimitPerMinute int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Order pipeline
		OrderEventsSubKey:  getEnv("ORDER_EVENTS_SUB_KEY", ""),
		OrderEventsUUID:    getEnv("ORDER_EVENTS_UUID", "capacity-system"),
		OrderEventsChannel: getEnv("ORDER_EVENTS_CHANNEL", "order-events"),

		// Capacity defaults
		DefaultMaxCapacity:       getEnvAsInt("DEFAULT_MAX_CAPACITY", 100),
		DefaultWarningThreshold:  getEnvAsInt("DEFAULT_WARNING_THRESHOLD", 70),
		DefaultCriticalThreshold: getEnvAsInt("DEFAULT_CRITICAL_THRESHOLD", 90),

		// Waiting queue
		QueueEntryTTL:      getEnvAsDuration("QUEUE_ENTRY_TTL", "168h"),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", "1h"),
		ProcessorInterval:  getEnvAsDuration("PROCESSOR_INTERVAL", "5m"),
		PositionUpdate:     getEnvAsDuration("QUEUE_POSITION_UPDATE", "30s"),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
