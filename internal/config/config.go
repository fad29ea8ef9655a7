package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (intake idempotency + rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers              []string
	KafkaClientID             string
	MainTopic                 string
	DLQTopic                  string
	DeadLetterVisibilityTopic string
	DeliveryGroupID           string
	DLQGroupID                string

	// Dispatcher
	DispatcherID        string
	PollIntervalSeconds int
	DispatchBatchSize   int

	// Transports
	TransportMode string // "aws" or "log"
	AWSRegion     string
	SESFromEmail  string
	SNSRegion     string
}

// Load reads configuration from environment variables with development
// defaults.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "herald"
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		KafkaBrokers:              []string{"localhost:9092"},
		KafkaClientID:             "herald",
		MainTopic:                 "notification-topic",
		DLQTopic:                  "notification-dlq",
		DeadLetterVisibilityTopic: "notification-dead-letter",
		DeliveryGroupID:           "notification-group",
		DLQGroupID:                "dlq-group",

		DispatcherID:        hostname,
		PollIntervalSeconds: 5,
		DispatchBatchSize:   100,

		TransportMode: "log",
		AWSRegion:     "us-east-1",
		SESFromEmail:  "noreply@herald.local",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if rdb := os.Getenv("REDIS_DB"); rdb != "" {
		d, err := strconv.Atoi(rdb)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Kafka config
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}

	if clientID := os.Getenv("KAFKA_CLIENT_ID"); clientID != "" {
		cfg.KafkaClientID = clientID
	}

	if topic := os.Getenv("KAFKA_MAIN_TOPIC"); topic != "" {
		cfg.MainTopic = topic
	}

	if topic := os.Getenv("KAFKA_DLQ_TOPIC"); topic != "" {
		cfg.DLQTopic = topic
	}

	if topic := os.Getenv("KAFKA_DEAD_LETTER_TOPIC"); topic != "" {
		cfg.DeadLetterVisibilityTopic = topic
	}

	if group := os.Getenv("KAFKA_DELIVERY_GROUP"); group != "" {
		cfg.DeliveryGroupID = group
	}

	if group := os.Getenv("KAFKA_DLQ_GROUP"); group != "" {
		cfg.DLQGroupID = group
	}

	// Dispatcher config
	if id := os.Getenv("DISPATCHER_ID"); id != "" {
		cfg.DispatcherID = id
	}

	if interval := os.Getenv("POLL_INTERVAL_SECONDS"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL_SECONDS: %w", err)
		}
		cfg.PollIntervalSeconds = i
	}

	if batch := os.Getenv("DISPATCH_BATCH_SIZE"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.DispatchBatchSize = b
	}

	// Transport config
	if mode := os.Getenv("TRANSPORT_MODE"); mode != "" {
		if mode != "aws" && mode != "log" {
			return nil, fmt.Errorf("invalid TRANSPORT_MODE: %q (want aws or log)", mode)
		}
		cfg.TransportMode = mode
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	return cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
