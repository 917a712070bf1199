// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServiceName string
	HTTPAddr    string
	GRPCAddr    string

	StoreDriver string // memory, mysql, postgres or sqlite
	DatabaseDSN string
	RedisAddr   string

	KafkaBrokers []string
	KafkaTopic   string

	ReservationTTL       time.Duration
	ReservationMaxTTL    time.Duration
	ReservationRetention time.Duration
	SweepInterval        time.Duration
	SweepBatch           int
	LockTimeout          time.Duration

	EventWorkers   int
	EventQueueSize int

	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
}

// Load reads the configuration, applying defaults for unset variables.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		ServiceName:  getEnv("SERVICE_NAME", "stock-reservation"),
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:     getEnv("GRPC_ADDR", ":50051"),
		StoreDriver:  getEnv("STORE_DRIVER", "memory"),
		DatabaseDSN:  os.Getenv("DATABASE_DSN"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "reservation-events"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ReservationTTL:       getDuration("RESERVATION_TTL", 15*time.Minute, &errs),
		ReservationMaxTTL:    getDuration("RESERVATION_MAX_TTL", 2*time.Hour, &errs),
		ReservationRetention: getDuration("RESERVATION_RETENTION", 24*time.Hour, &errs),
		SweepInterval:        getDuration("SWEEP_INTERVAL", 5*time.Second, &errs),
		SweepBatch:           getInt("SWEEP_BATCH", 100, &errs),
		LockTimeout:          getDuration("LOCK_TIMEOUT", 2*time.Second, &errs),
		EventWorkers:         getInt("EVENT_WORKERS", 4, &errs),
		EventQueueSize:       getInt("EVENT_QUEUE_SIZE", 1024, &errs),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case "memory":
	case "mysql", "postgres", "sqlite":
		if c.DatabaseDSN == "" {
			errs = append(errs, fmt.Errorf("DATABASE_DSN is required for store driver %q", c.StoreDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.ReservationTTL <= 0 {
		errs = append(errs, errors.New("RESERVATION_TTL must be positive"))
	}
	if c.ReservationMaxTTL < c.ReservationTTL {
		errs = append(errs, errors.New("RESERVATION_MAX_TTL must not be below RESERVATION_TTL"))
	}
	if c.ReservationRetention < 0 {
		errs = append(errs, errors.New("RESERVATION_RETENTION cannot be negative"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.SweepBatch <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH must be positive"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.EventWorkers <= 0 || c.EventQueueSize <= 0 {
		errs = append(errs, errors.New("EVENT_WORKERS and EVENT_QUEUE_SIZE must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}
