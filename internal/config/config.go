// internal/config/config.go

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration
type Config struct {
	Environment string `validate:"required,oneof=development test staging production"`
	Server      ServerConfig
	Database    DatabaseConfig
	NATS        NATSConfig
	Stream      StreamConfig
	Grid        GridConfig
	Routes      RoutesConfig
	Log         LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string        `validate:"required"`
	Port            int           `validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gte=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	CorsOrigins     []string      `validate:"min=1"`
}

// DatabaseConfig holds database configuration. The route store is only used
// when Enabled is set.
type DatabaseConfig struct {
	Enabled      bool
	Host         string `validate:"required_if=Enabled true"`
	Port         int    `validate:"gte=0,lte=65535"`
	User         string
	Password     string
	Database     string `validate:"required_if=Enabled true"`
	MaxOpenConns int    `validate:"gte=1"`
	MaxIdleConns int    `validate:"gte=0"`
	MaxLifetime  time.Duration
	SSLMode      string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// NATSConfig holds NATS configuration for the record relay
type NATSConfig struct {
	Enabled        bool
	URL            string `validate:"required_if=Enabled true"`
	Subject        string `validate:"required_if=Enabled true"`
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// StreamConfig holds settings for the trip record stream. QueueCapacity
// bounds websocket clients; the query pipelines get PipelineQueueCapacity.
type StreamConfig struct {
	File                  string  `validate:"required"`
	QueueCapacity         int     `validate:"gt=0"`
	PipelineQueueCapacity int     `validate:"gtefield=QueueCapacity"`
	RecordsPerSecond      float64 `validate:"gte=0"`
	Burst                 int     `validate:"gte=0"`
	SkipHeader            bool
	StartDelay            time.Duration `validate:"gte=0"`
}

// GridConfig holds the covered region and the cell sizes of the queries
type GridConfig struct {
	OriginLatitude    float64 `validate:"gte=-90,lte=90"`
	OriginLongitude   float64 `validate:"gte=-180,lte=180"`
	WidthMeters       float64 `validate:"gt=0"`
	HeightMeters      float64 `validate:"gt=0"`
	ReferenceLatitude float64 `validate:"gt=-90,lt=90"`
	RouteCellMeters   float64 `validate:"gt=0"`
	AreaCellMeters    float64 `validate:"gt=0"`
}

// RoutesConfig holds query settings
type RoutesConfig struct {
	TopN int `validate:"gt=0"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `validate:"omitempty,oneof=debug info warn error"`
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	config := Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CorsOrigins:     getEnvAsSlice("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Enabled:      getEnvAsBool("DB_ENABLED", false),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", "postgres"),
			Database:     getEnv("DB_NAME", "taxistream"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			MaxLifetime:  getEnvAsDuration("DB_MAX_LIFETIME", 5*time.Minute),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
		},
		NATS: NATSConfig{
			Enabled:        getEnvAsBool("NATS_ENABLED", false),
			URL:            getEnv("NATS_URL", "nats://localhost:4222"),
			Subject:        getEnv("NATS_SUBJECT", "taxistream.trips"),
			MaxReconnects:  getEnvAsInt("NATS_MAX_RECONNECTS", 10),
			ReconnectWait:  getEnvAsDuration("NATS_RECONNECT_WAIT", 1*time.Second),
			ConnectTimeout: getEnvAsDuration("NATS_CONNECT_TIMEOUT", 2*time.Second),
		},
		Stream: StreamConfig{
			File:                  getEnv("STREAM_FILE", "sorted_data.csv"),
			QueueCapacity:         getEnvAsInt("STREAM_QUEUE_CAPACITY", 1024),
			PipelineQueueCapacity: getEnvAsInt("STREAM_PIPELINE_QUEUE_CAPACITY", 65536),
			RecordsPerSecond:      getEnvAsFloat("STREAM_RECORDS_PER_SECOND", 50000),
			Burst:                 getEnvAsInt("STREAM_BURST", 1000),
			SkipHeader:            getEnvAsBool("STREAM_SKIP_HEADER", false),
			StartDelay:            getEnvAsDuration("STREAM_START_DELAY", 0),
		},
		Grid: GridConfig{
			OriginLatitude:    getEnvAsFloat("GRID_ORIGIN_LAT", 40.129716),
			OriginLongitude:   getEnvAsFloat("GRID_ORIGIN_LNG", -74.916578),
			WidthMeters:       getEnvAsFloat("GRID_WIDTH_METERS", 150000),
			HeightMeters:      getEnvAsFloat("GRID_HEIGHT_METERS", 150000),
			ReferenceLatitude: getEnvAsFloat("GRID_REFERENCE_LAT", 41.386),
			RouteCellMeters:   getEnvAsFloat("GRID_ROUTE_CELL_METERS", 500),
			AreaCellMeters:    getEnvAsFloat("GRID_AREA_CELL_METERS", 250),
		},
		Routes: RoutesConfig{
			TopN: getEnvAsInt("ROUTES_TOP_N", 10),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	return config, validate(config)
}

// validate checks if config is valid
func validate(config Config) error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if config.Database.Enabled && config.Database.Password == "postgres" && config.Environment == "production" {
		return fmt.Errorf("database password must be set in production")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAs parses key with parse and falls back to defaultValue when the
// variable is unset or does not parse
func getEnvAs[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	parsed, err := parse(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvAsInt(key string, defaultValue int) int {
	return getEnvAs(key, defaultValue, strconv.Atoi)
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	return getEnvAs(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func getEnvAsBool(key string, defaultValue bool) bool {
	return getEnvAs(key, defaultValue, strconv.ParseBool)
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	return getEnvAs(key, defaultValue, time.ParseDuration)
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	return getEnvAs(key, defaultValue, func(s string) ([]string, error) {
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	})
}
