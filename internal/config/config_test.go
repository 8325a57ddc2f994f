package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1024, cfg.Stream.QueueCapacity)
	assert.Equal(t, 65536, cfg.Stream.PipelineQueueCapacity)
	assert.Equal(t, 50000.0, cfg.Stream.RecordsPerSecond)
	assert.Equal(t, 1000, cfg.Stream.Burst)
	assert.Equal(t, 500.0, cfg.Grid.RouteCellMeters)
	assert.Equal(t, 250.0, cfg.Grid.AreaCellMeters)
	assert.Equal(t, 40.129716, cfg.Grid.OriginLatitude)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STREAM_FILE", "/data/trips.csv.gz")
	t.Setenv("STREAM_QUEUE_CAPACITY", "16")
	t.Setenv("STREAM_START_DELAY", "3s")
	t.Setenv("STREAM_PIPELINE_QUEUE_CAPACITY", "4096")
	t.Setenv("STREAM_RECORDS_PER_SECOND", "0")
	t.Setenv("SERVER_CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("NATS_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/data/trips.csv.gz", cfg.Stream.File)
	assert.Equal(t, 16, cfg.Stream.QueueCapacity)
	assert.Equal(t, 3*time.Second, cfg.Stream.StartDelay)
	assert.Equal(t, 4096, cfg.Stream.PipelineQueueCapacity)
	assert.Zero(t, cfg.Stream.RecordsPerSecond)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Server.CorsOrigins)
	assert.True(t, cfg.NATS.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"queue capacity", "STREAM_QUEUE_CAPACITY", "0"},
		{"cell size", "GRID_ROUTE_CELL_METERS", "-1"},
		{"origin", "GRID_ORIGIN_LAT", "95"},
		{"log level", "LOG_LEVEL", "chatty"},
		{"environment", "APP_ENV", "moon"},
		{"ssl mode", "DB_SSL_MODE", "sometimes"},
		{"pipeline queue below client queue", "STREAM_PIPELINE_QUEUE_CAPACITY", "512"},
		{"negative rate", "STREAM_RECORDS_PER_SECOND", "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_ProductionDatabasePassword(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DB_ENABLED", "true")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DB_PASSWORD", "s3cret")
	_, err = Load()
	assert.NoError(t, err)
}

func TestGetEnvAs_FallsBackOnParseError(t *testing.T) {
	t.Setenv("TAXISTREAM_TEST_INT", "twelve")
	assert.Equal(t, 7, getEnvAsInt("TAXISTREAM_TEST_INT", 7))

	t.Setenv("TAXISTREAM_TEST_INT", "12")
	assert.Equal(t, 12, getEnvAsInt("TAXISTREAM_TEST_INT", 7))

	assert.Equal(t, []string{"x"}, getEnvAsSlice("TAXISTREAM_TEST_UNSET", []string{"x"}))
}
