package config

import (
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database driver: postgres, pgx or sqlite
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Database file when DB_DRIVER=sqlite
	DatabasePath string `env:"DB_PATH" env-default:"fern.db"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path, empty uses the migrations compiled into the binary
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:""`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated), empty disables events
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:""`
	// Kafka topic for sync events
	KafkaEventsTopic string `env:"KAFKA_EVENTS_TOPIC" env-default:"fern-sync-events"`

	// Source definitions
	SourcesFile string `env:"SOURCES_FILE" env-default:"config/sources.yaml"`

	// Outbound HTTP
	HttpClientTimeout   time.Duration `env:"HTTP_CLIENT_TIMEOUT" env-default:"30s"`
	HttpClientUserAgent string        `env:"HTTP_CLIENT_USER_AGENT" env-default:"fern/1.0"`

	// Page retry policy
	PageMaxRetries     int           `env:"PAGE_MAX_RETRIES" env-default:"5"`
	PageRetryBaseDelay time.Duration `env:"PAGE_RETRY_BASE_DELAY" env-default:"1s"`
	PageRetryMaxDelay  time.Duration `env:"PAGE_RETRY_MAX_DELAY" env-default:"10m"`

	// Worker settings
	WorkerCount int `env:"WORKER_COUNT" env-default:"10"`
	// Pending messages idle for longer than this are reclaimed from dead consumers
	WorkerClaimMinIdle time.Duration `env:"WORKER_CLAIM_MIN_IDLE" env-default:"5m"`
	// Deliveries before a reclaimed message is dead-lettered
	WorkerMaxDeliveries int64 `env:"WORKER_MAX_DELIVERIES" env-default:"5"`

	// Scheduler settings
	// Scheduler poll interval
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"30s"`
	// Enable/disable the scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"true"`

	// Redis Streams settings
	// Job queue stream name
	RedisStreamsJobQueue string `env:"REDIS_STREAMS_JOB_QUEUE" env-default:"fern:jobs"`
	// Consumer group name
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"fern-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
	// Fraction of root spans sampled
	OTLPSampleRatio float64 `env:"OTLP_SAMPLE_RATIO" env-default:"1"`
}

// Load reads an optional .env file, then resolves every field from the
// environment, falling back to its env-default tag.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		// already exported variables win over the file
		if err := godotenv.Load(file); err != nil {
			return nil, errors.Wrapf(err, "failed to load %s", file)
		}
	}

	v := viper.New()
	if err := bindEnv(v, reflect.TypeOf(Config{})); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "env"
	}); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("env")
		if key == "" {
			continue
		}
		v.SetDefault(key, field.Tag.Get("env-default"))
		if err := v.BindEnv(key); err != nil {
			return errors.Wrapf(err, "failed to bind %s", key)
		}
	}
	return nil
}
