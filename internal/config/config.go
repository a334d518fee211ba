package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Queue drivers understood by the application.
const (
	DriverKafka    = "kafka"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverMemory   = "memory"
)

// Config holds the main configuration for the application.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Storage   Storage   `mapstructure:"storage"`
	Queue     Queue     `mapstructure:"queue"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Redis     Redis     `mapstructure:"redis"`
	RabbitMQ  RabbitMQ  `mapstructure:"rabbitmq"`
	Retry     Retry     `mapstructure:"retry"`
	Worker    Worker    `mapstructure:"worker"`
	Thumbnail Thumbnail `mapstructure:"thumbnail"`
	Listener  Listener  `mapstructure:"listener"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort      string `mapstructure:"http_port"`       // HTTP port to listen on
	PublicBaseURL string `mapstructure:"public_base_url"` // prefix for thumbnail URLs
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	Migrate bool `mapstructure:"migrate"` // apply embedded migrations on start-up
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Storage holds configuration for the file storage backend.
type Storage struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// Queue selects the task transport and the delivery retry policy.
type Queue struct {
	Driver      string        `mapstructure:"driver"`       // kafka, redis, rabbitmq or memory
	MaxAttempts int           `mapstructure:"max_attempts"` // deliveries before a task is dead-lettered
	BaseDelay   time.Duration `mapstructure:"base_delay"`   // first retry delay, doubled each attempt
	MaxDelay    time.Duration `mapstructure:"max_delay"`    // upper bound for a single retry delay
	Buffer      int           `mapstructure:"buffer"`       // in-memory driver capacity
}

// Kafka holds configuration for the Kafka message queue.
type Kafka struct {
	GroupID         string   `mapstructure:"group_id"`          // Consumer group ID for workers
	EventsGroupID   string   `mapstructure:"events_group_id"`   // Consumer group ID for the listener
	Topic           string   `mapstructure:"topic"`             // Task topic name
	EventsTopic     string   `mapstructure:"events_topic"`      // Completion event topic name
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"` // Exhausted task topic name
	Brokers         []string `mapstructure:"brokers"`           // List of Kafka broker addresses
}

// Redis holds configuration for the Redis Streams transport and event de-duplication.
type Redis struct {
	Addr              string        `mapstructure:"addr"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	TasksStream       string        `mapstructure:"tasks_stream"`
	EventsStream      string        `mapstructure:"events_stream"`
	DeadLetterStream  string        `mapstructure:"dead_letter_stream"`
	Group             string        `mapstructure:"group"`
	EventsGroup       string        `mapstructure:"events_group"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"` // idle time before a pending task is reclaimed
	ClaimInterval     time.Duration `mapstructure:"claim_interval"`
}

// RabbitMQ holds configuration for the AMQP transport.
type RabbitMQ struct {
	URL             string `mapstructure:"url"`
	Exchange        string `mapstructure:"exchange"`
	TasksQueue      string `mapstructure:"tasks_queue"`
	DeadLetterQueue string `mapstructure:"dead_letter_queue"`
	EventsExchange  string `mapstructure:"events_exchange"`
	EventsQueue     string `mapstructure:"events_queue"`
	Prefetch        int    `mapstructure:"prefetch"`
}

// Retry defines retry policy configuration for broker calls.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Worker holds thumbnail worker settings.
type Worker struct {
	Concurrency    int           `mapstructure:"concurrency"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"` // bound for a single attempt
	Lease          time.Duration `mapstructure:"lease"`           // how long a claim protects a processing job
}

// Thumbnail holds the geometry of generated thumbnails.
type Thumbnail struct {
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	Mode       string `mapstructure:"mode"`       // fill, fit or pad
	Background string `mapstructure:"background"` // hex color used by pad
}

// Listener holds completion listener settings.
type Listener struct {
	Dedup    string        `mapstructure:"dedup"` // redis or memory
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// Telemetry holds tracing exporter settings. Tracing is off when
// OTLPEndpoint is empty.
type Telemetry struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", ":8080")
	v.SetDefault("server.public_base_url", "http://localhost:8080")

	v.SetDefault("database.master.port", "5432")
	v.SetDefault("database.master.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("storage.bucket_name", "images")

	v.SetDefault("queue.driver", DriverKafka)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", 500*time.Millisecond)
	v.SetDefault("queue.max_delay", 10*time.Second)
	v.SetDefault("queue.buffer", 1024)

	v.SetDefault("kafka.group_id", "thumbnail-workers")
	v.SetDefault("kafka.events_group_id", "thumbnail-listener")
	v.SetDefault("kafka.topic", "thumbnail-tasks")
	v.SetDefault("kafka.events_topic", "thumbnail-events")
	v.SetDefault("kafka.dead_letter_topic", "thumbnail-tasks-dlq")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.tasks_stream", "thumbnail:tasks")
	v.SetDefault("redis.events_stream", "thumbnail:events")
	v.SetDefault("redis.dead_letter_stream", "thumbnail:tasks:dlq")
	v.SetDefault("redis.group", "thumbnail-workers")
	v.SetDefault("redis.events_group", "thumbnail-listener")
	v.SetDefault("redis.visibility_timeout", 2*time.Minute)
	v.SetDefault("redis.claim_interval", 30*time.Second)

	v.SetDefault("rabbitmq.exchange", "thumbnail")
	v.SetDefault("rabbitmq.tasks_queue", "thumbnail.tasks")
	v.SetDefault("rabbitmq.dead_letter_queue", "thumbnail.tasks.dlq")
	v.SetDefault("rabbitmq.events_exchange", "thumbnail.events")
	v.SetDefault("rabbitmq.events_queue", "thumbnail.events.listener")
	v.SetDefault("rabbitmq.prefetch", 1)

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 100*time.Millisecond)
	v.SetDefault("retry.backoff", 2.0)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.process_timeout", 30*time.Second)
	v.SetDefault("worker.lease", 2*time.Minute)

	v.SetDefault("thumbnail.width", 200)
	v.SetDefault("thumbnail.height", 200)
	v.SetDefault("thumbnail.mode", "fill")
	v.SetDefault("thumbnail.background", "#ffffff")

	v.SetDefault("listener.dedup", "redis")
	v.SetDefault("listener.dedup_ttl", 24*time.Hour)

	v.SetDefault("telemetry.service_name", "image-thumbnailer")
}

// bindEnv binds secrets and connection settings to environment variables.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"database.master.host":    "DB_HOST",
		"database.master.port":    "DB_PORT",
		"database.master.user":    "DB_USER",
		"database.master.pass":    "DB_PASSWORD",
		"database.master.name":    "DB_NAME",
		"storage.endpoint":        "MINIO_ENDPOINT",
		"storage.access_key":      "MINIO_ACCESS_KEY",
		"storage.secret_key":      "MINIO_SECRET_KEY",
		"redis.addr":              "REDIS_ADDR",
		"redis.password":          "REDIS_PASSWORD",
		"rabbitmq.url":            "RABBITMQ_URL",
		"queue.driver":            "QUEUE_DRIVER",
		"telemetry.otlp_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	return nil
}

// Load reads the YAML configuration at path, overlays environment
// variables and fills in defaults. A .env file in the working directory
// is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	return cfg
}

func (c *Config) validate() error {
	switch c.Queue.Driver {
	case DriverKafka, DriverRedis, DriverRabbitMQ, DriverMemory:
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("queue.base_delay must be positive")
	}

	switch c.Thumbnail.Mode {
	case "fill", "fit", "pad":
	default:
		return fmt.Errorf("unknown thumbnail mode %q", c.Thumbnail.Mode)
	}
	if c.Thumbnail.Width <= 0 || c.Thumbnail.Height <= 0 {
		return fmt.Errorf("thumbnail dimensions must be positive")
	}

	if c.Worker.Concurrency < 1 {
		c.Worker.Concurrency = 1
	}

	if c.Worker.ProcessTimeout <= 0 || c.Worker.Lease <= 0 {
		return fmt.Errorf("worker.process_timeout and worker.lease must be positive")
	}
	if window := c.RetryWindow(); c.Worker.Lease <= window {
		return fmt.Errorf("worker.lease (%s) must exceed the longest retry window of one delivery (%s)",
			c.Worker.Lease, window)
	}
	if c.Listener.DedupTTL <= 0 {
		return fmt.Errorf("listener.dedup_ttl must be positive")
	}

	if c.Queue.Driver == DriverRedis && c.Redis.VisibilityTimeout < c.Worker.Lease {
		return fmt.Errorf("redis.visibility_timeout (%s) must be at least worker.lease (%s)",
			c.Redis.VisibilityTimeout, c.Worker.Lease)
	}

	return nil
}

// RetryWindow is the longest a single delivery can hold a job: every
// attempt running to worker.process_timeout plus the backoff between
// attempts.
func (c *Config) RetryWindow() time.Duration {
	window := time.Duration(c.Queue.MaxAttempts) * c.Worker.ProcessTimeout

	delay := c.Queue.BaseDelay
	for i := 1; i < c.Queue.MaxAttempts; i++ {
		if c.Queue.MaxDelay > 0 && delay > c.Queue.MaxDelay {
			delay = c.Queue.MaxDelay
		}
		window += delay
		delay *= 2
	}

	return window
}
