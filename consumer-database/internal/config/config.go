// Package config loads consumer-database settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// ErrInvalid is returned when required settings are missing or inconsistent.
// It is fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

// Supported backends.
const (
	StoreMongo      = "mongo"
	StoreOpenSearch = "opensearch"
	StoreMemory     = "memory"

	DLQRedis     = "redis"
	DLQJetStream = "jetstream"
	DLQFile      = "file"
	DLQNone      = "none"
)

type Config struct {
	Mongo      MongoConfig      `mapstructure:"mongo" yaml:"mongo"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Stream     StreamConfig     `mapstructure:"stream" yaml:"stream"`
	Consumer   ConsumerConfig   `mapstructure:"consumer" yaml:"consumer"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper" yaml:"sweeper"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch" yaml:"opensearch"`
	DLQ        DLQConfig        `mapstructure:"dlq" yaml:"dlq"`
	Stats      StatsConfig      `mapstructure:"stats" yaml:"stats"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

type MongoConfig struct {
	ConnectionString string `mapstructure:"connection_string" yaml:"connection_string"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	Username    string        `mapstructure:"username" yaml:"username"`
	Password    string        `mapstructure:"password" yaml:"password"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

type StreamConfig struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Group string `mapstructure:"group" yaml:"group"`
}

// ConsumerConfig controls the read/process loop.
type ConsumerConfig struct {
	ID              string        `mapstructure:"id" yaml:"id"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	BlockTimeout    time.Duration `mapstructure:"block_timeout" yaml:"block_timeout"`
	RetryCeiling    time.Duration `mapstructure:"retry_ceiling" yaml:"retry_ceiling"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SweeperConfig controls reclaiming of abandoned pending entries.
type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	MinIdle   time.Duration `mapstructure:"min_idle" yaml:"min_idle"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
}

type StoreConfig struct {
	Backend          string        `mapstructure:"backend" yaml:"backend"`
	Database         string        `mapstructure:"database" yaml:"database"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

type OpenSearchConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	Username      string `mapstructure:"username" yaml:"username"`
	Password      string `mapstructure:"password" yaml:"password"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify" yaml:"tls_skip_verify"`
	IndexPrefix   string `mapstructure:"index_prefix" yaml:"index_prefix"`
	MaxRetries    int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// DLQConfig holds dead letter queue configuration
type DLQConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`     // redis (default), jetstream, file or none
	MaxLen   int64  `mapstructure:"max_len" yaml:"max_len"`     // redis backend only
	BasePath string `mapstructure:"base_path" yaml:"base_path"` // file backend only
	NatsURL  string `mapstructure:"nats_url" yaml:"nats_url"`   // jetstream backend only
}

type StatsConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads configuration from configPath (or the default search paths) and the environment.
// Environment variables win; keys map to upper-case names with "." replaced by "_"
// (consumer.batch_size -> CONSUMER_BATCH_SIZE). The deployment names MONGO_CONNECTION_STRING,
// REDIS_URL, REDIS_USERNAME, REDIS_PASSWORD, STREAM_NAME and GROUP_NAME are bound explicitly.
// Load does not validate; call Validate before starting.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("consumer-database")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/webtrail")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = v.BindEnv("mongo.connection_string", "MONGO_CONNECTION_STRING")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("redis.username", "REDIS_USERNAME")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("stream.name", "STREAM_NAME")
	_ = v.BindEnv("stream.group", "GROUP_NAME")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Consumer.ID == "" {
		cfg.Consumer.ID = DefaultConsumerID()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mongo.connection_string", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("stream.name", "")
	v.SetDefault("stream.group", "")

	v.SetDefault("consumer.id", "")
	v.SetDefault("consumer.batch_size", 50)
	v.SetDefault("consumer.block_timeout", "5s")
	v.SetDefault("consumer.retry_ceiling", "2m")
	v.SetDefault("consumer.shutdown_timeout", "10s")

	v.SetDefault("sweeper.interval", "30s")
	v.SetDefault("sweeper.min_idle", "5m")
	v.SetDefault("sweeper.batch_size", 100)

	v.SetDefault("store.backend", StoreMongo)
	v.SetDefault("store.database", "webtrail")
	v.SetDefault("store.operation_timeout", "5s")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.tls_skip_verify", false)
	v.SetDefault("opensearch.index_prefix", "webtrail")
	v.SetDefault("opensearch.max_retries", 3)

	v.SetDefault("dlq.backend", DLQRedis)
	v.SetDefault("dlq.max_len", 100000)
	v.SetDefault("dlq.base_path", "/var/lib/webtrail/dlq")
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")

	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.flush_interval", "15s")

	v.SetDefault("server.port", 9464)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate reports every missing or inconsistent setting at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, name+" is required")
		}
	}

	require(c.Redis.URL, "REDIS_URL")
	require(c.Stream.Name, "STREAM_NAME")
	require(c.Stream.Group, "GROUP_NAME")

	switch c.Store.Backend {
	case StoreMongo:
		require(c.Mongo.ConnectionString, "MONGO_CONNECTION_STRING")
		require(c.Store.Database, "store.database")
	case StoreOpenSearch:
		require(c.OpenSearch.URL, "opensearch.url")
	case StoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}

	switch c.DLQ.Backend {
	case DLQRedis, DLQNone:
	case DLQFile:
		require(c.DLQ.BasePath, "dlq.base_path")
	case DLQJetStream:
		require(c.DLQ.NatsURL, "dlq.nats_url")
	default:
		problems = append(problems, fmt.Sprintf("unknown dlq.backend %q", c.DLQ.Backend))
	}

	if c.Consumer.BatchSize <= 0 {
		problems = append(problems, "consumer.batch_size must be positive")
	}
	if c.Consumer.BlockTimeout <= 0 {
		problems = append(problems, "consumer.block_timeout must be positive")
	}
	if c.Consumer.RetryCeiling <= 0 {
		problems = append(problems, "consumer.retry_ceiling must be positive")
	}
	if c.Consumer.ShutdownTimeout <= 0 {
		problems = append(problems, "consumer.shutdown_timeout must be positive")
	}
	if c.Store.OperationTimeout <= 0 {
		problems = append(problems, "store.operation_timeout must be positive")
	}
	if c.Sweeper.Interval <= 0 {
		problems = append(problems, "sweeper.interval must be positive")
	}
	if c.Sweeper.BatchSize <= 0 {
		problems = append(problems, "sweeper.batch_size must be positive")
	}
	// A live consumer must be able to finish a read plus one write before its entries look abandoned.
	// An entry read at the head of a batch stays pending until every write before
	// it in the batch has finished.
	floor := c.Consumer.BlockTimeout + time.Duration(c.Consumer.BatchSize)*c.Store.OperationTimeout
	if c.Sweeper.MinIdle <= floor {
		problems = append(problems, fmt.Sprintf("sweeper.min_idle (%s) must exceed consumer.block_timeout + consumer.batch_size * store.operation_timeout (%s)", c.Sweeper.MinIdle, floor))
	}
	if c.Stats.Enabled && c.Stats.FlushInterval <= 0 {
		problems = append(problems, "stats.flush_interval must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port out of range")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Masked returns a copy with credentials replaced, for display.
func (c Config) Masked() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Mongo.ConnectionString = maskURL(c.Mongo.ConnectionString)
	c.Redis.URL = maskURL(c.Redis.URL)
	c.Redis.Password = mask(c.Redis.Password)
	c.OpenSearch.Password = mask(c.OpenSearch.Password)
	return c
}

// maskURL hides the userinfo part of a connection URL.
func maskURL(raw string) string {
	scheme := strings.Index(raw, "://")
	at := strings.LastIndex(raw, "@")
	if scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "****" + raw[at:]
}

// DefaultConsumerID derives a consumer identity unique to this process.
func DefaultConsumerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "consumer"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}
