package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Bookflow   BookflowConfig   `yaml:"bookflow"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Stream     StreamConfig     `yaml:"stream"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ExchangeConfig describes the REST and streaming endpoints and which pairs to follow.
type ExchangeConfig struct {
	RestURL        string        `yaml:"rest_url" env:"BOOKFLOW_REST_URL"`
	StreamURL      string        `yaml:"stream_url" env:"BOOKFLOW_STREAM_URL"`
	ConsumerID     string        `yaml:"consumer_id" env:"BOOKFLOW_CONSUMER_ID"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Pairs, when set, replaces market discovery.
	Pairs           []string      `yaml:"pairs" env:"BOOKFLOW_PAIRS"`
	QuoteFilter     string        `yaml:"quote_filter"`
	MarketsTTL      time.Duration `yaml:"markets_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ConnectionPool  ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type StreamConfig struct {
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	ReadBufferBytes  int           `yaml:"read_buffer_bytes"`
	Trades           bool          `yaml:"trades"`
}

type SnapshotConfig struct {
	Depth             int           `yaml:"depth"`
	Interval          time.Duration `yaml:"interval"`
	InitialPacing     time.Duration `yaml:"initial_pacing"`
	Pacing            time.Duration `yaml:"pacing"`
	FailurePause      time.Duration `yaml:"failure_pause"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Publish           bool          `yaml:"publish"`
}

type ReconcilerConfig struct {
	PendingBuffer int `yaml:"pending_buffer"`
	IntakeBuffer  int `yaml:"intake_buffer"`
}

type ChannelsConfig struct {
	DiffBuffer     int `yaml:"diff_buffer"`
	SnapshotBuffer int `yaml:"snapshot_buffer"`
	TradeBuffer    int `yaml:"trade_buffer"`
}

type StorageConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	S3    S3Config    `yaml:"s3"`
	Redis RedisConfig `yaml:"redis"`
}

type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers" env:"KAFKA_BROKERS"`
	DiffTopic     string   `yaml:"diff_topic"`
	SnapshotTopic string   `yaml:"snapshot_topic"`
	TradeTopic    string   `yaml:"trade_topic"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket" env:"S3_BUCKET"`
	Region          string        `yaml:"region" env:"AWS_REGION"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
	Compression     string        `yaml:"compression"`
	// LocalDir archives to disk instead of S3 when set.
	LocalDir        string        `yaml:"local_dir" env:"ARCHIVE_LOCAL_DIR"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr" env:"REDIS_ADDR"`
	Password  string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Depth     int           `yaml:"depth"`
	Interval  time.Duration `yaml:"interval"`
	TTL       time.Duration `yaml:"ttl"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address" env:"BOOKFLOW_DASHBOARD_ADDR"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	BookDepth       int           `yaml:"book_depth"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for any value the YAML file leaves out.
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{
			RestURL:         "https://api.exchange.ripio.com/api/v1",
			StreamURL:       "wss://api.exchange.ripio.com/ws/v2/consumer/non-persistent/public/default/",
			ConsumerID:      "bookflow_ripio",
			RequestTimeout:  10 * time.Second,
			QuoteFilter:     `(BTC|ETH|USDC)$`,
			MarketsTTL:      30 * time.Minute,
			RefreshInterval: 5 * time.Minute,
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConns:    16,
				MaxConnsPerHost: 16,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		Stream: StreamConfig{
			ReadTimeout:      3000 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			ReconnectBackoff: 5 * time.Second,
			Trades:           true,
		},
		Snapshot: SnapshotConfig{
			Depth:             1000,
			Interval:          time.Hour,
			InitialPacing:     time.Second,
			Pacing:            5 * time.Second,
			FailurePause:      5 * time.Second,
			RequestsPerSecond: 2,
			Burst:             1,
			Publish:           true,
		},
		Reconciler: ReconcilerConfig{
			PendingBuffer: 1000,
			IntakeBuffer:  1024,
		},
		Channels: ChannelsConfig{
			DiffBuffer:     4096,
			SnapshotBuffer: 256,
			TradeBuffer:    4096,
		},
		Storage: StorageConfig{
			Kafka: KafkaConfig{
				DiffTopic:     "ripio.orderbook.diff",
				SnapshotTopic: "ripio.orderbook.snapshot",
				TradeTopic:    "ripio.trades",
			},
			S3: S3Config{
				Prefix:        "ripio",
				FlushInterval: time.Minute,
				BatchSize:     5000,
				Compression:   "snappy",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "bookflow:book:",
				Depth:     20,
				Interval:  time.Second,
				TTL:       time.Minute,
			},
		},
		Dashboard: DashboardConfig{
			Address:         ":8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
			BookDepth:       20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, environmentConfigPaths())

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables win over the file; unset variables leave fields untouched.
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Storage.S3.LocalDir = strings.TrimSpace(config.Storage.S3.LocalDir)
	config.Storage.S3.AccessKeyID = strings.TrimSpace(config.Storage.S3.AccessKeyID)
	config.Storage.S3.SecretAccessKey = strings.TrimSpace(config.Storage.S3.SecretAccessKey)
	config.Exchange.StreamURL = ensureTrailingSlash(config.Exchange.StreamURL)
	config.Exchange.RestURL = strings.TrimSuffix(config.Exchange.RestURL, "/")

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func ensureTrailingSlash(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}
	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Exchange.RestURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}
	if cfg.Exchange.StreamURL == "" {
		return fmt.Errorf("exchange.stream_url is required")
	}
	if cfg.Exchange.ConsumerID == "" {
		return fmt.Errorf("exchange.consumer_id is required")
	}
	if cfg.Exchange.QuoteFilter != "" {
		if _, err := regexp.Compile(cfg.Exchange.QuoteFilter); err != nil {
			return fmt.Errorf("exchange.quote_filter is not a valid expression: %w", err)
		}
	}

	if cfg.Stream.ReadTimeout <= 0 {
		return fmt.Errorf("stream.read_timeout must be greater than 0")
	}
	if cfg.Stream.ReconnectBackoff <= 0 {
		return fmt.Errorf("stream.reconnect_backoff must be greater than 0")
	}

	if cfg.Snapshot.Depth <= 0 {
		return fmt.Errorf("snapshot.depth must be greater than 0")
	}
	if cfg.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be greater than 0")
	}
	if cfg.Snapshot.Pacing < 0 || cfg.Snapshot.InitialPacing < 0 || cfg.Snapshot.FailurePause < 0 {
		return fmt.Errorf("snapshot pacing values must not be negative")
	}
	if cfg.Snapshot.RequestsPerSecond <= 0 {
		return fmt.Errorf("snapshot.requests_per_second must be greater than 0")
	}

	if cfg.Reconciler.PendingBuffer <= 0 {
		return fmt.Errorf("reconciler.pending_buffer must be greater than 0")
	}
	if cfg.Reconciler.IntakeBuffer <= 0 {
		return fmt.Errorf("reconciler.intake_buffer must be greater than 0")
	}

	if cfg.Channels.DiffBuffer <= 0 || cfg.Channels.SnapshotBuffer <= 0 || cfg.Channels.TradeBuffer <= 0 {
		return fmt.Errorf("channels buffers must be greater than 0")
	}

	if cfg.Storage.Kafka.Enabled && len(cfg.Storage.Kafka.Brokers) == 0 {
		return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
	}

	if cfg.Storage.S3.Enabled && cfg.Storage.S3.LocalDir == "" {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}
	if cfg.Storage.S3.Enabled && cfg.Storage.S3.FlushInterval <= 0 {
		return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
	}

	if cfg.Storage.Redis.Enabled {
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required when redis is enabled")
		}
		if cfg.Storage.Redis.Interval <= 0 {
			return fmt.Errorf("storage.redis.interval must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
