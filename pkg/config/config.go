// Package config loads service configuration from file, environment, and
// defaults.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (BLURPIPE_*, plus the bare legacy names)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/roadsight/blurpipe/pkg/metadata"
)

// Config is the full service configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Server configures the HTTP API
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Database configures the metadata store (SQLite or PostgreSQL).
	// The work queue table lives in the same database.
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Blob configures the S3 blob store
	Blob BlobConfig `mapstructure:"blob" yaml:"blob"`

	// Queue configures the durable work queue
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`

	// Workers configures the processing pool
	Workers WorkersConfig `mapstructure:"workers" yaml:"workers"`

	// Detection configures model thresholds
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing and pyroscope profiling.
type TelemetryConfig struct {
	// Enabled controls whether traces are exported
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint (host:port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// SampleRate is the trace sampling ratio in [0, 1]
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`

	// ProfilingEnabled controls continuous profiling
	ProfilingEnabled bool `mapstructure:"profiling_enabled" yaml:"profiling_enabled"`

	// ProfilingEndpoint is the pyroscope server address
	ProfilingEndpoint string `mapstructure:"profiling_endpoint" yaml:"profiling_endpoint"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Host is the bind address
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the listen port
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535" yaml:"port"`

	// ShutdownTimeout bounds graceful shutdown, including worker drain
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// MetricsEnabled exposes /metrics in Prometheus format
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// DatabaseConfig configures the metadata database.
type DatabaseConfig struct {
	// Type is sqlite or postgres
	Type string `mapstructure:"type" validate:"required,oneof=sqlite postgres" yaml:"type"`

	// URL is the DSN: a file path for SQLite, a connection URL for Postgres
	URL string `mapstructure:"url" validate:"required" yaml:"url"`

	// Pool settings (Postgres)
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// StoreConfig converts to the metadata store configuration.
func (d DatabaseConfig) StoreConfig() metadata.Config {
	return metadata.Config{
		Type:            metadata.DatabaseType(d.Type),
		DSN:             d.URL,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		AutoMigrate:     d.Type == "sqlite",
	}
}

// BlobConfig configures the S3 blob store.
type BlobConfig struct {
	// Bucket is the S3 bucket name
	Bucket string `mapstructure:"bucket" validate:"required" yaml:"bucket"`

	// Region is the AWS region
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint (MinIO, LocalStack)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// AccessKey and SecretKey are static credentials; empty uses the
	// default AWS credential chain
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`

	// ForcePathStyle forces path-style addressing (MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// QueueConfig configures the work queue.
type QueueConfig struct {
	// Name partitions the shared queue table
	Name string `mapstructure:"name" yaml:"name"`

	// MaxSize caps queue depth; zero is unbounded
	MaxSize int64 `mapstructure:"max_size" validate:"gte=0" yaml:"max_size"`

	// VisibilityTimeout hides claimed jobs from other workers
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"required,gt=0" yaml:"visibility_timeout"`

	// InlinePayloadMaxBytes is the largest payload carried inline in the
	// queue envelope; larger payloads are staged in the blob store
	InlinePayloadMaxBytes int `mapstructure:"inline_payload_max_bytes" validate:"gt=0" yaml:"inline_payload_max_bytes"`
}

// WorkersConfig configures the processing pool.
type WorkersConfig struct {
	// Num is the pool size
	Num int `mapstructure:"num" validate:"required,gt=0" yaml:"num"`

	// Timeout bounds one processing attempt
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0" yaml:"timeout"`

	// MaxAttempts before a transiently failing job is declared failed
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gt=0" yaml:"max_attempts"`

	// PollInterval is the idle sleep between empty queue polls
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// DetectionConfig configures model thresholds.
type DetectionConfig struct {
	// VehicleConfidence filters vehicle detections
	VehicleConfidence float64 `mapstructure:"vehicle_confidence" validate:"gt=0,lte=1" yaml:"vehicle_confidence"`

	// FaceConfidence filters face detections
	FaceConfidence float64 `mapstructure:"face_confidence" validate:"gt=0,lte=1" yaml:"face_confidence"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath skips the file and uses environment plus defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	registerDefaults(v)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		e := errs[0]
		return fmt.Errorf("invalid %s: failed %q constraint", e.Namespace(), e.Tag())
	}
	return err
}

// Save writes the configuration to path in YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// Config may carry credentials; keep it owner-only.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper wires environment variables and the config file location.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BLURPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare legacy names used by existing deployments.
	v.BindEnv("database.url", "BLURPIPE_DATABASE_URL", "METADATA_URL")
	v.BindEnv("queue.max_size", "BLURPIPE_QUEUE_MAX_SIZE", "MAX_QUEUE_SIZE")
	v.BindEnv("queue.visibility_timeout", "BLURPIPE_QUEUE_VISIBILITY_TIMEOUT", "VISIBILITY_TIMEOUT")
	v.BindEnv("queue.inline_payload_max_bytes", "BLURPIPE_QUEUE_INLINE_PAYLOAD_MAX_BYTES", "INLINE_PAYLOAD_MAX_BYTES")
	v.BindEnv("blob.bucket", "BLURPIPE_BLOB_BUCKET", "BLOB_BUCKET")
	v.BindEnv("blob.region", "BLURPIPE_BLOB_REGION", "BLOB_REGION")
	v.BindEnv("blob.endpoint", "BLURPIPE_BLOB_ENDPOINT", "BLOB_ENDPOINT")
	v.BindEnv("blob.access_key", "BLURPIPE_BLOB_ACCESS_KEY", "BLOB_ACCESS_KEY")
	v.BindEnv("blob.secret_key", "BLURPIPE_BLOB_SECRET_KEY", "BLOB_SECRET_KEY")
	v.BindEnv("workers.num", "BLURPIPE_WORKERS_NUM", "NUM_WORKERS")
	v.BindEnv("workers.timeout", "BLURPIPE_WORKERS_TIMEOUT", "WORKER_TIMEOUT")
	v.BindEnv("workers.max_attempts", "BLURPIPE_WORKERS_MAX_ATTEMPTS", "MAX_ATTEMPTS")
	v.BindEnv("detection.vehicle_confidence", "BLURPIPE_DETECTION_VEHICLE_CONFIDENCE", "CAR_CONFIDENCE_THRESHOLD")
	v.BindEnv("detection.face_confidence", "BLURPIPE_DETECTION_FACE_CONFIDENCE", "FACE_CONFIDENCE_THRESHOLD")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

// registerDefaults seeds every key into viper so environment overrides are
// visible to Unmarshal even without a config file.
func registerDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
	v.SetDefault("telemetry.profiling_enabled", d.Telemetry.ProfilingEnabled)
	v.SetDefault("telemetry.profiling_endpoint", d.Telemetry.ProfilingEndpoint)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.String())
	v.SetDefault("server.metrics_enabled", d.Server.MetricsEnabled)

	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime.String())

	v.SetDefault("blob.bucket", d.Blob.Bucket)
	v.SetDefault("blob.region", d.Blob.Region)
	v.SetDefault("blob.endpoint", d.Blob.Endpoint)
	v.SetDefault("blob.access_key", d.Blob.AccessKey)
	v.SetDefault("blob.secret_key", d.Blob.SecretKey)
	v.SetDefault("blob.force_path_style", d.Blob.ForcePathStyle)

	v.SetDefault("queue.name", d.Queue.Name)
	v.SetDefault("queue.max_size", d.Queue.MaxSize)
	v.SetDefault("queue.visibility_timeout", d.Queue.VisibilityTimeout.String())
	v.SetDefault("queue.inline_payload_max_bytes", d.Queue.InlinePayloadMaxBytes)

	v.SetDefault("workers.num", d.Workers.Num)
	v.SetDefault("workers.timeout", d.Workers.Timeout.String())
	v.SetDefault("workers.max_attempts", d.Workers.MaxAttempts)
	v.SetDefault("workers.poll_interval", d.Workers.PollInterval.String())

	v.SetDefault("detection.vehicle_confidence", d.Detection.VehicleConfidence)
	v.SetDefault("detection.face_confidence", d.Detection.FaceConfidence)
}

// durationDecodeHook parses durations from strings ("30s") and from bare
// numbers, which legacy deployments set as seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			var secs int64
			if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
				return time.Duration(secs) * time.Second, nil
			}
			return nil, fmt.Errorf("cannot parse duration %q", v)
		case int, int32, int64, float64:
			secs := reflect.ValueOf(v).Convert(reflect.TypeOf(int64(0))).Int()
			return time.Duration(secs) * time.Second, nil
		default:
			return data, nil
		}
	}
}
