package config

import "time"

// Default returns the baseline configuration. Every value here can be
// overridden by file or environment.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 0.1,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			MetricsEnabled:  true,
		},
		Database: DatabaseConfig{
			Type:            "sqlite",
			URL:             "blurpipe.db",
			MaxOpenConns:    20,
			MaxIdleConns:    30,
			ConnMaxLifetime: time.Hour,
		},
		Blob: BlobConfig{
			Bucket: "blurpipe-images",
			Region: "us-east-1",
		},
		Queue: QueueConfig{
			Name:                  "image-jobs",
			MaxSize:               1000,
			VisibilityTimeout:     120 * time.Second,
			InlinePayloadMaxBytes: 256 * 1024,
		},
		Workers: WorkersConfig{
			Num:          5,
			Timeout:      300 * time.Second,
			MaxAttempts:  5,
			PollInterval: 500 * time.Millisecond,
		},
		Detection: DetectionConfig{
			VehicleConfidence: 0.8,
			FaceConfidence:    0.8,
		},
	}
}
