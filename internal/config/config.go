package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DatabaseURL string // BEACON_DATABASE_URL (required)
	HTTPAddr    string // BEACON_HTTP_ADDR (default ":8080")
	NATSURL     string // BEACON_NATS_URL (optional, empty = log sink disabled)
	RedisAddr   string // BEACON_REDIS_ADDR (optional, empty = no point-lookup sink)
	AuthToken   string // BEACON_AUTH_TOKEN (optional, empty = auth disabled)

	// Archive settings
	ArchiveInterval   time.Duration // BEACON_ARCHIVE_INTERVAL (default 1h; 0 = disabled)
	ArchiveS3Bucket   string        // BEACON_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // BEACON_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // BEACON_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string        // BEACON_ARCHIVE_S3_PREFIX (default "beacon/events")
}

// fileConfig mirrors Config for the optional TOML file named by
// BEACON_CONFIG. Environment variables win over file values.
type fileConfig struct {
	DatabaseURL       string `toml:"database_url"`
	HTTPAddr          string `toml:"http_addr"`
	NATSURL           string `toml:"nats_url"`
	RedisAddr         string `toml:"redis_addr"`
	AuthToken         string `toml:"auth_token"`
	ArchiveInterval   string `toml:"archive_interval"`
	ArchiveS3Bucket   string `toml:"archive_s3_bucket"`
	ArchiveS3Endpoint string `toml:"archive_s3_endpoint"`
	ArchiveS3Region   string `toml:"archive_s3_region"`
	ArchiveS3Prefix   string `toml:"archive_s3_prefix"`
}

func Load() (*Config, error) {
	var file fileConfig
	if path := os.Getenv("BEACON_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("BEACON_CONFIG: %w", err)
		}
	}

	c := &Config{
		DatabaseURL:       envOr("BEACON_DATABASE_URL", file.DatabaseURL),
		HTTPAddr:          envOr("BEACON_HTTP_ADDR", orDefault(file.HTTPAddr, ":8080")),
		NATSURL:           envOr("BEACON_NATS_URL", file.NATSURL),
		RedisAddr:         envOr("BEACON_REDIS_ADDR", file.RedisAddr),
		AuthToken:         envOr("BEACON_AUTH_TOKEN", file.AuthToken),
		ArchiveS3Bucket:   envOr("BEACON_ARCHIVE_S3_BUCKET", file.ArchiveS3Bucket),
		ArchiveS3Endpoint: envOr("BEACON_ARCHIVE_S3_ENDPOINT", file.ArchiveS3Endpoint),
		ArchiveS3Region:   envOr("BEACON_ARCHIVE_S3_REGION", orDefault(file.ArchiveS3Region, "us-east-1")),
		ArchiveS3Prefix:   envOr("BEACON_ARCHIVE_S3_PREFIX", orDefault(file.ArchiveS3Prefix, "beacon/events")),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("BEACON_DATABASE_URL is required")
	}

	intervalStr := envOr("BEACON_ARCHIVE_INTERVAL", orDefault(file.ArchiveInterval, "1h"))
	d, err := time.ParseDuration(intervalStr)
	if err != nil {
		return nil, fmt.Errorf("BEACON_ARCHIVE_INTERVAL: %w", err)
	}
	c.ArchiveInterval = d

	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
