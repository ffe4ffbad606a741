package s3backup

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/env"
)

// Config holds S3 archive export configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	AppEnv          string
	Enabled         bool
}

// LoadConfig loads S3 configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-west-001"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		AppEnv:          env.GetEnv("APP_ENV", "dev"),
		Enabled:         env.GetEnv("S3_ARCHIVE_EXPORT_ENABLED", "false") == "true",
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required fields when export is enabled
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AccessKeyID == "" {
		return errors.New("S3_ACCESS_KEY_ID is required when S3 archive export is enabled")
	}
	if c.SecretAccessKey == "" {
		return errors.New("S3_SECRET_ACCESS_KEY is required when S3 archive export is enabled")
	}
	if c.BucketName == "" {
		return errors.New("S3_BUCKET_NAME is required when S3 archive export is enabled")
	}
	return nil
}

// IsEnabled returns true if archive export is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ArchiveObjectKey generates the object key of an expired archive snapshot
func (c *Config) ArchiveObjectKey(userID uint, restoreUntil time.Time) string {
	// Format: archives/<env>/<user_id>/<restore_until>.json
	return fmt.Sprintf("archives/%s/%d/%s.json", c.AppEnv, userID, restoreUntil.UTC().Format("20060102T150405Z"))
}
