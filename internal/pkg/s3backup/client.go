package s3backup

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"
)

// objectPutter is the part of the S3 API the exporter needs
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client exports expired membership archives to S3
type Client struct {
	s3Client objectPutter
	config   *Config
}

// NewClient creates a new S3 export client
func NewClient(cfg *Config) (*Client, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("S3 archive export is disabled")
	}

	// Create AWS config
	awsConfig, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	if err := ensureBucket(s3Client, cfg); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[S3Backup] Successfully initialized S3 client for bucket: %s", cfg.BucketName)
	return &Client{s3Client: s3Client, config: cfg}, nil
}

// ensureBucket checks the bucket and creates it outside production
func ensureBucket(s3Client *s3.Client, cfg *Config) error {
	ctx := context.Background()
	_, err := s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.BucketName),
	})
	if err == nil {
		return nil
	}
	if cfg.AppEnv == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}

	log.Warnf("[S3Backup] Bucket %s not found, attempting to create it", cfg.BucketName)
	input := &s3.CreateBucketInput{
		Bucket: aws.String(cfg.BucketName),
	}
	// S3-compatible services reject a LocationConstraint
	if cfg.EndpointURL == "" && cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(cfg.Region),
		}
	}
	if _, err := s3Client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", cfg.BucketName, err)
	}
	log.Infof("[S3Backup] Successfully created bucket: %s", cfg.BucketName)
	return nil
}

// UploadJSON stores a JSON document under objectKey
func (c *Client) UploadJSON(ctx context.Context, objectKey string, payload []byte, metadata map[string]string) error {
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.config.BucketName),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(payload))),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Infof("[S3Backup] Successfully uploaded: s3://%s/%s (%d bytes)", c.config.BucketName, objectKey, len(payload))
	return nil
}

// ExportArchive uploads an expired archive snapshot before it is purged
func (c *Client) ExportArchive(ctx context.Context, userID uint, restoreUntil time.Time, snapshot []byte) error {
	key := c.config.ArchiveObjectKey(userID, restoreUntil)
	return c.UploadJSON(ctx, key, snapshot, map[string]string{
		"user-id":       strconv.FormatUint(uint64(userID), 10),
		"restore-until": restoreUntil.UTC().Format(time.RFC3339),
		"upload-source": "scoutpass-archive-sweeper",
	})
}
