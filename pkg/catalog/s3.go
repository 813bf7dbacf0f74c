package catalog

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher copies a remote dataset source to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, source, dst string) error
}

// S3Config holds configuration for S3-compatible storage (AWS S3, MinIO, etc.)
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint is empty for AWS, e.g. "http://localhost:9000" for MinIO.
	Endpoint string
	Region   string
	// UsePathStyle is required by MinIO.
	UsePathStyle bool
}

// LoadS3ConfigFromEnv loads S3 configuration from environment variables.
//
// Environment variables:
//   - S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID (leave unset to use the default credential chain)
//   - S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY
//   - S3_ENDPOINT or AWS_ENDPOINT_URL (optional, for MinIO)
//   - S3_REGION or AWS_REGION (optional, defaults to "us-east-1")
//
// Path-style addressing is used whenever a non-AWS endpoint is set.
func LoadS3ConfigFromEnv() (*S3Config, error) {
	accessKeyID := firstEnv("S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID")
	secretAccessKey := firstEnv("S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY")

	if accessKeyID == "" && secretAccessKey != "" {
		return nil, fmt.Errorf("S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is set but S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is missing")
	}
	if accessKeyID != "" && secretAccessKey == "" {
		return nil, fmt.Errorf("S3_ACCESS_KEY_ID or AWS_ACCESS_KEY_ID is set but S3_SECRET_ACCESS_KEY or AWS_SECRET_ACCESS_KEY is missing")
	}

	endpoint := firstEnv("S3_ENDPOINT", "AWS_ENDPOINT_URL")
	region := firstEnv("S3_REGION", "AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	return &S3Config{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Endpoint:        endpoint,
		Region:          region,
		UsePathStyle:    endpoint != "" && !strings.Contains(endpoint, "amazonaws.com"),
	}, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

type S3Fetcher struct {
	client *s3.Client
}

func NewS3Fetcher(ctx context.Context, cfg *S3Config) (*S3Fetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("S3 configuration is required for s3:// sources")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpointURL := cfg.Endpoint
			if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
				endpointURL = "http://" + endpointURL
			}
			o.BaseEndpoint = aws.String(endpointURL)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Fetcher{client: client}, nil
}

// Fetch downloads s3://bucket/key to dst, replacing it atomically.
func (f *S3Fetcher) Fetch(ctx context.Context, source, dst string) error {
	bucket, key, err := parseS3URI(source)
	if err != nil {
		return err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", source, err)
	}
	defer out.Body.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, out.Body)
		return err
	})
}

func parseS3URI(uri string) (string, string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3:// URI format: %w", err)
	}
	if parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3:// URI: %q", uri)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("s3:// URI must include a bucket name (e.g., s3://bucket-name/path)")
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("s3:// URI must name an object, got %q", uri)
	}
	return parsed.Host, key, nil
}

// writeAtomic writes through a temp file in the destination directory and
// renames it into place.
func writeAtomic(dst string, write func(io.Writer) error) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
