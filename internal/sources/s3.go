package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"rulebrief/internal/schema"
)

// S3Config holds S3 connection configuration for the document store.
type S3Config struct {
	// Region is the AWS region.
	Region string `yaml:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `yaml:"bucket"`

	// Prefix is the key prefix under which documents are stored.
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint (for S3-compatible storage).
	Endpoint string `yaml:"endpoint,omitempty"`

	// AccessKeyID for static credentials (optional, uses IAM if not set).
	AccessKeyID string `yaml:"access_key_id,omitempty"`

	// SecretAccessKey for static credentials.
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// SessionToken for temporary credentials.
	SessionToken string `yaml:"session_token,omitempty"`

	// UsePathStyle forces path-style addressing (for MinIO, etc.).
	UsePathStyle bool `yaml:"use_path_style"`

	// RetryMaxAttempts for failed operations.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// MaxObjectSize skips larger objects. Zero means no limit.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// DefaultS3Config returns an S3Config with sensible defaults.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:           "us-east-1",
		Prefix:           "sources/",
		RetryMaxAttempts: 3,
		MaxObjectSize:    4 * 1024 * 1024,
	}
}

// Validate checks if the configuration is valid.
func (c S3Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// objectAPI is the subset of the S3 client used by S3Store.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store reads documents from an S3 bucket prefix.
type S3Store struct {
	api    objectAPI
	config S3Config
	logger *slog.Logger

	bytesDownloaded atomic.Int64
	objectsRead     atomic.Int64
	errors          atomic.Int64
}

// NewS3Store creates an S3 document store.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	store := newS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger)
	store.logger.Info("s3 source store initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"prefix", cfg.Prefix,
	)
	return store, nil
}

func newS3Store(api objectAPI, cfg S3Config, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{api: api, config: cfg, logger: logger}
}

// List reads every supported object under the configured prefix.
func (s *S3Store) List(ctx context.Context) ([]schema.RawSourceDocument, error) {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.config.Prefix),
	})

	var objects []object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !supported(key) {
				continue
			}
			if s.config.MaxObjectSize > 0 && aws.ToInt64(obj.Size) > s.config.MaxObjectSize {
				s.logger.Warn("skipping oversized source object", "key", key, "size", aws.ToInt64(obj.Size))
				continue
			}

			data, err := s.download(ctx, key)
			if err != nil {
				return nil, err
			}
			objects = append(objects, object{
				name:    strings.TrimPrefix(key, s.config.Prefix),
				data:    data,
				modTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	docs, err := documents(objects)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("loaded source documents", "bucket", s.config.Bucket, "objects", len(objects), "documents", len(docs))
	return docs, nil
}

func (s *S3Store) download(ctx context.Context, key string) ([]byte, error) {
	result, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to download object %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to read object %s: %w", key, err)
	}
	s.bytesDownloaded.Add(int64(len(data)))
	s.objectsRead.Add(1)
	return data, nil
}

// S3Metrics are cumulative store counters.
type S3Metrics struct {
	BytesDownloaded int64
	ObjectsRead     int64
	Errors          int64
}

// Metrics returns the store counters.
func (s *S3Store) Metrics() S3Metrics {
	return S3Metrics{
		BytesDownloaded: s.bytesDownloaded.Load(),
		ObjectsRead:     s.objectsRead.Load(),
		Errors:          s.errors.Load(),
	}
}
