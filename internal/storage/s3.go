// Package storage stores simulation inputs and outputs in S3 compatible
// object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"simjobs/internal/apperrors"
	"simjobs/internal/config"
)

type Config struct {
	Bucket   string
	Region   string
	Endpoint string // non-AWS endpoints such as MinIO; implies path-style URLs
	// Static credentials; when empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	PresignTTL      time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		Bucket:          config.GetEnv("S3_BUCKET", "tarang-simulations"),
		Region:          config.GetEnv("AWS_REGION", "us-east-1"),
		Endpoint:        config.GetEnv("S3_ENDPOINT", ""),
		AccessKeyID:     config.GetSecret("S3_ACCESS_KEY_ID", "S3_ACCESS_KEY_ID_FILE"),
		SecretAccessKey: config.GetSecret("S3_SECRET_ACCESS_KEY", "S3_SECRET_ACCESS_KEY_FILE"),
		PresignTTL:      config.GetDurationEnv("PRESIGN_TTL", time.Hour),
	}
}

// Object describes one stored object.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	URL          string    `json:"download_url,omitempty"`
}

// S3 is an object store backed by one bucket.
type S3 struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	bucket   string
	ttl      time.Duration
	logger   *slog.Logger
}

// New builds a client from cfg using the default AWS configuration chain.
func New(ctx context.Context, cfg Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewFromConfig(awsCfg, cfg), nil
}

// NewFromConfig builds a client from an existing AWS configuration.
func NewFromConfig(awsCfg aws.Config, cfg Config) *S3 {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &S3{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		ttl:      ttl,
		logger:   slog.With("component", "storage", "bucket", cfg.Bucket),
	}
}

func (s *S3) Bucket() string { return s.bucket }

// Put stores a small object in a single request.
func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	s.logger.Debug("Stored object", "key", key, "size", len(body))
	return nil
}

// Upload streams r to key, switching to multipart for large bodies.
func (s *S3) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Get returns the object body. A missing key is apperrors.ErrNotFound.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, apperrors.NotFound("object", key)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// PresignGet returns a time-limited download URL. A ttl of 0 uses the
// configured default.
func (s *S3) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", s.bucket, key, err)
	}
	return req.URL, nil
}

// List returns every object under prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, o := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
	}
	return objects, nil
}

// ListSigned lists prefix and attaches a presigned URL to each object.
func (s *S3) ListSigned(ctx context.Context, prefix string, ttl time.Duration) ([]Object, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for i := range objects {
		url, err := s.PresignGet(ctx, objects[i].Key, ttl)
		if err != nil {
			return nil, err
		}
		objects[i].URL = url
	}
	return objects, nil
}

// Ready checks that the bucket exists and is reachable.
func (s *S3) Ready(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}
