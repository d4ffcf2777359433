package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store stores artifacts in S3 or MinIO.
type S3Store struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	pathPrefix string
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.local:9000").
	// Leave empty for AWS S3.
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS (default: false for internal MinIO)
	UseSSL bool

	// PathPrefix is prepended to all artifact keys
	PathPrefix string
}

// NewS3Store creates an S3/MinIO-backed artifact store.
func NewS3Store(cfg *S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1" // MinIO accepts any region
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, cfg.Endpoint))
			o.UsePathStyle = true // MinIO requires path-style addressing
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &S3Store{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.pathPrefix == "" {
		return key
	}
	return s.pathPrefix + "/" + key
}

func (s *S3Store) Put(ctx context.Context, key string, data io.Reader, contentType string) (*Ref, error) {
	fullKey := s.fullKey(key)

	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	hash := sha256.Sum256(content)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	return &Ref{
		URI:         fmt.Sprintf("s3://%s/%s", s.bucket, fullKey),
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    hex.EncodeToString(hash[:]),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *S3Store) Get(ctx context.Context, ref *Ref) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.extractKey(ref.URI)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return result.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, ref *Ref) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.extractKey(ref.URI)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]*Ref, error) {
	var refs []*Ref
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			refs = append(refs, &Ref{
				URI:       fmt.Sprintf("s3://%s/%s", s.bucket, *obj.Key),
				Size:      *obj.Size,
				CreatedAt: *obj.LastModified,
			})
		}
	}
	return refs, nil
}

func (s *S3Store) PresignGet(ctx context.Context, ref *Ref, expiry time.Duration) (string, error) {
	result, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.extractKey(ref.URI)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return result.URL, nil
}

// extractKey extracts the object key from an s3://bucket/key URI.
func (s *S3Store) extractKey(uri string) string {
	uri = strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(uri, "/", 2)
	if len(parts) < 2 {
		return uri
	}
	return parts[1]
}

var _ Store = (*S3Store)(nil)
