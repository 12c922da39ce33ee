// Package s3 implements the staging object store over the AWS SDK, for buckets
// that live in AWS rather than behind a MinIO endpoint.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nucleus/ucl-sync/internal/connector/minio"
)

// Config selects the region, optional custom endpoint and static credentials.
// Empty credentials fall back to the default AWS chain.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Store implements minio.ObjectStore with server-side SHA-256 checksums.
type Store struct {
	client *awss3.Client
}

var _ minio.ObjectStore = (*Store)(nil)

// New builds a Store from the default AWS configuration plus overrides.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, minio.WrapError(minio.CodeAuthInvalid, false, fmt.Errorf("load aws config: %w", err))
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing SDK client.
func NewWithClient(client *awss3.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx, &awss3.ListBucketsInput{}); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return classify(err)
	}
	if _, err := s.client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, checksum string) error {
	input := &awss3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/csv"),
		Metadata:      map[string]string{minio.ChecksumMetadataKey: checksum},
	}
	if raw, err := hex.DecodeString(checksum); err == nil && len(raw) > 0 {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
		input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(raw))
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classify(err)
	}
	return nil
}

// StatObject prefers the server-computed SHA-256 over the uploader's metadata.
func (s *Store) StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(key),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return minio.ObjectInfo{}, classify(err)
	}
	info := minio.ObjectInfo{
		Key:  key,
		Size: aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	if sum := aws.ToString(out.ChecksumSHA256); sum != "" {
		if raw, err := base64.StdEncoding.DecodeString(sum); err == nil {
			info.Checksum = hex.EncodeToString(raw)
		}
	}
	if info.Checksum == "" {
		for k, v := range out.Metadata {
			if k == minio.ChecksumMetadataKey || k == "ucl-checksum-sha256" {
				info.Checksum = v
			}
		}
	}
	return info, nil
}

func (s *Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, classify(err)
	}
	return out.Body, nil
}

func (s *Store) RemoveObject(ctx context.Context, bucket, key string) error {
	if _, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func classify(err error) *minio.Error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return minio.WrapError(minio.CodeObjectNotFound, false, err)
	case errors.As(err, &noBucket):
		return minio.WrapError(minio.CodeBucketNotFound, false, err)
	}
	return minio.ClassifyMessage(err)
}
