package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioUploader stores exports in an S3 compatible bucket and hands back a
// presigned download link.
type MinioUploader struct {
	client    *minio.Client
	bucket    string
	linkTTL   time.Duration
	keyPrefix string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	LinkTTL   time.Duration
}

// NewMinioUploader connects and creates the bucket if it does not exist yet.
func NewMinioUploader(ctx context.Context, cfg MinioConfig) (*MinioUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket, linkTTL: ttl, keyPrefix: "exports/"}, nil
}

func (u *MinioUploader) Upload(ctx context.Context, result Result) (string, string, error) {
	key := objectKey(u.keyPrefix, result)
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(result.Data), int64(len(result.Data)), minio.PutObjectOptions{
		ContentType:        result.MimeType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", result.Filename),
	})
	if err != nil {
		return "", "", fmt.Errorf("put object: %w", err)
	}

	link, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.linkTTL, url.Values{})
	if err != nil {
		return key, "", fmt.Errorf("presign object: %w", err)
	}
	return key, link.String(), nil
}

func objectKey(prefix string, result Result) string {
	return prefix + result.CreatedAt.UTC().Format("20060102T150405Z") + "-" + result.Filename
}
