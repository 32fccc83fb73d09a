package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/s3utils"

	"github.com/dunamismax/pixeldrop/internal/config"
)

const defaultMirrorPrefix = "outputs"

// Mirror copies resized images into an S3-compatible bucket, keyed by the
// output folder they were written to locally.
type Mirror struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMirror(cfg config.MirrorConfig) (*Mirror, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("mirror endpoint is required")
	}
	if strings.Contains(endpoint, "://") {
		return nil, fmt.Errorf("mirror endpoint %q must be host[:port]; use MINIO_USE_SSL for https", endpoint)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if err := s3utils.CheckValidBucketNameStrict(bucket); err != nil {
		return nil, fmt.Errorf("mirror bucket %q: %w", bucket, err)
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = defaultMirrorPrefix
	}
	return &Mirror{
		client: mc,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (m *Mirror) Bucket() string {
	return m.bucket
}

func (m *Mirror) Prefix() string {
	return m.prefix
}

// ObjectKey maps a local output to <prefix>/<output folder name>/<name>.
func (m *Mirror) ObjectKey(outputDir, name string) string {
	folder := filepath.Base(filepath.Clean(outputDir))
	if folder == "." || folder == string(filepath.Separator) {
		folder = ""
	}
	return path.Join(m.prefix, filepath.ToSlash(folder), path.Base(filepath.ToSlash(name)))
}

// Prepare creates the bucket when it does not exist yet.
func (m *Mirror) Prepare(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check mirror bucket: %w", err)
	}
	if exists {
		return nil
	}

	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		// the worker and the api race to create it on first start
		exists, checkErr := m.client.BucketExists(ctx, m.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create mirror bucket %s: %w", m.bucket, err)
	}
	return nil
}

// Put uploads one resized image and returns its s3:// location.
func (m *Mirror) Put(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	_, err := m.client.PutObject(
		ctx,
		m.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType:        contentType,
			ContentDisposition: mime.FormatMediaType("inline", map[string]string{"filename": path.Base(objectKey)}),
			UserMetadata:       map[string]string{"source": "pixeldrop"},
		},
	)
	if err != nil {
		return "", fmt.Errorf("mirror %s: %w", objectKey, err)
	}
	return m.location(objectKey), nil
}

func (m *Mirror) location(objectKey string) string {
	return "s3://" + m.bucket + "/" + objectKey
}
