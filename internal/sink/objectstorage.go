package sink

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultEndpoint = "s3.amazonaws.com"
	manifestType    = "application/octet-stream"
)

// objectPutter is the subset of *minio.Client used by ObjectStorage.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectStorageConfig holds connection settings for an S3-compatible
// endpoint. Credentials stay in memory only.
type ObjectStorageConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Insecure  bool
}

// ObjectStorage uploads manifests to a bucket.
type ObjectStorage struct {
	bucket string
	client objectPutter
}

// NewObjectStorage constructs an ObjectStorage sink.
func NewObjectStorage(cfg ObjectStorageConfig) (*ObjectStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is not set")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio.New")
	}
	return newObjectStorage(cfg.Bucket, client), nil
}

func newObjectStorage(bucket string, client objectPutter) *ObjectStorage {
	return &ObjectStorage{bucket: bucket, client: client}
}

func (o *ObjectStorage) String() string {
	return "s3://" + o.bucket
}

// Write uploads payload in a single PUT. With publicRead the canned ACL
// travels with the upload, so the object is never visible without it.
func (o *ObjectStorage) Write(ctx context.Context, dest string, payload []byte, publicRead bool) error {
	key := strings.TrimLeft(dest, "/")
	if key == "" {
		return errors.New("ObjectStorage.Write: empty object key")
	}

	opts := minio.PutObjectOptions{
		ContentType:  manifestType,
		UserMetadata: map[string]string{},
	}
	if publicRead {
		opts.UserMetadata["x-amz-acl"] = "public-read"
	}

	info, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		return writeFailed(err, "put %s/%s", o.bucket, key)
	}
	slog.Debug("manifest uploaded", "sink", o.String(), "dest", key, "bytes", info.Size, "etag", info.ETag)
	return nil
}
