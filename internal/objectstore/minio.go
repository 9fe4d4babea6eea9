// Package objectstore reads job payloads and writes result artifacts in an
// S3 compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

var ErrNotFound = stderrors.New("object not found")

type Minio struct {
	client *minio.Client
	bucket string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips the bucket location lookup when set.
	Region string
}

func NewMinio(opts Options) (*Minio, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	return &Minio{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", m.bucket)
	}
	if ok {
		return nil
	}
	return errors.Wrapf(m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}), "create bucket %s", m.bucket)
}

// Get reads the whole object. A missing key yields ErrNotFound.
func (m *Minio) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err, key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err, key)
	}
	return data, nil
}

// Put writes data under key, replacing any previous object.
func (m *Minio) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return errors.Wrapf(err, "put object %s", key)
}

func classify(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return errors.Wrapf(ErrNotFound, "get object %s", key)
	}
	return errors.Wrapf(err, "get object %s", key)
}
