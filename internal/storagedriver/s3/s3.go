// Package s3 is the placeholder object-store backend named in §1 as an
// out-of-scope external collaborator. It is not wired into the registry
// core (internal/storagedriver.Driver is satisfied by LocalDriver for the
// core's content-addressed layout); it is kept here, as the teacher left
// it, as the future home for an S3/MinIO-backed Driver.
package s3

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config is the subset of registry configuration an object-store backend
// needs; kept separate from internal/config so this package stays a
// standalone collaborator.
type Config struct {
	Endpoint string
	Bucket   string
	User     string
	Pass     string
	Secure   bool
}

// Driver is a MinIO/S3-compatible object store. It does not implement
// storagedriver.Driver's contiguous-write/finalize-rename semantics — those
// are filesystem-specific (§4.2) — and is left as a reference shape for a
// future object-store-backed Driver rather than a drop-in replacement.
type Driver struct {
	client *minio.Client
	bucket string
}

// New connects to the configured endpoint and ensures the bucket exists.
func New(cfg Config) (*Driver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.User, cfg.Pass, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, errExists := client.BucketExists(ctx, cfg.Bucket)
		if errExists != nil || !exists {
			return nil, err
		}
	}

	return &Driver{client: client, bucket: cfg.Bucket}, nil
}

func (d *Driver) Writer(ctx context.Context, path string) (io.WriteCloser, error) {
	r, w := io.Pipe()
	done := make(chan error, 1)

	go func() {
		_, err := d.client.PutObject(ctx, d.bucket, path, r, -1, minio.PutObjectOptions{})
		if err != nil {
			r.CloseWithError(err)
			done <- err
			return
		}
		r.Close()
		done <- nil
	}()

	return &syncWriter{writer: w, done: done}, nil
}

type syncWriter struct {
	writer *io.PipeWriter
	done   chan error
}

func (sw *syncWriter) Write(p []byte) (int, error) { return sw.writer.Write(p) }

func (sw *syncWriter) Close() error {
	if err := sw.writer.Close(); err != nil {
		return err
	}
	return <-sw.done
}

func (d *Driver) Reader(ctx context.Context, path string) (io.ReadCloser, error) {
	if _, err := d.client.StatObject(ctx, d.bucket, path, minio.StatObjectOptions{}); err != nil {
		return nil, err
	}
	return d.client.GetObject(ctx, d.bucket, path, minio.GetObjectOptions{})
}

func (d *Driver) Stat(ctx context.Context, path string) (int64, error) {
	info, err := d.client.StatObject(ctx, d.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (d *Driver) PresignedURL(ctx context.Context, path, method string, expiry time.Duration) (string, error) {
	if method == "PUT" {
		u, err := d.client.PresignedPutObject(ctx, d.bucket, path, expiry)
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	u, err := d.client.PresignedGetObject(ctx, d.bucket, path, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (d *Driver) Delete(ctx context.Context, path string) error {
	return d.client.RemoveObject(ctx, d.bucket, path, minio.RemoveObjectOptions{})
}
