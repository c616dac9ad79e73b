package transport

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"zfs-rotate/internal/config"
	appErrors "zfs-rotate/internal/errors"
)

// GCSUploader archives streams to a Google Cloud Storage bucket
type GCSUploader struct {
	client *storage.Client
	bucket string
}

// NewGCSUploader creates an uploader for cfg. Without a credentials file the
// application default credentials are used.
func NewGCSUploader(ctx context.Context, cfg config.GCSConfig) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, appErrors.NewConfigurationError("GCS bucket is required", nil)
	}

	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to create GCS client", err)
	}

	return &GCSUploader{client: client, bucket: cfg.Bucket}, nil
}

// Name implements Uploader
func (u *GCSUploader) Name() string {
	return config.TransportGCS
}

// Location implements Uploader
func (u *GCSUploader) Location(key string) string {
	return fmt.Sprintf("gs://%s/%s", u.bucket, key)
}

// Upload implements Uploader. A failed copy cancels the writer so no partial
// object is committed.
func (u *GCSUploader) Upload(ctx context.Context, key string, body io.Reader) error {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := u.client.Bucket(u.bucket).Object(key).NewWriter(writeCtx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, body); err != nil {
		cancel()
		_ = w.Close()
		return u.uploadError(err, key)
	}

	if err := w.Close(); err != nil {
		return u.uploadError(err, key)
	}
	return nil
}

func (u *GCSUploader) uploadError(err error, key string) error {
	return appErrors.NewTransportError("failed to upload snapshot stream to GCS", err).
		WithContext("bucket", u.bucket).
		WithContext("key", key)
}

// Close releases the client
func (u *GCSUploader) Close() error {
	return u.client.Close()
}
