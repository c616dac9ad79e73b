package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"zfs-rotate/internal/config"
	appErrors "zfs-rotate/internal/errors"
)

// S3Uploader archives streams to an Amazon S3 bucket with multipart uploads
type S3Uploader struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
}

// NewS3Uploader creates an uploader for cfg. Static keys are used when set,
// otherwise the default AWS credential chain.
func NewS3Uploader(cfg config.S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, appErrors.NewConfigurationError("S3 bucket is required", nil)
	}

	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to create AWS session", err)
	}

	return NewS3UploaderWithAPI(s3manager.NewUploader(sess), cfg.Bucket), nil
}

// NewS3UploaderWithAPI creates an uploader over an existing s3manager client
func NewS3UploaderWithAPI(api s3manageriface.UploaderAPI, bucket string) *S3Uploader {
	return &S3Uploader{uploader: api, bucket: bucket}
}

// Name implements Uploader
func (u *S3Uploader) Name() string {
	return config.TransportS3
}

// Location implements Uploader
func (u *S3Uploader) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", u.bucket, key)
}

// Upload implements Uploader
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := u.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return appErrors.NewTransportError("failed to upload snapshot stream to S3", err).
			WithContext("bucket", u.bucket).
			WithContext("key", key)
	}
	return nil
}
