package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3PutClient abstracts the S3 PutObject operation for testability.
type S3PutClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver implements ArchiveUploader against an S3 bucket, writing
// batches at the Glacier storage class. Archived events are read back
// rarely (compliance requests), so retrieval latency is acceptable.
type S3Archiver struct {
	client S3PutClient
	bucket string
	logger *slog.Logger
}

// NewS3Archiver creates an S3Archiver for the given bucket.
func NewS3Archiver(client S3PutClient, bucket string, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		logger: logger,
	}
}

// UploadArchive writes one compressed batch under the given key.
func (a *S3Archiver) UploadArchive(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/zstd"),
		StorageClass: s3types.StorageClassGlacier,
	})
	if err != nil {
		return fmt.Errorf("putting archive object s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.DebugContext(ctx, "uploaded event archive",
		"bucket", a.bucket,
		"key", key,
		"bytes", len(data),
	)
	return nil
}

var _ ArchiveUploader = (*S3Archiver)(nil)
