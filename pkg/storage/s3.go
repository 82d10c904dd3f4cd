package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
)

// S3Backend stores blobs in an S3-compatible bucket. It is the production
// Backend; CDN invalidation and archive storage both read through it.
type S3Backend struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Backend builds a Backend against bucket using sess. Passing an
// endpoint override in sess lets this target S3-compatible stores (Minio,
// R2) during local development.
func NewS3Backend(sess *session.Session, bucket string) *S3Backend {
	return &S3Backend{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}
}

func (s *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err == nil {
		return true, nil
	}
	if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
		return false, nil
	}
	return false, fmt.Errorf("head object %s: %w", path, err)
}

func (s *S3Backend) GetStream(ctx context.Context, path string, rng *types.ByteRange) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}
	if rng != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}
	out, err := s.client.GetObjectWithContext(ctx, input)
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
		return nil, ctlerr.New(ctlerr.NotFound, "object not found: "+path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	return out.Body, nil
}

func (s *S3Backend) StoreBatch(ctx context.Context, blobs []types.Blob) error {
	for _, b := range blobs {
		input := &s3manager.UploadInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(b.Path),
			Body:        bytes.NewReader(b.Content),
			ContentType: aws.String(b.Mime),
		}
		if b.Compression != nil && *b.Compression != types.CompressionNone {
			input.ContentEncoding = aws.String(b.Compression.String())
		}
		if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
			return fmt.Errorf("upload %s: %w", b.Path, err)
		}
	}
	return nil
}

func (s *S3Backend) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list prefix %s: %w", prefix, err)
	}
	return keys, nil
}

// deleteBatchSize is the maximum number of keys S3's DeleteObjects API
// accepts per request.
const deleteBatchSize = 1000

func (s *S3Backend) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(prefix, "/") && len(keys) == 0 {
		return nil
	}
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		objs := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objs = append(objs, &s3.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: objs},
		})
		if err != nil {
			return fmt.Errorf("delete objects under %s: %w", prefix, err)
		}
	}
	return nil
}
