package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff"
	"github.com/framepoint/annosync/internal/resource"
)

// S3API is the slice of the S3 client the store uses. Satisfied by
// *s3.Client; tests substitute a fake.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store persists working copies to an S3 bucket under
// <tenant>/<resource>/<db>.sqlite.
type S3Store struct {
	client S3API
	bucket string

	// maxElapsed bounds the retry window per operation.
	maxElapsed time.Duration
}

// NewS3Store creates a store backed by the given bucket.
func NewS3Store(client S3API, bucket string) (*S3Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client cannot be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket cannot be empty")
	}
	return &S3Store{
		client:     client,
		bucket:     bucket,
		maxElapsed: 30 * time.Second,
	}, nil
}

// Upload durably persists the local file at localPath for key. Transient
// failures are retried with exponential backoff inside the call; the caller
// (the persistence scheduler) picks up anything that still fails on its next
// tick.
func (s *S3Store) Upload(ctx context.Context, key resource.Key, localPath string) error {
	op := func() error {
		f, err := os.Open(localPath)
		if err != nil {
			// A missing local file will not fix itself by retrying.
			return backoff.Permanent(err)
		}
		defer f.Close()

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey(key)),
			Body:   f,
		})
		return err
	}

	if err := backoff.Retry(op, s.newBackOff(ctx)); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Download fetches the durable copy for key into localPath.
func (s *S3Store) Download(ctx context.Context, key resource.Key, localPath string) error {
	op := func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey(key)),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				return backoff.Permanent(ErrNotFound)
			}
			return err
		}
		defer out.Body.Close()

		f, err := os.Create(localPath)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			_ = f.Close()
			_ = os.Remove(localPath)
			return err
		}
		return f.Close()
	}

	if err := backoff.Retry(op, s.newBackOff(ctx)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("download %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a durable copy exists for key.
func (s *S3Store) Exists(ctx context.Context, key resource.Key) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.maxElapsed
	return backoff.WithContext(b, ctx)
}
