package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/sirupsen/logrus"
)

// Store moves files in and out of S3 buckets
type Store struct {
	client     s3iface.S3API
	uploader   s3manageriface.UploaderAPI
	downloader s3manageriface.DownloaderAPI
	log        logrus.FieldLogger
}

// New creates a store backed by an AWS session.
func New(sess client.ConfigProvider, log logrus.FieldLogger) *Store {
	svc := s3.New(sess)
	return NewWithClients(svc, s3manager.NewUploaderWithClient(svc), s3manager.NewDownloaderWithClient(svc), log)
}

// NewWithClients creates a store from explicit clients.
func NewWithClients(svc s3iface.S3API, up s3manageriface.UploaderAPI, down s3manageriface.DownloaderAPI, log logrus.FieldLogger) *Store {
	return &Store{client: svc, uploader: up, downloader: down, log: log}
}

// Upload copies a local file to bucket/key.
func (s *Store) Upload(ctx context.Context, path, bucket, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to %s/%s: %w", path, bucket, key, err)
	}

	s.log.WithFields(logrus.Fields{"bucket": bucket, "key": key}).Infof("Uploaded %s", path)
	return nil
}

// Download copies bucket/key to a local file, creating parent directories.
func (s *Store) Download(ctx context.Context, bucket, key, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	n, err := s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download %s/%s: %w", bucket, key, err)
	}

	s.log.WithFields(logrus.Fields{"bucket": bucket, "key": key, "bytes": n}).Infof("Downloaded to %s", path)
	return nil
}

// List returns every key in a bucket.
func (s *Store) List(ctx context.Context, bucket string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket %s: %w", bucket, err)
	}
	return keys, nil
}

// Move copies key from one bucket to another and deletes the source.
func (s *Store) Move(ctx context.Context, fromBucket, key, toBucket string) error {
	_, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(toBucket),
		Key:        aws.String(key),
		CopySource: aws.String(fromBucket + "/" + key),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s/%s to %s: %w", fromBucket, key, toBucket, err)
	}

	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(fromBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", fromBucket, key, err)
	}
	return nil
}
