// Package imagestore keeps firmware images in S3/MinIO object storage:
// per-session uploads under uploads/ and per-board factory firmware under
// defaults/.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// ErrImageNotFound is returned when a key does not exist in the bucket
var ErrImageNotFound = errors.New("firmware image not found")

// Store handles S3/MinIO operations for firmware image storage
type Store struct {
	client *s3.Client
	bucket string
}

// New creates a Store against the configured S3/MinIO endpoint
func New(cfg *config.StorageConfig) (*Store, error) {
	// Handle case where endpoint already includes protocol
	var endpointURL string
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		endpointURL = cfg.Endpoint
	} else {
		protocol := "http"
		if cfg.UseSSL {
			protocol = "https"
		}
		endpointURL = protocol + "://" + cfg.Endpoint
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		BaseEndpoint: aws.String(endpointURL),
		UsePathStyle: true, // Required for MinIO
	})

	return &Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Upload stores an uploaded firmware image and returns its object key.
// Keys are namespaced per session so concurrent uploads never collide.
func (s *Store) Upload(ctx context.Context, sessionID, filename string, body io.Reader, size int64) (string, error) {
	key := fmt.Sprintf("uploads/%s/%s-%s", sessionID, uuid.New().String(), sanitizeFilename(filename))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store firmware image: %w", err)
	}

	return key, nil
}

// FetchToTemp downloads an image to a local temp file for the flashing
// tool, which needs a real path. The caller must invoke cleanup.
func (s *Store) FetchToTemp(ctx context.Context, key string) (localPath string, cleanup func(), err error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return "", nil, ErrImageNotFound
		}
		return "", nil, fmt.Errorf("failed to fetch firmware image %s: %w", key, err)
	}
	defer output.Body.Close()

	tmp, err := os.CreateTemp("", "firmware-*"+path.Ext(key))
	if err != nil {
		return "", nil, err
	}

	if _, err := io.Copy(tmp, output.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to write firmware image to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}

	name := tmp.Name()
	return name, func() { os.Remove(name) }, nil
}

// Delete removes a single image from the bucket
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete firmware image %s: %w", key, err)
	}
	return nil
}

// DeleteSessionUploads removes all images uploaded during a session.
// Called from the session closing sequence.
func (s *Store) DeleteSessionUploads(ctx context.Context, sessionID string) (int, error) {
	prefix := fmt.Sprintf("uploads/%s/", sessionID)

	var identifiers []types.ObjectIdentifier
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list session uploads: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
			}
		}
	}

	if len(identifiers) == 0 {
		return 0, nil
	}

	output, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{
			Objects: identifiers,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete session uploads: %w", err)
	}

	return len(identifiers) - len(output.Errors), nil
}

// sanitizeFilename strips path separators and control characters from an
// uploaded filename before it becomes part of an object key
func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "firmware-" + time.Now().UTC().Format("20060102T150405") + ".bin"
	}
	return b.String()
}
