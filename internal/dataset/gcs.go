package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSFetcher downloads objects from Google Cloud Storage. It serves dataset
// mirrors addressed as gs://bucket/path templates.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcher creates a storage client. Public mirrors need no credentials,
// so callers typically pass option.WithoutAuthentication().
func NewGCSFetcher(ctx context.Context, opts ...option.ClientOption) (*GCSFetcher, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSFetcher{client: client}, nil
}

// Close releases the storage client.
func (f *GCSFetcher) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Fetch downloads the object named by a gs:// URI.
func (f *GCSFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(location)
	if err != nil {
		return nil, err
	}

	rc, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", bucket, object, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, object, err)
	}
	return data, nil
}

const gcsScheme = "gs://"

// IsGCSLocation reports whether a location or template uses the gs scheme.
// The scheme is case-insensitive.
func IsGCSLocation(location string) bool {
	return len(location) >= len(gcsScheme) && strings.EqualFold(location[:len(gcsScheme)], gcsScheme)
}

// ParseGCSURI splits gs://bucket/path/to/object into bucket and object path.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !IsGCSLocation(uri) {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(uri[len(gcsScheme):], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}
