// Package gcloudstorage publishes rendered images to Google Cloud Storage and
// signs URLs for them.
package gcloudstorage

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	// only used for the signed url generation
	ServiceAccount = "SERVICE_ACCOUNT"

	// StorageBucketName names the bucket rendered images are published to.
	StorageBucketName = "STORAGE_BUCKET_NAME"
)

// SignedURL signs a URL for an object.
type SignedURL func(bucket, name string, opts *storage.SignedURLOptions) (string, error)

// NewWriter opens a writer for an object. The object is committed on Close.
type NewWriter func(ctx context.Context, bucket, name, contentType string) io.WriteCloser

// GCloudStorage holds the storage client and the calls made through it, so
// tests can replace them.
type GCloudStorage struct {
	Client    *storage.Client
	SignedURL SignedURL
	NewWriter NewWriter
}

// NewGCloudStorage creates a storage client. Without options, application
// default credentials are used.
func NewGCloudStorage(ctx context.Context, opts ...option.ClientOption) (*GCloudStorage, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}

	store := &GCloudStorage{
		Client:    client,
		SignedURL: storage.SignedURL,
	}
	store.NewWriter = store.objectWriter

	return store, nil
}

func (g *GCloudStorage) objectWriter(ctx context.Context, bucket, name, contentType string) io.WriteCloser {
	w := g.Client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

// Close closes the underlying client.
func (g *GCloudStorage) Close() error {
	if g.Client == nil {
		return nil
	}
	return g.Client.Close()
}
