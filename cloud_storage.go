package pacswatch

import (
	"context"
	"io"
	"path"
)

// CloudStorageObject represents a single instance of a cloud storage object
type CloudStorageObject struct {
	Name      string          `json:"name"`
	SignedURL SignedBucketURL `json:"signedURL"`
}

type SignedBucketURL struct {
	URL string `json:"url"`
}

// CloudStorageBucket represents a single instance of a cloud storage bucket
type CloudStorageBucket struct {
	Name string `json:"name"`
}

// CloudStorageService is an implementable interface with the operations the
// viewer needs on a storage bucket holding rendered images.
type CloudStorageService interface {

	// Uploads the content of r as object into bucket.
	PublishObject(ctx context.Context, bucket *CloudStorageBucket, object *CloudStorageObject, contentType string, r io.Reader) error

	// Generates a presigned bucket URL with limited possible operations for a limited period of time
	GeneratePresignedBucketURL(bucket *CloudStorageBucket, object *CloudStorageObject, serviceAccount, method string) (*SignedBucketURL, error)
}

// RenderedObjectPrefix is the bucket folder holding published renderings.
const RenderedObjectPrefix = "rendered"

// RenderedObjectName returns the bucket object a rendered file is published as.
func RenderedObjectName(instanceID, name string) string {
	return path.Join(RenderedObjectPrefix, instanceID, name)
}
