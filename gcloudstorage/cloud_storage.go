package gcloudstorage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	pacswatch "gitlab.com/medical-research/pacswatch"
	"golang.org/x/oauth2/google"
)

// SignedURLExpiry is how long a signed URL stays valid.
const SignedURLExpiry = 15 * time.Minute

// Ensure service implements interface.
var _ pacswatch.CloudStorageService = (*CloudStorageService)(nil)

// CloudStorageService represents a service for managing CloudStorages
type CloudStorageService struct {
	GCloudStorage *GCloudStorage

	// Returns the current time. Can be mocked for tests.
	Now func() time.Time
}

// NewCloudStorageService returns a new instance of CloudStorageService
func NewCloudStorageService(gcloudStorage *GCloudStorage) *CloudStorageService {
	return &CloudStorageService{
		GCloudStorage: gcloudStorage,
		Now:           time.Now,
	}
}

// PublishObject uploads the content of r as object into bucket. A failed
// read leaves no object behind.
func (s *CloudStorageService) PublishObject(ctx context.Context, bucket *pacswatch.CloudStorageBucket, object *pacswatch.CloudStorageObject, contentType string, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.GCloudStorage.NewWriter(ctx, bucket.Name, object.Name, contentType)
	if _, err := io.Copy(w, r); err != nil {
		// Closing a writer whose context is done discards the upload.
		cancel()
		w.Close()
		return pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "cannot upload %s to bucket %s", object.Name, bucket.Name)
	}
	if err := w.Close(); err != nil {
		return pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "cannot upload %s to bucket %s", object.Name, bucket.Name)
	}
	return nil
}

// GeneratePresignedBucketURL Generates a presigned bucket URL with limited possible operations for a limited period of time
func (s *CloudStorageService) GeneratePresignedBucketURL(bucket *pacswatch.CloudStorageBucket, object *pacswatch.CloudStorageObject, serviceAccount, method string) (*pacswatch.SignedBucketURL, error) {
	if method == "" {
		method = http.MethodGet
	}

	jsonKey, err := os.ReadFile(serviceAccount)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(jsonKey)
	if err != nil {
		return nil, fmt.Errorf("google.JWTConfigFromJSON: %w", err)
	}
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         method,
		GoogleAccessID: conf.Email,
		PrivateKey:     conf.PrivateKey,
		Expires:        s.Now().Add(SignedURLExpiry),
	}
	if method == http.MethodPut {
		opts.Headers = []string{"Content-Type:image/png"}
	}
	u, err := s.GCloudStorage.SignedURL(bucket.Name, object.Name, opts)
	if err != nil {
		return nil, fmt.Errorf("storage.SignedURL: %w", err)
	}
	return &pacswatch.SignedBucketURL{URL: u}, nil
}
