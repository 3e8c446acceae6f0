package pacswatch

import (
	"context"
	"io"
)

// DicomStore represents a single instance of a Dicom Store
// a single Dicom store holds multiple Dicom instances
type DicomStore struct {
	StoreID string
}

// DicomStoreService forwards raw instances to a cloud DICOM store.
type DicomStoreService interface {

	// Stores one DICOM instance (STOW-RS) read from r.
	StoreInstance(ctx context.Context, r io.Reader) error
}
