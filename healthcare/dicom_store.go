package healthcare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	pacswatch "gitlab.com/medical-research/pacswatch"
	"google.golang.org/api/googleapi"
	healthcare "google.golang.org/api/healthcare/v1"
)

// Ensure service implements interface.
var _ pacswatch.DicomStoreService = (*DicomStoreService)(nil)

// DicomStoreService stores instances in a single DICOM store.
type DicomStoreService struct {
	GoogleDicomAPI *GoogleDicomAPI
	DicomStore     pacswatch.DicomStore
}

// NewDicomStoreService returns a new instance of DicomStoreService
func NewDicomStoreService(dicomAPI *GoogleDicomAPI, store pacswatch.DicomStore) *DicomStoreService {
	return &DicomStoreService{
		GoogleDicomAPI: dicomAPI,
		DicomStore:     store,
	}
}

// EnsureDicomStore creates the DICOM store unless it already exists.
func (s *DicomStoreService) EnsureDicomStore(ctx context.Context) error {
	name := s.GoogleDicomAPI.Dataset.DicomStoreName(s.DicomStore.StoreID)

	_, err := s.GoogleDicomAPI.StoreService.Get(name).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Code != http.StatusNotFound {
		return pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "cannot look up dicom store %s", s.DicomStore.StoreID)
	}

	parent := s.GoogleDicomAPI.Dataset.Name
	resp, err := s.GoogleDicomAPI.StoreService.Create(parent, &healthcare.DicomStore{}).DicomStoreId(s.DicomStore.StoreID).Context(ctx).Do()
	if err != nil {
		return pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "cannot create dicom store %s", s.DicomStore.StoreID)
	}
	log.Printf("[healthcare] created DICOM store %q", resp.Name)
	return nil
}

// StoreInstance uploads one DICOM instance (STOW-RS).
func (s *DicomStoreService) StoreInstance(ctx context.Context, r io.Reader) error {
	parent := s.GoogleDicomAPI.Dataset.DicomStoreName(s.DicomStore.StoreID)

	call := s.GoogleDicomAPI.StoreService.StoreInstances(parent, dicomWebPath, r)
	call.Header().Set("Content-Type", "application/dicom")
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "cannot store instance in %s", s.DicomStore.StoreID)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode > 299 {
		return pacswatch.Errorf(pacswatch.EUNREACHABLE, "StoreInstances: status %d: %s", resp.StatusCode, respBytes)
	}
	return nil
}
