// Package healthcare forwards DICOM instances to a Google Cloud Healthcare
// DICOM store.
package healthcare

import (
	"context"
	"fmt"

	healthcare "google.golang.org/api/healthcare/v1"
	"google.golang.org/api/option"
)

// Environment variables naming the target DICOM store.
const (
	ProjectID    = "GCLOUD_PROJECT_ID"
	Location     = "GCLOUD_PROJECT_LOCATION"
	DatasetID    = "GCLOUD_PROJECT_DATASET_ID"
	DicomStoreID = "GCLOUD_DICOM_STORE"
)

// dicomWebPath is the STOW-RS path below a DICOM store.
const dicomWebPath = "studies"

// Dataset identifies a healthcare dataset by its resource name.
type Dataset struct {
	Name string
}

// NewDataset returns the dataset at projects/<project>/locations/<location>/datasets/<id>.
func NewDataset(projectID, location, datasetID string) Dataset {
	return Dataset{Name: fmt.Sprintf("projects/%s/locations/%s/datasets/%s", projectID, location, datasetID)}
}

// DicomStoreName returns the resource name of a DICOM store in the dataset.
func (d Dataset) DicomStoreName(storeID string) string {
	return fmt.Sprintf("%s/dicomStores/%s", d.Name, storeID)
}

// GoogleDicomAPI bundles the healthcare API client with the dataset it works on.
type GoogleDicomAPI struct {
	HealthcareService *healthcare.Service
	StoreService      *healthcare.ProjectsLocationsDatasetsDicomStoresService
	Dataset           Dataset
}

// NewGoogleDicomAPI creates a healthcare API client for dataset. Without
// options, application default credentials are used.
func NewGoogleDicomAPI(ctx context.Context, dataset Dataset, opts ...option.ClientOption) (*GoogleDicomAPI, error) {
	healthcareService, err := healthcare.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("healthcare.NewService: %w", err)
	}
	return &GoogleDicomAPI{
		HealthcareService: healthcareService,
		StoreService:      healthcareService.Projects.Locations.Datasets.DicomStores,
		Dataset:           dataset,
	}, nil
}
