package pacswatch

import (
	"context"
	"io"
	"strings"
)

// Tag names extracted from every processed instance.
const (
	TagPatientID         = "PatientID"
	TagIssuerOfPatientID = "IssuerOfPatientID"
	TagStudyInstanceUID  = "StudyInstanceUID"
	TagAccessionNumber   = "AccessionNumber"
	TagSeriesInstanceUID = "SeriesInstanceUID"
	TagSOPInstanceUID    = "SOPInstanceUID"
	TagModality          = "Modality"
	TagStudyDate         = "StudyDate"
	TagStudyDescription  = "StudyDescription"
)

// ValidateInstanceID rejects identifiers that are empty or would escape a
// directory when used as a path element.
func ValidateInstanceID(instanceID string) error {
	switch {
	case instanceID == "":
		return Errorf(EINVALID, "instance id cannot be empty")
	case instanceID == "." || strings.Contains(instanceID, ".."):
		return Errorf(EINVALID, "invalid instance id %q", instanceID)
	case strings.ContainsAny(instanceID, `/\`):
		return Errorf(EINVALID, "instance id %q contains a path separator", instanceID)
	}
	return nil
}

// Tags maps DICOM tag names to their first string value.
type Tags map[string]string

// Decoder extracts identifying metadata from a DICOM file.
type Decoder interface {
	Decode(ctx context.Context, path string) (Tags, error)
}

// RenderOptions controls rasterization.
type RenderOptions struct {
	// Watermark is burned into every frame when non-empty.
	Watermark string
}

// Rasterizer converts a DICOM file into PNG images, one per frame.
type Rasterizer interface {
	Rasterize(ctx context.Context, path string, opts RenderOptions) ([][]byte, error)
}

// ImageStore owns the on-disk layout of downloaded and derived files.
// Every instance gets its own directory beneath the store root.
type ImageStore interface {

	// Creates the per-instance directory if missing and returns it.
	// Fails with ESTORAGE on filesystem errors.
	EnsureDestination(instanceID string) (string, error)

	// Persists the raw DICOM stream as <instanceID>.dcm. The file only
	// appears under its final name once r has been fully drained.
	WriteRaw(instanceID string, r io.Reader) (string, error)

	// Replaces the rendered PNGs of an instance and returns their paths.
	ReplaceRendered(instanceID string, pngs [][]byte) ([]string, error)

	// Lists rendered file names. Fails with ENOTFOUND if the instance has no directory.
	ListRendered(instanceID string) ([]string, error)

	// Returns the path of the raw file, whether or not it exists.
	SourcePath(instanceID string) string

	// Returns the path of a rendered file. Fails with EINVALID for names
	// that do not designate a rendered output.
	RenderedPath(instanceID, name string) (string, error)

	// Reports whether both the raw file and a rendered PNG exist.
	HasArtifacts(instanceID string) bool

	// Removes the instance directory if it is empty.
	Prune(instanceID string) error
}
