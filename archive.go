package pacswatch

import (
	"context"
	"io"
)

// ChangeType is the kind of lifecycle event reported by the archive change feed.
type ChangeType string

// Change types emitted by Orthanc.
const (
	ChangeNewInstance       ChangeType = "NewInstance"
	ChangeNewSeries         ChangeType = "NewSeries"
	ChangeNewStudy          ChangeType = "NewStudy"
	ChangeNewPatient        ChangeType = "NewPatient"
	ChangeStableStudy       ChangeType = "StableStudy"
	ChangeStableSeries      ChangeType = "StableSeries"
	ChangeStablePatient     ChangeType = "StablePatient"
	ChangeCompletedSeries   ChangeType = "CompletedSeries"
	ChangeDeleted           ChangeType = "Deleted"
	ChangeUpdatedAttachment ChangeType = "UpdatedAttachment"
	ChangeUpdatedMetadata   ChangeType = "UpdatedMetadata"
)

// ResourceType is the level of the DICOM hierarchy a change refers to.
type ResourceType string

const (
	ResourcePatient  ResourceType = "Patient"
	ResourceStudy    ResourceType = "Study"
	ResourceSeries   ResourceType = "Series"
	ResourceInstance ResourceType = "Instance"
)

// ChangeEvent is a single entry of the archive change feed.
type ChangeEvent struct {
	ID           string       `json:"ID"`
	ChangeType   ChangeType   `json:"ChangeType"`
	Seq          int64        `json:"Seq"`
	ResourceType ResourceType `json:"ResourceType"`
	Path         string       `json:"Path,omitempty"`
	Date         string       `json:"Date,omitempty"`
}

// IsNewInstance reports whether the event announces a newly stored instance.
func (e ChangeEvent) IsNewInstance() bool {
	return e.ChangeType == ChangeNewInstance
}

// ChangeList is one page of the change feed.
// Done is false when more changes are available past Last.
type ChangeList struct {
	Changes []ChangeEvent `json:"Changes"`
	Done    bool          `json:"Done"`
	Last    int64         `json:"Last"`
}

// InstanceDetails holds selected information about an instance as reported by the archive.
type InstanceDetails struct {
	ID            string            `json:"ID"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
	ParentSeries  string            `json:"ParentSeries"`
	FileSize      int64             `json:"FileSize"`
	FileUUID      string            `json:"FileUuid"`
	IndexInSeries int               `json:"IndexInSeries"`
	Type          string            `json:"Type"`
}

// ArchiveService is the read side of the PACS, plus an explicit delete.
// Implementations never retry; callers decide the retry policy.
type ArchiveService interface {

	// Lists changes with a sequence number strictly greater than since.
	// Fails with EUNREACHABLE on transport errors or non-2xx answers and
	// EPROTOCOL when the payload cannot be understood.
	ListChanges(ctx context.Context, since int64, limit int) (*ChangeList, error)

	// Streams the raw DICOM file of an instance. The caller closes the reader.
	// Fails with ENOTFOUND when the instance does not exist upstream.
	FetchInstance(ctx context.Context, instanceID string) (io.ReadCloser, error)

	// Lists the identifiers of every instance stored in the archive.
	ListInstances(ctx context.Context) ([]string, error)

	// Returns archive-side details of one instance.
	GetInstance(ctx context.Context, instanceID string) (*InstanceDetails, error)

	// Deletes an instance from the archive.
	DeleteInstance(ctx context.Context, instanceID string) error
}
