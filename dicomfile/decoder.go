// Package dicomfile reads DICOM files from disk with github.com/suyashkumar/dicom.
//
// Decoder pulls the identifying tags out of the header; Rasterizer turns the
// pixel data of every frame into a PNG, optionally with a burned-in caption.
package dicomfile

import (
	"context"
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	pacswatch "gitlab.com/medical-research/pacswatch"
)

// Ensure service implements interface.
var _ pacswatch.Decoder = (*Decoder)(nil)

// DefaultTags are the tags extracted when a Decoder has no explicit list.
var DefaultTags = map[string]tag.Tag{
	pacswatch.TagPatientID:         tag.PatientID,
	pacswatch.TagIssuerOfPatientID: tag.IssuerOfPatientID,
	pacswatch.TagStudyInstanceUID:  tag.StudyInstanceUID,
	pacswatch.TagAccessionNumber:   tag.AccessionNumber,
	pacswatch.TagSeriesInstanceUID: tag.SeriesInstanceUID,
	pacswatch.TagSOPInstanceUID:    tag.SOPInstanceUID,
	pacswatch.TagModality:          tag.Modality,
	pacswatch.TagStudyDate:         tag.StudyDate,
	pacswatch.TagStudyDescription:  tag.StudyDescription,
}

// Decoder extracts string tags from DICOM headers.
type Decoder struct {
	Tags map[string]tag.Tag
}

// NewDecoder returns a Decoder for DefaultTags.
func NewDecoder() *Decoder {
	return &Decoder{Tags: DefaultTags}
}

// Decode parses the header of the file at path, skipping pixel data.
// Tags absent from the file are left out of the result.
func (d *Decoder) Decode(ctx context.Context, path string) (tags pacswatch.Tags, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dicom parser panic on %s: %v", path, r)
		}
	}()

	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("dicom.ParseFile %s: %w", path, err)
	}

	tags = pacswatch.Tags{}
	for name, t := range d.Tags {
		if v := getStringByTag(&ds, t); v != "" {
			tags[name] = v
		}
	}
	return tags, nil
}

// getStringByTag returns the first string value of tag t, or "" when the tag
// is missing or does not hold strings.
func getStringByTag(ds *dicom.Dataset, t tag.Tag) string {
	if ds == nil {
		return ""
	}
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return ""
	}
	if el.Value.ValueType() != dicom.Strings {
		return ""
	}
	vals := dicom.MustGetStrings(el.Value)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(vals[0], "\x00"))
}
