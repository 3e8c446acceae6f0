// Package pacswatch watches a PACS change feed and turns every newly stored
// DICOM instance into PNG renderings. It holds the domain types and the
// service interfaces; subpackages implement them against one backend each.
package pacswatch

import "context"

// Build version & commit SHA, injected during build.
var (
	Version string
	Commit  string
)

// ReportError notifies an external service of errors. No-op by default.
var ReportError = func(ctx context.Context, err error, args ...interface{}) {}

// ReportPanic notifies an external service of panics. No-op by default.
var ReportPanic = func(err interface{}) {}
