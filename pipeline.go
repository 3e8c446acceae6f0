package pacswatch

import (
	"context"
	"encoding/json"
	"time"
)

// PipelineStatus is the terminal state of one pipeline run.
type PipelineStatus string

const (
	StatusSuccess       PipelineStatus = "Success"
	StatusFetchFailed   PipelineStatus = "FetchFailed"
	StatusDecodeFailed  PipelineStatus = "DecodeFailed"
	StatusRenderFailed  PipelineStatus = "RenderFailed"
	StatusStorageFailed PipelineStatus = "StorageFailed"
)

// InstanceRecord accumulates what the pipeline produced for an instance.
type InstanceRecord struct {
	InstanceID    string   `json:"instanceId"`
	SourcePath    string   `json:"sourcePath,omitempty"`
	Tags          Tags     `json:"tags,omitempty"`
	RenderedPaths []string `json:"renderedPaths,omitempty"`
}

// PipelineResult is the outcome of processing one instance.
type PipelineResult struct {
	RunID      string         `json:"runId"`
	InstanceID string         `json:"instanceId"`
	Status     PipelineStatus `json:"status"`
	Err        error          `json:"-"`
	Record     InstanceRecord `json:"record"`
	Warnings   []string       `json:"warnings,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

// OK reports whether the run ended in Success.
func (r *PipelineResult) OK() bool {
	return r.Status == StatusSuccess
}

// Retryable reports whether a later re-dispatch may succeed.
// Cancelled runs, storage failures and an unreachable archive are transient;
// a missing instance or a corrupt file are not.
func (r *PipelineResult) Retryable() bool {
	if ErrorCode(r.Err) == ECANCELED {
		return true
	}
	switch r.Status {
	case StatusStorageFailed:
		return true
	case StatusFetchFailed:
		return ErrorCode(r.Err) == EUNREACHABLE
	}
	return false
}

// MarshalJSON adds the error code and message of Err.
func (r *PipelineResult) MarshalJSON() ([]byte, error) {
	type alias PipelineResult
	out := struct {
		*alias
		Code  string `json:"code,omitempty"`
		Error string `json:"error,omitempty"`
	}{alias: (*alias)(r)}
	if r.Err != nil {
		out.Code = ErrorCode(r.Err)
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// ProcessOptions are per-invocation knobs supplied by the caller.
type ProcessOptions struct {
	// Watermark text burned into rendered images. Empty means no burn-in.
	Watermark string

	// RequireMetadata turns a metadata decode failure into DecodeFailed
	// instead of a warning.
	RequireMetadata bool

	// Force reprocesses an instance even when its artifacts already exist.
	Force bool
}

// Processor turns an instance ID into rendered artifacts.
type Processor interface {
	Process(ctx context.Context, instanceID string, opts ProcessOptions) *PipelineResult
}

// LedgerService persists the monitor cursor and the last result per instance.
type LedgerService interface {

	// Returns the highest change sequence already handled, 0 if none.
	Cursor(ctx context.Context) (int64, error)

	// Advances the cursor. Lower values than the stored one are ignored.
	SetCursor(ctx context.Context, seq int64) error

	// Upserts the result of a pipeline run.
	RecordResult(ctx context.Context, result *PipelineResult) error

	// Returns the last recorded result for an instance, nil if none.
	Result(ctx context.Context, instanceID string) (*LedgerEntry, error)
}

// LedgerEntry is the durable summary of the last run for an instance.
type LedgerEntry struct {
	InstanceID    string         `json:"instanceId"`
	RunID         string         `json:"runId"`
	Status        PipelineStatus `json:"status"`
	Code          string         `json:"code,omitempty"`
	Message       string         `json:"message,omitempty"`
	RenderedCount int            `json:"renderedCount"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// EventService fans pipeline results out to live subscribers.
type EventService interface {
	PublishResult(result *PipelineResult)
}
