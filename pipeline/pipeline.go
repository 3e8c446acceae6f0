// Package pipeline runs the fetch, decode, rasterize and store stages for a
// single archive instance.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	pacswatch "gitlab.com/medical-research/pacswatch"
	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds the download of a single instance.
const DefaultFetchTimeout = 30 * time.Second

// Pipeline metrics.
var (
	resultCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacswatch_pipeline_result_count",
		Help: "Total number of pipeline runs by terminal status",
	}, []string{"status"})

	runSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacswatch_pipeline_run_seconds",
		Help: "Total amount of time spent in pipeline runs by terminal status, in seconds",
	}, []string{"status"})
)

// Ensure service implements interface.
var _ pacswatch.Processor = (*Pipeline)(nil)

// Pipeline processes instances one at a time per ID.
type Pipeline struct {
	group singleflight.Group

	// Required stages.
	Archive    pacswatch.ArchiveService
	Decoder    pacswatch.Decoder
	Rasterizer pacswatch.Rasterizer
	Store      pacswatch.ImageStore

	// Optional sinks. A nil service disables its stage.
	Ledger       pacswatch.LedgerService
	Events       pacswatch.EventService
	CloudStorage pacswatch.CloudStorageService
	Bucket       *pacswatch.CloudStorageBucket
	DicomStore   pacswatch.DicomStoreService

	// Bounds the fetch of the raw file, including the body stream.
	FetchTimeout time.Duration

	// Mockable for tests.
	Now      func() time.Time
	NewRunID func() string
}

// NewPipeline returns a Pipeline with the required stages set.
func NewPipeline(archive pacswatch.ArchiveService, decoder pacswatch.Decoder, rasterizer pacswatch.Rasterizer, store pacswatch.ImageStore) *Pipeline {
	return &Pipeline{
		Archive:      archive,
		Decoder:      decoder,
		Rasterizer:   rasterizer,
		Store:        store,
		FetchTimeout: DefaultFetchTimeout,
		Now:          time.Now,
		NewRunID:     func() string { return uuid.New().String() },
	}
}

// Process runs the pipeline for instanceID and returns its terminal result.
// Concurrent calls for the same ID share one run and receive the same result.
func (p *Pipeline) Process(ctx context.Context, instanceID string, opts pacswatch.ProcessOptions) *pacswatch.PipelineResult {
	if err := pacswatch.ValidateInstanceID(instanceID); err != nil {
		// Nothing was attempted, so there is nothing to record.
		return p.conclude(ctx, p.newResult(instanceID), pacswatch.StatusFetchFailed, err, false)
	}

	v, _, shared := p.group.Do(instanceID, func() (interface{}, error) {
		return p.process(ctx, instanceID, opts), nil
	})
	if shared {
		log.Printf("[pipeline] %s: joined in-flight run", instanceID)
	}
	return v.(*pacswatch.PipelineResult)
}

func (p *Pipeline) newResult(instanceID string) *pacswatch.PipelineResult {
	return &pacswatch.PipelineResult{
		RunID:      p.NewRunID(),
		InstanceID: instanceID,
		Record:     pacswatch.InstanceRecord{InstanceID: instanceID},
		StartedAt:  p.Now(),
	}
}

func (p *Pipeline) process(ctx context.Context, instanceID string, opts pacswatch.ProcessOptions) *pacswatch.PipelineResult {
	result := p.newResult(instanceID)

	if !opts.Force && p.Store.HasArtifacts(instanceID) {
		result.Skipped = true
		result.Record.SourcePath = p.Store.SourcePath(instanceID)
		result.Record.RenderedPaths = p.renderedPaths(instanceID)
		return p.finish(ctx, result, pacswatch.StatusSuccess, nil)
	}

	// Download the raw file. The timeout covers the whole body stream.
	fetchCtx, cancel := context.WithTimeout(ctx, p.FetchTimeout)
	defer cancel()

	body, err := p.Archive.FetchInstance(fetchCtx, instanceID)
	if err != nil {
		return p.finish(ctx, result, pacswatch.StatusFetchFailed, err)
	}
	defer body.Close()

	if _, err := p.Store.EnsureDestination(instanceID); err != nil {
		return p.finish(ctx, result, pacswatch.StatusStorageFailed, err)
	}

	src := &sourceReader{r: body}
	sourcePath, err := p.Store.WriteRaw(instanceID, src)
	if err != nil {
		if perr := p.Store.Prune(instanceID); perr != nil {
			log.Printf("[pipeline] %s: prune: %s", instanceID, perr)
		}
		// A broken download is a fetch failure, not a storage one.
		if src.err != nil {
			return p.finish(ctx, result, pacswatch.StatusFetchFailed,
				pacswatch.WrapError(pacswatch.EUNREACHABLE, src.err, "download of %s interrupted", instanceID))
		}
		return p.finish(ctx, result, pacswatch.StatusStorageFailed, err)
	}
	result.Record.SourcePath = sourcePath

	tags, err := p.Decoder.Decode(ctx, sourcePath)
	if err != nil {
		log.Printf("[pipeline] %s: decode metadata: %s", instanceID, err)
		if opts.RequireMetadata {
			return p.finish(ctx, result, pacswatch.StatusDecodeFailed, err)
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("metadata: %s", err))
	} else {
		result.Record.Tags = tags
		log.Printf("[pipeline] %s: PatientID=%q IssuerOfPatientID=%q StudyInstanceUID=%q AccessionNumber=%q",
			instanceID,
			tags[pacswatch.TagPatientID],
			tags[pacswatch.TagIssuerOfPatientID],
			tags[pacswatch.TagStudyInstanceUID],
			tags[pacswatch.TagAccessionNumber],
		)
	}

	pngs, err := p.Rasterizer.Rasterize(ctx, sourcePath, pacswatch.RenderOptions{Watermark: opts.Watermark})
	if err == nil && len(pngs) == 0 {
		err = fmt.Errorf("no frames rendered")
	}
	if err != nil {
		return p.finish(ctx, result, pacswatch.StatusRenderFailed, err)
	}

	paths, err := p.Store.ReplaceRendered(instanceID, pngs)
	if err != nil {
		return p.finish(ctx, result, pacswatch.StatusStorageFailed, err)
	}
	result.Record.RenderedPaths = paths

	p.publish(ctx, result, pngs)
	p.forward(ctx, result)

	return p.finish(ctx, result, pacswatch.StatusSuccess, nil)
}

// publish uploads rendered frames as rendered/<instanceID>/<name> objects.
func (p *Pipeline) publish(ctx context.Context, result *pacswatch.PipelineResult, pngs [][]byte) {
	if p.CloudStorage == nil || p.Bucket == nil {
		return
	}
	for i, b := range pngs {
		object := &pacswatch.CloudStorageObject{Name: pacswatch.RenderedObjectName(result.InstanceID, filepath.Base(result.Record.RenderedPaths[i]))}
		if err := p.CloudStorage.PublishObject(ctx, p.Bucket, object, "image/png", bytes.NewReader(b)); err != nil {
			log.Printf("[pipeline] %s: publish %s: %s", result.InstanceID, object.Name, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("publish %s: %s", object.Name, err))
		}
	}
}

// forward sends the raw file to the cloud DICOM store.
func (p *Pipeline) forward(ctx context.Context, result *pacswatch.PipelineResult) {
	if p.DicomStore == nil {
		return
	}
	f, err := os.Open(result.Record.SourcePath)
	if err == nil {
		defer f.Close()
		err = p.DicomStore.StoreInstance(ctx, f)
	}
	if err != nil {
		log.Printf("[pipeline] %s: forward: %s", result.InstanceID, err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("forward: %s", err))
	}
}

// finish stamps the result, records it and notifies subscribers.
// A stage failing after ctx was cancelled is reported as ECANCELED.
func (p *Pipeline) finish(ctx context.Context, result *pacswatch.PipelineResult, status pacswatch.PipelineStatus, err error) *pacswatch.PipelineResult {
	if err != nil && ctx.Err() != nil && pacswatch.ErrorCode(err) != pacswatch.ECANCELED {
		err = pacswatch.WrapError(pacswatch.ECANCELED, err, "run of %s was cancelled", result.InstanceID)
	}
	return p.conclude(ctx, result, status, err, !result.Skipped)
}

func (p *Pipeline) conclude(ctx context.Context, result *pacswatch.PipelineResult, status pacswatch.PipelineStatus, err error, record bool) *pacswatch.PipelineResult {
	result.Status = status
	result.Err = err
	result.FinishedAt = p.Now()

	elapsed := result.FinishedAt.Sub(result.StartedAt)
	resultCount.WithLabelValues(string(status)).Inc()
	runSeconds.WithLabelValues(string(status)).Add(elapsed.Seconds())

	switch {
	case err != nil:
		log.Printf("[pipeline] %s: %s: %s", result.InstanceID, status, err)
	case result.Skipped:
		log.Printf("[pipeline] %s: already processed, skipped", result.InstanceID)
	default:
		log.Printf("[pipeline] %s: %s, %d image(s) in %s", result.InstanceID, status, len(result.Record.RenderedPaths), elapsed)
	}

	if p.Ledger != nil && record {
		// The outcome of a cancelled run must still reach the ledger.
		if err := p.Ledger.RecordResult(context.WithoutCancel(ctx), result); err != nil {
			log.Printf("[pipeline] %s: ledger: %s", result.InstanceID, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("ledger: %s", err))
		}
	}
	if p.Events != nil {
		p.Events.PublishResult(result)
	}
	return result
}

func (p *Pipeline) renderedPaths(instanceID string) []string {
	names, err := p.Store.ListRendered(instanceID)
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		if rp, err := p.Store.RenderedPath(instanceID, name); err == nil {
			paths = append(paths, rp)
		}
	}
	return paths
}

// sourceReader remembers the error of the archive body so that a broken
// download can be told apart from a failed local write.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}
