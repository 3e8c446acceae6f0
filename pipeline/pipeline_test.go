package pipeline_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	pacswatch "gitlab.com/medical-research/pacswatch"
	"gitlab.com/medical-research/pacswatch/dicomfile"
	"gitlab.com/medical-research/pacswatch/filestore"
	"gitlab.com/medical-research/pacswatch/pipeline"
	"gitlab.com/medical-research/pacswatch/sqlite"
)

// archiveMock serves instance bytes from memory.
type archiveMock struct {
	mu      sync.Mutex
	files   map[string][]byte
	errs    map[string]error
	fetches int

	// When set, FetchInstance signals started and blocks until release is closed.
	started chan struct{}
	release chan struct{}
}

func newArchiveMock() *archiveMock {
	return &archiveMock{files: map[string][]byte{}, errs: map[string]error{}}
}

func (a *archiveMock) ListChanges(ctx context.Context, since int64, limit int) (*pacswatch.ChangeList, error) {
	return &pacswatch.ChangeList{Done: true, Last: since}, nil
}

func (a *archiveMock) FetchInstance(ctx context.Context, id string) (io.ReadCloser, error) {
	a.mu.Lock()
	a.fetches++
	b, ok := a.files[id]
	err := a.errs[id]
	started, release := a.started, a.release
	a.mu.Unlock()

	if started != nil {
		close(started)
		<-release
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pacswatch.Errorf(pacswatch.ENOTFOUND, "instance %s not found", id)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (a *archiveMock) ListInstances(ctx context.Context) ([]string, error) { return nil, nil }

func (a *archiveMock) GetInstance(ctx context.Context, id string) (*pacswatch.InstanceDetails, error) {
	return nil, pacswatch.Errorf(pacswatch.ENOTIMPLEMENTED, "not implemented")
}

func (a *archiveMock) DeleteInstance(ctx context.Context, id string) error { return nil }

func (a *archiveMock) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

type decoderMock struct {
	tags pacswatch.Tags
	err  error
}

func (d *decoderMock) Decode(ctx context.Context, path string) (pacswatch.Tags, error) {
	return d.tags, d.err
}

// rasterizerMock returns one PNG per configured frame and remembers its options.
type rasterizerMock struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	opts   []pacswatch.RenderOptions
}

func (r *rasterizerMock) Rasterize(ctx context.Context, path string, opts pacswatch.RenderOptions) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = append(r.opts, opts)
	return r.frames, r.err
}

type eventsMock struct {
	mu      sync.Mutex
	results []*pacswatch.PipelineResult
}

func (e *eventsMock) PublishResult(result *pacswatch.PipelineResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, result)
}

type ledgerMock struct {
	mu      sync.Mutex
	results map[string]*pacswatch.PipelineResult
}

func (l *ledgerMock) Cursor(ctx context.Context) (int64, error) { return 0, nil }
func (l *ledgerMock) SetCursor(ctx context.Context, seq int64) error { return nil }
func (l *ledgerMock) Result(ctx context.Context, id string) (*pacswatch.LedgerEntry, error) {
	return nil, nil
}

func (l *ledgerMock) RecordResult(ctx context.Context, result *pacswatch.PipelineResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.results == nil {
		l.results = map[string]*pacswatch.PipelineResult{}
	}
	l.results[result.InstanceID] = result
	return nil
}

type cloudStorageMock struct {
	objects map[string][]byte
	err     error
}

func (c *cloudStorageMock) PublishObject(ctx context.Context, bucket *pacswatch.CloudStorageBucket, object *pacswatch.CloudStorageObject, contentType string, r io.Reader) error {
	if c.err != nil {
		return c.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if c.objects == nil {
		c.objects = map[string][]byte{}
	}
	c.objects[bucket.Name+"/"+object.Name] = b
	return nil
}

func (c *cloudStorageMock) GeneratePresignedBucketURL(bucket *pacswatch.CloudStorageBucket, object *pacswatch.CloudStorageObject, serviceAccount, method string) (*pacswatch.SignedBucketURL, error) {
	return nil, pacswatch.Errorf(pacswatch.ENOTIMPLEMENTED, "not implemented")
}

type dicomStoreMock struct {
	stored [][]byte
}

func (d *dicomStoreMock) StoreInstance(ctx context.Context, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	d.stored = append(d.stored, b)
	return nil
}

type fixture struct {
	archive    *archiveMock
	decoder    *decoderMock
	rasterizer *rasterizerMock
	events     *eventsMock
	ledger     *ledgerMock
	store      *filestore.Store
	pipeline   *pipeline.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		archive:    newArchiveMock(),
		decoder:    &decoderMock{tags: pacswatch.Tags{pacswatch.TagPatientID: "P1", pacswatch.TagAccessionNumber: "A1"}},
		rasterizer: &rasterizerMock{frames: [][]byte{[]byte("png-0"), []byte("png-1")}},
		events:     &eventsMock{},
		ledger:     &ledgerMock{},
		store:      filestore.NewStore(t.TempDir()),
	}
	f.pipeline = pipeline.NewPipeline(f.archive, f.decoder, f.rasterizer, f.store)
	f.pipeline.Events = f.events
	f.pipeline.Ledger = f.ledger
	f.pipeline.FetchTimeout = time.Second
	return f
}

func TestPipeline_Process_Success(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	require.Equal(t, pacswatch.StatusSuccess, result.Status, "err: %v", result.Err)
	assert.NoError(t, result.Err)
	assert.False(t, result.Skipped)
	assert.Empty(t, result.Warnings)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "P1", result.Record.Tags[pacswatch.TagPatientID])
	assert.Equal(t, f.store.SourcePath("abc"), result.Record.SourcePath)
	require.Len(t, result.Record.RenderedPaths, 2)

	raw, err := os.ReadFile(result.Record.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, "DICM", string(raw))

	names, err := f.store.ListRendered("abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"rendered.png", "rendered-1.png"}, names)

	assert.Len(t, f.events.results, 1)
	assert.Same(t, result, f.ledger.results["abc"])
}

// grayDicom encodes a single frame, 16-bit monochrome DICOM file whose first
// column is black. The native PixelData element is appended as raw bytes.
func grayDicom(t *testing.T, w, h int) []byte {
	t.Helper()
	newElement := func(tg tag.Tag, data interface{}) *dicom.Element {
		el, err := dicom.NewElement(tg, data)
		require.NoError(t, err)
		return el
	}

	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, dicom.Dataset{Elements: []*dicom.Element{
		newElement(tag.FileMetaInformationVersion, []byte{0x00, 0x01}),
		newElement(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}),
		newElement(tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4"}),
		newElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		newElement(tag.PatientID, []string{"PAT-0001"}),
		newElement(tag.SamplesPerPixel, []int{1}),
		newElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		newElement(tag.NumberOfFrames, []string{"1"}),
		newElement(tag.Rows, []int{h}),
		newElement(tag.Columns, []int{w}),
		newElement(tag.BitsAllocated, []int{16}),
		newElement(tag.BitsStored, []int{16}),
		newElement(tag.HighBit, []int{15}),
		newElement(tag.PixelRepresentation, []int{0}),
	}}))

	pixels := make([]byte, 0, w*h*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pixels = binary.LittleEndian.AppendUint16(pixels, uint16(x*40))
		}
	}
	buf.Write([]byte{0xe0, 0x7f, 0x10, 0x00, 'O', 'W', 0x00, 0x00})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(pixels))))
	buf.Write(pixels)
	return buf.Bytes()
}

func TestPipeline_Process_DicomFile(t *testing.T) {
	f := newFixture(t)
	raw := grayDicom(t, 96, 32)
	f.archive.files["abc"] = raw
	f.pipeline.Decoder = dicomfile.NewDecoder()
	f.pipeline.Rasterizer = dicomfile.NewRasterizer()

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	require.Equal(t, pacswatch.StatusSuccess, result.Status, "err: %v", result.Err)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, "PAT-0001", result.Record.Tags[pacswatch.TagPatientID])

	assert.Equal(t, "abc.dcm", filepath.Base(result.Record.SourcePath))
	stored, err := os.ReadFile(result.Record.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, raw, stored)

	require.Len(t, result.Record.RenderedPaths, 1)
	assert.Equal(t, "rendered.png", filepath.Base(result.Record.RenderedPaths[0]))
	b, err := os.ReadFile(result.Record.RenderedPaths[0])
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 96, 32), img.Bounds())

	// Without a watermark the black first column is left untouched.
	for y := 0; y < 32; y++ {
		assert.Equal(t, color.RGBA{A: 0xff}, color.RGBAModel.Convert(img.At(0, y)), "row %d", y)
	}
}

func TestPipeline_Process_NotFound(t *testing.T) {
	f := newFixture(t)

	result := f.pipeline.Process(context.Background(), "missing", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusFetchFailed, result.Status)
	assert.Equal(t, pacswatch.ENOTFOUND, pacswatch.ErrorCode(result.Err))
	assert.False(t, result.Retryable())

	// Nothing is created in the store.
	assert.NoDirExists(t, filepath.Join(f.store.Root, "missing"))
	assert.Empty(t, f.rasterizer.opts)
}

func TestPipeline_Process_Unreachable(t *testing.T) {
	f := newFixture(t)
	f.archive.errs["abc"] = pacswatch.Errorf(pacswatch.EUNREACHABLE, "connection refused")

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusFetchFailed, result.Status)
	assert.True(t, result.Retryable())
	assert.NoDirExists(t, filepath.Join(f.store.Root, "abc"))
}

type brokenBody struct{ sent bool }

func (b *brokenBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, "DI"), nil
	}
	return 0, errors.New("unexpected EOF")
}

func (b *brokenBody) Close() error { return nil }

type brokenArchive struct{ *archiveMock }

func (a brokenArchive) FetchInstance(ctx context.Context, id string) (io.ReadCloser, error) {
	return &brokenBody{}, nil
}

func TestPipeline_Process_InterruptedDownload(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Archive = brokenArchive{f.archive}

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusFetchFailed, result.Status)
	assert.Equal(t, pacswatch.EUNREACHABLE, pacswatch.ErrorCode(result.Err))
	assert.NoDirExists(t, filepath.Join(f.store.Root, "abc"))
}

func TestPipeline_Process_InvalidID(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"", "../etc", "a/b"} {
		result := f.pipeline.Process(context.Background(), id, pacswatch.ProcessOptions{})
		assert.Equal(t, pacswatch.StatusFetchFailed, result.Status)
		assert.Equal(t, pacswatch.EINVALID, pacswatch.ErrorCode(result.Err))
	}
	assert.Zero(t, f.archive.fetchCount())
	assert.Empty(t, f.ledger.results)
}

func TestPipeline_Process_DecodeFailureStillRenders(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")
	f.decoder.tags, f.decoder.err = nil, errors.New("malformed header")

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusSuccess, result.Status)
	assert.Nil(t, result.Record.Tags)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "malformed header")
	assert.Len(t, result.Record.RenderedPaths, 2)
}

func TestPipeline_Process_RequireMetadata(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")
	f.decoder.tags, f.decoder.err = nil, errors.New("malformed header")

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{RequireMetadata: true})
	assert.Equal(t, pacswatch.StatusDecodeFailed, result.Status)
	assert.Empty(t, f.rasterizer.opts, "rendering must not run")
	assert.FileExists(t, f.store.SourcePath("abc"))
}

func TestPipeline_Process_RenderFailed(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")
	f.rasterizer.frames, f.rasterizer.err = nil, errors.New("unsupported transfer syntax")

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusRenderFailed, result.Status)
	assert.False(t, result.Retryable())
	assert.FileExists(t, f.store.SourcePath("abc"))
	assert.Empty(t, result.Record.RenderedPaths)
}

// cancellingRasterizer cancels the run while rendering and honours ctx.
type cancellingRasterizer struct {
	cancel context.CancelFunc
}

func (r *cancellingRasterizer) Rasterize(ctx context.Context, path string, opts pacswatch.RenderOptions) ([][]byte, error) {
	r.cancel()
	return nil, ctx.Err()
}

func TestPipeline_Process_CancelledRunIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")

	ledger, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer ledger.Close()
	f.pipeline.Ledger = ledger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.Rasterizer = &cancellingRasterizer{cancel: cancel}

	result := f.pipeline.Process(ctx, "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusRenderFailed, result.Status)
	assert.Equal(t, pacswatch.ECANCELED, pacswatch.ErrorCode(result.Err))
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.True(t, result.Retryable())
	assert.Empty(t, result.Warnings, "the ledger write must not fail")

	entry, err := ledger.Result(context.Background(), "abc")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, pacswatch.StatusRenderFailed, entry.Status)
	assert.Equal(t, pacswatch.ECANCELED, entry.Code)

	ids, err := ledger.RetryableResults(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, ids)
}

func TestPipeline_Process_NoFrames(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")
	f.rasterizer.frames = nil

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusRenderFailed, result.Status)
}

func TestPipeline_Process_StorageFailed(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	f.pipeline.Store = filestore.NewStore(blocker)

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusStorageFailed, result.Status)
	assert.Equal(t, pacswatch.ESTORAGE, pacswatch.ErrorCode(result.Err))
	assert.True(t, result.Retryable())
}

func TestPipeline_Process_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")

	first := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	require.Equal(t, pacswatch.StatusSuccess, first.Status)

	second := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusSuccess, second.Status)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Record.RenderedPaths, second.Record.RenderedPaths)
	assert.Equal(t, 1, f.archive.fetchCount())

	// Force overwrites the same files.
	forced := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{Force: true})
	assert.Equal(t, pacswatch.StatusSuccess, forced.Status)
	assert.False(t, forced.Skipped)
	assert.Equal(t, first.Record.RenderedPaths, forced.Record.RenderedPaths)
	assert.Equal(t, 2, f.archive.fetchCount())
}

func TestPipeline_Process_Watermark(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")
	f.archive.files["xyz"] = []byte("DICM")

	f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{Watermark: "CONFIDENTIAL"})
	f.pipeline.Process(context.Background(), "xyz", pacswatch.ProcessOptions{})

	require.Len(t, f.rasterizer.opts, 2)
	assert.Equal(t, "CONFIDENTIAL", f.rasterizer.opts[0].Watermark)
	assert.Equal(t, "", f.rasterizer.opts[1].Watermark)
}

func TestPipeline_Process_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")
	f.archive.started = make(chan struct{})
	f.archive.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*pacswatch.PipelineResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	}()
	<-f.archive.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	}()
	time.Sleep(50 * time.Millisecond)
	close(f.archive.release)
	wg.Wait()

	// The second caller either joined the run or found its artifacts.
	assert.Equal(t, 1, f.archive.fetchCount())
	assert.Equal(t, pacswatch.StatusSuccess, results[0].Status)
	assert.Equal(t, pacswatch.StatusSuccess, results[1].Status)
}

func TestPipeline_Process_PublishAndForward(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")
	cloud := &cloudStorageMock{}
	store := &dicomStoreMock{}
	f.pipeline.CloudStorage = cloud
	f.pipeline.Bucket = &pacswatch.CloudStorageBucket{Name: "rendered"}
	f.pipeline.DicomStore = store

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	require.Equal(t, pacswatch.StatusSuccess, result.Status)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, map[string][]byte{
		"rendered/abc/rendered.png":   []byte("png-0"),
		"rendered/abc/rendered-1.png": []byte("png-1"),
	}, cloud.objects)
	assert.Equal(t, [][]byte{[]byte("DICM")}, store.stored)
}

func TestPipeline_Process_PublishFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.archive.files["abc"] = []byte("DICM")
	f.pipeline.CloudStorage = &cloudStorageMock{err: errors.New("403 forbidden")}
	f.pipeline.Bucket = &pacswatch.CloudStorageBucket{Name: "rendered"}

	result := f.pipeline.Process(context.Background(), "abc", pacswatch.ProcessOptions{})
	assert.Equal(t, pacswatch.StatusSuccess, result.Status)
	assert.Len(t, result.Warnings, 2)
}
