package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/batch"
	"github.com/pharmatrace/backend/internal/middleware/validation"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/internal/storage/uploads"
)

type memorySink struct {
	saved chan *models.Patient
}

func (m *memorySink) SavePatient(_ context.Context, p *models.Patient) error {
	m.saved <- p
	return nil
}

type batchFixture struct {
	app       *fiber.App
	store     *batch.MemoryStore
	tracker   *batch.Tracker
	processor *batch.Processor
	fs        afero.Fs
}

func newBatchFixture(t *testing.T, extractor batch.Extractor) *batchFixture {
	t.Helper()

	fs := afero.NewMemMapFs()
	uploadStore, err := uploads.NewStore(fs, "/uploads", zap.NewNop())
	require.NoError(t, err)

	store := batch.NewMemoryStore(time.Hour, zap.NewNop())
	tracker := batch.NewTracker(store, zap.NewNop())
	processor := batch.NewProcessor(batch.ProcessorConfig{
		Tracker:   tracker,
		Extractor: extractor,
		Sink:      &memorySink{saved: make(chan *models.Patient, 1000)},
		Uploads:   uploadStore,
		Logger:    zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		processor.Shutdown(ctx)
	})

	h := NewBatchHandler(tracker, processor, uploadStore, 500, batch.DefaultConcurrency)

	app := fiber.New(fiber.Config{BodyLimit: 64 * 1024 * 1024})
	app.Post("/batch-upload-records", validation.UploadMiddleware(validation.Config{MaxFiles: 500}), h.UploadBatch)
	app.Get("/batch-status/:batch_id", h.GetStatus)
	app.Get("/batch-results/:batch_id", h.GetResults)

	return &batchFixture{app: app, store: store, tracker: tracker, processor: processor, fs: fs}
}

func (f *batchFixture) uploadedFiles(t *testing.T) int {
	t.Helper()
	entries, err := afero.ReadDir(f.fs, "/uploads")
	require.NoError(t, err)
	return len(entries)
}

func (f *batchFixture) waitCompleted(t *testing.T, batchID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := f.tracker.Get(context.Background(), batchID)
		return err == nil && job.Status == models.BatchStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUploadBatch_RejectsBadFileCounts(t *testing.T) {
	tests := []struct {
		name  string
		files []string
	}{
		{name: "zero files", files: nil},
		{name: "501 files", files: fileNames("record", 501)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBatchFixture(t, &fakeExtractor{})

			resp, err := f.app.Test(uploadRequest(t, "/batch-upload-records", "files", tt.files...), -1)
			require.NoError(t, err)

			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
			assert.Zero(t, f.store.Len(), "no batch may be created")
			assert.Zero(t, f.uploadedFiles(t), "no file may be persisted")
		})
	}
}

func TestUploadBatch_RejectsUnknownExtension(t *testing.T) {
	f := newBatchFixture(t, &fakeExtractor{})

	resp, err := f.app.Test(uploadRequest(t, "/batch-upload-records", "files", "a.txt", "b.exe"), -1)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.uploadedFiles(t))
}

func TestBatchLifecycle(t *testing.T) {
	f := newBatchFixture(t, &fakeExtractor{})

	resp, err := f.app.Test(uploadRequest(t, "/batch-upload-records", "files",
		"record-1.txt", "record-2.txt", "invalid-bill.txt", "incomplete-note.txt"), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "batch_started", body["status"])
	assert.EqualValues(t, 4, body["total_files"])
	batchID, _ := body["batch_id"].(string)
	require.NotEmpty(t, batchID)
	assert.Equal(t, "/batch-status/"+batchID, body["tracking_endpoints"].(map[string]any)["status"])
	assert.EqualValues(t, 60, body["processing_info"].(map[string]any)["estimated_time_seconds"])

	f.waitCompleted(t, batchID)

	resp, err = f.app.Test(httptest.NewRequest(http.MethodGet, "/batch-status/"+batchID, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	status := decode(t, resp)
	progress := status["progress"].(map[string]any)
	assert.Equal(t, "completed", status["status"])
	assert.EqualValues(t, 4, progress["processed_files"])
	assert.EqualValues(t, 2, progress["successful_extractions"])
	assert.EqualValues(t, 2, progress["failed_files"])
	assert.EqualValues(t, 100, progress["progress_percentage"])
	assert.EqualValues(t, 0, progress["remaining_files"])
	assert.Equal(t, "50.0%", status["completion_info"].(map[string]any)["extraction_success_rate"])
	assert.Len(t, status["sample_errors"], 2)

	resp, err = f.app.Test(httptest.NewRequest(http.MethodGet, "/batch-results/"+batchID, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	results := decode(t, resp)
	assert.Equal(t, "complete", results["status"])
	assert.Len(t, results["patients"], 2)
	assert.Len(t, results["errors"], 2)
	assert.EqualValues(t, 50, results["summary"].(map[string]any)["extraction_rate_percent"])

	require.Eventually(t, func() bool { return f.uploadedFiles(t) == 0 }, time.Second, 10*time.Millisecond,
		"uploads are released once the batch is finalized")
}

func TestGetResults_ConflictBeforeCompletion(t *testing.T) {
	gate := make(chan struct{})
	f := newBatchFixture(t, &fakeExtractor{gate: gate})

	resp, err := f.app.Test(uploadRequest(t, "/batch-upload-records", "files", "record-1.txt"), -1)
	require.NoError(t, err)
	batchID := decode(t, resp)["batch_id"].(string)

	resp, err = f.app.Test(httptest.NewRequest(http.MethodGet, "/batch-results/"+batchID, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Contains(t, decode(t, resp)["error"], "Batch still processing")

	resp, err = f.app.Test(httptest.NewRequest(http.MethodGet, "/batch-status/"+batchID, nil))
	require.NoError(t, err)
	status := decode(t, resp)
	assert.Equal(t, "processing", status["status"])
	assert.NotContains(t, status, "completion_info")

	close(gate)
	f.waitCompleted(t, batchID)

	resp, err = f.app.Test(httptest.NewRequest(http.MethodGet, "/batch-results/"+batchID, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, resp)["patients"], 1)
}

func TestBatchEndpoints_UnknownBatch(t *testing.T) {
	f := newBatchFixture(t, &fakeExtractor{})

	for _, path := range []string{"/batch-status/BATCH_NOPE", "/batch-results/BATCH_NOPE"} {
		resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, path)
	}
}

func TestUploadBatch_ShuttingDown(t *testing.T) {
	f := newBatchFixture(t, &fakeExtractor{})
	require.NoError(t, f.processor.Shutdown(context.Background()))

	resp, err := f.app.Test(uploadRequest(t, "/batch-upload-records", "files", "record-1.txt"), -1)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.uploadedFiles(t))
}
