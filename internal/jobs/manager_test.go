package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/blob"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/documents"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/ocr"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/queue"
)

type stubJobStore struct {
	jobs      map[string]*Job
	patches   []Patch
	createErr error
	updateErr error
}

func newStubJobStore(jobs ...*Job) *stubJobStore {
	s := &stubJobStore{jobs: make(map[string]*Job)}
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}
	return s
}

func (s *stubJobStore) CreateJob(ctx context.Context, job *Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.jobs[job.JobID] = job
	return nil
}

func (s *stubJobStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.jobs[jobID], nil
}

func (s *stubJobStore) UpdateJob(ctx context.Context, jobID string, patch Patch) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	patch.apply(job)
	job.UpdatedAt = time.Now().UTC()
	s.patches = append(s.patches, patch)
	return nil
}

type stubDocumentStore struct {
	docs map[string]*documents.Document
	err  error
}

func (s *stubDocumentStore) GetDocument(ctx context.Context, docID string) (*documents.Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.docs[docID], nil
}

type stubBlobStore struct {
	objects     map[string][]byte
	uploads     []string
	downloadErr error
	uploadErr   error
}

func newStubBlobStore() *stubBlobStore {
	return &stubBlobStore{objects: make(map[string][]byte)}
}

func blobKey(container, blobName string) string {
	return container + "/" + blobName
}

func (s *stubBlobStore) DownloadToBuffer(ctx context.Context, container, blobName string) ([]byte, error) {
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	data, ok := s.objects[blobKey(container, blobName)]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s/%s", container, blobName)
	}
	return data, nil
}

func (s *stubBlobStore) UploadBuffer(ctx context.Context, container, blobName string, data []byte, contentType string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	key := blobKey(container, blobName)
	s.objects[key] = data
	s.uploads = append(s.uploads, key)
	return nil
}

func (s *stubBlobStore) BuildBlobSASURL(ctx context.Context, container, blobName, permissions string, ttlMinutes int) (*blob.SASURL, error) {
	return &blob.SASURL{
		URL:       "https://signed.example/" + blobKey(container, blobName),
		ExpiresOn: time.Now().UTC().Add(time.Duration(ttlMinutes) * time.Minute),
	}, nil
}

type stubOCRClient struct {
	configured bool
	result     *ocr.Result
	err        error
}

func (s *stubOCRClient) Configured() bool {
	return s.configured
}

func (s *stubOCRClient) Analyze(ctx context.Context, data []byte, pages string) (*ocr.Result, error) {
	return s.result, s.err
}

func newTestManager(store *stubJobStore, docs *stubDocumentStore, blobs *stubBlobStore, ocrClient ocr.Client) *Manager {
	return &Manager{
		store:  store,
		docs:   docs,
		blobs:  blobs,
		ocr:    ocrClient,
		logger: log.New(io.Discard, "", 0),
		opts: WorkerOptions{
			SourceContainer: "docs-source",
			ExportContainer: "docs-export",
			SASTTLMinutes:   60,
			OptimizeExports: false,
		},
	}
}

func queuedJob(jobType Type) *Job {
	now := time.Now().UTC()
	return &Job{
		JobID:      "11111111-2222-4333-8444-555555555555",
		DocID:      "doc-1",
		OwnerEmail: "user@example.com",
		Type:       jobType,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func envelopeFor(job *Job) *queue.Envelope {
	return &queue.Envelope{
		JobID:           job.JobID,
		DocID:           job.DocID,
		OwnerEmail:      job.OwnerEmail,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		RequestedFormat: job.RequestedFormat,
		Pages:           job.Pages,
	}
}

func exportTask(t *testing.T, env *queue.Envelope) *asynq.Task {
	t.Helper()
	payload, err := queue.Encode(env)
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	return asynq.NewTask(taskTypeExport, payload)
}

var dummyPDF = []byte("%PDF-1.4\n% dummy pdf content\n%%EOF\n")

func TestExportWorkerCompletes(t *testing.T) {
	job := queuedJob(TypeExport)
	store := newStubJobStore(job)
	docs := &stubDocumentStore{docs: map[string]*documents.Document{
		"doc-1": {DocID: "doc-1", OwnerEmail: "user@example.com", SourceBlobName: "src/doc-1.pdf"},
	}}
	blobs := newStubBlobStore()
	blobs.objects[blobKey("docs-source", "src/doc-1.pdf")] = dummyPDF

	m := newTestManager(store, docs, blobs, &stubOCRClient{})

	err := m.handleExportTask(context.Background(), exportTask(t, envelopeFor(job)))
	if err != nil {
		t.Fatalf("handleExportTask returned error: %v", err)
	}

	if job.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if job.Error != nil {
		t.Fatalf("expected nil error on completed job, got %q", *job.Error)
	}
	wantPath := "docs-export/user@example.com/doc-1/" + job.JobID + ".pdf"
	if job.ResultURI == nil || *job.ResultURI != "https://signed.example/"+wantPath {
		t.Fatalf("unexpected resultUri: %v", job.ResultURI)
	}
	if len(blobs.uploads) != 1 || blobs.uploads[0] != wantPath {
		t.Fatalf("unexpected uploads: %#v", blobs.uploads)
	}

	// 最初の書き込みは running であること（I/Oより先に進行中が見える）
	if len(store.patches) < 2 || store.patches[0].Status != StatusRunning {
		t.Fatalf("expected running to be written first, patches=%#v", store.patches)
	}
}

func TestExportWorkerIdempotentRedelivery(t *testing.T) {
	job := queuedJob(TypeExport)
	store := newStubJobStore(job)
	docs := &stubDocumentStore{docs: map[string]*documents.Document{
		"doc-1": {DocID: "doc-1", OwnerEmail: "user@example.com", SourceBlobName: "src/doc-1.pdf"},
	}}
	blobs := newStubBlobStore()
	blobs.objects[blobKey("docs-source", "src/doc-1.pdf")] = dummyPDF

	m := newTestManager(store, docs, blobs, &stubOCRClient{})
	task := exportTask(t, envelopeFor(job))

	for i := 0; i < 2; i++ {
		if err := m.handleExportTask(context.Background(), task); err != nil {
			t.Fatalf("delivery %d returned error: %v", i+1, err)
		}
		if job.Status != StatusCompleted {
			t.Fatalf("delivery %d left status %s", i+1, job.Status)
		}
	}

	// 再配送されても決定的な同じ出力パスを上書きするだけ
	if len(blobs.uploads) != 2 || blobs.uploads[0] != blobs.uploads[1] {
		t.Fatalf("expected identical upload paths, got %#v", blobs.uploads)
	}
}

func TestExportWorkerMissingSourceBlob(t *testing.T) {
	job := queuedJob(TypeExport)
	store := newStubJobStore(job)
	docs := &stubDocumentStore{docs: map[string]*documents.Document{
		"doc-1": {DocID: "doc-1", OwnerEmail: "user@example.com"},
	}}

	m := newTestManager(store, docs, newStubBlobStore(), &stubOCRClient{})

	err := m.handleExportTask(context.Background(), exportTask(t, envelopeFor(job)))
	if !errors.Is(err, ErrMissingSourceBlob) {
		t.Fatalf("expected the original error to be re-thrown, got %v", err)
	}

	if job.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if job.Error == nil || *job.Error != "Document metadata missing source blob reference" {
		t.Fatalf("unexpected error field: %v", job.Error)
	}
	if job.ResultURI != nil {
		t.Fatalf("resultUri must stay untouched on failure, got %v", job.ResultURI)
	}
}

func TestExportWorkerDropsPoisonMessage(t *testing.T) {
	store := newStubJobStore()
	m := newTestManager(store, &stubDocumentStore{}, newStubBlobStore(), &stubOCRClient{})

	task := asynq.NewTask(taskTypeExport, []byte("definitely not a message"))
	if err := m.handleExportTask(context.Background(), task); err != nil {
		t.Fatalf("poison message must be dropped without error, got %v", err)
	}
	if len(store.patches) != 0 {
		t.Fatalf("poison message must not touch the job store, patches=%#v", store.patches)
	}
}

func TestExportWorkerDropsMessageWithoutJobID(t *testing.T) {
	store := newStubJobStore()
	m := newTestManager(store, &stubDocumentStore{}, newStubBlobStore(), &stubOCRClient{})

	task := exportTask(t, &queue.Envelope{DocID: "doc-1"})
	if err := m.handleExportTask(context.Background(), task); err != nil {
		t.Fatalf("unaddressable message must be dropped without error, got %v", err)
	}
	if len(store.patches) != 0 {
		t.Fatalf("unaddressable message must not touch the job store, patches=%#v", store.patches)
	}
}

func TestOCRWorkerUnconfiguredBackend(t *testing.T) {
	job := queuedJob(TypeOCR)
	store := newStubJobStore(job)

	m := newTestManager(store, &stubDocumentStore{}, newStubBlobStore(), &stubOCRClient{configured: false})

	payload, err := queue.Encode(envelopeFor(job))
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	if err := m.handleOCRTask(context.Background(), asynq.NewTask(taskTypeOCR, payload)); err != nil {
		t.Fatalf("unconfigured backend is an expected failure, got %v", err)
	}

	// running を経由せず、failed の書き込みがちょうど1回だけ
	if len(store.patches) != 1 {
		t.Fatalf("expected exactly one store write, got %d", len(store.patches))
	}
	if job.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if job.Error == nil || *job.Error != "Document Intelligence not configured" {
		t.Fatalf("unexpected error field: %v", job.Error)
	}
}

func TestOCRWorkerCompletes(t *testing.T) {
	job := queuedJob(TypeOCR)
	job.Pages = "1-3"
	store := newStubJobStore(job)
	docs := &stubDocumentStore{docs: map[string]*documents.Document{
		"doc-1": {DocID: "doc-1", OwnerEmail: "user@example.com", SourceBlobName: "src/doc-1.pdf"},
	}}
	blobs := newStubBlobStore()
	blobs.objects[blobKey("docs-source", "src/doc-1.pdf")] = dummyPDF

	ocrClient := &stubOCRClient{
		configured: true,
		result:     &ocr.Result{Text: "hello world", PageCount: 3},
	}
	m := newTestManager(store, docs, blobs, ocrClient)

	payload, err := queue.Encode(envelopeFor(job))
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	if err := m.handleOCRTask(context.Background(), asynq.NewTask(taskTypeOCR, payload)); err != nil {
		t.Fatalf("handleOCRTask returned error: %v", err)
	}

	if job.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	wantPath := "docs-export/user@example.com/doc-1/" + job.JobID + ".ocr.json"
	if job.ResultURI == nil || *job.ResultURI != "https://signed.example/"+wantPath {
		t.Fatalf("unexpected resultUri: %v", job.ResultURI)
	}
	if len(blobs.uploads) != 1 || blobs.uploads[0] != wantPath {
		t.Fatalf("unexpected uploads: %#v", blobs.uploads)
	}
}

func TestOCRWorkerAnalyzeFailure(t *testing.T) {
	job := queuedJob(TypeOCR)
	store := newStubJobStore(job)
	docs := &stubDocumentStore{docs: map[string]*documents.Document{
		"doc-1": {DocID: "doc-1", OwnerEmail: "user@example.com", SourceBlobName: "src/doc-1.pdf"},
	}}
	blobs := newStubBlobStore()
	blobs.objects[blobKey("docs-source", "src/doc-1.pdf")] = dummyPDF

	analyzeErr := errors.New("analyze operation failed: backend unavailable")
	m := newTestManager(store, docs, blobs, &stubOCRClient{configured: true, err: analyzeErr})

	payload, err := queue.Encode(envelopeFor(job))
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	err = m.handleOCRTask(context.Background(), asynq.NewTask(taskTypeOCR, payload))
	if !errors.Is(err, analyzeErr) {
		t.Fatalf("expected the original error to be re-thrown, got %v", err)
	}

	if job.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if job.Error == nil || *job.Error != analyzeErr.Error() {
		t.Fatalf("unexpected error field: %v", job.Error)
	}
}
