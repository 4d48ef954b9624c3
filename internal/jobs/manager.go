package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/blob"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/documents"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/ocr"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/pdf"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/queue"
)

const (
	taskTypeExport = "jobs:export"
	taskTypeOCR    = "jobs:ocr"

	queueExport = "export"
	queueOCR    = "ocr"
)

// ErrMissingSourceBlob はドキュメントが元Blobへの参照を持たないことを表します。
var ErrMissingSourceBlob = errors.New("Document metadata missing source blob reference")

// errOCRNotConfigured はOCRバックエンド未設定時の error フィールドの値です。
// 例外ではなく想定内の失敗として扱います。
const errOCRNotConfigured = "Document Intelligence not configured"

// WorkerOptions はワーカーの動作設定です。
type WorkerOptions struct {
	SourceContainer string
	ExportContainer string
	SASTTLMinutes   int
	OptimizeExports bool
	Concurrency     int
}

// Manager はジョブの投入とワーカー側の状態遷移を担います。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux

	store  Store
	docs   documents.Store
	blobs  blob.Store
	ocr    ocr.Client
	logger *log.Logger
	opts   WorkerOptions
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, store Store, docs documents.Store, blobs blob.Store, ocrClient ocr.Client, logger *log.Logger, opts WorkerOptions) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if docs == nil {
		return nil, errors.New("docs is nil")
	}
	if blobs == nil {
		return nil, errors.New("blobs is nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueExport: 1,
				queueOCR:    1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		docs:   docs,
		blobs:  blobs,
		ocr:    ocrClient,
		logger: logger,
		opts:   opts,
	}
	mux.HandleFunc(taskTypeExport, manager.handleExportTask)
	mux.HandleFunc(taskTypeOCR, manager.handleOCRTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Schedule はエンベロープを種別ごとのキューに投入します。
// ジョブレコードの永続化は呼び出し側（投入ハンドラー）が先に済ませている前提です。
func (m *Manager) Schedule(ctx context.Context, jobType Type, env *queue.Envelope) error {
	payload, err := queue.Encode(env)
	if err != nil {
		return err
	}

	var task *asynq.Task
	switch jobType {
	case TypeExport:
		task = asynq.NewTask(taskTypeExport, payload, asynq.Queue(queueExport))
	case TypeOCR:
		task = asynq.NewTask(taskTypeOCR, payload, asynq.Queue(queueOCR))
	default:
		return fmt.Errorf("unsupported job type: %s", jobType)
	}

	_, err = m.client.EnqueueContext(ctx, task)
	return err
}

// handleExportTask はエクスポートジョブ1件を処理します。
//
// 状態遷移: (queued) → running → completed|failed
// 復号できない・ジョブを特定できないメッセージは poison として記録のみ行い破棄します。
func (m *Manager) handleExportTask(ctx context.Context, task *asynq.Task) error {
	env, ok := m.decodePayload(taskTypeExport, task)
	if !ok {
		return nil
	}

	// いかなるI/Oよりも先に running を書き、ポーリング側から進行中が見えるようにする
	if err := m.store.UpdateJob(ctx, env.JobID, Patch{Status: StatusRunning}); err != nil {
		return err
	}

	sas, err := m.runExport(ctx, env)
	if err != nil {
		m.markFailed(ctx, env.JobID, err)
		return err
	}
	return m.markCompleted(ctx, env.JobID, sas.URL)
}

// handleOCRTask はOCRジョブ1件を処理します。
// バックエンド未設定の場合は想定内の失敗として failed を1回だけ書き、正常終了します。
func (m *Manager) handleOCRTask(ctx context.Context, task *asynq.Task) error {
	env, ok := m.decodePayload(taskTypeOCR, task)
	if !ok {
		return nil
	}

	if m.ocr == nil || !m.ocr.Configured() {
		msg := errOCRNotConfigured
		return m.store.UpdateJob(ctx, env.JobID, Patch{Status: StatusFailed, Error: &msg})
	}

	if err := m.store.UpdateJob(ctx, env.JobID, Patch{Status: StatusRunning}); err != nil {
		return err
	}

	sas, err := m.runOCR(ctx, env)
	if err != nil {
		m.markFailed(ctx, env.JobID, err)
		return err
	}
	return m.markCompleted(ctx, env.JobID, sas.URL)
}

// runExport は元PDFを取得し、エクスポート先へ書き出して署名付きURLを発行します。
// 出力先パスはジョブから決定的に導かれるため、再配送されても同じBlobを上書きするだけです。
func (m *Manager) runExport(ctx context.Context, env *queue.Envelope) (*blob.SASURL, error) {
	doc, err := m.loadSourceDocument(ctx, env.DocID)
	if err != nil {
		return nil, err
	}

	data, err := m.blobs.DownloadToBuffer(ctx, m.opts.SourceContainer, doc.SourceBlobName)
	if err != nil {
		return nil, err
	}

	prepared, err := pdf.PrepareExport(data, m.opts.OptimizeExports)
	if err != nil {
		return nil, err
	}

	dest := fmt.Sprintf("%s/%s/%s.pdf", env.OwnerEmail, env.DocID, env.JobID)
	if err := m.blobs.UploadBuffer(ctx, m.opts.ExportContainer, dest, prepared, "application/pdf"); err != nil {
		return nil, err
	}

	return m.blobs.BuildBlobSASURL(ctx, m.opts.ExportContainer, dest, "r", m.opts.SASTTLMinutes)
}

// ocrArtifact はOCR成果物としてBlobに保存するJSONです。
type ocrArtifact struct {
	JobID     string `json:"jobId"`
	DocID     string `json:"docId"`
	Pages     string `json:"pages,omitempty"`
	PageCount int    `json:"pageCount"`
	Text      string `json:"text"`
}

// runOCR は元PDFをOCRバックエンドに送信し、抽出結果をJSONで書き出します。
func (m *Manager) runOCR(ctx context.Context, env *queue.Envelope) (*blob.SASURL, error) {
	doc, err := m.loadSourceDocument(ctx, env.DocID)
	if err != nil {
		return nil, err
	}

	data, err := m.blobs.DownloadToBuffer(ctx, m.opts.SourceContainer, doc.SourceBlobName)
	if err != nil {
		return nil, err
	}

	result, err := m.ocr.Analyze(ctx, data, env.Pages)
	if err != nil {
		return nil, err
	}

	artifact, err := json.Marshal(ocrArtifact{
		JobID:     env.JobID,
		DocID:     env.DocID,
		Pages:     env.Pages,
		PageCount: result.PageCount,
		Text:      result.Text,
	})
	if err != nil {
		return nil, err
	}

	dest := fmt.Sprintf("%s/%s/%s.ocr.json", env.OwnerEmail, env.DocID, env.JobID)
	if err := m.blobs.UploadBuffer(ctx, m.opts.ExportContainer, dest, artifact, "application/json"); err != nil {
		return nil, err
	}

	return m.blobs.BuildBlobSASURL(ctx, m.opts.ExportContainer, dest, "r", m.opts.SASTTLMinutes)
}

func (m *Manager) loadSourceDocument(ctx context.Context, docID string) (*documents.Document, error) {
	doc, err := m.docs.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.SourceBlobName == "" {
		return nil, ErrMissingSourceBlob
	}
	return doc, nil
}

// decodePayload はメッセージを復号して検証します。
// 復号失敗、または jobId / docId を欠くメッセージはジョブ行を特定できないため、
// 何も書かずに破棄します（ok=false、呼び出し側は nil を返して ACK する）。
func (m *Manager) decodePayload(taskType string, task *asynq.Task) (*queue.Envelope, bool) {
	env, err := queue.Decode(task.Payload())
	if err != nil {
		m.logger.Printf("[%s] dropping poison message: %v", taskType, err)
		return nil, false
	}
	if env.JobID == "" || env.DocID == "" {
		m.logger.Printf("[%s] dropping message without jobId/docId", taskType)
		return nil, false
	}
	return env, true
}

// markFailed は失敗状態を書き込みます。resultUri には触れません。
// 呼び出し側は書き込みの成否に関わらず元のエラーをそのまま返し、
// ランタイム側の再配送・ポイズン処理に委ねます。
func (m *Manager) markFailed(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	if err := m.store.UpdateJob(ctx, jobID, Patch{Status: StatusFailed, Error: &msg}); err != nil {
		m.logger.Printf("failed to persist failure for job=%s: %v", jobID, err)
	}
}

func (m *Manager) markCompleted(ctx context.Context, jobID, resultURI string) error {
	return m.store.UpdateJob(ctx, jobID, Patch{
		Status:     StatusCompleted,
		ResultURI:  &resultURI,
		ClearError: true,
	})
}
