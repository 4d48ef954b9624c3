package jobs

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/auth"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/documents"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/queue"
)

// Scheduler はジョブをキューに投入するためのインターフェースです。
type Scheduler interface {
	Schedule(ctx context.Context, jobType Type, env *queue.Envelope) error
}

// pagesPattern は OCR のページ指定として許可する形式（例: "1,3-5"）です。
var pagesPattern = regexp.MustCompile(`^[0-9,\-]*$`)

type exportRequest struct {
	Format string `json:"format"`
}

type ocrRequest struct {
	Pages string `json:"pages"`
}

// StartExportHandler は POST /docs/:docId/export のハンドラーを返します。
func StartExportHandler(store Store, docs documents.Store, scheduler Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, doc, apiErr := authorizeDocument(c, docs)
		if apiErr != nil {
			respondWithError(c, apiErr)
			return
		}

		// ボディの解釈失敗はリクエスト失敗ではなく空ボディとして扱う
		var req exportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			req = exportRequest{}
		}

		format := strings.ToLower(strings.TrimSpace(req.Format))
		if format == "" {
			format = "pdf"
		}
		if format != "pdf" {
			respondWithError(c, newError("validation_error", `unsupported export format: only "pdf" is available`))
			return
		}

		job := newJob(TypeExport, doc.DocID, identity.Email)
		job.RequestedFormat = format

		startJob(c, store, scheduler, job)
	}
}

// StartOCRHandler は POST /docs/:docId/ocr のハンドラーを返します。
func StartOCRHandler(store Store, docs documents.Store, scheduler Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, doc, apiErr := authorizeDocument(c, docs)
		if apiErr != nil {
			respondWithError(c, apiErr)
			return
		}

		var req ocrRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			req = ocrRequest{}
		}

		pages := strings.TrimSpace(req.Pages)
		if !pagesPattern.MatchString(pages) {
			respondWithError(c, newError("validation_error", "pages must contain only digits, commas and hyphens"))
			return
		}

		job := newJob(TypeOCR, doc.DocID, identity.Email)
		job.Pages = pages

		startJob(c, store, scheduler, job)
	}
}

// StatusHandler は GET /jobs/:jobId のハンドラーを返します。
// status を持たない古いレコードでも落ちないよう、欠損フィールドは正規化して返します。
func StatusHandler(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFrom(c)
		if !ok {
			respondWithError(c, newError("unauthorized", "authentication required"))
			return
		}

		jobID := c.Param("jobId")
		job, err := store.GetJob(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, newError("internal_error", "failed to load job"))
			return
		}
		if job == nil {
			respondWithError(c, newError("not_found", "job not found"))
			return
		}
		if !strings.EqualFold(strings.TrimSpace(job.OwnerEmail), strings.TrimSpace(identity.Email)) {
			respondWithError(c, newError("forbidden", "job belongs to another user"))
			return
		}

		status := job.Status
		if status == "" {
			status = StatusUnknown
		}

		var resultURI any
		if job.ResultURI != nil {
			resultURI = *job.ResultURI
		}
		var jobErr any
		if job.Error != nil {
			jobErr = *job.Error
		}

		c.JSON(http.StatusOK, gin.H{
			"jobId":     job.JobID,
			"status":    status,
			"type":      job.Type,
			"resultUri": resultURI,
			"error":     jobErr,
			"updatedAt": job.UpdatedAt,
		})
	}
}

// authorizeDocument は認証・ドキュメント取得・所有者照合を行います。
func authorizeDocument(c *gin.Context, docs documents.Store) (*auth.Identity, *documents.Document, *Error) {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		return nil, nil, newError("unauthorized", "authentication required")
	}

	docID := c.Param("docId")
	doc, err := docs.GetDocument(c.Request.Context(), docID)
	if err != nil {
		return nil, nil, newError("internal_error", "failed to load document")
	}
	if doc == nil {
		return nil, nil, newError("not_found", "document not found")
	}
	if !strings.EqualFold(strings.TrimSpace(doc.OwnerEmail), strings.TrimSpace(identity.Email)) {
		return nil, nil, newError("forbidden", "document belongs to another user")
	}
	return identity, doc, nil
}

func newJob(jobType Type, docID, ownerEmail string) *Job {
	now := time.Now().UTC()
	return &Job{
		JobID:      uuid.NewString(),
		DocID:      docID,
		OwnerEmail: strings.ToLower(strings.TrimSpace(ownerEmail)),
		Type:       jobType,
		Status:     StatusQueued,
		Attempt:    0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// startJob はジョブを永続化してからキューに投入し、202 を返します。
// ワーカーが存在しないジョブ行のメッセージを取り出せないよう、順序は必ず 保存 → 投入 です。
func startJob(c *gin.Context, store Store, scheduler Scheduler, job *Job) {
	ctx := c.Request.Context()
	if err := store.CreateJob(ctx, job); err != nil {
		respondWithError(c, newError("internal_error", "failed to create job"))
		return
	}

	env := &queue.Envelope{
		JobID:           job.JobID,
		DocID:           job.DocID,
		OwnerEmail:      job.OwnerEmail,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		Attempt:         job.Attempt,
		RequestedFormat: job.RequestedFormat,
		Pages:           job.Pages,
	}
	if err := scheduler.Schedule(ctx, job.Type, env); err != nil {
		respondWithError(c, newError("internal_error", "failed to enqueue job"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.JobID})
}
