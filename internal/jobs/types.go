package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// StatusUnknown は status を持たない古いレコードの投影結果です。
	StatusUnknown Status = "unknown"
)

// Type はジョブの種別を表します。
type Type string

const (
	TypeExport Type = "export"
	TypeOCR    Type = "ocr"
)

// Job はドキュメントと所有者に紐づく非同期処理1件の現在状態を表します。
//
// 不変条件:
//   - ResultURI は Status が completed の場合に限り非nil
//   - Error は Status が failed の場合に限り非nil
//   - Status は queued → running → {completed|failed} の順にのみ遷移する
type Job struct {
	JobID      string    `json:"jobId"`
	DocID      string    `json:"docId"`
	OwnerEmail string    `json:"ownerEmail"`
	Type       Type      `json:"type"`
	Status     Status    `json:"status"`
	Attempt    int       `json:"attempt"`
	ResultURI  *string   `json:"resultUri"`
	Error      *string   `json:"error"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	// タスク種別ごとの追加フィールド
	RequestedFormat string `json:"requestedFormat,omitempty"` // export
	Pages           string `json:"pages,omitempty"`           // ocr
}

// Patch はジョブの部分更新を表します。
// このサブシステムが正当に書き換えてよいフィールドだけを持ち、
// nil（またはfalse）のフィールドは既存値を保持します。
// UpdatedAt はストア側で常に更新されます。
type Patch struct {
	Status    Status  // 空文字列なら変更なし
	ResultURI *string // nil なら変更なし
	Error     *string // nil なら変更なし
	Attempt   *int    // nil なら変更なし

	// ClearResultURI / ClearError は該当フィールドを明示的に null へ戻します。
	ClearResultURI bool
	ClearError     bool
}

func (p Patch) apply(job *Job) {
	if p.Status != "" {
		job.Status = p.Status
	}
	if p.ResultURI != nil {
		job.ResultURI = p.ResultURI
	}
	if p.ClearResultURI {
		job.ResultURI = nil
	}
	if p.Error != nil {
		job.Error = p.Error
	}
	if p.ClearError {
		job.Error = nil
	}
	if p.Attempt != nil {
		job.Attempt = *p.Attempt
	}
}
