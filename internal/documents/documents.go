// Package documents はドキュメントメタデータの読み取り専用アクセスを提供します。
// ドキュメントの作成・更新はアップロード側エンジンの責務で、
// ここでは所有者の確認と元Blobの所在解決にのみ使用します。
package documents

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Document はアップロード済みPDF1件のメタデータです。
type Document struct {
	DocID          string    `json:"docId"`
	OwnerEmail     string    `json:"ownerEmail"`
	SourceBlobName string    `json:"sourceBlobName"`
	Filename       string    `json:"filename"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store はドキュメント参照の契約です。
type Store interface {
	// GetDocument はドキュメントを取得します。存在しない場合は (nil, nil) を返します。
	GetDocument(ctx context.Context, docID string) (*Document, error)
}

// PostgresStore は PostgreSQL を参照する Store 実装です。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore は PostgresStore を作成します。
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Open は接続プールを作成します。
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "redarm-api"

	return pgxpool.NewWithConfig(ctx, pc)
}

// GetDocument はドキュメントを取得します。
func (s *PostgresStore) GetDocument(ctx context.Context, docID string) (*Document, error) {
	const query = `
		SELECT doc_id, owner_email, COALESCE(source_blob_name, ''), COALESCE(filename, ''), created_at
		FROM documents
		WHERE doc_id = $1`

	var doc Document
	err := s.pool.QueryRow(ctx, query, docID).Scan(
		&doc.DocID,
		&doc.OwnerEmail,
		&doc.SourceBlobName,
		&doc.Filename,
		&doc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}
