// Package blob はS3互換ストレージへのバイト列の入出力と署名付きURLの発行を提供します。
package blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SASURL は期限付きの署名済みURLです。
type SASURL struct {
	URL       string    `json:"url"`
	ExpiresOn time.Time `json:"expiresOn"`
}

// Store はBlobコラボレーターの契約です。
type Store interface {
	DownloadToBuffer(ctx context.Context, container, blobName string) ([]byte, error)
	UploadBuffer(ctx context.Context, container, blobName string, data []byte, contentType string) error
	// BuildBlobSASURL は1つのBlobに対する期限付き署名URLを発行します。
	// permissions は現状 "r"（読み取り）のみ対応します。
	BuildBlobSASURL(ctx context.Context, container, blobName, permissions string, ttlMinutes int) (*SASURL, error)
}

// Options はS3クライアントの接続設定です。
type Options struct {
	Endpoint        string // 空の場合はAWS標準エンドポイント
	Region          string // R2 の場合は通常 "auto"
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store は aws-sdk-go-v2 を利用した Store 実装です。
// R2やMinIOなどS3互換ストレージもエンドポイント指定で利用できます。
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Store は S3Store を作成します。
func NewS3Store(ctx context.Context, opts Options) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.SecretAccessKey, "",
		)),
		awsconfig.WithRegion(opts.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// DownloadToBuffer はBlobをメモリに読み込みます。
func (s *S3Store) DownloadToBuffer(ctx context.Context, container, blobName string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(blobName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s/%s: %w", container, blobName, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read body for %s/%s: %w", container, blobName, err)
	}
	return buf.Bytes(), nil
}

// UploadBuffer はバイト列をBlobとして保存します。
func (s *S3Store) UploadBuffer(ctx context.Context, container, blobName string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(container),
		Key:         aws.String(blobName),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", container, blobName, err)
	}
	return nil
}

// BuildBlobSASURL は読み取り専用の署名付きURLを発行します。
func (s *S3Store) BuildBlobSASURL(ctx context.Context, container, blobName, permissions string, ttlMinutes int) (*SASURL, error) {
	if permissions != "r" {
		return nil, fmt.Errorf("unsupported sas permissions: %q", permissions)
	}
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	ttl := time.Duration(ttlMinutes) * time.Minute

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(blobName),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to presign %s/%s: %w", container, blobName, err)
	}

	return &SASURL{
		URL:       req.URL,
		ExpiresOn: time.Now().UTC().Add(ttl),
	}, nil
}
