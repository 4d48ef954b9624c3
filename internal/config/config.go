// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AuthUsers     string // ログイン可能なユーザー一覧（email:bcryptハッシュ:role をカンマ区切り）
	SessionSecret string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq・ジョブ状態保存用Redis接続URL
	JobExpireMinutes  int    // ジョブレコードの有効期限（分）
	WorkerConcurrency int    // Asynqワーカーの並列数

	// ドキュメントストア設定
	DocumentsDSN string // ドキュメントメタデータ参照用PostgreSQL DSN

	// Blobストレージ設定
	BlobEndpoint    string // S3互換エンドポイント（R2/MinIO等、空の場合はAWS標準）
	BlobRegion      string // リージョン（R2の場合は auto）
	BlobAccessKeyID string // アクセスキーID
	BlobSecretKey   string // シークレットアクセスキー
	SourceContainer string // アップロード元PDFのバケット名
	ExportContainer string // エクスポート成果物のバケット名
	SASTTLMinutes   int    // 署名付きURLの有効期限（分）

	// エクスポート処理設定
	ExportOptimize bool // アップロード前に pdfcpu の最適化パスを通すかどうか

	// OCR設定（Azure Document Intelligence）
	DocIntelEndpoint   string // Document Intelligence エンドポイント
	DocIntelKey        string // Document Intelligence APIキー
	DocIntelAPIVersion string // APIバージョン
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AuthUsers:     getEnv("AUTH_USERS", ""),
		SessionSecret: getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 60*24),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		// ドキュメントストア設定
		DocumentsDSN: getEnv("DOCUMENTS_DSN", "postgres://localhost:5432/redarm?sslmode=disable"),

		// Blobストレージ設定
		BlobEndpoint:    getEnv("BLOB_ENDPOINT", ""),
		BlobRegion:      getEnv("BLOB_REGION", "auto"),
		BlobAccessKeyID: getEnv("BLOB_ACCESS_KEY_ID", ""),
		BlobSecretKey:   getEnv("BLOB_SECRET_KEY", ""),
		SourceContainer: getEnv("SOURCE_CONTAINER", "docs-source"),
		ExportContainer: getEnv("EXPORT_CONTAINER", "docs-export"),
		SASTTLMinutes:   getEnvAsInt("SAS_TTL_MINUTES", 60),

		// エクスポート処理設定
		ExportOptimize: getEnvAsBool("EXPORT_OPTIMIZE", true),

		// OCR設定
		DocIntelEndpoint:   getEnv("DOCINTEL_ENDPOINT", ""),
		DocIntelKey:        getEnv("DOCINTEL_KEY", ""),
		DocIntelAPIVersion: getEnv("DOCINTEL_API_VERSION", "2024-11-30"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証・ストレージ設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AuthUsers == "" {
			return fmt.Errorf("AUTH_USERS is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.DocumentsDSN == "" {
			return fmt.Errorf("DOCUMENTS_DSN is required in release mode")
		}
		if c.BlobAccessKeyID == "" || c.BlobSecretKey == "" {
			return fmt.Errorf("BLOB_ACCESS_KEY_ID and BLOB_SECRET_KEY are required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
