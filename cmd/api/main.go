// Package main はAPIサーバーとジョブワーカーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/auth"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/blob"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/config"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/documents"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/jobs"
	"github.com/DandaAkhilReddy/redarm-PDF-EDITOR-sub000/internal/ocr"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
	}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// 外部コラボレーターの配線
	jobStore, docStore, blobStore, ocrClient := setupCollaborators(cfg)

	// ジョブマネージャー（投入クライアント + ワーカー）の初期化
	manager, err := jobs.NewManager(
		cfg.QueueRedisURL,
		jobStore,
		docStore,
		blobStore,
		ocrClient,
		log.Default(),
		jobs.WorkerOptions{
			SourceContainer: cfg.SourceContainer,
			ExportContainer: cfg.ExportContainer,
			SASTTLMinutes:   cfg.SASTTLMinutes,
			OptimizeExports: cfg.ExportOptimize,
			Concurrency:     cfg.WorkerConcurrency,
		},
	)
	if err != nil {
		log.Fatalf("Failed to initialize jobs manager: %v", err)
	}
	manager.StartWorkers()

	// ルーティングの設定
	setupRoutes(router, cfg, jobStore, docStore, manager)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupCollaborators はジョブコアが消費する外部エンジン群を初期化します。
func setupCollaborators(cfg *config.Config) (jobs.Store, documents.Store, blob.Store, ocr.Client) {
	// ジョブレコード用Redis
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		log.Fatalf("Failed to parse redis url: %v", err)
	}
	redisClient := redis.NewClient(opt)

	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 60 * 24
	}
	jobStore := jobs.NewRedisStore(redisClient, time.Duration(ttlMinutes)*time.Minute)

	// ドキュメントメタデータ用PostgreSQL
	pool, err := documents.Open(context.Background(), cfg.DocumentsDSN)
	if err != nil {
		log.Fatalf("Failed to connect to documents store: %v", err)
	}
	docStore := documents.NewPostgresStore(pool)

	// Blobストレージ
	blobStore, err := blob.NewS3Store(context.Background(), blob.Options{
		Endpoint:        cfg.BlobEndpoint,
		Region:          cfg.BlobRegion,
		AccessKeyID:     cfg.BlobAccessKeyID,
		SecretAccessKey: cfg.BlobSecretKey,
	})
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}

	// OCRバックエンド（未設定の場合、OCRジョブは想定内の失敗として終わる）
	ocrClient := ocr.NewDocumentIntelligence(cfg.DocIntelEndpoint, cfg.DocIntelKey, cfg.DocIntelAPIVersion)

	return jobStore, docStore, blobStore, ocrClient
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "redarm-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, jobStore jobs.Store, docStore documents.Store, manager *jobs.Manager) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg.AuthUsers)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireIdentity(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireIdentity(), authManager.VerifyCSRF())
		{
			protected.POST("/docs/:docId/export", jobs.StartExportHandler(jobStore, docStore, manager))
			protected.POST("/docs/:docId/ocr", jobs.StartOCRHandler(jobStore, docStore, manager))
			protected.GET("/jobs/:jobId", jobs.StatusHandler(jobStore))
		}
	}
}
