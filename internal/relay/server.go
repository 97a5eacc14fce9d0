package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/nao1215/prinotify/internal/broker"
	"github.com/nao1215/prinotify/internal/config"
	"github.com/nao1215/prinotify/pkg/httpclient"
	"github.com/nao1215/prinotify/pkg/middleware"
)

// Server は通知リレーサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバー設定。
	cfg *config.Config
	// db はSQLiteデータベース接続。
	db *sqlx.DB
	// queries はクエリ実行オブジェクト。
	queries *Queries
	// broker はユーザー単位のイベントファンアウト。
	broker *broker.Broker
	// oidcClient はOIDCプロバイダとの通信クライアント。
	oidcClient *httpclient.Client
	// httpSrv はグレースフルシャットダウン用のHTTPサーバー。
	httpSrv *http.Server

	// oidcMu はoidcProviderのキャッシュを保護する。
	oidcMu sync.Mutex
	// oidcProvider はディスカバリ済みのOIDCエンドポイント情報。
	oidcProvider *oidcProviderConfig
}

// NewServer は新しい通知リレーサーバーを生成する。
// SQLiteデータベースの初期化とマイグレーション適用を行う。
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := openDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORS(cfg.CORSOrigins))
	}

	s := &Server{
		router:     router,
		cfg:        cfg,
		db:         db,
		queries:    NewQueries(db),
		broker:     broker.New(cfg.Stream.Buffer),
		oidcClient: httpclient.New(cfg.OIDC.IssuerURL),
	}
	s.setupTemplates()
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。Shutdownが呼ばれるまでブロックする。
func (s *Server) Run() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%s", s.cfg.Port),
		Handler: s.router,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown はサーバーをグレースフルに停止する。
// 先にBrokerを閉じて全ストリームセッションを終了させてから、
// HTTPサーバーの停止とデータベースのクローズを行う。
func (s *Server) Shutdown(ctx context.Context) error {
	// ストリーム接続はクライアント側から切断されないため、
	// Brokerのクローズでセッションを確実に終わらせる。
	s.broker.Close()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("データベースのクローズに失敗: %w", err)
	}
	log.Printf("サーバーを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// OIDC認証エンドポイント（認証不要）
	auth := s.router.Group("/auth")
	{
		auth.GET("/login", s.handleLogin())
		auth.GET("/callback", s.handleCallback())
		auth.GET("/logout", s.handleLogout())
	}

	// 認証必須のAPIエンドポイント（セッションまたはBearerトークン）
	api := s.router.Group("/api")
	api.Use(s.authRequired())
	{
		api.GET("/me", s.handleMe())

		notifications := api.Group("/notifications")
		{
			// 通知一覧取得（ページネーション＋フィルタ）
			notifications.GET("", s.handleListNotifications())
			// 通知作成（外部プロデューサが使用）
			notifications.POST("", s.handleCreateNotification())
			// リアルタイム配信ストリーム（SSE）
			notifications.GET("/stream", s.handleStream())
			// 通知1件取得
			notifications.GET("/:id", s.handleGetNotification())
			// ステータス変更
			notifications.PATCH("/:id", s.handleUpdateNotification())
			// 通知削除
			notifications.DELETE("/:id", s.handleDeleteNotification())
		}
	}

	// トークン管理はセッション認証のみ（トークンでトークンを操作させない）
	tokens := s.router.Group("/api/tokens")
	tokens.Use(s.sessionRequired())
	{
		tokens.GET("", s.handleListTokens())
		tokens.POST("", s.handleCreateToken())
		tokens.DELETE("/:id", s.handleRevokeToken())
	}

	// HTMLページ
	s.router.GET("/", s.handleIndexPage())
	s.router.GET("/login", s.handleLoginPage())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "prinotify"})
	})
}
