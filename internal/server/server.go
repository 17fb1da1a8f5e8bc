package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"shuwa/internal/config"
	"shuwa/internal/predict"
	"shuwa/internal/recognize"
	"shuwa/internal/stream"
)

// CameraController はハンドラーが必要とするライフサイクル操作
type CameraController interface {
	Snapshot() stream.State
	Start(ctx context.Context) error
	Retry(ctx context.Context) error
	Stop()
}

// RecognitionSource は認識履歴の取得元
type RecognitionSource interface {
	History() []recognize.Recognition
	Latest() (recognize.Recognition, bool)
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	controller CameraController
	surface    *stream.MJPEGSurface
	recognizer RecognitionSource
	predictor  predict.Client

	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, controller CameraController, surface *stream.MJPEGSurface, recognizer RecognitionSource, predictor predict.Client) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:     cfg,
		controller: controller,
		surface:    surface,
		recognizer: recognizer,
		predictor:  predictor,
		engine:     engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	// APIエンドポイント
	api := s.engine.Group("/api")
	{
		api.GET("/state", s.handleState)
		api.POST("/camera/start", s.handleCameraStart)
		api.POST("/camera/retry", s.handleCameraRetry)
		api.POST("/camera/stop", s.handleCameraStop)
		api.GET("/camera/stream", s.handleCameraStream)
		api.GET("/predictions", s.handlePredictions)
		api.GET("/predict/health", s.handlePredictHealth)
	}
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Printf("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}
