package main

import (
	"context"
	"log"

	"shuwa/internal/config"
	"shuwa/internal/predict"
	"shuwa/internal/recognize"
	"shuwa/internal/server"
	"shuwa/internal/stream"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	ctx := context.Background()

	// カメラ取得のライフサイクルを構築する
	provider := stream.NewV4L2Provider(cfg.Camera.Device)
	chain := stream.DefaultConstraintChain(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FrameRate)
	controller := stream.NewController(provider, chain, stream.ControllerConfig{
		AutoStart:   cfg.Camera.AutoStart,
		SettleDelay: cfg.Camera.SettleDelay,
	})
	defer controller.Dispose()

	// 視聴者の接続を再生開始の条件にする
	surface := stream.NewMJPEGSurface(true)
	controller.BindSurface(surface)

	// 推論サーバーへのクライアントと認識ループ
	predictor := predict.NewHTTPClient(cfg.Predict.BaseURL, cfg.Predict.Timeout)
	recognizer := recognize.NewRecognizer(predictor, controller, surface, cfg.Recognize)
	if cfg.Recognize.Enabled {
		if err := recognizer.Start(ctx); err != nil {
			log.Fatalf("認識ループの開始に失敗しました: %v", err)
		}
		defer func() {
			_ = recognizer.Stop(context.Background())
		}()
	}

	// サーバーを作成して起動
	srv := server.New(cfg, controller, surface, recognizer, predictor)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
