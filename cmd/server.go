// Package main はShuwaサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"shuwa/internal/config"
	"shuwa/internal/predict"
	"shuwa/internal/recognize"
	"shuwa/internal/server"
	"shuwa/internal/stream"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		device     = flag.String("device", "", "カメラデバイス (例: /dev/video0)")
		predictURL = flag.String("predict-url", "", "推論サーバーのURL (デフォルト: http://localhost:8000)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Shuwa")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if *predictURL != "" {
		cfg.Predict.BaseURL = *predictURL
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
	log.Printf("Shuwa サーバーを起動します: %s", cfg.ServerAddress())
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
