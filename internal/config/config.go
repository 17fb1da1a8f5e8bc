package config

import (
	"fmt"
	"os"
	"time"

	"shuwa/internal/recognize"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Camera    CameraConfig     `yaml:"camera"`
	Predict   PredictConfig    `yaml:"predict"`
	Recognize recognize.Config `yaml:"recognize"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ取得の設定
type CameraConfig struct {
	Device string `yaml:"device"` // デバイスパス (例: /dev/video0、空なら自動選択)

	// 理想段の要求値（フォールバックで緩和される）
	Width     int `yaml:"width"`      // 画像幅
	Height    int `yaml:"height"`     // 画像高さ
	FrameRate int `yaml:"frame_rate"` // フレームレート (fps)

	AutoStart   bool          `yaml:"auto_start"`   // 表示先の束縛時に自動で取得を開始する
	SettleDelay time.Duration `yaml:"settle_delay"` // 再取得前の待機時間
}

// PredictConfig は推論サーバーへの接続設定
type PredictConfig struct {
	BaseURL string        `yaml:"base_url"` // 推論サーバーのベースURL
	Timeout time.Duration `yaml:"timeout"`  // リクエストタイムアウト
}

// Load は設定を読み込む
// 現在はデフォルト値と環境変数によるシンプルな実装
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsIntOrDefault("PORT", 8080),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Device:    getEnvOrDefault("CAMERA_DEVICE", ""),
			Width:     1280,
			Height:    720,
			FrameRate: 15,
			AutoStart: true,
		},
		Predict: PredictConfig{
			BaseURL: getEnvOrDefault("PREDICT_URL", "http://localhost:8000"),
			Timeout: 10 * time.Second,
		},
		Recognize: recognize.DefaultConfig(),
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FrameRate < 0 {
		return fmt.Errorf("無効なフレームレート: %d", c.Camera.FrameRate)
	}

	if c.Predict.BaseURL == "" {
		return fmt.Errorf("推論サーバーのURLが設定されていません")
	}

	if c.Recognize.Enabled {
		if c.Recognize.Interval <= 0 {
			return fmt.Errorf("無効な認識間隔: %v", c.Recognize.Interval)
		}
		if c.Recognize.MaxHistory < 1 {
			return fmt.Errorf("無効な履歴件数: %d", c.Recognize.MaxHistory)
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
