package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shuwa/internal/config"
	"shuwa/internal/predict"
	"shuwa/internal/recognize"
	"shuwa/internal/stream"
)

// stubRecognizer はテスト用のRecognitionSource実装
type stubRecognizer struct {
	history []recognize.Recognition
}

func (s *stubRecognizer) History() []recognize.Recognition {
	return s.history
}

func (s *stubRecognizer) Latest() (recognize.Recognition, bool) {
	if len(s.history) == 0 {
		return recognize.Recognition{}, false
	}
	return s.history[0], true
}

// testFrame は小さなJPEGフレームを生成する
func testFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("フレームの生成に失敗しました: %v", err)
	}
	return buf.Bytes()
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 0,
		},
		Camera: config.CameraConfig{
			Width:       1280,
			Height:      720,
			FrameRate:   15,
			SettleDelay: 10 * time.Millisecond,
		},
		Predict: config.PredictConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 5 * time.Second,
		},
		Recognize: recognize.DefaultConfig(),
	}
}

// newTestServer はモックのカメラ取得元を持つサーバーを構築する
func newTestServer(t *testing.T, provider *stream.MockMediaProvider, recognizer RecognitionSource) (*Server, *stream.Controller, *predict.MockClient) {
	t.Helper()

	cfg := testConfig()
	controller := stream.NewController(
		provider,
		stream.DefaultConstraintChain(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FrameRate),
		stream.ControllerConfig{SettleDelay: cfg.Camera.SettleDelay},
	)
	t.Cleanup(controller.Dispose)

	surface := stream.NewMJPEGSurface(false)
	controller.BindSurface(surface)

	predictor := predict.NewMockClient()
	if recognizer == nil {
		recognizer = &stubRecognizer{}
	}

	return New(cfg, controller, surface, recognizer, predictor), controller, predictor
}

// liveHandle はフレーム投入済みのモックハンドルを作る
// 投入済みフレームが表示先の準備完了を成立させる
func liveHandle(t *testing.T) *stream.MockCaptureHandle {
	t.Helper()
	handle := stream.NewMockCaptureHandle(1)
	handle.MockTracks()[0].PushFrame(testFrame(t))
	return handle
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

// TestHealthEndpoint はヘルスチェックエンドポイントをテストする
func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, stream.NewMockMediaProvider(), nil)

	rec := doRequest(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d, want %d", rec.Code, http.StatusOK)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("予期しないステータス: %s", resp.Status)
	}
}

// TestStateEndpoint は状態取得エンドポイントをテストする
func TestStateEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, stream.NewMockMediaProvider(), nil)

	rec := doRequest(s, http.MethodGet, "/api/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d", rec.Code)
	}

	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Phase != "idle" {
		t.Errorf("初期状態はidleのはずです: got %s", resp.Phase)
	}
}

// TestCameraStartEndpoint はカメラ開始エンドポイントをテストする
func TestCameraStartEndpoint(t *testing.T) {
	provider := stream.NewMockMediaProvider()
	provider.SetOutcomes(stream.MockAcquireOutcome{Handle: liveHandle(t)})
	s, _, _ := newTestServer(t, provider, nil)

	rec := doRequest(s, http.MethodPost, "/api/camera/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d (%s)", rec.Code, rec.Body.String())
	}

	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Phase != "live" {
		t.Errorf("開始後はliveのはずです: got %s", resp.Phase)
	}
	if resp.Permission != "granted" {
		t.Errorf("許可はgrantedのはずです: got %s", resp.Permission)
	}
}

// TestCameraStartPermissionDenied は許可拒否時のレスポンスをテストする
func TestCameraStartPermissionDenied(t *testing.T) {
	provider := stream.NewMockMediaProvider()
	provider.SetOutcomes(
		stream.MockAcquireOutcome{Err: &stream.PlatformError{Name: "NotAllowedError"}},
	)
	s, _, _ := newTestServer(t, provider, nil)

	rec := doRequest(s, http.MethodPost, "/api/camera/start")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("予期しないステータスコード: got %d, want %d", rec.Code, http.StatusForbidden)
	}

	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != "permission_denied" {
		t.Errorf("permission_deniedが期待されます: %+v", resp.Error)
	}
	if resp.Error != nil && resp.Error.Hint == "" {
		t.Error("復旧のヒントが含まれるはずです")
	}
}

// TestCameraStopEndpoint はカメラ停止エンドポイントをテストする
func TestCameraStopEndpoint(t *testing.T) {
	provider := stream.NewMockMediaProvider()
	provider.SetOutcomes(stream.MockAcquireOutcome{Handle: liveHandle(t)})
	s, _, _ := newTestServer(t, provider, nil)

	doRequest(s, http.MethodPost, "/api/camera/start")
	rec := doRequest(s, http.MethodPost, "/api/camera/stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d", rec.Code)
	}

	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Phase != "stopped" {
		t.Errorf("停止後はstoppedのはずです: got %s", resp.Phase)
	}
}

// TestCameraRetryEndpoint は再試行エンドポイントをテストする
func TestCameraRetryEndpoint(t *testing.T) {
	provider := stream.NewMockMediaProvider()
	provider.SetOutcomes(
		stream.MockAcquireOutcome{Err: &stream.PlatformError{Name: "NotReadableError"}},
		stream.MockAcquireOutcome{Handle: liveHandle(t)},
	)
	s, _, _ := newTestServer(t, provider, nil)

	// 1回目は失敗する
	rec := doRequest(s, http.MethodPost, "/api/camera/start")
	if rec.Code == http.StatusOK {
		t.Fatal("1回目の開始は失敗するはずです")
	}

	// 再試行で復旧する
	rec = doRequest(s, http.MethodPost, "/api/camera/retry")
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d (%s)", rec.Code, rec.Body.String())
	}

	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if resp.Phase != "live" {
		t.Errorf("再試行後はliveのはずです: got %s", resp.Phase)
	}
	if resp.IsRetrying {
		t.Error("完了後はIsRetryingがfalseのはずです")
	}
}

// TestPredictionsEndpoint は認識履歴エンドポイントをテストする
func TestPredictionsEndpoint(t *testing.T) {
	recognizer := &stubRecognizer{
		history: []recognize.Recognition{
			{ID: "r1", Gesture: "こんにちは", Confidence: 0.9, Timestamp: time.Now()},
		},
	}
	s, _, _ := newTestServer(t, stream.NewMockMediaProvider(), recognizer)

	rec := doRequest(s, http.MethodGet, "/api/predictions")
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d", rec.Code)
	}

	var resp struct {
		Predictions []recognize.Recognition `json:"predictions"`
		Latest      *recognize.Recognition  `json:"latest"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if len(resp.Predictions) != 1 {
		t.Fatalf("1件の履歴が期待されます: got %d", len(resp.Predictions))
	}
	if resp.Latest == nil || resp.Latest.Gesture != "こんにちは" {
		t.Errorf("最新の認識結果が含まれるはずです: %+v", resp.Latest)
	}
}

// TestPredictHealthEndpoint は推論サーバーの死活確認をテストする
func TestPredictHealthEndpoint(t *testing.T) {
	s, _, predictor := newTestServer(t, stream.NewMockMediaProvider(), nil)

	rec := doRequest(s, http.MethodGet, "/api/predict/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d", rec.Code)
	}

	// 推論サーバーへ到達できない場合
	predictor.SetHealthErr(context.DeadlineExceeded)
	rec = doRequest(s, http.MethodGet, "/api/predict/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("予期しないステータスコード: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

// TestCameraStreamEndpoint はMJPEG配信エンドポイントをテストする
func TestCameraStreamEndpoint(t *testing.T) {
	provider := stream.NewMockMediaProvider()
	handle := liveHandle(t)
	provider.SetOutcomes(stream.MockAcquireOutcome{Handle: handle})
	s, _, _ := newTestServer(t, provider, nil)

	// ライブ状態にしてからストリームへ接続する
	rec := doRequest(s, http.MethodPost, "/api/camera/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("開始に失敗しました: %d (%s)", rec.Code, rec.Body.String())
	}

	ts := httptest.NewServer(s.engine)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/camera/stream", nil)
	if err != nil {
		t.Fatalf("リクエストの作成に失敗しました: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ストリームへの接続に失敗しました: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("予期しないContent-Type: %s", ct)
	}

	// 視聴者が登録された後のフレームが配信される
	go func() {
		// 配信ループへフレームを流し込む
		for i := 0; i < 20; i++ {
			handle.MockTracks()[0].PushFrame(testFrame(t))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	buf := make([]byte, 4096)
	n, err := io.ReadAtLeast(resp.Body, buf, len("--frame"))
	if err != nil {
		t.Fatalf("フレームの受信に失敗しました: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte("--frame")) {
		t.Error("マルチパート境界が含まれるはずです")
	}
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Port = 0 // ランダムポートを使用

	provider := stream.NewMockMediaProvider()
	controller := stream.NewController(
		provider,
		stream.DefaultConstraintChain(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FrameRate),
		stream.ControllerConfig{},
	)
	defer controller.Dispose()

	surface := stream.NewMJPEGSurface(false)
	controller.BindSurface(surface)

	srv := New(cfg, controller, surface, &stubRecognizer{}, predict.NewMockClient())

	// テスト用のコンテキスト（タイムアウト付き）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	// エラーチャンネルから結果を受信
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}
