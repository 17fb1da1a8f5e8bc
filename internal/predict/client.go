package predict

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result は推論サーバーからの認識結果
type Result struct {
	Gesture    string  `json:"gesture"`
	Confidence float64 `json:"confidence"`
}

// Client は手話ジェスチャー推論サーバーへのインターフェース
type Client interface {
	// Predict はJPEGフレームを送信して認識結果を受け取る
	Predict(ctx context.Context, frame []byte) (Result, error)

	// Health は推論サーバーの死活を確認する
	Health(ctx context.Context) error
}

// predictRequest は/predictへのリクエストボディ
type predictRequest struct {
	Image string `json:"image"` // base64エンコードされたJPEG
}

// healthResponse は/healthのレスポンスボディ
type healthResponse struct {
	Status string `json:"status"`
}

// HTTPClient は推論サーバーへのHTTPクライアント実装
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient は新しいHTTPClientを作成する
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Predict はフレームをbase64エンコードして送信し、認識結果を受け取る
func (c *HTTPClient) Predict(ctx context.Context, frame []byte) (Result, error) {
	body, err := json.Marshal(predictRequest{
		Image: base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return Result{}, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("推論サーバーへの接続に失敗: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// エラーレスポンスのボディは診断用に先頭だけ読む
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("推論サーバーがエラーを返しました: %d (%s)", resp.StatusCode, string(detail))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}

	return result, nil
}

// Health は/healthを確認する
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("リクエストの作成に失敗: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("推論サーバーへの接続に失敗: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("推論サーバーが異常を返しました: %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("レスポンスの解析に失敗: %w", err)
	}
	if health.Status != "healthy" {
		return fmt.Errorf("推論サーバーのステータスが異常: %s", health.Status)
	}

	return nil
}

// MockClient はテスト用のClient実装
type MockClient struct {
	mu sync.Mutex

	result    Result
	predErr   error
	healthErr error

	frames [][]byte
}

// NewMockClient は新しいMockClientを作成する
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SetResult はPredictの戻り値を設定する
func (m *MockClient) SetResult(result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
}

// SetPredictErr はPredictのエラーを設定する
func (m *MockClient) SetPredictErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predErr = err
}

// SetHealthErr はHealthのエラーを設定する
func (m *MockClient) SetHealthErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// Predict は設定された結果を返し、受け取ったフレームを記録する
func (m *MockClient) Predict(_ context.Context, frame []byte) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.predErr != nil {
		return Result{}, m.predErr
	}

	copied := make([]byte, len(frame))
	copy(copied, frame)
	m.frames = append(m.frames, copied)

	return m.result, nil
}

// Health は設定されたエラーを返す
func (m *MockClient) Health(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

// Frames は受け取ったフレームの履歴を返す
func (m *MockClient) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.frames))
	copy(result, m.frames)
	return result
}
