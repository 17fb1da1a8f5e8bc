package recognize

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"shuwa/internal/predict"
	"shuwa/internal/stream"
)

// Recognition は1回分の認識結果
type Recognition struct {
	ID         string    `json:"id"`         // 結果の識別子
	Gesture    string    `json:"gesture"`    // 認識されたジェスチャー
	Confidence float64   `json:"confidence"` // 信頼度 (0.0-1.0)
	Timestamp  time.Time `json:"timestamp"`  // 認識時刻
}

// Config は認識ループの設定
type Config struct {
	Enabled       bool          `json:"enabled"`        // 有効/無効
	Interval      time.Duration `json:"interval"`       // 推論間隔
	MaxHistory    int           `json:"max_history"`    // 履歴の最大保持件数
	MinConfidence float64       `json:"min_confidence"` // 履歴に残す最低信頼度
}

// DefaultConfig はデフォルトの認識設定を返す
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Interval:      500 * time.Millisecond,
		MaxHistory:    50,
		MinConfidence: 0.5,
	}
}

// StateSource はストリームの現在状態を提供する
type StateSource interface {
	Snapshot() stream.State
}

// FrameGrabber は最新フレームを提供する
type FrameGrabber interface {
	GrabFrame(ctx context.Context) ([]byte, error)
}

// Recognizer はストリームのフレームを定期的に推論サーバーへ送る
// ストリームが稼働中でない間は推論をスキップする
type Recognizer struct {
	client predict.Client
	states StateSource
	frames FrameGrabber
	config Config

	history []Recognition

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewRecognizer は新しいRecognizerを作成する
func NewRecognizer(client predict.Client, states StateSource, frames FrameGrabber, config Config) *Recognizer {
	return &Recognizer{
		client:  client,
		states:  states,
		frames:  frames,
		config:  config,
		history: make([]Recognition, 0, config.MaxHistory),
		stopCh:  make(chan struct{}),
	}
}

// Start は認識ループを開始する
func (r *Recognizer) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.recognizeLoop(ctx)

	log.Printf("ジェスチャー認識ループを開始 (間隔: %v)", r.config.Interval)
	return nil
}

// Stop は認識ループを停止する
func (r *Recognizer) Stop(ctx context.Context) error {
	close(r.stopCh)

	// ワーカーゴルーチンの終了を短いタイムアウトで待機
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		log.Printf("認識ループの停止がタイムアウトしました。強制終了します。")
	case <-ctx.Done():
		log.Printf("コンテキストがキャンセルされました。停止処理を中断します。")
	}

	log.Println("ジェスチャー認識ループを停止")
	return nil
}

// recognizeLoop は定期的に1フレームを認識する
func (r *Recognizer) recognizeLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.recognizeOnce(ctx); err != nil {
				log.Printf("ジェスチャー認識エラー: %v", err)
			}
		}
	}
}

// recognizeOnce は1フレームを取得して推論する
// ストリームが稼働中でない、または再生待ちの場合はスキップする
func (r *Recognizer) recognizeOnce(ctx context.Context) error {
	st := r.states.Snapshot()
	if st.Phase != stream.PhaseLive || st.NeedsUserGesture {
		return nil
	}

	frame, err := r.frames.GrabFrame(ctx)
	if err != nil {
		// フレーム未着はエラーではなく次のtickを待つ
		return nil
	}

	result, err := r.client.Predict(ctx, frame)
	if err != nil {
		return err
	}

	// 無認識や低信頼度の結果は履歴に残さない
	if result.Gesture == "" || result.Gesture == "None" {
		return nil
	}
	if result.Confidence < r.config.MinConfidence {
		return nil
	}

	r.record(result)
	return nil
}

// record は認識結果を履歴へ追加する
func (r *Recognizer) record(result predict.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, Recognition{
		ID:         uuid.New().String(),
		Gesture:    result.Gesture,
		Confidence: result.Confidence,
		Timestamp:  time.Now(),
	})

	// 履歴サイズ制限をチェック（FIFO）
	if len(r.history) > r.config.MaxHistory {
		r.history = r.history[1:]
	}
}

// History は認識履歴を新しい順に返す
func (r *Recognizer) History() []Recognition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Recognition, len(r.history))
	for i, rec := range r.history {
		result[len(r.history)-1-i] = rec
	}
	return result
}

// Latest は最新の認識結果を返す
func (r *Recognizer) Latest() (Recognition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.history) == 0 {
		return Recognition{}, false
	}
	return r.history[len(r.history)-1], true
}
