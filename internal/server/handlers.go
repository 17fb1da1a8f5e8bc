package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"shuwa/internal/stream"
)

// healthResponse はヘルスチェックのレスポンス
type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// errorInfo は分類済みエラーのレスポンス表現
type errorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// stateResponse はストリーム状態のレスポンス
type stateResponse struct {
	Phase            string     `json:"phase"`
	Permission       string     `json:"permission"`
	Error            *errorInfo `json:"error,omitempty"`
	NeedsUserGesture bool       `json:"needs_user_gesture"`
	IsRetrying       bool       `json:"is_retrying"`
	Diagnostic       string     `json:"diagnostic,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// toStateResponse はStateをレスポンス表現へ変換する
func toStateResponse(st stream.State) stateResponse {
	resp := stateResponse{
		Phase:            string(st.Phase),
		Permission:       string(st.Permission),
		NeedsUserGesture: st.NeedsUserGesture,
		IsRetrying:       st.IsRetrying,
		Diagnostic:       st.Diagnostic,
		Timestamp:        time.Now(),
	}
	if st.Err != nil {
		resp.Error = &errorInfo{
			Kind:    string(st.Err.Kind),
			Message: st.Err.Message,
			Hint:    st.Err.Hint,
		}
	}
	return resp
}

// statusForKind は分類からHTTPステータスコードを決定する
func statusForKind(kind stream.ErrorKind) int {
	switch kind {
	case stream.KindPermissionDenied:
		return http.StatusForbidden
	case stream.KindDeviceNotFound:
		return http.StatusNotFound
	case stream.KindOverconstrained:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// handleHealth はヘルスチェックエンドポイントの実装
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleState は現在のストリーム状態を返す
func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, toStateResponse(s.controller.Snapshot()))
}

// handleCameraStart はカメラ取得を開始する
func (s *Server) handleCameraStart(c *gin.Context) {
	s.respondAfter(c, s.controller.Start(c.Request.Context()))
}

// handleCameraRetry は既存のハンドルを解放して取得をやり直す
func (s *Server) handleCameraRetry(c *gin.Context) {
	s.respondAfter(c, s.controller.Retry(c.Request.Context()))
}

// handleCameraStop はカメラを停止する
func (s *Server) handleCameraStop(c *gin.Context) {
	s.controller.Stop()
	c.JSON(http.StatusOK, toStateResponse(s.controller.Snapshot()))
}

// respondAfter はライフサイクル操作の結果を状態として返す
func (s *Server) respondAfter(c *gin.Context, err error) {
	snap := s.controller.Snapshot()
	if err != nil {
		status := http.StatusServiceUnavailable
		if snap.Err != nil {
			status = statusForKind(snap.Err.Kind)
		}
		c.JSON(status, toStateResponse(snap))
		return
	}
	c.JSON(http.StatusOK, toStateResponse(snap))
}

// handlePredictions は認識履歴を返す
func (s *Server) handlePredictions(c *gin.Context) {
	history := s.recognizer.History()

	resp := gin.H{"predictions": history}
	if latest, ok := s.recognizer.Latest(); ok {
		resp["latest"] = latest
	}

	c.JSON(http.StatusOK, resp)
}

// handlePredictHealth は推論サーバーの死活を返す
func (s *Server) handlePredictHealth(c *gin.Context) {
	if err := s.predictor.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unreachable",
			"detail":    err.Error(),
			"timestamp": time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleCameraStream はMJPEGストリームを配信する
// 視聴者の接続が再生開始の条件になっている場合、接続を機に再生を再開する
func (s *Server) handleCameraStream(c *gin.Context) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	// レスポンスライターを取得
	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// 視聴者として登録
	frameChan, remove := s.surface.AddViewer()
	defer remove()

	// 接続を利用者の操作とみなして再生待ちを解除する
	go func() {
		_ = s.controller.Start(context.Background())
	}()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case frame, ok := <-frameChan:
			if !ok {
				// チャンネルがクローズされた
				return
			}

			// MJPEGフレームを書き込み
			if _, err := writer.Write([]byte("--frame\r\n")); err != nil {
				return
			}
			if _, err := writer.Write([]byte("Content-Type: image/jpeg\r\n\r\n")); err != nil {
				return
			}
			if _, err := writer.Write(frame); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}

			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}
