package stream

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"sync"
)

// MJPEGSurface はHTTP配信用のDisplaySurface実装
// 束縛されたハンドルからフレームを汲み上げ、最初のフレームの
// サイズが確定した時点で「準備完了」になる
type MJPEGSurface struct {
	mu sync.Mutex

	handle    CaptureHandle
	ready     bool
	readyCh   chan struct{}
	clearedCh chan struct{}
	width     int
	height    int

	playing bool
	latest  []byte

	viewers    map[int]chan []byte
	nextViewer int

	// requireViewer は再生開始に視聴者の接続を要求する
	// 視聴者ゼロでのPlayはErrPlaybackBlockedになる
	requireViewer bool

	pumpStop chan struct{}
	pumpWG   sync.WaitGroup
}

// NewMJPEGSurface は新しいMJPEGSurfaceを作成する
func NewMJPEGSurface(requireViewer bool) *MJPEGSurface {
	return &MJPEGSurface{
		viewers:       make(map[int]chan []byte),
		requireViewer: requireViewer,
	}
}

// SetSource はハンドルを表示元として束縛し、フレームの汲み上げを開始する
func (s *MJPEGSurface) SetSource(handle CaptureHandle) {
	s.mu.Lock()
	s.clearSourceLocked()
	s.mu.Unlock()

	// 旧ソースの汲み上げが完全に止まってから束縛し直す
	s.pumpWG.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handle = handle
	s.ready = false
	s.readyCh = make(chan struct{})
	s.clearedCh = make(chan struct{})
	s.pumpStop = make(chan struct{})

	for _, tr := range handle.Tracks() {
		if tr.Kind() != "video" {
			continue
		}
		s.pumpWG.Add(1)
		go s.pump(tr, s.pumpStop)
	}
}

// ClearSource は表示元の束縛を解除する（冪等）
// 汲み上げゴルーチンの終了まで待機する
func (s *MJPEGSurface) ClearSource() {
	s.mu.Lock()
	s.clearSourceLocked()
	s.mu.Unlock()

	s.pumpWG.Wait()
}

// clearSourceLocked はロック済み前提の束縛解除
// 準備完了を待っている側にはclearedChで解除を通知する
func (s *MJPEGSurface) clearSourceLocked() {
	if s.pumpStop != nil {
		close(s.pumpStop)
		s.pumpStop = nil
	}
	if s.clearedCh != nil {
		close(s.clearedCh)
		s.clearedCh = nil
	}
	s.handle = nil
	s.ready = false
	s.readyCh = nil
	s.playing = false
	s.latest = nil
}

// Ready はフレームサイズが確定済みかを返す
func (s *MJPEGSurface) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// ReadyCh はフレームサイズ確定時にクローズされるチャンネルを返す
func (s *MJPEGSurface) ReadyCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyCh == nil {
		// 束縛前は決して閉じないチャンネルを返す
		s.readyCh = make(chan struct{})
	}
	return s.readyCh
}

// ClearedCh は現在の束縛の解除を通知するチャンネルを返す
// 未束縛の場合はクローズ済みのチャンネルを返す
func (s *MJPEGSurface) ClearedCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearedCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.clearedCh
}

// Play は視聴者への配信を開始する
// requireViewer設定時、視聴者がいなければErrPlaybackBlockedを返す
func (s *MJPEGSurface) Play(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return fmt.Errorf("表示元が束縛されていません")
	}

	if s.requireViewer && len(s.viewers) == 0 {
		return ErrPlaybackBlocked
	}

	s.playing = true
	return nil
}

// FrameSize は確定済みのフレームサイズを返す
func (s *MJPEGSurface) FrameSize() (width, height int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height, s.ready
}

// AddViewer は配信先の視聴者を登録する
// 返された関数で登録を解除する
func (s *MJPEGSurface) AddViewer() (<-chan []byte, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextViewer
	s.nextViewer++
	ch := make(chan []byte, 5)
	s.viewers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.viewers[id]; ok {
			delete(s.viewers, id)
			close(ch)
		}
	}
}

// ViewerCount は現在の視聴者数を返す
func (s *MJPEGSurface) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// GrabFrame は最新フレームのコピーを返す
// まだフレームがない場合はエラーを返す
func (s *MJPEGSurface) GrabFrame(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return nil, fmt.Errorf("フレームがまだ取得されていません")
	}

	frame := make([]byte, len(s.latest))
	copy(frame, s.latest)
	return frame, nil
}

// pump はトラックからフレームを汲み上げる
// 最初のフレームでサイズを確定し、再生中は視聴者へ配る
func (s *MJPEGSurface) pump(tr Track, stop <-chan struct{}) {
	defer s.pumpWG.Done()

	for {
		select {
		case <-stop:
			return

		case frame, ok := <-tr.Frames():
			if !ok {
				return
			}
			s.consumeFrame(frame)
		}
	}
}

// consumeFrame は1フレームを取り込む
func (s *MJPEGSurface) consumeFrame(frame []byte) {
	s.mu.Lock()

	// 束縛解除と競合した場合は取り込まない
	if s.handle == nil {
		s.mu.Unlock()
		return
	}

	if !s.ready {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
		if err != nil {
			// サイズが読めないフレームは捨てて次を待つ
			s.mu.Unlock()
			return
		}
		s.width = cfg.Width
		s.height = cfg.Height
		s.ready = true
		close(s.readyCh)
	}

	s.latest = frame

	if !s.playing {
		s.mu.Unlock()
		return
	}

	viewers := make([]chan []byte, 0, len(s.viewers))
	for _, ch := range s.viewers {
		viewers = append(viewers, ch)
	}
	s.mu.Unlock()

	// 追いつけない視聴者には古いフレームを破棄して最新を届ける
	for _, ch := range viewers {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// MockSurface はテスト用のDisplaySurface実装
type MockSurface struct {
	mu sync.Mutex

	ready     bool
	readyCh   chan struct{}
	clearedCh chan struct{}

	playErr   error
	playCalls int

	sources    []CaptureHandle
	clearCalls int
}

// NewMockSurface は新しいMockSurfaceを作成する
// readyがtrueなら最初から準備完了として振る舞う
func NewMockSurface(ready bool) *MockSurface {
	s := &MockSurface{
		ready:     ready,
		readyCh:   make(chan struct{}),
		clearedCh: make(chan struct{}),
	}
	if ready {
		close(s.readyCh)
	}
	return s
}

// SetSource は束縛されたハンドルを記録する
func (s *MockSurface) SetSource(handle CaptureHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, handle)
	s.clearedCh = make(chan struct{})
}

// ClearSource は解除回数を記録し、待機中の束縛へ解除を通知する
func (s *MockSurface) ClearSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	select {
	case <-s.clearedCh:
	default:
		close(s.clearedCh)
	}
}

// Ready は準備状態を返す
func (s *MockSurface) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// ReadyCh は準備完了チャンネルを返す
func (s *MockSurface) ReadyCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyCh
}

// ClearedCh は束縛解除の通知チャンネルを返す
func (s *MockSurface) ClearedCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearedCh
}

// Play は設定されたエラーを返し、呼び出し回数を記録する
func (s *MockSurface) Play(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playCalls++
	return s.playErr
}

// MarkReady はテスト用に準備完了へ遷移させる
func (s *MockSurface) MarkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		s.ready = true
		close(s.readyCh)
	}
}

// SetPlayErr はPlayの戻り値を設定する
func (s *MockSurface) SetPlayErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playErr = err
}

// Sources は束縛されたハンドルの履歴を返す
func (s *MockSurface) Sources() []CaptureHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CaptureHandle, len(s.sources))
	copy(result, s.sources)
	return result
}

// ClearCalls はClearSourceの呼び出し回数を返す
func (s *MockSurface) ClearCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCalls
}

// PlayCalls はPlayの呼び出し回数を返す
func (s *MockSurface) PlayCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playCalls
}
