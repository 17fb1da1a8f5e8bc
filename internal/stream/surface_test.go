package stream

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"testing"
	"time"
)

// encodeTestFrame は指定サイズのJPEGフレームを生成する
func encodeTestFrame(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	return buf.Bytes()
}

func TestMJPEGSurfaceReadyAfterFirstFrame(t *testing.T) {
	s := NewMJPEGSurface(false)
	handle := NewMockCaptureHandle(1)
	track := handle.MockTracks()[0]

	s.SetSource(handle)
	defer s.ClearSource()

	if s.Ready() {
		t.Fatal("expected the surface to start unready")
	}

	// サイズの読めないフレームでは準備完了にならない
	track.PushFrame([]byte{0x00, 0x01, 0x02})
	time.Sleep(30 * time.Millisecond)
	if s.Ready() {
		t.Fatal("expected a broken frame to be discarded")
	}

	track.PushFrame(encodeTestFrame(t, 320, 240))

	select {
	case <-s.ReadyCh():
	case <-time.After(time.Second):
		t.Fatal("expected the surface to become ready")
	}

	width, height, ok := s.FrameSize()
	if !ok {
		t.Fatal("expected a settled frame size")
	}
	if width != 320 || height != 240 {
		t.Errorf("unexpected frame size: %dx%d", width, height)
	}
}

func TestMJPEGSurfaceReadyChBeforeBindNeverCloses(t *testing.T) {
	s := NewMJPEGSurface(false)

	select {
	case <-s.ReadyCh():
		t.Fatal("expected the channel to stay open before binding")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMJPEGSurfaceClearSignalsWaiters(t *testing.T) {
	s := NewMJPEGSurface(false)
	handle := NewMockCaptureHandle(1)
	s.SetSource(handle)

	cleared := s.ClearedCh()
	select {
	case <-cleared:
		t.Fatal("expected the channel to stay open while bound")
	case <-time.After(30 * time.Millisecond):
	}

	s.ClearSource()

	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("expected the clear signal to fire")
	}

	// 未束縛の状態ではクローズ済みのチャンネルを返す
	select {
	case <-s.ClearedCh():
	case <-time.After(time.Second):
		t.Fatal("expected a closed channel while unbound")
	}

	// 再束縛で新しいチャンネルになる
	s.SetSource(NewMockCaptureHandle(1))
	defer s.ClearSource()
	select {
	case <-s.ClearedCh():
		t.Fatal("expected the channel to stay open after rebinding")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestMJPEGSurfaceGrabFrame(t *testing.T) {
	ctx := context.Background()
	s := NewMJPEGSurface(false)

	if _, err := s.GrabFrame(ctx); err == nil {
		t.Fatal("expected an error before any frame arrived")
	}

	handle := NewMockCaptureHandle(1)
	track := handle.MockTracks()[0]
	s.SetSource(handle)
	defer s.ClearSource()

	frame := encodeTestFrame(t, 320, 240)
	track.PushFrame(frame)

	select {
	case <-s.ReadyCh():
	case <-time.After(time.Second):
		t.Fatal("expected the surface to become ready")
	}

	grabbed, err := s.GrabFrame(ctx)
	if err != nil {
		t.Fatalf("GrabFrame failed: %v", err)
	}
	if !bytes.Equal(grabbed, frame) {
		t.Error("expected the latest frame")
	}

	// 返されるのはコピーなので書き換えても元に影響しない
	grabbed[0] = 0x00
	again, err := s.GrabFrame(ctx)
	if err != nil {
		t.Fatalf("GrabFrame failed: %v", err)
	}
	if !bytes.Equal(again, frame) {
		t.Error("expected the internal frame to be unaffected")
	}
}

func TestMJPEGSurfacePlayWithoutSource(t *testing.T) {
	ctx := context.Background()
	s := NewMJPEGSurface(false)

	if err := s.Play(ctx); err == nil {
		t.Fatal("expected Play to fail without a bound source")
	}
}

func TestMJPEGSurfaceRequireViewer(t *testing.T) {
	ctx := context.Background()
	s := NewMJPEGSurface(true)
	handle := NewMockCaptureHandle(1)
	s.SetSource(handle)
	defer s.ClearSource()

	// 視聴者ゼロでの再生は利用者の操作（接続）待ち
	if err := s.Play(ctx); err != ErrPlaybackBlocked {
		t.Fatalf("expected ErrPlaybackBlocked, got %v", err)
	}

	_, remove := s.AddViewer()
	defer remove()

	if err := s.Play(ctx); err != nil {
		t.Fatalf("expected Play to succeed with a viewer, got %v", err)
	}
}

func TestMJPEGSurfaceBroadcast(t *testing.T) {
	ctx := context.Background()
	s := NewMJPEGSurface(false)
	handle := NewMockCaptureHandle(1)
	track := handle.MockTracks()[0]
	s.SetSource(handle)
	defer s.ClearSource()

	ch, remove := s.AddViewer()
	defer remove()

	if err := s.Play(ctx); err != nil {
		t.Fatalf("Play failed: %v", err)
	}

	frame := encodeTestFrame(t, 320, 240)
	track.PushFrame(frame)

	select {
	case received := <-ch:
		if !bytes.Equal(received, frame) {
			t.Error("unexpected frame payload")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the viewer to receive a frame")
	}
}

func TestMJPEGSurfaceNotPlayingDoesNotBroadcast(t *testing.T) {
	s := NewMJPEGSurface(false)
	handle := NewMockCaptureHandle(1)
	track := handle.MockTracks()[0]
	s.SetSource(handle)
	defer s.ClearSource()

	ch, remove := s.AddViewer()
	defer remove()

	track.PushFrame(encodeTestFrame(t, 320, 240))

	select {
	case <-ch:
		t.Fatal("expected no broadcast before Play")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMJPEGSurfaceClearSourceIsIdempotent(t *testing.T) {
	s := NewMJPEGSurface(false)
	handle := NewMockCaptureHandle(1)
	track := handle.MockTracks()[0]
	s.SetSource(handle)

	track.PushFrame(encodeTestFrame(t, 320, 240))
	select {
	case <-s.ReadyCh():
	case <-time.After(time.Second):
		t.Fatal("expected the surface to become ready")
	}

	s.ClearSource()
	s.ClearSource()

	if s.Ready() {
		t.Error("expected the surface to be unready after clearing")
	}
	if _, _, ok := s.FrameSize(); ok {
		t.Error("expected the frame size to be unsettled after clearing")
	}
}

func TestMJPEGSurfaceViewerCount(t *testing.T) {
	s := NewMJPEGSurface(false)

	if s.ViewerCount() != 0 {
		t.Fatalf("expected 0 viewers, got %d", s.ViewerCount())
	}

	_, removeA := s.AddViewer()
	_, removeB := s.AddViewer()
	if s.ViewerCount() != 2 {
		t.Fatalf("expected 2 viewers, got %d", s.ViewerCount())
	}

	removeA()
	removeA() // 解除は冪等
	removeB()
	if s.ViewerCount() != 0 {
		t.Fatalf("expected 0 viewers after removal, got %d", s.ViewerCount())
	}
}
