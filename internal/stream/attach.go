package stream

import (
	"context"
	"errors"
	"sync"
)

// Attachment は表示先への束縛結果を表す
type Attachment struct {
	// NeedsUserGesture は再生開始に利用者の操作が残っているか
	NeedsUserGesture bool

	stopCh chan struct{}
	once   sync.Once
}

// StopWatch はトラック終了の監視を解除する（冪等）
// 明示的な停止の前に呼ぶことで、stream_endedの誤通知を防ぐ
func (a *Attachment) StopWatch() {
	a.once.Do(func() {
		close(a.stopCh)
	})
}

// Attacher はキャプチャハンドルを表示先へ束縛して再生を開始する
type Attacher struct {
	// OnTrackEnded は稼働中のトラックが予期せず終了したときに呼ばれる
	OnTrackEnded func()
}

// Attach はハンドルを表示先に束縛し、再生を試みる
// 表示先がnilの場合はハンドルを即座に解放してelement_not_mountedを返す
// 表示先が未準備の場合はメタデータ確定のシグナルを待つ（ポーリングしない）
// 待機中に束縛が解除された場合もハンドルを解放してelement_not_mountedを返す
func (a *Attacher) Attach(ctx context.Context, handle CaptureHandle, surface DisplaySurface) (*Attachment, *StreamError) {
	if surface == nil {
		// 取得済みハンドルを残さない
		handle.Release()
		return nil, newStreamError(KindElementNotMounted, nil)
	}

	surface.SetSource(handle)

	if !surface.Ready() {
		select {
		case <-surface.ReadyCh():
		case <-surface.ClearedCh():
			// 待機中に停止・破棄などで束縛が解除された
			handle.Release()
			return nil, newStreamError(KindElementNotMounted, nil)
		case <-ctx.Done():
			surface.ClearSource()
			handle.Release()
			return nil, newStreamError(KindUnknown, ctx.Err())
		}
	}

	att := &Attachment{stopCh: make(chan struct{})}

	if err := surface.Play(ctx); err != nil {
		if errors.Is(err, ErrPlaybackBlocked) {
			// 失敗ではなく回復可能なサブ状態
			// 利用者の操作後のStartで再生を完了できる
			att.NeedsUserGesture = true
		} else {
			surface.ClearSource()
			handle.Release()
			return nil, Classify(err)
		}
	}

	// 全トラックの終了を監視する
	for _, tr := range handle.Tracks() {
		go a.watchTrack(tr, att.stopCh)
	}

	return att, nil
}

// watchTrack は1本のトラックの終了を監視する
func (a *Attacher) watchTrack(tr Track, stopCh <-chan struct{}) {
	select {
	case <-tr.Done():
		// 監視解除と同時に終了した場合は通知しない
		select {
		case <-stopCh:
			return
		default:
		}
		if a.OnTrackEnded != nil {
			a.OnTrackEnded()
		}
	case <-stopCh:
		// 明示的な停止なので通知しない
	}
}
