package stream

import (
	"context"
	"strings"
	"sync"
	"time"
)

// defaultSettleDelay は再取得前の待機時間
// デバイス解放が完了する前に再取得して「デバイス使用中」になる競合を避ける
const defaultSettleDelay = 300 * time.Millisecond

// ControllerConfig はコントローラーの動作設定
type ControllerConfig struct {
	// AutoStart は表示先が最初に束縛されたとき1回だけ自動でStartする
	AutoStart bool

	// SettleDelay は再取得前の待機時間（0ならデフォルト値）
	SettleDelay time.Duration
}

// Controller はカメラストリームのライフサイクルを管理する
// 状態遷移・取得の多重起動防止・リソース解放の全責務を持つ
type Controller struct {
	negotiator *Negotiator
	attacher   *Attacher
	chain      []ConstraintStep

	mu         sync.Mutex
	st         State
	trace      []string
	surface    DisplaySurface
	handle     CaptureHandle
	attachment *Attachment

	acquiring   bool // 取得シーケンスの多重起動防止フラグ
	autoStart   bool
	autoStarted bool // 自動Startは1インスタンスにつき1回だけ
	disposed    bool

	settleDelay time.Duration

	observers map[int]func(State)
	nextObs   int
}

// NewController は新しいControllerを作成する
func NewController(provider MediaProvider, chain []ConstraintStep, cfg ControllerConfig) *Controller {
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}

	c := &Controller{
		negotiator: NewNegotiator(provider),
		chain:      chain,
		st: State{
			Phase:      PhaseIdle,
			Permission: PermissionUnknown,
		},
		autoStart:   cfg.AutoStart,
		settleDelay: settle,
		observers:   make(map[int]func(State)),
	}
	c.attacher = &Attacher{OnTrackEnded: c.handleTrackEnded}

	return c
}

// Snapshot は現在の観測可能な状態のコピーを返す
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe は状態変化の通知を登録する
// 返された関数で登録を解除できる。通知は非同期で順序は保証しない
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return func() {}
	}

	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// BindSurface は表示先を束縛または解除する（nilで解除）
// AutoStart設定時、最初の束縛で1回だけ自動Startを予約する
func (c *Controller) BindSurface(surface DisplaySurface) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	c.surface = surface

	shouldAuto := surface != nil && c.autoStart && !c.autoStarted
	if shouldAuto {
		c.autoStarted = true
	}
	c.mu.Unlock()

	if shouldAuto {
		// 束縛直後は表示先の準備が完了していないことがあるため
		// 呼び出し元のスタックから切り離して開始する
		go func() {
			_ = c.Start(context.Background())
		}()
	}
}

// Start は取得シーケンスを開始する
// 既に取得中の場合は何もしない（重なった呼び出しは1回に畳み込まれる）
// 表示先が未束縛の場合は取得を試みずelement_not_mountedになる
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()

	if c.disposed {
		c.mu.Unlock()
		return nil
	}

	if c.acquiring {
		// 進行中の取得だけが状態を更新する
		c.mu.Unlock()
		return nil
	}

	// 操作待ちの再生はハンドルを取得し直さず再生だけやり直す
	if c.st.Phase == PhaseLive && c.st.NeedsUserGesture && c.handle != nil && c.surface != nil {
		surface := c.surface
		c.mu.Unlock()

		err := surface.Play(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.disposed {
			return nil
		}
		if err == nil {
			c.st.NeedsUserGesture = false
			c.notifyLocked()
		}
		return nil
	}

	if c.surface == nil {
		serr := newStreamError(KindElementNotMounted, nil)
		c.releaseLocked()
		c.st.Phase = PhaseError
		c.st.Err = serr
		c.appendTraceLocked("表示先が未束縛のため開始できません")
		c.notifyLocked()
		c.mu.Unlock()
		return serr
	}

	c.acquiring = true
	c.st.Phase = PhaseAcquiring
	c.st.Err = nil
	c.trace = c.trace[:0]
	c.notifyLocked()
	c.mu.Unlock()

	handle, serr := c.negotiator.Negotiate(ctx, c.chain, c.appendTrace)

	c.mu.Lock()

	// 取得中に破棄された場合、受け取ったハンドルは束縛せず即座に解放する
	if c.disposed {
		c.acquiring = false
		c.mu.Unlock()
		if handle != nil {
			handle.Release()
		}
		return nil
	}

	if serr != nil {
		c.acquiring = false
		if serr.Kind == KindPermissionDenied {
			c.st.Permission = PermissionDenied
		}
		c.releaseLocked()
		c.st.Phase = PhaseError
		c.st.Err = serr
		c.notifyLocked()
		c.mu.Unlock()
		return serr
	}

	c.st.Permission = PermissionGranted

	// 取得中に表示先が差し替え・解除された可能性があるため読み直す
	surface := c.surface
	c.mu.Unlock()

	att, aerr := c.attacher.Attach(ctx, handle, surface)

	// 取得シーケンスはAttachの完了まで1つ（フラグはここまで保持する）
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquiring = false

	if c.disposed {
		// Attach内で解放済みの場合もReleaseは冪等
		handle.Release()
		return nil
	}

	if aerr != nil {
		// Attach待機中の明示的な停止が原因ならエラーにしない
		if c.st.Phase == PhaseStopped {
			return nil
		}
		c.releaseLocked()
		c.st.Phase = PhaseError
		c.st.Err = aerr
		c.notifyLocked()
		return aerr
	}

	// Attach完了と同時に停止されていた場合は束縛せず解放する
	if c.st.Phase == PhaseStopped {
		att.StopWatch()
		handle.Release()
		if c.surface != nil {
			c.surface.ClearSource()
		}
		return nil
	}

	// ハンドルは常に1つだけ稼働させる
	if c.handle != nil && c.handle != handle {
		c.releaseLocked()
	}

	c.handle = handle
	c.attachment = att
	c.st.Phase = PhaseLive
	c.st.NeedsUserGesture = att.NeedsUserGesture
	c.st.Err = nil
	c.notifyLocked()

	return nil
}

// Retry は既存のハンドルを解放し、待機の後にStartをやり直す
// 実行中はIsRetryingがtrueになり、成否にかかわらず完了時にfalseへ戻る
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.st.IsRetrying = true
	c.notifyLocked()
	c.mu.Unlock()

	c.Stop()

	// デバイス解放が完了するまで待機してから再取得する
	select {
	case <-time.After(c.settleDelay):
	case <-ctx.Done():
	}

	err := c.Start(ctx)

	c.mu.Lock()
	c.st.IsRetrying = false
	c.notifyLocked()
	c.mu.Unlock()

	return err
}

// Stop はキャプチャハンドルを解放して表示先から切り離す
// 既に停止済みの場合は何もしない（冪等）
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return
	}

	c.releaseLocked()

	if c.surface != nil {
		c.surface.ClearSource()
	}

	if c.st.Phase != PhaseStopped {
		c.st.Phase = PhaseStopped
		c.st.Err = nil
		c.st.NeedsUserGesture = false
		c.notifyLocked()
	}
}

// Dispose はコントローラーを破棄する
// どの状態からでも保持中のリソースを解放し、以後の操作を無効化する
// 取得中の場合、その取得は完了時に破棄フラグを検知してハンドルを解放する
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return
	}
	c.disposed = true

	c.releaseLocked()

	if c.surface != nil {
		c.surface.ClearSource()
		c.surface = nil
	}

	c.observers = nil
}

// releaseLocked は監視を解除してからハンドルを解放する（ロック済み前提）
// 明示的な解放でstream_endedが誤発火しないよう、監視解除が先
func (c *Controller) releaseLocked() {
	if c.attachment != nil {
		c.attachment.StopWatch()
		c.attachment = nil
	}
	if c.handle != nil {
		c.handle.Release()
		c.handle = nil
	}
}

// handleTrackEnded は稼働中トラックの予期しない終了を処理する
func (c *Controller) handleTrackEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.st.Phase != PhaseLive {
		return
	}

	c.releaseLocked()

	if c.surface != nil {
		c.surface.ClearSource()
	}

	c.st.Phase = PhaseError
	c.st.NeedsUserGesture = false
	c.st.Err = newStreamError(KindStreamEnded, nil)
	c.appendTraceLocked("映像トラックが予期せず終了しました")
	c.notifyLocked()
}

// appendTrace は診断トレースへ1行追加する
func (c *Controller) appendTrace(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.appendTraceLocked(line)
	c.notifyLocked()
}

// appendTraceLocked はロック済み前提のトレース追加
func (c *Controller) appendTraceLocked(line string) {
	c.trace = append(c.trace, line)
}

// snapshotLocked は状態のコピーを作る（ロック済み前提）
func (c *Controller) snapshotLocked() State {
	snap := c.st
	snap.Diagnostic = strings.Join(c.trace, "\n")
	return snap
}

// notifyLocked は観測者へ現在の状態を通知する（ロック済み前提）
// デッドロックを避けるため通知は別ゴルーチンで行う
func (c *Controller) notifyLocked() {
	snap := c.snapshotLocked()
	for _, fn := range c.observers {
		go fn(snap)
	}
}
