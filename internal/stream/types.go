package stream

import (
	"context"
	"errors"
)

// Phase はコントローラーのライフサイクル状態を表す
type Phase string

const (
	PhaseIdle      Phase = "idle"      // 未開始
	PhaseAcquiring Phase = "acquiring" // デバイス取得中
	PhaseLive      Phase = "live"      // 配信中
	PhaseError     Phase = "error"     // エラー発生（retryで回復可能）
	PhaseStopped   Phase = "stopped"   // 明示的に停止（startで回復可能）
)

// Permission はカメラ使用許可の状態を表す
type Permission string

const (
	PermissionUnknown Permission = "unknown" // 未確認
	PermissionGranted Permission = "granted" // 許可済み
	PermissionDenied  Permission = "denied"  // 拒否された
)

// State はコントローラーの外部から観測可能なスナップショット
// Lifecycle Controllerのみが変更し、観測者には読み取り専用で渡される
type State struct {
	Phase            Phase
	Permission       Permission
	Err              *StreamError // エラーがない場合はnil
	NeedsUserGesture bool         // 再生開始に利用者の操作が必要か
	IsRetrying       bool         // retry実行中か
	Diagnostic       string       // ネゴシエーション経過のトレース（表示専用）
}

// DeviceKind はキャプチャデバイスの種別を表す
type DeviceKind string

const (
	// DeviceKindVideoInput は映像入力デバイスを表す
	DeviceKindVideoInput DeviceKind = "videoinput"
)

// DeviceRecord は列挙されたキャプチャデバイスの情報
// 最終フォールバック先の選択にのみ使用する
type DeviceRecord struct {
	ID    string     // デバイス識別子（例: /dev/video0）
	Kind  DeviceKind // デバイス種別
	Label string     // 表示名
}

// ConstraintProfile は1回の取得試行に使うキャプチャ設定
type ConstraintProfile struct {
	Width      int    // 希望する幅（0なら指定なし）
	Height     int    // 希望する高さ（0なら指定なし）
	FrameRate  int    // 希望するフレームレート（0なら指定なし）
	FacingMode string // 希望するカメラの向き（例: "user"）
	DeviceID   string // 特定デバイスへの固定（空なら自動選択）
	Exact      bool   // 解像度を厳密に要求するか
}

// ConstraintStep はネゴシエーションチェーンの1段を表す
// チェーン内の順序がそのまま試行順序になる
type ConstraintStep struct {
	Label   string            // トレース表示用のラベル（例: "ideal"）
	Profile ConstraintProfile // この段で試す設定

	// FallbackOn はこの段の失敗から次の段へ進んでよいエラー種別
	// 含まれない種別の失敗は即座に終了する
	FallbackOn []ErrorKind

	// UseEnumeratedDevice はデバイス列挙の先頭に固定して試行する
	// （最終フォールバック段のみtrue）
	UseEnumeratedDevice bool
}

// DefaultConstraintChain は標準のネゴシエーションチェーンを返す
// ideal → minimal → 列挙デバイス固定 の順で試行する
// minimal段はdevice_not_foundのみ次段へ進む（overconstrainedでは進まない）
func DefaultConstraintChain(width, height, fps int) []ConstraintStep {
	return []ConstraintStep{
		{
			Label: "ideal",
			Profile: ConstraintProfile{
				Width:      width,
				Height:     height,
				FrameRate:  fps,
				FacingMode: "user",
			},
			FallbackOn: []ErrorKind{KindOverconstrained, KindDeviceNotFound},
		},
		{
			Label:      "minimal",
			Profile:    ConstraintProfile{},
			FallbackOn: []ErrorKind{KindDeviceNotFound},
		},
		{
			Label:               "device",
			UseEnumeratedDevice: true,
		},
	}
}

// MediaProvider はキャプチャデバイスの取得と列挙を提供する
type MediaProvider interface {
	// Acquire は指定された設定でキャプチャハンドルを取得する
	// 失敗はPlatformErrorとして返し、分類はError Classifierが行う
	Acquire(ctx context.Context, profile ConstraintProfile) (CaptureHandle, error)

	// EnumerateDevices は利用可能なキャプチャデバイスを列挙する
	EnumerateDevices(ctx context.Context) ([]DeviceRecord, error)
}

// CaptureHandle は取得済みのキャプチャリソースを表す
// Lifecycle Controllerが排他的に所有し、破棄前に必ずReleaseする
type CaptureHandle interface {
	// ID はハンドルの一意識別子を返す
	ID() string

	// Tracks は構成トラックの一覧を返す
	Tracks() []Track

	// Release は全トラックを停止してリソースを解放する（冪等）
	Release()
}

// Track はキャプチャハンドルを構成する1本のトラック
type Track interface {
	// ID はトラックの一意識別子を返す
	ID() string

	// Kind はトラック種別を返す（例: "video"）
	Kind() string

	// Frames はフレームデータのチャンネルを返す
	// トラック終了時にクローズされる
	Frames() <-chan []byte

	// Done はトラック終了時にクローズされるチャンネルを返す
	// 明示的な停止・予期しない終了の両方で発火する
	Done() <-chan struct{}

	// Stop はトラックを明示的に停止する（冪等）
	Stop()
}

// ErrPlaybackBlocked は再生開始に利用者の操作が必要な場合に返される
// ハードエラーではなく、後続のStartで回復できる
var ErrPlaybackBlocked = errors.New("再生の開始には利用者の操作が必要です")

// DisplaySurface はフレームの表示先を表す
// コントローラーは表示先の寿命を所有せず、途中での差し替え・消失を許容する
type DisplaySurface interface {
	// SetSource はキャプチャハンドルを表示元として束縛する
	SetSource(handle CaptureHandle)

	// ClearSource は表示元の束縛を解除する（冪等）
	ClearSource()

	// Ready はフレームサイズが確定済みかを返す
	Ready() bool

	// ReadyCh はフレームサイズ確定時にクローズされるチャンネルを返す
	ReadyCh() <-chan struct{}

	// ClearedCh は現在の束縛が解除されたときにクローズされるチャンネルを返す
	// 未束縛の場合はクローズ済みのチャンネルを返す
	// 準備完了を待つ側はReadyChと合わせて監視する
	ClearedCh() <-chan struct{}

	// Play は再生を開始する
	// 利用者の操作が必要な場合はErrPlaybackBlockedを返す
	Play(ctx context.Context) error
}
