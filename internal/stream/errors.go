package stream

import (
	"errors"
	"fmt"
)

// ErrorKind は失敗の分類を表す閉じた語彙
// プラットフォーム固有のエラー名はこの語彙に変換してから外部へ公開する
type ErrorKind string

const (
	// KindPermissionDenied は利用者またはポリシーによるアクセス拒否
	KindPermissionDenied ErrorKind = "permission_denied"
	// KindDeviceNotFound は合致するキャプチャデバイスが存在しない
	KindDeviceNotFound ErrorKind = "device_not_found"
	// KindOverconstrained は要求した設定を満たすデバイスがない
	KindOverconstrained ErrorKind = "overconstrained"
	// KindElementNotMounted はネゴシエーション時点で表示先が未接続
	KindElementNotMounted ErrorKind = "element_not_mounted"
	// KindStreamEnded は稼働中のトラックがstop以外で終了した
	KindStreamEnded ErrorKind = "stream_ended"
	// KindUnknown は分類できないプラットフォーム失敗
	KindUnknown ErrorKind = "unknown"
)

// StreamError は分類済みの失敗を表す
// 生のプラットフォームエラーは観測者へ公開しない
type StreamError struct {
	Kind    ErrorKind
	Message string // 利用者向けの固定メッセージ
	Hint    string // 回復方法のヒント
	Cause   error  // 元になった失敗（内部参照用）
}

// Error はエラーメッセージを返す
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は元になった失敗を返す
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// PlatformError はプラットフォーム層が返す低レベル失敗
// シンボリックな名前で分類される
type PlatformError struct {
	Name  string // 例: "NotAllowedError"
	Cause error
}

// Error はエラーメッセージを返す
func (e *PlatformError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Name, e.Cause)
	}
	return e.Name
}

// Unwrap は元になった失敗を返す
func (e *PlatformError) Unwrap() error {
	return e.Cause
}

// kindByPlatformName はプラットフォームのエラー名から分類への対応表
// 未登録の名前は必ずKindUnknownに落とす（推測で追加しない）
var kindByPlatformName = map[string]ErrorKind{
	"NotAllowedError":             KindPermissionDenied,
	"PermissionDeniedError":       KindPermissionDenied,
	"NotFoundError":               KindDeviceNotFound,
	"DevicesNotFoundError":        KindDeviceNotFound,
	"OverconstrainedError":        KindOverconstrained,
	"ConstraintNotSatisfiedError": KindOverconstrained,
}

// messageByKind は分類ごとの利用者向けメッセージ
var messageByKind = map[ErrorKind]string{
	KindPermissionDenied:  "カメラへのアクセスが拒否されました",
	KindDeviceNotFound:    "利用可能なカメラが見つかりません",
	KindOverconstrained:   "要求した設定を満たすカメラがありません",
	KindElementNotMounted: "映像の表示先がまだ準備できていません",
	KindStreamEnded:       "カメラの映像が予期せず終了しました",
	KindUnknown:           "カメラで不明なエラーが発生しました",
}

// hintByKind は分類ごとの回復ヒント
var hintByKind = map[ErrorKind]string{
	KindPermissionDenied:  "ブラウザまたはOSの設定でカメラを許可してから再試行してください",
	KindDeviceNotFound:    "カメラを接続してから再試行してください",
	KindOverconstrained:   "より緩い設定で自動的に再試行します",
	KindElementNotMounted: "表示先が用意されてから再試行してください",
	KindStreamEnded:       "再試行してください",
	KindUnknown:           "再試行してください",
}

// newStreamError は分類からStreamErrorを組み立てる
func newStreamError(kind ErrorKind, cause error) *StreamError {
	msg := messageByKind[kind]
	if kind == KindUnknown && cause != nil {
		// 未分類の失敗は生のメッセージも併記する
		msg = fmt.Sprintf("%s (%v)", msg, cause)
	}
	return &StreamError{
		Kind:    kind,
		Message: msg,
		Hint:    hintByKind[kind],
		Cause:   cause,
	}
}

// Classify は低レベル失敗を閉じた分類へ変換する
// 分類済みのStreamErrorはそのまま返す
func Classify(err error) *StreamError {
	var serr *StreamError
	if errors.As(err, &serr) {
		return serr
	}

	var perr *PlatformError
	if errors.As(err, &perr) {
		if kind, ok := kindByPlatformName[perr.Name]; ok {
			return newStreamError(kind, err)
		}
	}

	return newStreamError(KindUnknown, err)
}
