package stream

import (
	"context"
	"fmt"
)

// Negotiator は制約チェーンに沿ってデバイス取得を試行する
// 成功ならキャプチャハンドル、失敗なら分類済みエラーのどちらか一方だけを返す
type Negotiator struct {
	provider MediaProvider
}

// NewNegotiator は新しいNegotiatorを作成する
func NewNegotiator(provider MediaProvider) *Negotiator {
	return &Negotiator{provider: provider}
}

// Negotiate はチェーンの先頭から順に取得を試行する
// 各段のFallbackOnに含まれる分類の失敗のみ次の段へ進む
// traceには試行の経過が1行ずつ通知される（nil可）
func (n *Negotiator) Negotiate(ctx context.Context, chain []ConstraintStep, trace func(string)) (CaptureHandle, *StreamError) {
	if trace == nil {
		trace = func(string) {}
	}

	if len(chain) == 0 {
		return nil, newStreamError(KindDeviceNotFound, nil)
	}

	var lastErr *StreamError
	for i, step := range chain {
		profile := step.Profile

		// 最終フォールバック段: 列挙した先頭デバイスに固定する
		if step.UseEnumeratedDevice {
			trace("利用可能なカメラを列挙しています...")
			records, err := n.provider.EnumerateDevices(ctx)
			if err != nil {
				return nil, Classify(err)
			}

			var target string
			for _, r := range records {
				if r.Kind == DeviceKindVideoInput {
					target = r.ID
					break
				}
			}

			if target == "" {
				trace("カメラデバイスが1台も見つかりませんでした")
				return nil, newStreamError(KindDeviceNotFound, nil)
			}

			profile.DeviceID = target
		}

		trace(fmt.Sprintf("カメラへのアクセスを要求しています (%s)...", step.Label))

		handle, err := n.provider.Acquire(ctx, profile)
		if err == nil {
			trace(fmt.Sprintf("カメラへのアクセスを取得しました (%s)", step.Label))
			return handle, nil
		}

		lastErr = Classify(err)
		trace(fmt.Sprintf("取得に失敗しました (%s): %s", step.Label, lastErr.Message))

		// この段から次へ進めない分類は即座に終了する
		if i == len(chain)-1 || !kindAllowsFallback(lastErr.Kind, step.FallbackOn) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// kindAllowsFallback は分類が次段への進行を許すかを判定する
func kindAllowsFallback(kind ErrorKind, allowed []ErrorKind) bool {
	for _, k := range allowed {
		if k == kind {
			return true
		}
	}
	return false
}
