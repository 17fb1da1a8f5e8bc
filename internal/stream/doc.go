// Package stream カメラストリームの取得とライフサイクル管理を担う
//
// # 責務
// - キャプチャデバイスへのアクセス要求と段階的フォールバック交渉
// - キャプチャハンドルの表示先への束縛と再生制御
// - 状態機械（idle → acquiring → live → error/stopped）の管理
// - 失敗の閉じた分類（permission_denied / device_not_found / overconstrained /
//   element_not_mounted / stream_ended / unknown）への変換
// - キャプチャリソースの確実な解放（どの終了経路でも漏らさない）
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - カメラデバイスの取得を段階的に緩い設定で再試行したい
// - 取得・再試行・停止をひとつの状態機械として扱いたい
// - トラックの予期しない終了を検知して状態へ反映したい
// - 取得中の破棄でもハンドルを漏らさず解放したい
//
// # 仕様
// - Lifecycle Controller: start/retry/stopの操作と状態の公開
// - Capability Negotiator: 制約チェーンに沿った取得交渉とトレース出力
// - Playback Attacher: 表示先への束縛・メタデータ待機・再生開始・終了監視
// - Error Classifier: プラットフォームのエラー名から分類への変換表
// - 取得シーケンスは同時に1つだけ（booleanフラグで多重起動を畳み込む）
// - 観測者への通知は非同期で、状態はコントローラーのみが変更する
//
// # 前提要件
//   - v4l-utils: カメラ名の取得とデバイス制御に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: 画像キャプチャとストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package stream
