// Package server は、HTTPサーバーとカメラ操作APIを管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// カメラライフサイクルの操作、MJPEGストリームの配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - カメラのstart/retry/stop操作の受け付け
//   - ストリーム状態と認識履歴の公開
//   - MJPEGストリーミングデータの配信
//   - 推論サーバーの死活確認の中継
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
//   - ストリーム視聴者の接続を再生開始の契機として扱う
package server
