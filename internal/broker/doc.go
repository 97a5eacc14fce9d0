// Package broker はユーザー単位のイベントファンアウトを提供する。
//
// 通知の作成・ステータス変更時に発行されるイベントを、同一ユーザーの
// アクティブなストリーム購読者全員へプロセス内で配信する。状態は
// すべてメモリ上に保持し、プロセス再起動で消える（クライアントは
// 再接続してキャッチアップする前提）。
package broker
