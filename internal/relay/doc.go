// Package relay は通知リレーサービスの内部実装を提供する。
//
// 外部プロデューサ（監視、CI、スクリプト等）が認証付きHTTP APIで
// 通知を登録し、購読中のクライアントへSSEでほぼリアルタイムに配信する。
// 通知のCRUD、OIDCログイン、クライアントトークン管理も行う。
package relay
