// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// セッショントークンの発行・検証、パニックリカバリ、CORS設定など、
// ハンドラ横断で共通して使用する処理を含む。
package middleware
