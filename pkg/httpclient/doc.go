// Package httpclient はOIDCプロバイダ等の外部HTTP APIと通信する
// クライアントを提供する。
//
// ディスカバリドキュメントの取得、認可コードの交換、userinfoの取得など、
// 外部との通信パターンを統一する。
package httpclient
