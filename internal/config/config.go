// Package config はサーバーの設定読み込みを提供する。
// 環境変数（PRINOTIFY_プレフィックス）と任意のYAMLファイルから設定を組み立てる。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はサーバー全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `mapstructure:"database_path"`
	// SecretKey はセッションJWTの署名に使う秘密鍵。
	SecretKey string `mapstructure:"secret_key"`
	// CORSOrigins はクロスオリジンアクセスを許可するオリジンの一覧。
	CORSOrigins []string `mapstructure:"cors_origins"`

	// OIDC はOIDCプロバイダとの連携設定。
	OIDC OIDCConfig `mapstructure:"oidc"`
	// Stream はリアルタイム配信の設定。
	Stream StreamConfig `mapstructure:"stream"`
}

// OIDCConfig はOIDCプロバイダ（Authentik等）との連携設定。
type OIDCConfig struct {
	// IssuerURL はプロバイダのベースURL。
	IssuerURL string `mapstructure:"issuer_url"`
	// ClientID はOIDCクライアントID。
	ClientID string `mapstructure:"client_id"`
	// ClientSecret はOIDCクライアントシークレット。
	ClientSecret string `mapstructure:"client_secret"`
	// RedirectURL は認可コード受け取り用のコールバックURL。
	RedirectURL string `mapstructure:"redirect_url"`
}

// StreamConfig はストリーム配信のチューニング設定。
type StreamConfig struct {
	// Buffer は購読キューの容量。満杯時は新しいイベントが破棄される。
	Buffer int `mapstructure:"buffer"`
	// KeepaliveSec はキープアライブ送信間隔（秒）。
	KeepaliveSec int `mapstructure:"keepalive_sec"`
}

// Keepalive はキープアライブ送信間隔をtime.Durationで返す。
func (s StreamConfig) Keepalive() time.Duration {
	return time.Duration(s.KeepaliveSec) * time.Second
}

// Load は設定を読み込む。
// path が空でない場合はYAMLファイルを読み、環境変数で上書きする。
// 環境変数はPRINOTIFY_プレフィックス付き（例: PRINOTIFY_DATABASE_PATH）。
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("database_path", "data/prinotify.db")
	v.SetDefault("secret_key", "change-me-to-a-random-secret")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("stream.buffer", 32)
	v.SetDefault("stream.keepalive_sec", 30)

	v.SetEnvPrefix("PRINOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	return &cfg, nil
}
