package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie はセッショントークンを格納するCookie名。
const SessionCookie = "session"

// SessionMaxAge はセッションの有効期間（7日間）。
const SessionMaxAge = 7 * 24 * time.Hour

// SessionClaims はセッショントークンのクレーム（ペイロード）を表す。
// OIDCログイン成功後に発行され、Cookieでブラウザに保持される。
type SessionClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
}

// GenerateSessionToken はユーザーIDからセッショントークンを生成する。
// OIDCコールバックハンドラがログイン成功時に呼び出す。
func GenerateSessionToken(secret, userID string) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(SessionMaxAge)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "prinotify",
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("セッショントークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseSessionToken はセッショントークンを検証してユーザーIDを返す。
// 署名不正・期限切れの場合はエラーを返す。
func ParseSessionToken(secret, tokenString string) (string, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("セッショントークンの検証に失敗: %w", err)
	}
	if !token.Valid || claims.UserID == "" {
		return "", fmt.Errorf("セッショントークンが無効です")
	}
	return claims.UserID, nil
}

// GetUserID はGinコンテキストから認証済みユーザーIDを取得する。
// 認証ミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
