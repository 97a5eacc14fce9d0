package relay

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/prinotify/pkg/middleware"
)

// stateCookie はOIDC認可リクエストのstateを保持するCookie名。
const stateCookie = "oauth_state"

// oidcProviderConfig はOIDCディスカバリドキュメントのうち使用するエンドポイント。
type oidcProviderConfig struct {
	// Issuer はプロバイダの識別子。
	Issuer string `json:"issuer"`
	// AuthorizationEndpoint は認可エンドポイントのURL。
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	// TokenEndpoint はトークンエンドポイントのURL。
	TokenEndpoint string `json:"token_endpoint"`
	// UserinfoEndpoint はuserinfoエンドポイントのURL。
	UserinfoEndpoint string `json:"userinfo_endpoint"`
}

// discoverOIDC はOIDCディスカバリドキュメントを取得する。結果はキャッシュする。
func (s *Server) discoverOIDC(c *gin.Context) (*oidcProviderConfig, error) {
	s.oidcMu.Lock()
	defer s.oidcMu.Unlock()

	if s.oidcProvider != nil {
		return s.oidcProvider, nil
	}

	var provider oidcProviderConfig
	err := s.oidcClient.GetJSON(c.Request.Context(), "/.well-known/openid-configuration", &provider)
	if err != nil {
		return nil, fmt.Errorf("OIDCディスカバリに失敗: %w", err)
	}
	s.oidcProvider = &provider
	return s.oidcProvider, nil
}

// handleLogin はOIDCプロバイダの認可エンドポイントへリダイレクトするハンドラ。
// CSRF対策としてランダムなstateを発行し、Cookieに保持する。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider, err := s.discoverOIDC(c)
		if err != nil {
			log.Printf("OIDCディスカバリエラー: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "認証プロバイダに接続できません"})
			return
		}

		state := uuid.New().String()
		c.SetCookie(stateCookie, state, 600, "/", "", false, true)

		params := url.Values{}
		params.Set("response_type", "code")
		params.Set("client_id", s.cfg.OIDC.ClientID)
		params.Set("redirect_uri", s.cfg.OIDC.RedirectURL)
		params.Set("scope", "openid email profile")
		params.Set("state", state)

		c.Redirect(http.StatusFound, provider.AuthorizationEndpoint+"?"+params.Encode())
	}
}

// tokenExchangeResponse はトークンエンドポイントのレスポンス。
type tokenExchangeResponse struct {
	// AccessToken はuserinfo取得に使うアクセストークン。
	AccessToken string `json:"access_token"`
	// IDToken はIDトークン（本サービスでは未使用）。
	IDToken string `json:"id_token"`
	// TokenType はトークン種別。
	TokenType string `json:"token_type"`
}

// userinfoResponse はuserinfoエンドポイントのレスポンス。
type userinfoResponse struct {
	// Sub はサブジェクト識別子。
	Sub string `json:"sub"`
	// Email はメールアドレス。
	Email string `json:"email"`
	// Name は表示名。
	Name string `json:"name"`
}

// handleCallback はOIDC認可コードを受け取りセッションを確立するハンドラ。
func (s *Server) handleCallback() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		state := c.Query("state")
		if code == "" || state == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "codeまたはstateがありません"})
			return
		}

		savedState, err := c.Cookie(stateCookie)
		if err != nil || savedState != state {
			c.JSON(http.StatusBadRequest, gin.H{"error": "stateが一致しません"})
			return
		}
		c.SetCookie(stateCookie, "", -1, "/", "", false, true)

		provider, err := s.discoverOIDC(c)
		if err != nil {
			log.Printf("OIDCディスカバリエラー: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "認証プロバイダに接続できません"})
			return
		}

		// 認可コードをトークンに交換する
		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", code)
		form.Set("redirect_uri", s.cfg.OIDC.RedirectURL)
		form.Set("client_id", s.cfg.OIDC.ClientID)
		form.Set("client_secret", s.cfg.OIDC.ClientSecret)

		var tokens tokenExchangeResponse
		if err := s.oidcClient.PostFormJSON(c.Request.Context(), provider.TokenEndpoint, form, &tokens); err != nil {
			log.Printf("認可コード交換エラー: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "認可コードの交換に失敗しました"})
			return
		}

		// userinfoからユーザー情報を取得する
		var userinfo userinfoResponse
		if err := s.oidcClient.GetJSONWithBearer(c.Request.Context(), provider.UserinfoEndpoint, tokens.AccessToken, &userinfo); err != nil {
			log.Printf("userinfo取得エラー: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "ユーザー情報の取得に失敗しました"})
			return
		}
		if userinfo.Sub == "" {
			c.JSON(http.StatusBadGateway, gin.H{"error": "ユーザー情報が不正です"})
			return
		}

		user, err := s.queries.UpsertUserBySub(c.Request.Context(), UpsertUserParams{
			ID:    uuid.New().String(),
			Sub:   userinfo.Sub,
			Email: userinfo.Email,
			Name:  userinfo.Name,
		})
		if err != nil {
			log.Printf("ユーザーupsertエラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザーの保存に失敗しました"})
			return
		}

		session, err := middleware.GenerateSessionToken(s.cfg.SecretKey, user.ID)
		if err != nil {
			log.Printf("セッショントークン生成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "セッションの作成に失敗しました"})
			return
		}

		c.SetCookie(middleware.SessionCookie, session, int(middleware.SessionMaxAge.Seconds()), "/", "", false, true)
		log.Printf("ログインしました: user_id=%s, sub=%s", user.ID, userinfo.Sub)
		c.Redirect(http.StatusFound, "/")
	}
}

// handleLogout はセッションCookieを破棄するハンドラ。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.SetCookie(middleware.SessionCookie, "", -1, "/", "", false, true)
		c.Redirect(http.StatusFound, "/login")
	}
}

// handleMe は認証済みユーザー自身の情報を返すハンドラ。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		user, err := s.queries.GetUserByID(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		c.JSON(http.StatusOK, toUserResponse(user))
	}
}

// userIDFromSession はセッションCookieからユーザーIDを解決する。
// セッションがない、または無効な場合は空文字列を返す。
func (s *Server) userIDFromSession(c *gin.Context) string {
	cookie, err := c.Cookie(middleware.SessionCookie)
	if err != nil || cookie == "" {
		return ""
	}

	userID, err := middleware.ParseSessionToken(s.cfg.SecretKey, cookie)
	if err != nil {
		return ""
	}

	// 削除済みユーザーのセッションを弾く
	if _, err := s.queries.GetUserByID(c.Request.Context(), userID); err != nil {
		return ""
	}
	return userID
}

// userIDFromBearer はAuthorizationヘッダーのBearerトークンからユーザーIDを解決する。
// bcryptハッシュは検索不能であるため、全トークンと照合する。
func (s *Server) userIDFromBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	raw, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || raw == "" {
		return ""
	}

	tokens, err := s.queries.ListClientTokens(c.Request.Context())
	if err != nil {
		log.Printf("トークン一覧取得エラー: %v", err)
		return ""
	}

	now := time.Now().UTC()
	for _, ct := range tokens {
		if ct.ExpiresAt != nil && ct.ExpiresAt.Before(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(ct.TokenHash), []byte(raw)) == nil {
			if err := s.queries.TouchClientToken(c.Request.Context(), ct.ID); err != nil {
				log.Printf("トークン最終使用日時の更新エラー: %v", err)
			}
			return ct.UserID
		}
	}
	return ""
}

// authRequired はセッションCookieまたはBearerトークンによる認証を必須にする
// Ginミドルウェアを返す。認証成功時はコンテキストに "user_id" を設定する。
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := s.userIDFromSession(c); userID != "" {
			c.Set("user_id", userID)
			c.Next()
			return
		}
		if userID := s.userIDFromBearer(c); userID != "" {
			c.Set("user_id", userID)
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
	}
}

// sessionRequired はセッションCookieによる認証のみを許可するGinミドルウェアを返す。
// トークン管理のようにBearerトークンでの操作を許可しないエンドポイントで使う。
func (s *Server) sessionRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := s.userIDFromSession(c)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "セッション認証が必要です"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

// generateAPIToken は外部プロデューサ用のランダムトークンを生成する。
// 32バイトの乱数をURLセーフなBase64で符号化する。
func generateAPIToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("乱数の生成に失敗: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// hashAPIToken はトークン平文のbcryptハッシュを生成する。
func hashAPIToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("トークンのハッシュ化に失敗: %w", err)
	}
	return string(hash), nil
}
