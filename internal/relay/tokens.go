package relay

import (
	"database/sql"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/prinotify/pkg/middleware"
)

// createTokenRequest はクライアントトークン作成リクエストのJSON構造。
type createTokenRequest struct {
	// Name はトークンの表示名。必須、255文字まで。
	Name string `json:"name" binding:"required,max=255"`
	// DeviceType はデバイスの種類。省略時はother。
	DeviceType DeviceType `json:"device_type"`
}

// createdTokenResponse はトークン作成時のみ平文を含むレスポンス。
type createdTokenResponse struct {
	tokenResponse
	// Token はトークンの平文。この応答でのみ返し、以後は取得できない。
	Token string `json:"token"`
}

// handleCreateToken はクライアントトークンを発行するハンドラ。
// 平文はこのレスポンスで一度だけ返し、保存するのはbcryptハッシュのみ。
func (s *Server) handleCreateToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		var req createTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}
		if req.DeviceType == "" {
			req.DeviceType = DeviceOther
		}
		if !req.DeviceType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "device_typeが不正です"})
			return
		}

		plaintext, err := generateAPIToken()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの生成に失敗しました"})
			log.Printf("トークン生成エラー: %v", err)
			return
		}
		hashed, err := hashAPIToken(plaintext)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの生成に失敗しました"})
			log.Printf("トークンハッシュ化エラー: %v", err)
			return
		}

		params := CreateClientTokenParams{
			ID:         uuid.New().String(),
			UserID:     userID,
			TokenHash:  hashed,
			Name:       req.Name,
			DeviceType: req.DeviceType,
		}
		if err := s.queries.CreateClientToken(c.Request.Context(), params); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの保存に失敗しました"})
			log.Printf("トークン保存エラー: %v", err)
			return
		}

		created, err := s.queries.GetClientTokenByID(c.Request.Context(), params.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの取得に失敗しました"})
			log.Printf("作成済みトークンの取得エラー: %v", err)
			return
		}

		log.Printf("トークンを発行しました: token_id=%s, user_id=%s, name=%s", created.ID, userID, created.Name)
		c.JSON(http.StatusCreated, createdTokenResponse{
			tokenResponse: toTokenResponse(created),
			Token:         plaintext,
		})
	}
}

// handleListTokens は認証済みユーザーのトークン一覧を返すハンドラ。
func (s *Server) handleListTokens() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		tokens, err := s.queries.ListClientTokensByUserID(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン一覧の取得に失敗しました"})
			log.Printf("トークン一覧取得エラー: %v", err)
			return
		}

		responses := make([]tokenResponse, 0, len(tokens))
		for _, ct := range tokens {
			responses = append(responses, toTokenResponse(ct))
		}
		c.JSON(http.StatusOK, responses)
	}
}

// handleRevokeToken はクライアントトークンを失効させるハンドラ。
func (s *Server) handleRevokeToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		tokenID := c.Param("id")

		ct, err := s.queries.GetClientTokenByID(c.Request.Context(), tokenID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "トークンが見つかりません"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの取得に失敗しました"})
				log.Printf("トークン取得エラー: %v", err)
			}
			return
		}
		if ct.UserID != userID {
			c.JSON(http.StatusNotFound, gin.H{"error": "トークンが見つかりません"})
			return
		}

		if err := s.queries.DeleteClientToken(c.Request.Context(), ct.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの削除に失敗しました"})
			log.Printf("トークン削除エラー: %v", err)
			return
		}

		log.Printf("トークンを失効させました: token_id=%s, user_id=%s", ct.ID, userID)
		c.Status(http.StatusNoContent)
	}
}
