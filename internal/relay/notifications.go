package relay

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nao1215/prinotify/internal/broker"
	"github.com/nao1215/prinotify/pkg/middleware"
)

// defaultListLimit は通知一覧のデフォルト取得件数。
const defaultListLimit = 50

// maxListLimit は通知一覧の最大取得件数。
const maxListLimit = 200

// createNotificationRequest は通知作成リクエストのJSON構造。
type createNotificationRequest struct {
	// Title は通知のタイトル。必須、500文字まで。
	Title string `json:"title" binding:"required,max=500"`
	// Message は通知の本文。省略可能。
	Message *string `json:"message"`
	// Priority は優先度。省略時はmedium。
	Priority Priority `json:"priority"`
	// Source は発生元。省略可能、255文字まで。
	Source *string `json:"source" binding:"omitempty,max=255"`
	// Metadata は自由形式の付随データ。
	Metadata Metadata `json:"metadata"`
}

// statusChangePayload はstatus_changeイベントのペイロード。
type statusChangePayload struct {
	// ID は対象通知の一意識別子。
	ID string `json:"id"`
	// Status は変更後のステータス。
	Status Status `json:"status"`
}

// handleCreateNotification は通知を作成してnotificationイベントを発行するハンドラ。
// イベントの発行はデータベースへのコミット後、レスポンス返却前に必ず1回行う。
func (s *Server) handleCreateNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		var req createNotificationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		if req.Priority == "" {
			req.Priority = PriorityMedium
		}
		if !req.Priority.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "優先度が不正です"})
			return
		}

		params := CreateNotificationParams{
			ID:        uuid.New().String(),
			UserID:    userID,
			Title:     req.Title,
			Message:   req.Message,
			Priority:  req.Priority,
			Source:    req.Source,
			CreatedAt: time.Now().UTC(),
			Metadata:  req.Metadata,
		}
		if err := s.queries.CreateNotification(c.Request.Context(), params); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			log.Printf("通知作成エラー: %v", err)
			return
		}

		notification, err := s.queries.GetNotificationByID(c.Request.Context(), params.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			log.Printf("作成済み通知の取得エラー: %v", err)
			return
		}

		response := toNotificationResponse(notification)

		// コミット済みの通知のみを購読者へ発行する。
		// 発行は書き込みパスをブロックせず、失敗してもリクエストは成功扱い。
		s.broker.Publish(userID, broker.Event{
			Kind: broker.KindNotification,
			ID:   notification.ID,
			Data: response,
		})

		log.Printf("通知を作成しました: id=%s, user_id=%s, priority=%s", notification.ID, userID, notification.Priority)
		c.JSON(http.StatusCreated, response)
	}
}

// paginatedResponse は一覧取得のページネーション付きレスポンス。
type paginatedResponse struct {
	// Items は取得した通知の一覧。
	Items []notificationResponse `json:"items"`
	// Total はフィルタ条件に一致する総件数。
	Total int `json:"total"`
	// Limit は要求された最大取得件数。
	Limit int `json:"limit"`
	// Offset は取得開始位置。
	Offset int `json:"offset"`
}

// handleListNotifications は認証済みユーザーの通知一覧を返すハンドラ。
// since・status・priority・sourceでのフィルタとページネーションに対応する。
func (s *Server) handleListNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		params := ListNotificationsParams{
			UserID: userID,
			Limit:  defaultListLimit,
		}

		if since := c.Query("since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "sinceの形式が不正です（RFC3339）"})
				return
			}
			params.Since = &t
		}
		if status := Status(c.Query("status")); status != "" {
			if !status.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "statusが不正です"})
				return
			}
			params.Status = &status
		}
		if priority := Priority(c.Query("priority")); priority != "" {
			if !priority.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "priorityが不正です"})
				return
			}
			params.Priority = &priority
		}
		if source := c.Query("source"); source != "" {
			params.Source = &source
		}
		if limitStr := c.Query("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil || limit < 1 || limit > maxListLimit {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitが不正です"})
				return
			}
			params.Limit = limit
		}
		if offsetStr := c.Query("offset"); offsetStr != "" {
			offset, err := strconv.Atoi(offsetStr)
			if err != nil || offset < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "offsetが不正です"})
				return
			}
			params.Offset = offset
		}

		total, err := s.queries.CountNotifications(c.Request.Context(), params)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知件数の取得に失敗しました"})
			log.Printf("通知件数取得エラー: %v", err)
			return
		}

		notifications, err := s.queries.ListNotifications(c.Request.Context(), params)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			log.Printf("通知一覧取得エラー: %v", err)
			return
		}

		c.JSON(http.StatusOK, paginatedResponse{
			Items:  toNotificationResponses(notifications),
			Total:  total,
			Limit:  params.Limit,
			Offset: params.Offset,
		})
	}
}

// getOwnedNotification は通知を取得して所有者を検証する共通処理。
// 見つからない場合や他ユーザーの通知の場合はレスポンスを書き込んでfalseを返す。
func (s *Server) getOwnedNotification(c *gin.Context, userID string) (Notification, bool) {
	n, err := s.queries.GetNotificationByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			log.Printf("通知取得エラー: %v", err)
		}
		return Notification{}, false
	}

	// 他ユーザーの通知は存在自体を隠す
	if n.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
		return Notification{}, false
	}
	return n, true
}

// handleGetNotification は通知を1件返すハンドラ。
func (s *Server) handleGetNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		n, ok := s.getOwnedNotification(c, userID)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, toNotificationResponse(n))
	}
}

// updateNotificationRequest はステータス変更リクエストのJSON構造。
type updateNotificationRequest struct {
	// Status は変更後のステータス。
	Status Status `json:"status" binding:"required"`
}

// handleUpdateNotification は通知のステータスを変更し
// status_changeイベントを発行するハンドラ。
func (s *Server) handleUpdateNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		var req updateNotificationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}
		if !req.Status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "statusが不正です"})
			return
		}

		n, ok := s.getOwnedNotification(c, userID)
		if !ok {
			return
		}

		// 最初に既読になった日時を記録する
		var readAt *time.Time
		if req.Status == StatusRead && n.ReadAt == nil {
			now := time.Now().UTC()
			readAt = &now
		}

		if err := s.queries.UpdateNotificationStatus(c.Request.Context(), n.ID, req.Status, readAt); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ステータスの更新に失敗しました"})
			log.Printf("ステータス更新エラー: %v", err)
			return
		}

		updated, err := s.queries.GetNotificationByID(c.Request.Context(), n.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			log.Printf("更新済み通知の取得エラー: %v", err)
			return
		}

		// コミット後にstatus_changeイベントを発行する
		s.broker.Publish(userID, broker.Event{
			Kind: broker.KindStatusChange,
			ID:   updated.ID,
			Data: statusChangePayload{ID: updated.ID, Status: updated.Status},
		})

		c.JSON(http.StatusOK, toNotificationResponse(updated))
	}
}

// handleDeleteNotification は通知を削除するハンドラ。イベントは発行しない。
func (s *Server) handleDeleteNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		n, ok := s.getOwnedNotification(c, userID)
		if !ok {
			return
		}

		if err := s.queries.DeleteNotification(c.Request.Context(), n.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の削除に失敗しました"})
			log.Printf("通知削除エラー: %v", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
