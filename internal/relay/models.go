package relay

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Priority は通知の優先度を表す。
type Priority string

const (
	// PriorityLow は低優先度を表す。
	PriorityLow Priority = "low"
	// PriorityMedium は中優先度（デフォルト）を表す。
	PriorityMedium Priority = "medium"
	// PriorityHigh は高優先度を表す。
	PriorityHigh Priority = "high"
	// PriorityCritical は緊急を表す。
	PriorityCritical Priority = "critical"
)

// Valid は優先度が定義済みの値かどうかを返す。
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status は通知のステータスを表す。
type Status string

const (
	// StatusUnread は未読を表す。
	StatusUnread Status = "unread"
	// StatusRead は既読を表す。
	StatusRead Status = "read"
	// StatusArchived はアーカイブ済みを表す。
	StatusArchived Status = "archived"
)

// Valid はステータスが定義済みの値かどうかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusUnread, StatusRead, StatusArchived:
		return true
	}
	return false
}

// DeviceType はクライアントトークンを利用するデバイスの種類を表す。
type DeviceType string

const (
	// DeviceAndroid はAndroidクライアントを表す。
	DeviceAndroid DeviceType = "android"
	// DeviceGnome はGNOMEデスクトップクライアントを表す。
	DeviceGnome DeviceType = "gnome"
	// DeviceOther はその他のクライアントを表す。
	DeviceOther DeviceType = "other"
)

// Valid はデバイス種別が定義済みの値かどうかを返す。
func (d DeviceType) Valid() bool {
	switch d {
	case DeviceAndroid, DeviceGnome, DeviceOther:
		return true
	}
	return false
}

// Metadata は通知に付随する自由形式のメタデータ。
// SQLiteにはJSON文字列として保存する。
type Metadata map[string]any

// Value はMetadataをSQLiteへ保存する形式に変換する。
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("メタデータのシリアライズに失敗: %w", err)
	}
	return string(data), nil
}

// Scan はSQLiteから読み出した値をMetadataに変換する。
func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("メタデータの型が不正です: %T", src)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("メタデータのデシリアライズに失敗: %w", err)
	}
	return nil
}

// User はOIDCログイン済みのユーザーを表す。
type User struct {
	// ID はユーザーの一意識別子（UUID）。
	ID string `db:"id"`
	// Sub はOIDCプロバイダが発行するサブジェクト識別子。
	Sub string `db:"sub"`
	// Email はユーザーのメールアドレス。
	Email string `db:"email"`
	// Name はユーザーの表示名。
	Name string `db:"name"`
	// CreatedAt は初回ログイン日時。
	CreatedAt time.Time `db:"created_at"`
	// LastLoginAt は最終ログイン日時。
	LastLoginAt time.Time `db:"last_login_at"`
}

// Notification は1件の通知を表す。
// 作成後は status と read_at 以外は不変として扱う。
type Notification struct {
	// ID は通知の一意識別子（UUID）。ストリームイベントのIDとしても使う。
	ID string `db:"id"`
	// UserID は通知の所有者のユーザーID。配信先の決定に使う。
	UserID string `db:"user_id"`
	// Title は通知のタイトル。
	Title string `db:"title"`
	// Message は通知の本文。省略可能。
	Message *string `db:"message"`
	// Priority は通知の優先度。
	Priority Priority `db:"priority"`
	// Status は通知のステータス。
	Status Status `db:"status"`
	// Source は通知の発生元（例: "monitoring"）。省略可能。
	Source *string `db:"source"`
	// CreatedAt は通知の作成日時。キャッチアップのウォーターマークとして使う。
	CreatedAt time.Time `db:"created_at"`
	// ReadAt は最初に既読になった日時。未読の間はnil。
	ReadAt *time.Time `db:"read_at"`
	// Metadata は自由形式の付随データ。
	Metadata Metadata `db:"metadata"`
}

// ClientToken は外部プロデューサ用のAPIトークンを表す。
// 平文は発行時に一度だけ返し、保存するのはbcryptハッシュのみ。
type ClientToken struct {
	// ID はトークンの一意識別子（UUID）。
	ID string `db:"id"`
	// UserID はトークンの所有者のユーザーID。
	UserID string `db:"user_id"`
	// TokenHash はトークン平文のbcryptハッシュ。
	TokenHash string `db:"token_hash"`
	// Name はユーザーが付けたトークンの表示名。
	Name string `db:"name"`
	// DeviceType はトークンを利用するデバイスの種類。
	DeviceType DeviceType `db:"device_type"`
	// LastUsedAt は最終使用日時。未使用の間はnil。
	LastUsedAt *time.Time `db:"last_used_at"`
	// CreatedAt はトークンの作成日時。
	CreatedAt time.Time `db:"created_at"`
	// ExpiresAt は有効期限。nilの場合は無期限。
	ExpiresAt *time.Time `db:"expires_at"`
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// UserID は通知の所有者のユーザーID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知の本文。
	Message *string `json:"message"`
	// Priority は通知の優先度。
	Priority Priority `json:"priority"`
	// Status は通知のステータス。
	Status Status `json:"status"`
	// Source は通知の発生元。
	Source *string `json:"source"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
	// ReadAt は最初に既読になった日時（RFC3339形式）。
	ReadAt *string `json:"read_at"`
	// Metadata は自由形式の付随データ。
	Metadata Metadata `json:"metadata"`
}

// toNotificationResponse はDB行をJSONレスポンスに変換する。
func toNotificationResponse(n Notification) notificationResponse {
	resp := notificationResponse{
		ID:        n.ID,
		UserID:    n.UserID,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  n.Priority,
		Status:    n.Status,
		Source:    n.Source,
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339Nano),
		Metadata:  n.Metadata,
	}
	if n.ReadAt != nil {
		readAt := n.ReadAt.UTC().Format(time.RFC3339Nano)
		resp.ReadAt = &readAt
	}
	return resp
}

// toNotificationResponses はDB行のスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(notifications []Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, toNotificationResponse(n))
	}
	return responses
}

// userResponse はユーザー情報のJSONレスポンス構造。
type userResponse struct {
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Name はユーザーの表示名。
	Name string `json:"name"`
	// CreatedAt は初回ログイン日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
	// LastLoginAt は最終ログイン日時（RFC3339形式）。
	LastLoginAt string `json:"last_login_at"`
}

// toUserResponse はDB行をJSONレスポンスに変換する。
func toUserResponse(u User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		CreatedAt:   u.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastLoginAt: u.LastLoginAt.UTC().Format(time.RFC3339Nano),
	}
}

// tokenResponse はクライアントトークンのJSONレスポンス構造。
// ハッシュは含めない。
type tokenResponse struct {
	// ID はトークンの一意識別子。
	ID string `json:"id"`
	// Name はトークンの表示名。
	Name string `json:"name"`
	// DeviceType はデバイスの種類。
	DeviceType DeviceType `json:"device_type"`
	// LastUsedAt は最終使用日時（RFC3339形式）。
	LastUsedAt *string `json:"last_used_at"`
	// CreatedAt はトークンの作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
	// ExpiresAt は有効期限（RFC3339形式）。
	ExpiresAt *string `json:"expires_at"`
}

// toTokenResponse はDB行をJSONレスポンスに変換する。
func toTokenResponse(ct ClientToken) tokenResponse {
	resp := tokenResponse{
		ID:         ct.ID,
		Name:       ct.Name,
		DeviceType: ct.DeviceType,
		CreatedAt:  ct.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if ct.LastUsedAt != nil {
		lastUsed := ct.LastUsedAt.UTC().Format(time.RFC3339Nano)
		resp.LastUsedAt = &lastUsed
	}
	if ct.ExpiresAt != nil {
		expires := ct.ExpiresAt.UTC().Format(time.RFC3339Nano)
		resp.ExpiresAt = &expires
	}
	return resp
}
