package relay

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nao1215/prinotify/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// openDatabase はSQLiteデータベースを開きマイグレーションを適用する。
func openDatabase(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	// WALモードとビジータイムアウトを設定する
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("PRAGMAの設定に失敗: %w", err)
		}
	}

	if err := migration.Run(db.DB, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}

	return db, nil
}

// Queries はデータベースへのクエリ実行をまとめた型。
type Queries struct {
	// db はSQLiteデータベース接続。
	db *sqlx.DB
}

// NewQueries は新しいクエリ実行オブジェクトを生成する。
func NewQueries(db *sqlx.DB) *Queries {
	return &Queries{db: db}
}

// --- ユーザー ---

// UpsertUserParams はユーザーのupsertに必要なパラメータ。
type UpsertUserParams struct {
	// ID は新規作成時に使用するユーザーID（UUID）。
	ID string
	// Sub はOIDCプロバイダのサブジェクト識別子。
	Sub string
	// Email はメールアドレス。
	Email string
	// Name は表示名。
	Name string
}

// UpsertUserBySub はOIDCのsubをキーにユーザーを作成または更新する。
// 既存ユーザーの場合はemail・name・last_login_atを更新する。
func (q *Queries) UpsertUserBySub(ctx context.Context, arg UpsertUserParams) (User, error) {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, sub, email, name, created_at, last_login_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sub) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			last_login_at = excluded.last_login_at`,
		arg.ID, arg.Sub, arg.Email, arg.Name, now, now,
	)
	if err != nil {
		return User{}, fmt.Errorf("ユーザーのupsertに失敗: %w", err)
	}

	var user User
	if err := q.db.GetContext(ctx, &user, "SELECT * FROM users WHERE sub = ?", arg.Sub); err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return user, nil
}

// GetUserByID はユーザーIDでユーザーを取得する。
func (q *Queries) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	if err := q.db.GetContext(ctx, &user, "SELECT * FROM users WHERE id = ?", id); err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return user, nil
}

// --- 通知 ---

// CreateNotificationParams は通知の作成に必要なパラメータ。
type CreateNotificationParams struct {
	// ID は通知の一意識別子（UUID）。
	ID string
	// UserID は所有者のユーザーID。
	UserID string
	// Title はタイトル。
	Title string
	// Message は本文。省略可能。
	Message *string
	// Priority は優先度。
	Priority Priority
	// Source は発生元。省略可能。
	Source *string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// Metadata は自由形式のメタデータ。
	Metadata Metadata
}

// CreateNotification は通知を1件作成する。
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, priority, status, source, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.UserID, arg.Title, arg.Message, arg.Priority, StatusUnread, arg.Source, arg.CreatedAt, arg.Metadata,
	)
	if err != nil {
		return fmt.Errorf("通知の作成に失敗: %w", err)
	}
	return nil
}

// GetNotificationByID は通知IDで通知を取得する。
func (q *Queries) GetNotificationByID(ctx context.Context, id string) (Notification, error) {
	var n Notification
	if err := q.db.GetContext(ctx, &n, "SELECT * FROM notifications WHERE id = ?", id); err != nil {
		return Notification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// ListNotificationsParams は通知一覧取得のフィルタとページネーション。
type ListNotificationsParams struct {
	// UserID は所有者のユーザーID。必須。
	UserID string
	// Since は指定日時より後に作成された通知のみ返すフィルタ。
	Since *time.Time
	// Status はステータスフィルタ。
	Status *Status
	// Priority は優先度フィルタ。
	Priority *Priority
	// Source は発生元フィルタ。
	Source *string
	// Limit は最大取得件数。
	Limit int
	// Offset は取得開始位置。
	Offset int
}

// listFilter はフィルタ条件からWHERE句と引数を組み立てる。
func (p ListNotificationsParams) listFilter() (string, []any) {
	conds := []string{"user_id = ?"}
	args := []any{p.UserID}

	if p.Since != nil {
		conds = append(conds, "created_at > ?")
		args = append(args, p.Since.UTC())
	}
	if p.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *p.Status)
	}
	if p.Priority != nil {
		conds = append(conds, "priority = ?")
		args = append(args, *p.Priority)
	}
	if p.Source != nil {
		conds = append(conds, "source = ?")
		args = append(args, *p.Source)
	}

	return strings.Join(conds, " AND "), args
}

// ListNotifications は条件に一致する通知を新しい順に取得する。
func (q *Queries) ListNotifications(ctx context.Context, arg ListNotificationsParams) ([]Notification, error) {
	where, args := arg.listFilter()
	query := fmt.Sprintf(
		"SELECT * FROM notifications WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?", where)
	args = append(args, arg.Limit, arg.Offset)

	notifications := []Notification{}
	if err := q.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return notifications, nil
}

// CountNotifications は条件に一致する通知の総数を返す。
func (q *Queries) CountNotifications(ctx context.Context, arg ListNotificationsParams) (int, error) {
	where, args := arg.listFilter()
	query := fmt.Sprintf("SELECT COUNT(*) FROM notifications WHERE %s", where)

	var total int
	if err := q.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, fmt.Errorf("通知件数の取得に失敗: %w", err)
	}
	return total, nil
}

// ListNotificationsCreatedAfter は指定日時より後に作成された通知を
// 古い順に取得する。ストリームセッションのキャッチアップに使う。
func (q *Queries) ListNotificationsCreatedAfter(ctx context.Context, userID string, after time.Time) ([]Notification, error) {
	notifications := []Notification{}
	err := q.db.SelectContext(ctx, &notifications, `
		SELECT * FROM notifications
		WHERE user_id = ? AND created_at > ?
		ORDER BY created_at ASC`,
		userID, after.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("キャッチアップ対象の取得に失敗: %w", err)
	}
	return notifications, nil
}

// UpdateNotificationStatus は通知のステータスを更新する。
// readAt が非nilの場合はread_atも設定する。
func (q *Queries) UpdateNotificationStatus(ctx context.Context, id string, status Status, readAt *time.Time) error {
	var err error
	if readAt != nil {
		_, err = q.db.ExecContext(ctx,
			"UPDATE notifications SET status = ?, read_at = ? WHERE id = ?", status, readAt.UTC(), id)
	} else {
		_, err = q.db.ExecContext(ctx,
			"UPDATE notifications SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("通知ステータスの更新に失敗: %w", err)
	}
	return nil
}

// DeleteNotification は通知を1件削除する。
func (q *Queries) DeleteNotification(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", id); err != nil {
		return fmt.Errorf("通知の削除に失敗: %w", err)
	}
	return nil
}

// --- クライアントトークン ---

// CreateClientTokenParams はクライアントトークンの作成に必要なパラメータ。
type CreateClientTokenParams struct {
	// ID はトークンの一意識別子（UUID）。
	ID string
	// UserID は所有者のユーザーID。
	UserID string
	// TokenHash はトークン平文のbcryptハッシュ。
	TokenHash string
	// Name は表示名。
	Name string
	// DeviceType はデバイスの種類。
	DeviceType DeviceType
}

// CreateClientToken はクライアントトークンを1件作成する。
func (q *Queries) CreateClientToken(ctx context.Context, arg CreateClientTokenParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO client_tokens (id, user_id, token_hash, name, device_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		arg.ID, arg.UserID, arg.TokenHash, arg.Name, arg.DeviceType, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("トークンの作成に失敗: %w", err)
	}
	return nil
}

// GetClientTokenByID はトークンIDでクライアントトークンを取得する。
func (q *Queries) GetClientTokenByID(ctx context.Context, id string) (ClientToken, error) {
	var ct ClientToken
	if err := q.db.GetContext(ctx, &ct, "SELECT * FROM client_tokens WHERE id = ?", id); err != nil {
		return ClientToken{}, fmt.Errorf("トークンの取得に失敗: %w", err)
	}
	return ct, nil
}

// ListClientTokensByUserID は指定ユーザーのトークンを新しい順に取得する。
func (q *Queries) ListClientTokensByUserID(ctx context.Context, userID string) ([]ClientToken, error) {
	tokens := []ClientToken{}
	err := q.db.SelectContext(ctx, &tokens,
		"SELECT * FROM client_tokens WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("トークン一覧の取得に失敗: %w", err)
	}
	return tokens, nil
}

// ListClientTokens は全ユーザーのトークンを取得する。
// bcryptハッシュは検索不能であるため、Bearer認証時は全件に対して照合する。
func (q *Queries) ListClientTokens(ctx context.Context) ([]ClientToken, error) {
	tokens := []ClientToken{}
	if err := q.db.SelectContext(ctx, &tokens, "SELECT * FROM client_tokens"); err != nil {
		return nil, fmt.Errorf("トークン一覧の取得に失敗: %w", err)
	}
	return tokens, nil
}

// TouchClientToken はトークンの最終使用日時を更新する。
func (q *Queries) TouchClientToken(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE client_tokens SET last_used_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("トークンの最終使用日時の更新に失敗: %w", err)
	}
	return nil
}

// DeleteClientToken はクライアントトークンを1件削除する。
func (q *Queries) DeleteClientToken(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, "DELETE FROM client_tokens WHERE id = ?", id); err != nil {
		return fmt.Errorf("トークンの削除に失敗: %w", err)
	}
	return nil
}
