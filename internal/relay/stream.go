package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/nao1215/prinotify/internal/broker"
	"github.com/nao1215/prinotify/pkg/middleware"
)

// lastEventIDHeader はSSEクライアントが再接続時に送る最終受信イベントIDのヘッダー。
const lastEventIDHeader = "Last-Event-ID"

// sessionState はストリームセッションの状態を表す。
type sessionState int

const (
	// stateConnecting は購読登録前の初期状態。
	stateConnecting sessionState = iota
	// stateCatchingUp はウォーターマーク以降の通知を再生している状態。
	stateCatchingUp
	// stateStreaming はライブイベントを配信している状態。
	stateStreaming
	// stateClosed は終了状態。すべての状態から遷移しうる。
	stateClosed
)

// eventSink はストリームセッションのフレーム出力先。
// HTTPレスポンスへの書き込みを抽象化し、セッションを単体でテスト可能にする。
type eventSink interface {
	// Send は1フレームを書き込んでフラッシュする。
	Send(ev sse.Event) error
	// Flush はバッファ済みの出力をクライアントへ送り出す。
	Flush()
}

// flushWriter はHTTPレスポンスへのeventSink実装。
type flushWriter struct {
	// w はレスポンスボディの書き込み先。
	w io.Writer
	// f は書き込みごとのフラッシュに使う。
	f http.Flusher
}

// Send はSSEフレームを書き込んで即座にフラッシュする。
func (fw flushWriter) Send(ev sse.Event) error {
	if err := sse.Encode(fw.w, ev); err != nil {
		return err
	}
	fw.f.Flush()
	return nil
}

// Flush はレスポンスをフラッシュする。
func (fw flushWriter) Flush() {
	fw.f.Flush()
}

// streamSession は1つのストリーム接続に対応するセッション。
// CONNECTING → CATCHING_UP → STREAMING → CLOSED の順に遷移する。
type streamSession struct {
	// broker はイベントファンアウト。
	broker *broker.Broker
	// queries はキャッチアップクエリの実行に使う。
	queries *Queries
	// userID は購読対象のユーザーID。
	userID string
	// after はキャッチアップのウォーターマーク。nilの場合はキャッチアップしない。
	after *time.Time
	// keepalive はキープアライブ送信間隔。
	keepalive time.Duration
	// state は現在のセッション状態。
	state sessionState
}

// errCatchUpFailed はキャッチアップクエリの失敗を表す。
// セッションはストリーミングに入らず中断する（静かな欠落を許さない）。
var errCatchUpFailed = errors.New("キャッチアップに失敗しました")

// run はセッションを実行する。ctxのキャンセル・出力エラー・Brokerの
// シャットダウンまでブロックし、どの経路でも必ず購読を解除して終了する。
// キャッチアップの失敗のみエラーとして返す（出力エラーは通常のクライアント切断）。
func (ss *streamSession) run(ctx context.Context, sink eventSink) error {
	// 登録を最初に行う。これ以降に発行されたイベントは取りこぼさない。
	ss.state = stateConnecting
	sub := ss.broker.Subscribe(ss.userID)
	defer func() {
		ss.broker.Unsubscribe(sub)
		ss.state = stateClosed
	}()

	if ss.after != nil {
		ss.state = stateCatchingUp
		missed, err := ss.queries.ListNotificationsCreatedAfter(ctx, ss.userID, *ss.after)
		if err != nil {
			return fmt.Errorf("%w: %w", errCatchUpFailed, err)
		}
		// 古い順に再生する。並行して発行されたライブイベントと重複しうるが、
		// クライアントがイベントIDで重複排除する。
		for _, n := range missed {
			ev := sse.Event{
				Id:    n.ID,
				Event: string(broker.KindNotification),
				Data:  toNotificationResponse(n),
			}
			if err := sink.Send(ev); err != nil {
				return nil
			}
		}
	}

	ss.state = stateStreaming
	// 最初のフレームを待たずにレスポンスヘッダーをクライアントへ届ける
	sink.Flush()
	ticker := time.NewTicker(ss.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// クライアント切断またはリクエストのキャンセル
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				// Brokerのシャットダウン
				return nil
			}
			frame := sse.Event{
				Id:    ev.ID,
				Event: string(ev.Kind),
				Data:  ev.Data,
			}
			if err := sink.Send(frame); err != nil {
				return nil
			}
			if sub.Lagged() {
				// イベントが破棄された購読は続行しない。接続を閉じて
				// クライアントにLast-Event-IDからの再取得を促す。
				log.Printf("イベント破棄を検出したためセッションを閉じます: user_id=%s", ss.userID)
				return nil
			}
		case <-ticker.C:
			// キープアライブにはイベントIDを付けない。クライアントの
			// 再開ウォーターマークを進めないようにするため。
			if err := sink.Send(sse.Event{Event: "ping", Data: ""}); err != nil {
				return nil
			}
			if sub.Lagged() {
				log.Printf("イベント破棄を検出したためセッションを閉じます: user_id=%s", ss.userID)
				return nil
			}
		}
	}
}

// resolveWatermark はリクエストからキャッチアップのウォーターマークを解決する。
// Last-Event-IDヘッダー（イベントID）を優先し、なければsinceクエリパラメータ
// （RFC3339タイムスタンプ）を使う。どちらもなければnilを返す。
func (s *Server) resolveWatermark(c *gin.Context, userID string) (*time.Time, error) {
	if lastID := c.GetHeader(lastEventIDHeader); lastID != "" {
		n, err := s.queries.GetNotificationByID(c.Request.Context(), lastID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("不明なイベントIDです: %s", lastID)
			}
			return nil, fmt.Errorf("イベントIDの解決に失敗: %w", err)
		}
		// 他ユーザーの通知IDは不明なIDと同じ扱いにする
		if n.UserID != userID {
			return nil, fmt.Errorf("不明なイベントIDです: %s", lastID)
		}
		after := n.CreatedAt
		return &after, nil
	}

	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, fmt.Errorf("sinceの形式が不正です（RFC3339）: %w", err)
		}
		return &t, nil
	}

	return nil, nil
}

// handleStream はSSEでリアルタイム通知を配信するハンドラ。
// Last-Event-IDヘッダーまたはsinceクエリパラメータで再開でき、
// 再開時はウォーターマーク以降の通知を再生してからライブ配信に入る。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		after, err := s.resolveWatermark(c, userID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.Header("Content-Type", sse.ContentType)
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		session := &streamSession{
			broker:    s.broker,
			queries:   s.queries,
			userID:    userID,
			after:     after,
			keepalive: s.cfg.Stream.Keepalive(),
		}

		sink := flushWriter{w: c.Writer, f: c.Writer}
		if err := session.run(c.Request.Context(), sink); err != nil {
			// キャッチアップ失敗。まだフレームを書き込んでいないため
			// 通常のエラーレスポンスを返せる。設定済みのSSEヘッダーは上書きする。
			log.Printf("ストリームセッションエラー: user_id=%s, err=%v", userID, err)
			c.Header("Content-Type", "application/json; charset=utf-8")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "イベントの再生に失敗しました"})
			return
		}
	}
}
