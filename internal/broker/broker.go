package broker

import (
	"log"
	"sync"
	"sync/atomic"
)

// defaultBuffer は購読キューのデフォルト容量。
const defaultBuffer = 32

// Subscription は1つのストリーム接続に対応する購読ハンドル。
// チャネルの消費側は所有するストリームセッションのみが使用する。
type Subscription struct {
	// userID は購読対象のユーザーID。
	userID string
	// ch はイベント配信用のバッファ付きチャネル。
	ch chan Event
	// lagged はキュー満杯によるイベント破棄が発生したことを示すフラグ。
	lagged atomic.Bool
}

// UserID は購読対象のユーザーIDを返す。
func (s *Subscription) UserID() string {
	return s.userID
}

// Events はイベント受信用チャネルを返す。
// Unsubscribe または Broker.Close でクローズされる。
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Lagged はこの購読でイベント破棄が発生したかどうかを返す。
// trueの場合、セッションは接続を閉じてクライアントに再取得を促すべきである。
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// Broker はユーザーIDごとの購読集合を管理するプロセス内レジストリ。
// 複数のストリームセッションと書き込みパスから並行に呼ばれても安全。
type Broker struct {
	// mu は subs と closed を保護する。Publish は読み取りロックのみ取得し、
	// 購読の登録・解除とは競合しない。
	mu sync.RWMutex
	// subs はユーザーIDからアクティブな購読集合へのマップ。
	subs map[string]map[*Subscription]struct{}
	// buffer は購読キューの容量。
	buffer int
	// closed はシャットダウン済みかどうかを示す。
	closed bool
}

// New は新しいBrokerを生成する。
// buffer には購読キューの容量を指定する。0以下の場合はデフォルト値を使う。
func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe は指定ユーザーの購読を登録してハンドルを返す。
// シャットダウン後に呼ばれた場合はクローズ済みチャネルを持つハンドルを
// 返すため、セッションは即座に終了処理に入る。
func (b *Broker) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		userID: userID,
		ch:     make(chan Event, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}

	if b.subs[userID] == nil {
		b.subs[userID] = make(map[*Subscription]struct{})
	}
	b.subs[userID][sub] = struct{}{}
	log.Printf("[broker] 購読を登録しました: user_id=%s, count=%d", userID, len(b.subs[userID]))
	return sub
}

// Unsubscribe は購読を解除してチャネルをクローズする。
// 冪等であり、解除済みのハンドルやシャットダウン後の呼び出しは何もしない。
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.userID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}

	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.userID)
	}
	// Publish は読み取りロック下で送信するため、書き込みロック下での
	// クローズと交錯することはない。
	close(sub.ch)
	log.Printf("[broker] 購読を解除しました: user_id=%s", sub.userID)
}

// Publish は指定ユーザーの全購読へイベントを配信する。
// 配信はノンブロッキングであり、キューが満杯の購読に対しては
// イベントを破棄して遅延フラグを立てる。書き込みパスを待たせることはない。
func (b *Broker) Publish(userID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			// 消費が追いついていない購読。イベントを破棄してフラグを立て、
			// セッション側に再接続での回復を委ねる。
			sub.lagged.Store(true)
			log.Printf("[broker] キュー満杯によりイベントを破棄しました: user_id=%s, event_id=%s", userID, ev.ID)
		}
	}
}

// SubscriberCount は指定ユーザーのアクティブな購読数を返す。
func (b *Broker) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Close は全購読のチャネルをクローズしてBrokerをシャットダウンする。
// サーバー停止時に呼び出し、アクティブな全セッションを終了させる。
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for userID, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, userID)
	}
	log.Printf("[broker] シャットダウンしました")
}
