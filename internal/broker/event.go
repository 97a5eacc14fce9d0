package broker

// Kind はストリームイベントの種類を表す。
type Kind string

const (
	// KindNotification は通知の新規作成イベントを表す。
	KindNotification Kind = "notification"
	// KindStatusChange は通知のステータス変更イベントを表す。
	KindStatusChange Kind = "status_change"
)

// Event は購読者へ配信されるストリームイベント。
// ID には通知のUUIDを設定し、クライアントの再開ウォーターマークとして使う。
type Event struct {
	// Kind はイベントの種類。
	Kind Kind
	// ID はイベント識別子（通知のUUID）。クライアントはこのIDで重複排除と
	// 再接続時の再開を行う。
	ID string
	// Data はイベントのペイロード。JSONにシリアライズ可能な値を設定する。
	Data any
}
