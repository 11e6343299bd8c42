package event

// RelayEvent is the MQ envelope the relay publishes for downstream consumers
// (offline push worker). Treat this as a contract; version it when breaking
// changes are required.
type RelayEvent struct {
	Event   string            `json:"event"`
	TraceID string            `json:"trace_id,omitempty"`
	TS      int64             `json:"ts"` // unix seconds
	FromUID int64             `json:"from_uid"`
	ToUID   int64             `json:"to_uid"`
	Msg     Message           `json:"msg"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type Message struct {
	MsgID       int64  `json:"msg_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Kind        string `json:"kind"`
	Body        string `json:"body,omitempty"`
}

// Event names carried in RelayEvent.Event.
const (
	OfflineMessage = "offline-message"
)
