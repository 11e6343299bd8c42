package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "im_relay_online_conns",
		Help: "Current online websocket connections.",
	})
	SupersededSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_superseded_sessions_total",
		Help: "Total connections forcibly replaced by a newer session of the same uid.",
	})

	WSPushOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_ws_push_ok_total",
		Help: "Total ws packets queued to a connection successfully.",
	})
	WSPushBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_ws_backpressure_total",
		Help: "Total times an outbound queue was full and the packet was dropped.",
	})
	WSPushOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_ws_offline_total",
		Help: "Total relay attempts to a uid with no active connection.",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_messages_sent_total",
		Help: "Total messages persisted via send-message.",
	})
	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_messages_delivered_total",
		Help: "Total messages relayed to the receiver in realtime.",
	})
	MessagesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_messages_read_total",
		Help: "Total messages transitioned to read via mark-read.",
	})

	CallsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_calls_started_total",
		Help: "Total call sessions created (state ringing).",
	})
	CallsAnswered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_calls_answered_total",
		Help: "Total call sessions transitioned to connected.",
	})
	CallsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_calls_rejected_total",
		Help: "Total call invitations rejected, by reason.",
	}, []string{"reason"})
	CallsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "im_relay_calls_ended_total",
		Help: "Total call sessions ended, by reason.",
	}, []string{"reason"})

	OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_outbox_published_total",
		Help: "Total outbox events published to MQ.",
	})
	OutboxFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "im_relay_outbox_failed_total",
		Help: "Total outbox publish attempts that failed.",
	})
)

func Register() {
	prometheus.MustRegister(
		OnlineConns, SupersededSessions,
		WSPushOK, WSPushBackpressure, WSPushOffline,
		MessagesSent, MessagesDelivered, MessagesRead,
		CallsStarted, CallsAnswered, CallsRejected, CallsEnded,
		OutboxPublished, OutboxFailed,
	)
}
