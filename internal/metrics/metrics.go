package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_relay_connections",
		Help: "Live websocket connections on this node",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_relay_online_users",
		Help: "Users with at least one live connection on this node",
	})
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_messages_total",
		Help: "Persisted messages by delivery state at send time",
	}, []string{"state"})
	MessageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_message_errors_total",
		Help: "Rejected or failed sends",
	}, []string{"kind"})
	ReadReceipts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_messages_read_total",
		Help: "Messages flipped to read",
	})
	OfflineSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_offline_synced_total",
		Help: "Messages flushed by reconnect sync",
	})
	Calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_calls_total",
		Help: "Call attempts by outcome",
	}, []string{"outcome"})
	Pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_push_total",
		Help: "Push notifications handed to the sink",
	}, []string{"result"})
	DroppedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_dropped_frames_total",
		Help: "Frames dropped because a connection's send buffer was full",
	})
)

func init() {
	prometheus.MustRegister(Connections)
	prometheus.MustRegister(OnlineUsers)
	prometheus.MustRegister(Messages)
	prometheus.MustRegister(MessageErrors)
	prometheus.MustRegister(ReadReceipts)
	prometheus.MustRegister(OfflineSynced)
	prometheus.MustRegister(Calls)
	prometheus.MustRegister(Pushes)
	prometheus.MustRegister(DroppedFrames)
}
