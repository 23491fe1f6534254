package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
)

//	Transport-level instrumentation. Registration is eager; if the
//	process never exposes a prometheus endpoint it is harmless.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_websocket_connections_total",
		Help: "Total websocket connections established, inbound and outbound",
	})
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsrpc_websocket_active_connections",
		Help: "Websocket connections currently open",
	})
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_websocket_messages_sent_total",
		Help: "Text frames written to peers",
	})
	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_websocket_messages_received_total",
		Help: "Text frames received from peers",
	})
	sendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsrpc_websocket_send_errors_total",
		Help: "Frame writes that failed and closed the connection",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal, activeConnections, messagesSent, messagesReceived, sendErrors)
}
