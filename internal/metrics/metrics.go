// Package metrics exposes the gateway prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used with FramesDroppedTotal
const (
	DropQueueFull   = "queue_full"
	DropInboundFull = "inbound_full"
	DropInvalid     = "invalid"
	DropWriteError  = "write_error"
)

var (
	ConnectedClients     = promauto.NewGauge(prometheus.GaugeOpts{Name: "cantcp_connected_clients", Help: "Currently connected TCP clients"})
	ClientsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "cantcp_clients_accepted_total", Help: "TCP clients accepted"})
	ClientSendFailures   = promauto.NewCounter(prometheus.CounterOpts{Name: "cantcp_client_send_failures_total", Help: "Sends to a TCP client that failed and closed the connection"})
	BytesReceivedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "cantcp_tcp_bytes_received_total", Help: "Bytes received from TCP clients"})
	BytesSentTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "cantcp_tcp_bytes_sent_total", Help: "Bytes delivered to TCP clients"})
	FramesReceivedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "cantcp_can_frames_received_total", Help: "CAN frames received from the bus"})
	FramesSentTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "cantcp_can_frames_sent_total", Help: "CAN frames written to the bus"})
	FramesDroppedTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cantcp_can_frames_dropped_total", Help: "CAN frames dropped by reason"}, []string{"reason"})
	FilterMatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "cantcp_can_filter_matches_total", Help: "Receive filter matches"})
	PeriodicFramesTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "cantcp_can_periodic_frames_total", Help: "Frames enqueued by the periodic scheduler"})
	BridgeActive         = promauto.NewGauge(prometheus.GaugeOpts{Name: "cantcp_bridge_active", Help: "1 when the CAN bridge is open"})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

func Dropped(reason string) {
	FramesDroppedTotal.WithLabelValues(reason).Inc()
}
