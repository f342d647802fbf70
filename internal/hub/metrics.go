package hub

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	clientsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wsps",
			Subsystem: "hub",
			Name:      "clients",
			Help:      "Connected clients.",
		},
		[]string{"node"},
	)
	framesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsps",
			Subsystem: "hub",
			Name:      "frames_received_total",
			Help:      "Frames received from clients by kind.",
		},
		[]string{"node", "kind"},
	)
	broadcastDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsps",
			Subsystem: "hub",
			Name:      "broadcast_deliveries_total",
			Help:      "Publish frames pushed to clients, by outcome.",
		},
		[]string{"node", "outcome"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsps",
			Subsystem: "hub",
			Name:      "decode_errors_total",
			Help:      "Client frames dropped because they could not be decoded.",
		},
		[]string{"node"},
	)
	federationMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsps",
			Subsystem: "hub",
			Name:      "federation_messages_total",
			Help:      "Envelopes exchanged with other hub nodes.",
		},
		[]string{"node", "direction"},
	)
)

// RegisterMetrics adds the hub collectors to the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(clientsGauge, framesIn, broadcastDeliveries, decodeErrors, federationMessages)
	})
}

func recordClients(node string, n int) {
	RegisterMetrics()
	clientsGauge.WithLabelValues(node).Set(float64(n))
}

func recordFrame(node, kind string) {
	RegisterMetrics()
	framesIn.WithLabelValues(node, kind).Inc()
}

func recordBroadcast(node string, ok bool) {
	RegisterMetrics()
	outcome := "sent"
	if !ok {
		outcome = "dropped"
	}
	broadcastDeliveries.WithLabelValues(node, outcome).Inc()
}

func recordDecodeError(node string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(node).Inc()
}

func recordFederation(node, direction string) {
	RegisterMetrics()
	federationMessages.WithLabelValues(node, direction).Inc()
}
