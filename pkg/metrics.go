package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	prometheusGaugeParticipants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yap_relay_participants",
			Help: "Number of participants currently in the room",
		},
	)

	prometheusGaugeSpeakers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yap_relay_speakers",
			Help: "Number of participants currently speaking",
		},
	)

	prometheusGaugeTracks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "yap_relay_published_tracks",
			Help: "Number of inbound audio tracks held by the relay",
		},
	)

	prometheusCounterRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yap_relay_rejected_connections_total",
			Help: "Websocket connections refused before joining, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(prometheusGaugeParticipants)
	prometheus.MustRegister(prometheusGaugeSpeakers)
	prometheus.MustRegister(prometheusGaugeTracks)
	prometheus.MustRegister(prometheusCounterRejected)
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)
}
