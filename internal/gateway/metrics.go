package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics replaces the teacher's atomic.Int64 hand-rolled counters
// (internal/streamer.Streamer.SnapshotMetrics) with prometheus, since the
// Gateway is the one process in this fabric that sits in the hot path of
// every byte transferred and is worth real instrumentation.
type metrics struct {
	bytesRead      prometheus.Counter
	readRequests   *prometheus.CounterVec
	zipInfoLookups *prometheus.CounterVec
	wsStreams      prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		bytesRead: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ndsfabric_gateway_bytes_read_total",
			Help: "Total bytes read from NDS archives via readRange.",
		}),
		readRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ndsfabric_gateway_read_requests_total",
			Help: "Read requests by outcome.",
		}, []string{"outcome"}),
		zipInfoLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ndsfabric_gateway_zip_info_lookups_total",
			Help: "Zip central-directory lookups by cache outcome.",
		}, []string{"outcome"}),
		wsStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ndsfabric_gateway_ws_streams_active",
			Help: "Currently open ws/read streaming connections.",
		}),
	}
}

func (m *metrics) handler() http.Handler { return promhttp.Handler() }
