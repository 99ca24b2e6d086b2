package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the StreamXR service
type Metrics struct {
	// Session / hub metrics
	SessionsActive *prometheus.GaugeVec
	Messages       *prometheus.CounterVec
	Broadcasts     *prometheus.CounterVec

	// Asset / NeRF streaming metrics
	StreamBytes    *prometheus.CounterVec
	StreamDuration *prometheus.HistogramVec
	Streams        *prometheus.CounterVec

	// World state metrics
	SharedObjects *prometheus.GaugeVec
	AssetsLoaded  *prometheus.GaugeVec
}
