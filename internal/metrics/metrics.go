// Registers:
//
//	#QuoteGate_broadcasts_total
//	#QuoteGate_broadcast_failures_total
//	#QuoteGate_client_drops_total
//	#QuoteGate_upstream_frames_total
//	#QuoteGate_fallback_pulls_total
//	#QuoteGate_connected_sessions
//	#go_* and process_* system metrics
//
// Exposes them on :2112/metrics using Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once              sync.Once
	broadcasts        *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	clientDrops       prometheus.Counter
	upstreamFrames    prometheus.Counter
	fallbackPulls     *prometheus.CounterVec
	connectedSessions prometheus.Gauge
)

func Init() {
	once.Do(func() {
		broadcasts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "QuoteGate_broadcasts_total",
				Help: "Number of update messages delivered to client queues",
			},
			[]string{"kind"},
		)

		broadcastFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "QuoteGate_broadcast_failures_total",
				Help: "Number of client write failures during broadcast",
			},
			[]string{"reason"},
		)

		clientDrops = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "QuoteGate_client_drops_total",
				Help: "Number of messages dropped from full client queues",
			},
		)

		upstreamFrames = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "QuoteGate_upstream_frames_total",
				Help: "Number of realtime data frames received from the provider",
			},
		)

		fallbackPulls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "QuoteGate_fallback_pulls_total",
				Help: "Number of REST quotations pulled for degraded instruments",
			},
			[]string{"result"},
		)

		connectedSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "QuoteGate_connected_sessions",
				Help: "Number of websocket client sessions currently registered",
			},
		)

		_ = prometheus.Register(broadcasts)
		_ = prometheus.Register(broadcastFailures)
		_ = prometheus.Register(clientDrops)
		_ = prometheus.Register(upstreamFrames)
		_ = prometheus.Register(fallbackPulls)
		_ = prometheus.Register(connectedSessions)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe("0.0.0.0:2112", nil); err != nil {
				panic("metrics server failed: " + err.Error())
			}
		}()
	})
}

// IncrementBroadcast increases the broadcast counter for a given update kind.
func IncrementBroadcast(kind string) {
	if broadcasts != nil {
		broadcasts.WithLabelValues(kind).Inc()
	}
}

// IncrementBroadcastFailure increases the failed-delivery counter.
func IncrementBroadcastFailure(reason string) {
	if broadcastFailures != nil {
		broadcastFailures.WithLabelValues(reason).Inc()
	}
}

// IncrementClientDrop increases the dropped-message counter.
func IncrementClientDrop() {
	if clientDrops != nil {
		clientDrops.Inc()
	}
}

// IncrementUpstreamFrame increases the upstream frame counter.
func IncrementUpstreamFrame() {
	if upstreamFrames != nil {
		upstreamFrames.Inc()
	}
}

// IncrementFallbackPull increases the fallback pull counter with the pull outcome.
func IncrementFallbackPull(result string) {
	if fallbackPulls != nil {
		fallbackPulls.WithLabelValues(result).Inc()
	}
}

// SetConnectedSessions records the current registered session count.
func SetConnectedSessions(n int) {
	if connectedSessions != nil {
		connectedSessions.Set(float64(n))
	}
}
