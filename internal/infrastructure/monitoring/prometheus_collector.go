package monitoring

import (
	"roomcast/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	engineUp     prometheus.Gauge
	roomsActive  prometheus.Gauge
	streamsLive  prometheus.Gauge
	roomsTotal   prometheus.Counter
	streamsTotal prometheus.Counter

	recordingsActive prometheus.Gauge
	recordingsTotal  prometheus.Counter

	reconcilerDropped *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		engineUp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_engine_up",
			Help: "Whether the media engine connection is established (1) or not (0)",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_rooms_active",
			Help: "Number of rooms with a live pipeline",
		}),

		streamsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_streams_live",
			Help: "Number of live media streams",
		}),

		roomsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_rooms_opened_total",
			Help: "Total number of rooms opened",
		}),

		streamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_streams_started_total",
			Help: "Total number of streams started",
		}),

		recordingsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_recordings_active",
			Help: "Number of rooms currently being recorded",
		}),

		recordingsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_recordings_started_total",
			Help: "Total number of recordings started",
		}),

		reconcilerDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_reconciler_dropped_total",
			Help: "Engine objects released by the drift reconciler",
		}, []string{"object_type"}),

		messagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_messages_dispatched_total",
			Help: "Signaling commands dispatched by the router",
		}, []string{"command"}),
	}
}

func (p *PrometheusCollector) EngineConnected(up bool) {
	if up {
		p.engineUp.Set(1)
	} else {
		p.engineUp.Set(0)
	}
}

func (p *PrometheusCollector) RoomOpened() {
	p.roomsActive.Inc()
	p.roomsTotal.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) StreamStarted() {
	p.streamsLive.Inc()
	p.streamsTotal.Inc()
}

func (p *PrometheusCollector) StreamReleased() {
	p.streamsLive.Dec()
}

func (p *PrometheusCollector) RecordingStarted() {
	p.recordingsActive.Inc()
	p.recordingsTotal.Inc()
}

func (p *PrometheusCollector) RecordingStopped() {
	p.recordingsActive.Dec()
}

func (p *PrometheusCollector) ReconcilerDropped(objectType string) {
	p.reconcilerDropped.WithLabelValues(objectType).Inc()
}

func (p *PrometheusCollector) MessageDispatched(command string) {
	p.messagesTotal.WithLabelValues(command).Inc()
}

// NopMetrics discards every observation. Used when Prometheus is disabled.
type NopMetrics struct{}

var _ ports.Metrics = NopMetrics{}

func (NopMetrics) EngineConnected(bool)     {}
func (NopMetrics) RoomOpened()              {}
func (NopMetrics) RoomClosed()              {}
func (NopMetrics) StreamStarted()           {}
func (NopMetrics) StreamReleased()          {}
func (NopMetrics) RecordingStarted()        {}
func (NopMetrics) RecordingStopped()        {}
func (NopMetrics) ReconcilerDropped(string) {}
func (NopMetrics) MessageDispatched(string) {}
