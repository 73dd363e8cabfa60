package monitoring

import (
	"strconv"
	"time"

	"lancall/internal/core/domain"
	"lancall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	factory promauto.Factory

	// Signaling
	signalsReceived   *prometheus.CounterVec
	signalsSent       *prometheus.CounterVec
	transportRequests *prometheus.CounterVec

	// Calls
	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	callsActive  prometheus.Gauge
	callSetup    *prometheus.HistogramVec
	callDuration *prometheus.HistogramVec

	// Media
	packetLoss prometheus.Histogram
	jitter     prometheus.Histogram
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics with reg, or
// with the default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		factory: factory,

		signalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lancall_signal_messages_received_total",
			Help: "Signaling messages accepted by the transport",
		}, []string{"kind"}),

		signalsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lancall_signal_messages_sent_total",
			Help: "Signaling messages sent to peers",
		}, []string{"kind", "result"}),

		transportRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lancall_transport_requests_total",
			Help: "Requests served by the signaling transport",
		}, []string{"method", "path", "status"}),

		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lancall_calls_started_total",
			Help: "Calls placed or received",
		}, []string{"role"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lancall_calls_total",
			Help: "Calls ended, by reason",
		}, []string{"role", "reason"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lancall_call_active",
			Help: "Calls currently in progress",
		}),

		callSetup: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lancall_call_setup_seconds",
			Help:    "Time from placing or receiving a call to connecting it",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"role"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lancall_call_duration_seconds",
			Help:    "Duration of ended calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"role"}),

		packetLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lancall_media_packet_loss_ratio",
			Help:    "Fraction of packets lost per receiver report",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),

		jitter: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lancall_media_jitter_seconds",
			Help:    "Interarrival jitter per receiver report",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5},
		}),
	}
}

// EventHub is the call event fan-out whose backlog is exported.
type EventHub interface {
	Subscribers() int
	Dropped() uint64
}

// ObserveEventHub exports the hub's subscriber count and dropped events.
// Call it once per hub.
func (p *PrometheusCollector) ObserveEventHub(hub EventHub) {
	p.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "lancall_event_subscribers",
		Help: "Clients streaming call events",
	}, func() float64 { return float64(hub.Subscribers()) })

	p.factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "lancall_events_dropped_total",
		Help: "Call events lost to slow event stream clients",
	}, func() float64 { return float64(hub.Dropped()) })
}

func (p *PrometheusCollector) RecordSignalReceived(kind domain.MessageKind) {
	p.signalsReceived.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) RecordSignalSent(kind domain.MessageKind, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	p.signalsSent.WithLabelValues(string(kind), result).Inc()
}

func (p *PrometheusCollector) RecordTransportRequest(method, path string, status int) {
	p.transportRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

func (p *PrometheusCollector) RecordCallStarted(role domain.Role) {
	p.callsStarted.WithLabelValues(string(role)).Inc()
	p.callsActive.Inc()
}

func (p *PrometheusCollector) RecordCallConnected(role domain.Role, setup time.Duration) {
	p.callSetup.WithLabelValues(string(role)).Observe(setup.Seconds())
}

func (p *PrometheusCollector) RecordCallEnded(role domain.Role, reason domain.EndReason, duration time.Duration) {
	p.callsEnded.WithLabelValues(string(role), string(reason)).Inc()
	p.callsActive.Dec()
	p.callDuration.WithLabelValues(string(role)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordMediaQuality(packetLoss float64, jitter time.Duration) {
	p.packetLoss.Observe(packetLoss)
	p.jitter.Observe(jitter.Seconds())
}
