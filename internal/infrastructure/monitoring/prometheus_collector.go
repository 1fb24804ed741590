package monitoring

import (
	"strconv"
	"time"

	"groupcall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports the call server's gauges and counters.
type PrometheusCollector struct {
	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
	activeTransports  prometheus.Gauge
	activeProducers   prometheus.Gauge
	activeConsumers   prometheus.Gauge

	signalRequests *prometheus.CounterVec
	signalDuration *prometheus.HistogramVec

	cannotConsume prometheus.Counter
	roomsReaped   prometheus.Counter
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groupcall_connections_active",
			Help: "Number of open signaling connections",
		}),
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groupcall_rooms_active",
			Help: "Number of rooms held in memory",
		}),
		activeTransports: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groupcall_transports_active",
			Help: "Number of open media transports",
		}),
		activeProducers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groupcall_producers_active",
			Help: "Number of live producers",
		}),
		activeConsumers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groupcall_consumers_active",
			Help: "Number of live consumers",
		}),

		signalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcall_signal_requests_total",
			Help: "Signaling requests by operation and outcome",
		}, []string{"op", "ok"}),
		signalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupcall_signal_request_duration_seconds",
			Help:    "Time spent handling signaling requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),

		cannotConsume: factory.NewCounter(prometheus.CounterOpts{
			Name: "groupcall_cannot_consume_total",
			Help: "Consume requests rejected for incompatible capabilities",
		}),
		roomsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "groupcall_rooms_reaped_total",
			Help: "Empty rooms dropped after their idle timeout",
		}),
	}
}

func (p *PrometheusCollector) SetActiveConnections(n int) { p.activeConnections.Set(float64(n)) }
func (p *PrometheusCollector) SetActiveRooms(n int)       { p.activeRooms.Set(float64(n)) }
func (p *PrometheusCollector) SetActiveTransports(n int)  { p.activeTransports.Set(float64(n)) }
func (p *PrometheusCollector) SetActiveProducers(n int)   { p.activeProducers.Set(float64(n)) }
func (p *PrometheusCollector) SetActiveConsumers(n int)   { p.activeConsumers.Set(float64(n)) }

func (p *PrometheusCollector) ObserveSignalRequest(op string, ok bool, d time.Duration) {
	p.signalRequests.WithLabelValues(op, strconv.FormatBool(ok)).Inc()
	p.signalDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (p *PrometheusCollector) IncCannotConsume() { p.cannotConsume.Inc() }

func (p *PrometheusCollector) IncRoomsReaped(n int) {
	if n > 0 {
		p.roomsReaped.Add(float64(n))
	}
}
