package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AaronLay10/SentientNarrative/internal/engine"
	"github.com/AaronLay10/SentientNarrative/internal/events"
	"github.com/AaronLay10/SentientNarrative/internal/version"
)

const namespace = "narrative"

// Metrics holds the transport's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
	ratelim  prometheus.Counter
}

// NewMetrics creates the collectors. mqttConnected may be nil when MQTT is
// disabled.
func NewMetrics(mqttConnected func() bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_calls_total",
				Help:      "Engine calls by operation and outcome",
			},
			[]string{"op", "outcome"}, // outcome: suspended, finished, error
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_call_duration_seconds",
				Help:      "Duration of engine calls in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"op"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Fatal and recoverable engine errors by code",
			},
			[]string{"code"},
		),
		ratelim: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter",
		}),
	}

	start := time.Now()
	m.registry.MustRegister(
		m.calls, m.duration, m.errors, m.ratelim,
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "uptime_seconds",
			Help:        "Seconds since the process started",
			ConstLabels: prometheus.Labels{"version": version.Version},
		}, func() float64 { return time.Since(start).Seconds() }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of events emitted since startup",
		}, func() float64 { return float64(events.TotalCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Event deliveries skipped for WebSocket clients that fell behind",
		}, func() float64 { return float64(events.Dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Number of active WebSocket client connections",
		}, func() float64 { return float64(events.SubscriberCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "Whether the MQTT broker is connected (1) or not (0)",
		}, func() float64 {
			if mqttConnected != nil && mqttConnected() {
				return 1
			}
			return 0
		}),
	)
	return m
}

// observe records one engine call.
func (m *Metrics) observe(op string, start time.Time, res *engine.StepResult, err error) {
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		m.calls.WithLabelValues(op, "error").Inc()
		code := engine.CodeOf(err)
		if code == "" {
			code = engine.CodeInternal
		}
		m.errors.WithLabelValues(string(code)).Inc()
	case res.Finished:
		m.calls.WithLabelValues(op, "finished").Inc()
	default:
		m.calls.WithLabelValues(op, "suspended").Inc()
	}
	if err == nil && res.Error != nil {
		m.errors.WithLabelValues(string(res.Error.Code)).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
