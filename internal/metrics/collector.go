package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rb3ckers/dualwrite/datatypes"
	"github.com/rs/zerolog"
)

const namespace = "dualwrite"

const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"
)

// Collector is the Prometheus backed Sink.
type Collector struct {
	registry *prometheus.Registry
	board    *datatypes.MirrorBoard
	logger   zerolog.Logger

	mirrorRequests   *prometheus.CounterVec
	mirrorDuration   *prometheus.HistogramVec
	mirrorStatus     *prometheus.CounterVec
	primaryRetries   *prometheus.CounterVec
	primaryExhausted *prometheus.CounterVec
	breakerOpen      *prometheus.GaugeVec
	breakerChanges   *prometheus.CounterVec
}

// NewCollector registers its series on registry, a fresh registry is created when nil.
func NewCollector(registry *prometheus.Registry, board *datatypes.MirrorBoard, logger zerolog.Logger) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		board:    board,
		logger:   logger.With().Str("component", "sink").Logger(),
		mirrorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "requests_total",
			Help:      "Mirrored requests by backend, outcome and error kind.",
		}, []string{"backend", "outcome", "kind"}),
		mirrorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "duration_seconds",
			Help:      "Time from mirror start until its terminal state.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"backend", "outcome"}),
		mirrorStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "responses_total",
			Help:      "Responses received from mirror backends by status code.",
		}, []string{"backend", "code"}),
		primaryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "primary",
			Name:      "retries_total",
			Help:      "Primary attempts retried after a transport error.",
		}, []string{"backend", "kind"}),
		primaryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "primary",
			Name:      "exhausted_total",
			Help:      "Primary requests answered with a gateway error after all attempts failed.",
		}, []string{"backend", "kind"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "breaker_open",
			Help:      "1 while mirroring to the backend is suspended by its circuit breaker.",
		}, []string{"backend"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions by target state.",
		}, []string{"backend", "to"}),
	}

	registry.MustRegister(c.mirrorRequests, c.mirrorDuration, c.mirrorStatus, c.primaryRetries, c.primaryExhausted, c.breakerOpen, c.breakerChanges)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) MirrorSucceeded(result datatypes.SecondaryResult) {
	c.mirrorRequests.WithLabelValues(result.Backend, outcomeOK, "").Inc()
	c.mirrorDuration.WithLabelValues(result.Backend, outcomeOK).Observe(result.Duration.Seconds())
	c.mirrorStatus.WithLabelValues(result.Backend, statusCode(result.Status)).Inc()
	c.record(result)

	c.logger.Debug().
		Str("backend", result.Backend).
		Str("path", result.Path).
		Int("status", result.Status).
		Int("attempts", result.Attempts).
		Dur("duration", result.Duration).
		Msg("Mirror succeeded")
}

func (c *Collector) MirrorFailed(result datatypes.SecondaryResult) {
	c.mirrorRequests.WithLabelValues(result.Backend, outcomeFailed, result.ErrorKind).Inc()
	c.mirrorDuration.WithLabelValues(result.Backend, outcomeFailed).Observe(result.Duration.Seconds())
	c.record(result)

	c.logger.Warn().
		Str("backend", result.Backend).
		Str("path", result.Path).
		Str("kind", result.ErrorKind).
		Int("attempts", result.Attempts).
		Msg("Mirror failed")
}

func (c *Collector) PrimaryRetried(backend, kind, path string, attempt int) {
	c.primaryRetries.WithLabelValues(backend, kind).Inc()

	c.logger.Info().
		Str("backend", backend).
		Str("path", path).
		Str("kind", kind).
		Int("attempt", attempt).
		Msg("Retrying primary")
}

func (c *Collector) PrimaryExhausted(backend, kind, path string, attempts int) {
	c.primaryExhausted.WithLabelValues(backend, kind).Inc()

	c.logger.Error().
		Str("backend", backend).
		Str("path", path).
		Str("kind", kind).
		Int("attempts", attempts).
		Msg("Primary retries exhausted")
}

func (c *Collector) BreakerChanged(backend, from, to string) {
	c.breakerChanges.WithLabelValues(backend, to).Inc()

	if to == "open" {
		c.breakerOpen.WithLabelValues(backend).Set(1)
	} else {
		c.breakerOpen.WithLabelValues(backend).Set(0)
	}
}

func (c *Collector) record(result datatypes.SecondaryResult) {
	if c.board != nil {
		c.board.Record(result)
	}
}

func statusCode(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
