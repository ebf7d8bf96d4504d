package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
)

// Collector records service metrics. A nil *Collector discards all
// observations, which is how disabled metrics are represented.
type Collector struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	installsTotal     *prometheus.CounterVec
	installDuration   prometheus.Histogram
	cancellations     *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	runningOnce sync.Once
	namespace   string
	logger      *zap.Logger
}

// New creates the collector from configuration. It returns nil when metrics
// are disabled.
func New(cfg *config.Config, logger *zap.Logger) *Collector {
	if !cfg.Metrics.Enabled {
		logger.Info("metrics disabled")
		return nil
	}
	return NewCollector(cfg.Metrics.Namespace, logger)
}

// NewCollector creates a collector with a private registry that also exposes
// the Go runtime and process collectors.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry:  reg,
		namespace: namespace,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of code executions by outcome",
		},
		[]string{"outcome"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "End-to-end execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	c.installsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_installs_total",
			Help:      "Total number of package manager invocations by outcome",
		},
		[]string{"outcome"},
	)

	c.installDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "package_install_duration_seconds",
			Help:      "Package manager run time in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	c.cancellations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Total number of cancellation requests by result",
		},
		[]string{"result"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// ObserveExecution records one finished execution
func (c *Collector) ObserveExecution(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(outcome).Inc()
	c.executionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveInstall records one package manager run
func (c *Collector) ObserveInstall(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.installsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		c.installDuration.Observe(duration.Seconds())
	}
}

// ObserveCancellation records one cancellation request
func (c *Collector) ObserveCancellation(found bool) {
	if c == nil {
		return
	}
	result := "not_found"
	if found {
		result = "stopped"
	}
	c.cancellations.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served HTTP request. path should be a route
// pattern, not the raw URL, to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// TrackRunning exposes the number of live executions reported by count.
// Only the first call has an effect.
func (c *Collector) TrackRunning(count func() int) {
	if c == nil {
		return
	}
	c.runningOnce.Do(func() {
		promauto.With(c.registry).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: c.namespace,
				Name:      "running_executions",
				Help:      "Number of executions currently running",
			},
			func() float64 { return float64(count()) },
		)
	})
}

// Handler returns the exposition handler for the collector's registry
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
