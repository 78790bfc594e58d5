package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware HTTP-метрики Gin в реестре вызывающего.
//
//	mw := middleware.NewPrometheusMiddleware("admin_api", reg)
//	r.Use(mw.Handler())
//	mw.RegisterMetricsEndpoint(r, reg)
type PrometheusMiddleware struct {
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
	failures *prometheus.CounterVec
}

// NewPrometheusMiddleware регистрирует метрики подсистемы service в reg
func NewPrometheusMiddleware(service string, reg prometheus.Registerer) *PrometheusMiddleware {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "blockverse", Subsystem: service, Name: name, Help: help}
	}
	labels := []string{"method", "route", "status"}

	hist := opts("http_request_duration_seconds", "Длительность HTTP-запросов.")
	pm := &PrometheusMiddleware{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: hist.Namespace,
			Subsystem: hist.Subsystem,
			Name:      hist.Name,
			Help:      hist.Help,
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, labels),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts(opts("http_requests_inflight", "Запросы в обработке."))),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts(opts("http_request_errors_total", "Ответы со статусом 4xx/5xx.")), labels),
	}

	reg.MustRegister(pm.duration, pm.inflight, pm.failures)
	return pm
}

// Handler замеряет каждый запрос; неизвестные маршруты сводятся к одному label
func (pm *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		pm.inflight.Inc()
		defer pm.inflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		status := strconv.Itoa(code)

		pm.duration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		if code >= 400 {
			pm.failures.WithLabelValues(c.Request.Method, route, status).Inc()
		}
	}
}

// RegisterMetricsEndpoint добавляет GET /metrics с метриками из g
func (pm *PrometheusMiddleware) RegisterMetricsEndpoint(r *gin.Engine, g prometheus.Gatherer) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
