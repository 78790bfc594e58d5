package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/blockverse/internal/logging"
)

// TraceHeader заголовок ответа с trace-ID запроса
const TraceHeader = "X-Trace-ID"

// probeRoutes опрашиваются мониторингом раз в несколько секунд; пишутся только на DEBUG
var probeRoutes = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// RequestLogger журнал запросов к админке: маршрут, статус, администратор, trace-ID
type RequestLogger struct {
	logger *logging.Logger
}

func NewRequestLogger(logger *logging.Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

func (rl *RequestLogger) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := requestTraceID(c)
		c.Set("trace_id", traceID)
		c.Header(TraceHeader, traceID)

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched " + c.Request.URL.Path
		}
		status := c.Writer.Status()
		admin := c.GetString("admin")
		if admin == "" {
			admin = "-"
		}

		const format = "[HTTP] %s %s %d %s admin=%s trace=%s"
		args := []interface{}{c.Request.Method, route, status, time.Since(start).Truncate(time.Microsecond), admin, traceID}
		switch {
		case status >= 500:
			rl.logger.Error(format, args...)
		case status == 401 || status == 403:
			rl.logger.Warn(format, args...)
		case probeRoutes[route]:
			rl.logger.Debug(format, args...)
		default:
			rl.logger.Info(format, args...)
		}
	}
}

// requestTraceID берёт trace-ID из спана otelgin, иначе выдаёт свой
func requestTraceID(c *gin.Context) string {
	if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}
