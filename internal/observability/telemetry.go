package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/annel0/blockverse/internal/logging"
)

const defaultEndpoint = "localhost:4318"

// Config параметры трассировки сервера мира
type Config struct {
	ServiceName string
	Endpoint    string  // host:port коллектора; пусто — localhost:4318
	SampleRatio float64 // доля трассируемых загрузок и сохранений чанков; <=0 или >=1 — все
	Environment string
	// Seed сид мира в ресурсе, чтобы трассы разных миров не смешивались
	Seed int64
}

// Shutdown сбрасывает буферы экспортера
type Shutdown func(context.Context) error

// InitTelemetry поднимает OTLP/HTTP экспорт и ставит глобальный TracerProvider,
// через который ChunkStore пишет спаны chunk.load и chunk.save.
func InitTelemetry(ctx context.Context, cfg Config, logger *logging.Logger) (Shutdown, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg, exp)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	logger.Info("📡 Трассировка мира включена: OTLP → %s, service=%s, доля %.2f", endpoint, cfg.ServiceName, sampleRatio(cfg))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

func newTracerProvider(ctx context.Context, cfg Config, exp sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		AttrWorldSeed.Int64(cfg.Seed),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg)))),
	), nil
}

func sampleRatio(cfg Config) float64 {
	if cfg.SampleRatio <= 0 || cfg.SampleRatio >= 1 {
		return 1
	}
	return cfg.SampleRatio
}

// Noop заглушка для выключенной трассировки
func Noop(context.Context) error { return nil }
