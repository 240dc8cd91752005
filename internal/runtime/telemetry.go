package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const meterName = "github.com/loqalabs/loqa-stt/internal/runtime"

// Histogram boundaries in seconds. Whole-window decodes on CPU range from
// tens of milliseconds for tiny models to tens of seconds for large ones.
var (
	decodeBuckets    = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60}
	modelLoadBuckets = []float64{0.5, 1, 2, 5, 10, 20, 40, 80}
)

// telemetry owns the process-wide tracer and meter providers.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	// handler serves /metrics; nil when the Prometheus exporter failed.
	handler http.Handler
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(recognizerAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	mp, handler := newMeterProvider(res, logger)
	otel.SetMeterProvider(mp)

	return &telemetry{tracer: tp, meter: mp, handler: handler}, nil
}

// recognizerAttributes describe which model and decoding setup produced the
// exported spans and metrics.
func recognizerAttributes(cfg config.Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("stt.model.weights", ModelPaths(cfg.Model).Weights),
		attribute.Bool("stt.model.quantized", cfg.Model.Quantized),
		attribute.String("stt.decoding.task", cfg.Decoding.Task),
		attribute.Bool("stt.decoding.timestamps", cfg.Decoding.Timestamps),
		attribute.String("stt.streaming.stabilizer", cfg.Streaming.Stabilizer),
	}
	if cfg.Decoding.Language != "" {
		attrs = append(attrs, attribute.String("stt.decoding.language", cfg.Decoding.Language))
	}
	return attrs
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}

func newTracerProvider(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		logger.Info("tracing enabled", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	// Every decode attempt opens a span; printing them is only useful when
	// debugging a session.
	if !strings.EqualFold(cfg.Telemetry.LogLevel, "debug") {
		return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	logger.Info("tracing enabled", slog.String("exporter", "stdout"))
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
}

func histogramView(name string, bounds []float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
	)
}

// newMeterProvider exports recognizer metrics plus Go and process collectors
// on a dedicated Prometheus registry.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(
			histogramView("stt.decode.duration", decodeBuckets),
			histogramView("stt.model.load_duration", modelLoadBuckets),
		),
	}
	registry := promclient.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("prometheus exporter unavailable, /metrics disabled", slogError(err))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	return sdkmetric.NewMeterProvider(append(opts, sdkmetric.WithReader(exporter))...),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// runtimeMetrics are the instruments owned by the runtime itself; the audio
// front end and the decoder register their own.
type runtimeMetrics struct {
	modelLoad    metric.Float64Histogram
	registration metric.Registration
}

// newRuntimeMetrics registers the model load histogram and the session and
// readiness gauges, which are read from r on every collection.
func newRuntimeMetrics(r *Runtime) (*runtimeMetrics, error) {
	meter := otel.Meter(meterName)
	modelLoad, err := meter.Float64Histogram("stt.model.load_duration",
		metric.WithDescription("Time to load and prepare the model bundle"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("stt.sessions.active",
		metric.WithDescription("Dictation sessions currently running"))
	if err != nil {
		return nil, err
	}
	ready, err := meter.Int64ObservableGauge("stt.model.ready",
		metric.WithDescription("1 once the model is loaded"))
	if err != nil {
		return nil, err
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var n, loaded int64
		if r.service != nil {
			if _, ok := r.service.Active(); ok {
				n = 1
			}
		}
		if r.ready.Load() {
			loaded = 1
		}
		o.ObserveInt64(active, n)
		o.ObserveInt64(ready, loaded)
		return nil
	}, active, ready)
	if err != nil {
		return nil, err
	}
	return &runtimeMetrics{modelLoad: modelLoad, registration: reg}, nil
}

func (m *runtimeMetrics) recordModelLoad(seconds float64, quantized bool) {
	if m == nil {
		return
	}
	m.modelLoad.Record(context.Background(), seconds, metric.WithAttributes(attribute.Bool("quantized", quantized)))
}

func (m *runtimeMetrics) Close() error {
	if m == nil {
		return nil
	}
	return m.registration.Unregister()
}
