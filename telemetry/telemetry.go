// Package telemetry provides OpenTelemetry-backed metrics and tracing for
// the ensemble engine. Until Init is called every helper is a no-op, so
// components emit unconditionally without nil checks.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/conclave-ai/conclave"

// Config controls telemetry initialization
type Config struct {
	ServiceName string
	// Stdout toggles the development stdout exporters. When false, Init only
	// installs the SDK providers and relies on the process-global exporter
	// configuration.
	Stdout bool
}

type registry struct {
	meter      metric.Meter
	counters   sync.Map // name -> metric.Float64Counter
	histograms sync.Map // name -> metric.Float64Histogram
	gauges     sync.Map // name -> *gaugeState
}

type gaugeState struct {
	value atomic.Value // float64
}

var globalRegistry atomic.Pointer[registry]

// Init installs tracer and meter providers and enables the helpers.
// Returns a shutdown function flushing both pipelines.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "conclave"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	)

	var traceOpts []sdktrace.TracerProviderOption
	var metricOpts []sdkmetric.Option
	traceOpts = append(traceOpts, sdktrace.WithResource(res))
	metricOpts = append(metricOpts, sdkmetric.WithResource(res))

	if cfg.Stdout {
		traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		metricExp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExp))
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(30*time.Second))))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	globalRegistry.Store(&registry{meter: mp.Meter(tracerName)})

	return func(ctx context.Context) error {
		globalRegistry.Store(nil)
		traceErr := tp.Shutdown(ctx)
		metricErr := mp.Shutdown(ctx)
		if traceErr != nil {
			return traceErr
		}
		return metricErr
	}, nil
}

// Counter increments a counter metric by 1.
// Labels are key-value pairs: Counter("ensemble.requests", "tier", "free").
func Counter(name string, labels ...string) {
	r := globalRegistry.Load()
	if r == nil {
		return
	}
	c, ok := r.counters.Load(name)
	if !ok {
		created, err := r.meter.Float64Counter(name)
		if err != nil {
			return
		}
		c, _ = r.counters.LoadOrStore(name, created)
	}
	c.(metric.Float64Counter).Add(context.Background(), 1, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution (latencies, sizes)
func Histogram(name string, value float64, labels ...string) {
	r := globalRegistry.Load()
	if r == nil {
		return
	}
	h, ok := r.histograms.Load(name)
	if !ok {
		created, err := r.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		h, _ = r.histograms.LoadOrStore(name, created)
	}
	h.(metric.Float64Histogram).Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Gauge sets a point-in-time value (health score, capability level, tier size)
func Gauge(name string, value float64, labels ...string) {
	r := globalRegistry.Load()
	if r == nil {
		return
	}
	g, ok := r.gauges.Load(name)
	if !ok {
		state := &gaugeState{}
		state.value.Store(value)
		actual, loaded := r.gauges.LoadOrStore(name, state)
		if !loaded {
			attrs := toAttributes(labels)
			_, err := r.meter.Float64ObservableGauge(name,
				metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
					if v, ok := state.value.Load().(float64); ok {
						o.Observe(v, metric.WithAttributes(attrs...))
					}
					return nil
				}))
			if err != nil {
				return
			}
		}
		g = actual
	}
	g.(*gaugeState).value.Store(value)
}

// Duration records elapsed milliseconds since startTime
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// StartSpan starts a tracing span on the global tracer provider
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// AddSpanEvent attaches an event to the active span, if any
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
