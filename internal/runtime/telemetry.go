package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/tilawa/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const sessionIDKey = attribute.Key("tilawa.session_id")

// telemetryInfo identifies this process on every span and metric.
type telemetryInfo struct {
	Version   string
	SessionID string
}

type telemetry struct {
	// metrics is nil when the prometheus exporter could not be built.
	metrics  http.Handler
	shutdown func(context.Context) error
}

type telemetrySetup func(cfg config.Config, info telemetryInfo, logger *slog.Logger) (*telemetry, error)

// instruments documents every counter the packages register. Names must match the
// meter calls in capture, tracking, reconcile and quran.
var instruments = []struct {
	name, description string
}{
	{"tilawa.capture.chunks", "Audio chunks produced by the capture graph"},
	{"tilawa.capture.dropped_chunks", "Audio chunks dropped because the send queue was full"},
	{"tilawa.tracking.frames_sent", "Binary audio frames written to the tracking service"},
	{"tilawa.tracking.bytes_sent", "PCM bytes written to the tracking service"},
	{"tilawa.tracking.updates", "Position updates received from the tracking service"},
	{"tilawa.tracking.malformed_messages", "Inbound messages that could not be decoded"},
	{"tilawa.tracking.notices", "Error messages reported by the tracking service"},
	{"tilawa.tracking.state_transitions", "Session state changes"},
	{"tilawa.tracking.dropped_events", "Session events dropped because the consumer fell behind"},
	{"tilawa.reconcile.suppressed_regressions", "Backward ayah estimates ignored within a surah"},
	{"tilawa.reconcile.surah_changes", "Times the reader jumped to another surah"},
	{"tilawa.library.lookups", "Verse text lookups by cache result"},
}

func setupTelemetry(cfg config.Config, info telemetryInfo, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(info.Version),
			semconv.DeploymentEnvironmentName(cfg.Environment),
			sessionIDKey.String(info.SessionID),
			attribute.String("tilawa.capture.mode", cfg.Capture.Mode),
		),
	)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}
	mp, handler := newMeterProvider(res, logger)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &telemetry{
		metrics: handler,
		shutdown: func(ctx context.Context) error {
			return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
		},
	}, nil
}

func newTracerProvider(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))),
	}

	kind := "none"
	switch endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); {
	case endpoint != "":
		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		kind = "otlp"
	case cfg.Telemetry.TraceStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		kind = "stdout"
	}

	logger.Info("tracing initialized",
		slog.String("exporter", kind),
		slog.Float64("sample_ratio", cfg.Telemetry.TraceSampleRatio))
	return sdktrace.NewTracerProvider(opts...), nil
}

// newMeterProvider exports to a private registry so /metrics only carries this
// process's series plus the Go runtime collectors.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, inst := range instruments {
		opts = append(opts, sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: inst.name},
			sdkmetric.Stream{Description: inst.description},
		)))
	}

	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithResourceAsConstantLabels(attribute.NewAllowKeysFilter(sessionIDKey)),
	)
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			logger.Warn("failed to register runtime collector", slog.String("error", err.Error()))
		}
	}

	opts = append(opts, sdkmetric.WithReader(exporter))
	return sdkmetric.NewMeterProvider(opts...), promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
