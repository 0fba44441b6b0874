package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/domain"
)

// Provider owns the trace pipeline so it can be flushed on shutdown.
type Provider struct {
	shutdown func(ctx context.Context) error
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// PipelineAttributes describe which CRMs this deployment syncs and how much
// work one call does, so traces can be filtered per pipeline shape.
func PipelineAttributes(cfg config.Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
		attribute.StringSlice("crmsync.providers", configuredProviders(cfg)),
		attribute.Int("crmsync.page_limit.default", cfg.Sync.DefaultPageLimit),
		attribute.Int("crmsync.page_size", cfg.Sync.PageSize),
	}
}

func configuredProviders(cfg config.Config) []string {
	var out []string
	if cfg.HubSpot.Configured() {
		out = append(out, domain.ProviderHubSpot.String())
	}
	if cfg.Salesforce.Configured() {
		out = append(out, domain.ProviderSalesforce.String())
	}
	return out
}

// Sampler keeps the caller's decision and samples new roots at the configured ratio.
func Sampler(cfg config.Config) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))
}

// New configures tracing. Without an endpoint spans are dropped by a noop provider.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.TelemetryEndpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return &Provider{}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.TelemetryEndpoint)}
	if cfg.TelemetryInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(PipelineAttributes(cfg)...),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg)),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)

	if logger != nil {
		logger.Info("tracing enabled",
			zap.String("endpoint", cfg.TelemetryEndpoint),
			zap.Float64("sample_ratio", cfg.TraceSampleRatio),
			zap.Strings("providers", configuredProviders(cfg)),
		)
	}

	return &Provider{shutdown: tp.Shutdown}, nil
}
