package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-crmsync/internal/config"
	"github.com/smallbiznis/valora-crmsync/internal/telemetry"
)

func TestPipelineAttributesListConfiguredProviders(t *testing.T) {
	cfg := config.Config{
		ServiceName: "valora-crmsync",
		Environment: "staging",
		Sync:        config.SyncConfig{DefaultPageLimit: 2, PageSize: 100},
		HubSpot:     config.ProviderConfig{ClientID: "id", ClientSecret: "secret", TokenURL: "https://hubspot.test/token"},
	}

	set := attribute.NewSet(telemetry.PipelineAttributes(cfg)...)
	providers, ok := set.Value("crmsync.providers")
	require.True(t, ok)
	require.Equal(t, []string{"hubspot"}, providers.AsStringSlice())
	limit, ok := set.Value("crmsync.page_limit.default")
	require.True(t, ok)
	require.EqualValues(t, 2, limit.AsInt64())
	name, ok := set.Value("service.name")
	require.True(t, ok)
	require.Equal(t, "valora-crmsync", name.AsString())
}

func TestSamplerHonoursSampledParent(t *testing.T) {
	sampler := telemetry.Sampler(config.Config{TraceSampleRatio: 0})
	traceID := trace.TraceID{1}

	root := sampler.ShouldSample(sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: traceID, Name: "POST /sync"})
	require.Equal(t, sdktrace.Drop, root.Decision)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	child := sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: trace.ContextWithSpanContext(context.Background(), parent),
		TraceID:       traceID,
		Name:          "POST /sync",
	})
	require.Equal(t, sdktrace.RecordAndSample, child.Decision)
}

func TestNewWithoutEndpointIsNoop(t *testing.T) {
	p, err := telemetry.New(context.Background(), config.Config{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}
