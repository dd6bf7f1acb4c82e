package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/kenneth/native-sign-gateway/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, "test", logrus.New())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewExporter(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer

	exp, err := newExporter(ctx, config.TracingConfig{Exporter: "stdout"}, &buf)
	require.NoError(t, err)
	assert.NoError(t, exp.Shutdown(ctx))

	exp, err = newExporter(ctx, config.TracingConfig{Exporter: "OTLP", Endpoint: "localhost:4317", Insecure: true}, &buf)
	require.NoError(t, err)
	assert.NoError(t, exp.Shutdown(ctx))

	_, err = newExporter(ctx, config.TracingConfig{Exporter: "zipkin"}, &buf)
	assert.Error(t, err)
}

func TestNewProvider_Sampling(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		ratio float64
		want  int
	}{
		{1.0, 5},
		{0, 0},
	}
	for _, tt := range tests {
		exp := tracetest.NewInMemoryExporter()
		tp := NewProvider(config.TracingConfig{ServiceName: "native-sign-gateway", SampleRatio: tt.ratio}, "1.2.3", exp)
		for i := 0; i < 5; i++ {
			_, span := tp.Tracer("test").Start(ctx, "pool.SignHeaders")
			span.End()
		}
		require.NoError(t, tp.ForceFlush(ctx))
		spans := exp.GetSpans()
		assert.Len(t, spans, tt.want)
		for _, s := range spans {
			assert.True(t, strings.Contains(s.Resource.String(), "native-sign-gateway"))
		}
		require.NoError(t, tp.Shutdown(ctx))
	}
}
