package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitRequiresEndpoint(t *testing.T) {
	_, err := Init(context.Background(), Options{Service: "sql-host"})
	assert.EqualError(t, err, "telemetry endpoint required")
}

func TestInitWithUnreachableCollector(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	p, err := Init(context.Background(), Options{
		Service:        "sql-host",
		Version:        "0.3.0",
		Endpoint:       "127.0.0.1:1",
		MetricInterval: time.Hour,
	})
	require.NoError(t, err)
	assert.Same(t, p.tracer, otel.GetTracerProvider())

	_, span := p.Tracer().Start(context.Background(), "tools/call")
	assert.True(t, span.IsRecording())
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	_ = p.Shutdown(ctx)
	assert.Less(t, time.Since(start), 5*time.Second)
}
