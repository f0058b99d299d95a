package bus

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	header := InjectHeaders(ctx)
	require.NotEmpty(t, header.Get("traceparent"))

	msg := &nats.Msg{Header: header}
	extracted := trace.SpanContextFromContext(ExtractContext(context.Background(), msg))
	assert.Equal(t, spanCtx.TraceID(), extracted.TraceID())
	assert.Equal(t, spanCtx.SpanID(), extracted.SpanID())
}

func TestExtractWithoutHeaders(t *testing.T) {
	msg := &nats.Msg{}
	ctx := ExtractContext(context.Background(), msg)
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
