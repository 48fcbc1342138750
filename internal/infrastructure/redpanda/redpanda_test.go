package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	r := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "event_type", Value: []byte("PrescriptionCreated")}}}
	InjectTraceContext(ctx, r)
	InjectTraceContext(ctx, r)

	carrier := NewHeaderCarrier(r)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))
	assert.ElementsMatch(t, []string{"event_type", "traceparent"}, carrier.Keys(), "injecting twice does not duplicate headers")

	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), r))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
}

func TestNewConsumedMessage(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := newConsumedMessage(&kgo.Record{
		Topic:     TopicNotifications,
		Partition: 2,
		Offset:    41,
		Key:       []byte("RX20250301-ABCDEF01"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "event_type", Value: []byte("prescription.issued")}},
		Timestamp: ts,
	})
	assert.Equal(t, "prescription.issued", msg.Headers["event_type"])
	assert.Equal(t, int64(41), msg.Offset)
	assert.Equal(t, ts, msg.Timestamp)
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, c := range DefaultTopicConfigs() {
		names[c.Name] = true
		require.NotNil(t, c.Configs["retention.ms"])
		assert.Positive(t, c.Partitions)
	}
	assert.Equal(t, map[string]bool{
		TopicPrescriptionEvents: true,
		TopicNotifications:      true,
		TopicDeadLetter:         true,
	}, names)
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	_, err := NewConsumer(DefaultConsumerConfig(), nil, nil)
	assert.Error(t, err)
}

func TestHealthCheck_UnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := HealthCheck(ctx, []string{"127.0.0.1:1"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "caller deadline is honoured")
}
