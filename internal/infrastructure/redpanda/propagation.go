package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier adapts record headers to the OpenTelemetry propagator.
type HeaderCarrier struct {
	record *kgo.Record
}

// NewHeaderCarrier wraps a record's headers
func NewHeaderCarrier(r *kgo.Record) HeaderCarrier { return HeaderCarrier{record: r} }

func (c HeaderCarrier) Get(key string) string {
	for _, h := range c.record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces an existing header with the same key.
func (c HeaderCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

var _ propagation.TextMapCarrier = HeaderCarrier{}

// InjectTraceContext writes the span context from ctx into the record headers.
func InjectTraceContext(ctx context.Context, r *kgo.Record) {
	otel.GetTextMapPropagator().Inject(ctx, NewHeaderCarrier(r))
}

// ExtractTraceContext returns ctx carrying the span context found in the
// record headers.
func ExtractTraceContext(ctx context.Context, r *kgo.Record) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, NewHeaderCarrier(r))
}
