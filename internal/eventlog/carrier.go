package eventlog

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = HeaderCarrier(nil)

// HeaderCarrier lets the otel propagator read and write message headers
type HeaderCarrier map[string]string

func (c HeaderCarrier) Get(key string) string {
	return c[key]
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// inject copies msg.Headers and adds the trace context from ctx
func inject(ctx context.Context, msg Message) Message {
	msg.Headers = cloneHeaders(msg.Headers)
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(msg.Headers))
	return msg
}

// extract continues the producer's trace, if any, in the consumer
func extract(ctx context.Context, msg Message) context.Context {
	if len(msg.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(msg.Headers))
}
