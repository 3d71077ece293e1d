// Package events publishes pipeline lifecycle events over NATS with
// OpenTelemetry trace propagation. Consumers are external; the pipeline
// only publishes.
package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// BatchSubject is the NATS subject for terminal batch events.
const BatchSubject = "babylon.pipeline.batch"

// Publisher emits a JSON event on a subject. Implementations must be safe
// for sequential use by a single pipeline run.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NATS publishes events to a NATS connection.
type NATS struct {
	nc *nats.Conn
}

// NewNATS wraps an established NATS connection.
func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc}
}

// Publish serializes v as JSON and publishes it. Trace context from ctx is
// injected into the message headers.
func (p *NATS) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return p.nc.PublishMsg(msg)
}

// Nop discards all events. Used when no NATS URL is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
