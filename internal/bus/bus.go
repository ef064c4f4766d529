// Package bus wraps the NATS pub/sub connection the mesh rides on behind
// the minimal shape the domain core expects: subscribe(topic, handler),
// publish_to(host, topic, bytes). It layers trace-context propagation the
// same way the teacher's natsctx package does, plus a circuit breaker so a
// publish to an unreachable host is swallowed rather than blocking the
// caller's sync loop.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dnnmesh/internal/resilience"
)

var propagator = propagation.TraceContext{}

// Handler processes one inbound message, with the trace context recovered
// from its headers (if any) attached to ctx.
type Handler func(ctx context.Context, topic string, payload []byte)

// Bus is the mesh's pub/sub transport. A Topic is broadcast to every
// subscriber of that topic name; PublishTo additionally scopes delivery to
// subscribers that registered interest in a specific host, by suffixing
// the NATS subject with the host.
type Bus struct {
	nc      *nats.Conn
	tracer  trace.Tracer
	logger  *slog.Logger
	breaker *resilience.CircuitBreaker
}

// Option configures New.
type Option func(*Bus)

// WithCircuitBreaker overrides the default best-effort breaker guarding
// PublishTo against a consistently-unreachable host.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(b *Bus) { b.breaker = cb }
}

// New connects to a NATS server at url and returns a Bus.
func New(url string, logger *slog.Logger, opts ...Option) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("dnnmesh"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("bus: connect %q: %w", url, err)
	}
	b := &Bus{
		nc:      nc,
		tracer:  otel.Tracer("dnnmesh-bus"),
		logger:  logger,
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

func hostSubject(topic, host string) string {
	if host == "" {
		return topic
	}
	return topic + "." + host
}

// Publish broadcasts payload to every subscriber of topic, regardless of
// host.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.send(ctx, topic, payload)
}

// PublishTo sends payload to subscribers of topic that are specifically
// listening for host. A failure to deliver — an unreachable or
// momentarily-unresponsive host — is logged and swallowed rather than
// returned, per the mesh's best-effort sync semantics; the circuit breaker
// short-circuits repeated attempts against a host that keeps failing.
func (b *Bus) PublishTo(ctx context.Context, host, topic string, payload []byte) {
	if !b.breaker.Allow() {
		b.logger.Warn("bus: publish skipped, circuit open", "topic", topic, "host", host)
		return
	}
	err := b.send(ctx, hostSubject(topic, host), payload)
	b.breaker.RecordResult(err == nil)
	if err != nil {
		b.logger.Warn("bus: publish failed, best-effort drop", "topic", topic, "host", host, "error", err)
	}
}

func (b *Bus) send(ctx context.Context, subject string, payload []byte) error {
	ctx, span := b.tracer.Start(ctx, "bus.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: payload, Header: hdr}
	return b.nc.PublishMsg(msg)
}

// Subscribe registers handler for every host-scoped message published to
// topic, regardless of which host it was addressed to — for a side that
// must see every host-scoped message on a topic, not for a worker listening
// for messages addressed to itself alone (use SubscribeHost for that). The
// controller does not use it: workers send their reports on the bare topic,
// which it receives through SubscribeExact.
func (b *Bus) Subscribe(topic string, handler Handler) (*nats.Subscription, error) {
	return b.nc.Subscribe(topic+".>", func(m *nats.Msg) {
		b.dispatch(m, handler)
	})
}

// SubscribeHost registers handler for messages published to topic and
// addressed specifically to host, via a literal (non-wildcard) NATS
// subject match — this is how a worker listens for the controller's
// directed replies/assignments (mdc/config, job/subtask_info, ...)
// without also receiving every other worker's traffic on the same topic.
func (b *Bus) SubscribeHost(topic, host string, handler Handler) (*nats.Subscription, error) {
	return b.nc.Subscribe(hostSubject(topic, host), func(m *nats.Msg) {
		b.dispatch(m, handler)
	})
}

// SubscribeExact registers handler for exact-subject (non host-scoped)
// messages on topic — used for broadcast topics like mdc/finish where no
// host suffix is ever appended.
func (b *Bus) SubscribeExact(topic string, handler Handler) (*nats.Subscription, error) {
	return b.nc.Subscribe(topic, func(m *nats.Msg) {
		b.dispatch(m, handler)
	})
}

func (b *Bus) dispatch(m *nats.Msg, handler Handler) {
	carrier := propagation.HeaderCarrier(m.Header)
	ctx := propagator.Extract(context.Background(), carrier)
	ctx, span := b.tracer.Start(ctx, "bus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	handler(ctx, m.Subject, m.Data)
}
