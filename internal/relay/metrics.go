package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-relay/relay"

type instruments struct {
	tracer           trace.Tracer
	sessionsStarted  metric.Int64Counter
	sessionsEnded    metric.Int64Counter
	chunksForwarded  metric.Int64Counter
	chunksDropped    metric.Int64Counter
	transcripts      metric.Int64Counter
	framesSkipped    metric.Int64Counter
	connectFailures  metric.Int64Counter
	queueDepthGauge  metric.Int64ObservableGauge
	registeredGauges metric.Registration
}

// newInstruments resolves the global providers at construction time, so the
// runtime must install them before building a Coordinator.
func newInstruments(depth func() int64) (*instruments, error) {
	meter := otel.Meter(instrumentationName)
	ins := &instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	if ins.sessionsStarted, err = meter.Int64Counter("relay.sessions.started", metric.WithDescription("Sessions that reached Active")); err != nil {
		return nil, err
	}
	if ins.sessionsEnded, err = meter.Int64Counter("relay.sessions.ended", metric.WithDescription("Sessions that reached Ended, by reason")); err != nil {
		return nil, err
	}
	if ins.connectFailures, err = meter.Int64Counter("relay.sessions.failed", metric.WithDescription("Session starts that never became Active")); err != nil {
		return nil, err
	}
	if ins.chunksForwarded, err = meter.Int64Counter("relay.chunks.forwarded", metric.WithDescription("Audio chunks written to the remote service")); err != nil {
		return nil, err
	}
	if ins.chunksDropped, err = meter.Int64Counter("relay.chunks.dropped", metric.WithDescription("Buffered audio chunks discarded at teardown")); err != nil {
		return nil, err
	}
	if ins.transcripts, err = meter.Int64Counter("relay.transcripts.emitted", metric.WithDescription("Transcript events delivered to callers")); err != nil {
		return nil, err
	}
	if ins.framesSkipped, err = meter.Int64Counter("relay.frames.skipped", metric.WithDescription("Inbound frames that produced no event")); err != nil {
		return nil, err
	}
	if ins.queueDepthGauge, err = meter.Int64ObservableGauge("relay.queue.depth", metric.WithDescription("Chunks waiting in the active session queue")); err != nil {
		return nil, err
	}
	gauge := ins.queueDepthGauge
	ins.registeredGauges, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, depth())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return ins, nil
}

func (i *instruments) add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if i == nil || counter == nil || n == 0 {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}

func (i *instruments) unregister() {
	if i != nil && i.registeredGauges != nil {
		_ = i.registeredGauges.Unregister()
	}
}
