package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/events"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/federation"
)

// Metrics bundles the node's counters and histograms. All methods are safe on
// a nil receiver so call sites never branch on whether telemetry is
// configured.
type Metrics struct {
	blocksInserted   metric.Int64Counter
	eventsDispatched metric.Int64Counter
	eventsDropped    metric.Int64Counter
	handlerFailures  metric.Int64Counter
	streamRejections metric.Int64Counter
	federationBlocks metric.Int64Counter
	agentDenials     metric.Int64Counter
	httpRequests     metric.Int64Counter
	httpDuration     metric.Float64Histogram
}

var _ events.Instruments = (*Metrics)(nil)
var _ federation.Instruments = (*Metrics)(nil)

// NewMetrics creates the node instrument set on the provider's meter.
func (p *Provider) NewMetrics() (*Metrics, error) {
	return newMetrics(p.Meter())
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.blocksInserted, err = meter.Int64Counter("foodblock.blocks.inserted",
		metric.WithDescription("Blocks accepted into the local store"),
		metric.WithUnit("{block}"),
	); err != nil {
		return nil, err
	}
	if m.eventsDispatched, err = meter.Int64Counter("foodblock.events.dispatched",
		metric.WithDescription("Events delivered to subscribers and handlers"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter("foodblock.events.dropped",
		metric.WithDescription("Events discarded by full subscriber buffers or a saturated handler pool"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.handlerFailures, err = meter.Int64Counter("foodblock.events.handler_failures",
		metric.WithDescription("Event handler invocations that panicked"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}
	if m.streamRejections, err = meter.Int64Counter("foodblock.stream.rejections",
		metric.WithDescription("Stream connections refused at the concurrency cap"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, err
	}
	if m.federationBlocks, err = meter.Int64Counter("foodblock.federation.blocks",
		metric.WithDescription("Blocks transferred to or from peers"),
		metric.WithUnit("{block}"),
	); err != nil {
		return nil, err
	}
	if m.agentDenials, err = meter.Int64Counter("foodblock.agent.denials",
		metric.WithDescription("Agent submissions rejected by enrollment gates"),
		metric.WithUnit("{denial}"),
	); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter("foodblock.http.requests",
		metric.WithDescription("HTTP requests served"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("foodblock.http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// BlocksInserted records blocks accepted into the store. The source
// distinguishes API writes from federation pulls and startup publishing.
func (m *Metrics) BlocksInserted(ctx context.Context, source string, n int64) {
	if m == nil || m.blocksInserted == nil || n == 0 {
		return
	}
	m.blocksInserted.Add(ctx, n, metric.WithAttributes(AttrBlockSource.String(source)))
}

// FederationTransfer records blocks moved during one peer sync.
func (m *Metrics) FederationTransfer(ctx context.Context, peerURL, direction string, n int64) {
	if m == nil || m.federationBlocks == nil || n == 0 {
		return
	}
	m.federationBlocks.Add(ctx, n, metric.WithAttributes(SyncOperation(peerURL, direction)...))
}

// AgentDenied records a rejected agent submission.
func (m *Metrics) AgentDenied(ctx context.Context, reason string) {
	if m == nil || m.agentDenials == nil {
		return
	}
	m.agentDenials.Add(ctx, 1, metric.WithAttributes(AttrDenyReason.String(reason)))
}

// HTTPRequest records one served request for RED dashboards.
func (m *Metrics) HTTPRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
		semconv.HTTPResponseStatusCodeKey.Int(status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// EventDispatched counts one event handed to a subscriber or handler.
func (m *Metrics) EventDispatched() {
	if m == nil || m.eventsDispatched == nil {
		return
	}
	m.eventsDispatched.Add(context.Background(), 1)
}

// EventDropped counts one event lost to backpressure.
func (m *Metrics) EventDropped() {
	if m == nil || m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Add(context.Background(), 1)
}

// HandlerFailure counts one panicking handler invocation.
func (m *Metrics) HandlerFailure() {
	if m == nil || m.handlerFailures == nil {
		return
	}
	m.handlerFailures.Add(context.Background(), 1)
}

// StreamRejected counts one stream connection refused at capacity.
func (m *Metrics) StreamRejected() {
	if m == nil || m.streamRejections == nil {
		return
	}
	m.streamRejections.Add(context.Background(), 1)
}
