package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("coordination")

// CoordinationMetrics instruments the round state machine, dispatch holder,
// and reliable inbound.
type CoordinationMetrics struct {
	roundsStartedCounter  metric.Int64Counter
	roundsResolvedCounter metric.Int64Counter
	roundsFailOpenCounter metric.Int64Counter
	roundDurationHist     metric.Float64Histogram
	dispatchRepliesCounter metric.Int64Counter
	dedupHitsCounter       metric.Int64Counter
	pollClaimsCounter      metric.Int64Counter
	pollQuarantinedCounter metric.Int64Counter
	gatewayInflightGauge   metric.Int64UpDownCounter
}

// New creates a CoordinationMetrics collector.
func New() (*CoordinationMetrics, error) {
	roundsStartedCounter, err := meter.Int64Counter(
		"coordination.rounds.started",
		metric.WithDescription("Total number of coordination rounds started"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, err
	}

	roundsResolvedCounter, err := meter.Int64Counter(
		"coordination.rounds.resolved",
		metric.WithDescription("Total number of coordination rounds that reached a filter-based resolution"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, err
	}

	roundsFailOpenCounter, err := meter.Int64Counter(
		"coordination.rounds.failopen",
		metric.WithDescription("Total number of rounds resolved by fail-open (generator failure or deadline)"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, err
	}

	roundDurationHist, err := meter.Float64Histogram(
		"coordination.round.duration",
		metric.WithDescription("Wall-clock duration of a coordination round from start to resolution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	dispatchRepliesCounter, err := meter.Int64Counter(
		"dispatch.replies",
		metric.WithDescription("Total number of dispatch-pipeline invocations, by outcome"),
		metric.WithUnit("{reply}"),
	)
	if err != nil {
		return nil, err
	}

	dedupHitsCounter, err := meter.Int64Counter(
		"dedup.hits",
		metric.WithDescription("Total number of dedup-window hits (duplicate suppressed)"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	pollClaimsCounter, err := meter.Int64Counter(
		"inbound.poll.claims",
		metric.WithDescription("Total number of pending durable rows returned by the safety-net poll"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	pollQuarantinedCounter, err := meter.Int64Counter(
		"inbound.poll.quarantined",
		metric.WithDescription("Total number of stale pending rows bulk-quarantined at boot"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	gatewayInflightGauge, err := meter.Int64UpDownCounter(
		"gateway.inflight",
		metric.WithDescription("Current number of in-flight gateway calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinationMetrics{
		roundsStartedCounter:   roundsStartedCounter,
		roundsResolvedCounter:  roundsResolvedCounter,
		roundsFailOpenCounter:  roundsFailOpenCounter,
		roundDurationHist:      roundDurationHist,
		dispatchRepliesCounter: dispatchRepliesCounter,
		dedupHitsCounter:       dedupHitsCounter,
		pollClaimsCounter:      pollClaimsCounter,
		pollQuarantinedCounter: pollQuarantinedCounter,
		gatewayInflightGauge:   gatewayInflightGauge,
	}, nil
}

func (m *CoordinationMetrics) RoundStarted(ctx context.Context) {
	m.roundsStartedCounter.Add(ctx, 1)
}

func (m *CoordinationMetrics) RoundResolved(ctx context.Context, mode string, duration time.Duration) {
	m.roundsResolvedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	m.roundDurationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *CoordinationMetrics) RoundFailOpen(ctx context.Context, reason string, duration time.Duration) {
	m.roundsFailOpenCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.roundDurationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("mode", "failopen")))
}

func (m *CoordinationMetrics) DispatchReply(ctx context.Context, outcome string) {
	m.dispatchRepliesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *CoordinationMetrics) DedupHit(ctx context.Context, window string) {
	m.dedupHitsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("window", window)))
}

func (m *CoordinationMetrics) PollClaim(ctx context.Context, n int) {
	m.pollClaimsCounter.Add(ctx, int64(n))
}

func (m *CoordinationMetrics) PollQuarantined(ctx context.Context, n int64) {
	m.pollQuarantinedCounter.Add(ctx, n)
}

func (m *CoordinationMetrics) GatewayCallStarted(ctx context.Context) {
	m.gatewayInflightGauge.Add(ctx, 1)
}

func (m *CoordinationMetrics) GatewayCallFinished(ctx context.Context) {
	m.gatewayInflightGauge.Add(ctx, -1)
}
