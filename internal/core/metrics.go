package core

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Metrics records lock activity through the global OpenTelemetry meter
// provider. A nil *Metrics is valid and records nothing.
type Metrics struct {
	acquireCount  metric.Int64Counter
	refreshCount  metric.Int64Counter
	releaseCount  metric.Int64Counter
	opDuration    metric.Int64Histogram
	skippedTicks  metric.Int64Counter
	gateModeGauge metric.Int64ObservableGauge

	gates sync.Map // lock name -> *Gate
}

// NewMetrics registers the lock instruments.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("pkt.systems/wlock/lock")
	m := &Metrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"wlock.lock.acquire",
		metric.WithDescription("Lock acquisition attempts by outcome"),
	)
	logMetricInitError(logger, "wlock.lock.acquire", err)

	m.refreshCount, err = meter.Int64Counter(
		"wlock.lock.refresh",
		metric.WithDescription("Heartbeat renewals by outcome"),
	)
	logMetricInitError(logger, "wlock.lock.refresh", err)

	m.releaseCount, err = meter.Int64Counter(
		"wlock.lock.release",
		metric.WithDescription("Lock releases by outcome"),
	)
	logMetricInitError(logger, "wlock.lock.release", err)

	m.opDuration, err = meter.Int64Histogram(
		"wlock.lock.op.duration_ms",
		metric.WithDescription("Lock operation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "wlock.lock.op.duration_ms", err)

	m.skippedTicks, err = meter.Int64Counter(
		"wlock.heartbeat.skipped",
		metric.WithDescription("Heartbeat ticks skipped because a refresh was still running"),
	)
	logMetricInitError(logger, "wlock.heartbeat.skipped", err)

	m.gateModeGauge, err = meter.Int64ObservableGauge(
		"wlock.gate.mode",
		metric.WithDescription("Access gate mode (0 unknown, 1 writable, 2 readonly)"),
	)
	logMetricInitError(logger, "wlock.gate.mode", err)

	if m.gateModeGauge != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			m.observeGates(o)
			return nil
		}, m.gateModeGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "wlock.gate.mode", "error", err)
		}
	}
	return m
}

func (m *Metrics) trackGate(name string, gate *Gate) {
	if m == nil || gate == nil {
		return
	}
	m.gates.Store(name, gate)
}

func (m *Metrics) observeGates(o metric.Observer) {
	m.gates.Range(func(key, value any) bool {
		name, _ := key.(string)
		gate, _ := value.(*Gate)
		if gate == nil {
			return true
		}
		o.ObserveInt64(m.gateModeGauge, int64(gate.Mode()), metric.WithAttributes(attribute.String("wlock.lock_name", name)))
		return true
	})
}

func (m *Metrics) recordOp(ctx context.Context, op, name, result string, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(
		attribute.String("wlock.lock_name", name),
		attribute.String("wlock.lock.result", result),
	)
	var counter metric.Int64Counter
	switch op {
	case "acquire":
		counter = m.acquireCount
	case "refresh":
		counter = m.refreshCount
	case "release":
		counter = m.releaseCount
	}
	if counter != nil {
		counter.Add(ctx, 1, attrs)
	}
	if m.opDuration != nil {
		m.opDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(
			attribute.String("wlock.lock_name", name),
			attribute.String("wlock.lock.op", op),
			attribute.String("wlock.lock.result", result),
		))
	}
}

func (m *Metrics) recordSkippedTick(ctx context.Context, name string) {
	if m == nil || m.skippedTicks == nil {
		return
	}
	m.skippedTicks.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("wlock.lock_name", name)))
}

func resultLabel(outcome Outcome, err error) string {
	if err != nil {
		return "storage_error"
	}
	return outcome.String()
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
