package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// LockMetrics holds the metric instruments recorded by the lock manager.
type LockMetrics struct {
	GrantsCounter        metric.Int64Counter
	WaitsCounter         metric.Int64Counter
	DeadlocksCounter     metric.Int64Counter
	AbortsCounter        metric.Int64Counter
	WaitersUpDownCounter metric.Int64UpDownCounter
}

// NewLockMetrics creates and registers all the metrics for the lock manager.
func NewLockMetrics(meter metric.Meter) (*LockMetrics, error) {
	grantsCounter, err := meter.Int64Counter(
		"koshdb.lock.grants_total",
		metric.WithDescription("Lock requests granted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waitsCounter, err := meter.Int64Counter(
		"koshdb.lock.waits_total",
		metric.WithDescription("Lock requests that blocked before being granted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlocksCounter, err := meter.Int64Counter(
		"koshdb.lock.deadlocks_total",
		metric.WithDescription("Cycles broken by the deadlock detector."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	abortsCounter, err := meter.Int64Counter(
		"koshdb.lock.aborts_total",
		metric.WithDescription("Transactions aborted by the deadlock detector; other lock protocol aborts are not counted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waitersUpDownCounter, err := meter.Int64UpDownCounter(
		"koshdb.lock.waiters",
		metric.WithDescription("Requests currently waiting on a lock queue."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &LockMetrics{
		GrantsCounter:        grantsCounter,
		WaitsCounter:         waitsCounter,
		DeadlocksCounter:     deadlocksCounter,
		AbortsCounter:        abortsCounter,
		WaitersUpDownCounter: waitersUpDownCounter,
	}, nil
}
