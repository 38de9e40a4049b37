package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics holds the metric instruments recorded by the buffer pool.
type StorageMetrics struct {
	PageHitsCounter     metric.Int64Counter
	PageMissesCounter   metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	FlushesCounter      metric.Int64Counter
	PinnedUpDownCounter metric.Int64UpDownCounter
}

// NewStorageMetrics creates and registers all the metrics for the buffer pool.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	pageHitsCounter, err := meter.Int64Counter(
		"koshdb.buffer.page_hits_total",
		metric.WithDescription("Fetches served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageMissesCounter, err := meter.Int64Counter(
		"koshdb.buffer.page_misses_total",
		metric.WithDescription("Fetches that had to read the page from disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"koshdb.buffer.evictions_total",
		metric.WithDescription("Frames reclaimed through the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushesCounter, err := meter.Int64Counter(
		"koshdb.buffer.flushes_total",
		metric.WithDescription("Pages written to disk by FlushPage or FlushAllPages; eviction write-backs are not counted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinnedUpDownCounter, err := meter.Int64UpDownCounter(
		"koshdb.buffer.pinned_pages",
		metric.WithDescription("Pages currently pinned by callers."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		PageHitsCounter:     pageHitsCounter,
		PageMissesCounter:   pageMissesCounter,
		EvictionsCounter:    evictionsCounter,
		FlushesCounter:      flushesCounter,
		PinnedUpDownCounter: pinnedUpDownCounter,
	}, nil
}
