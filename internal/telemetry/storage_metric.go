package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DiskMetrics holds the metric instruments for the disk manager.
type DiskMetrics struct {
	PageReadsCounter   metric.Int64Counter
	PageWritesCounter  metric.Int64Counter
	FsyncCounter       metric.Int64Counter
	IOErrorsCounter    metric.Int64Counter
	IOLatencyHistogram metric.Int64Histogram
}

// NewDiskMetrics creates and registers all the metrics for the disk manager.
func NewDiskMetrics(meter metric.Meter) (*DiskMetrics, error) {
	pageReads, err := meter.Int64Counter(
		"pagestore.disk.page_reads_total",
		metric.WithDescription("Total number of pages read from disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageWrites, err := meter.Int64Counter(
		"pagestore.disk.page_writes_total",
		metric.WithDescription("Total number of pages written to disk, including appends."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	fsyncs, err := meter.Int64Counter(
		"pagestore.disk.fsync_total",
		metric.WithDescription("Total number of fsync calls on the data file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	ioErrors, err := meter.Int64Counter(
		"pagestore.disk.io_errors_total",
		metric.WithDescription("Total number of failed disk operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Int64Histogram(
		"pagestore.disk.io_duration",
		metric.WithDescription("The latency of page reads and durable page writes."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &DiskMetrics{
		PageReadsCounter:   pageReads,
		PageWritesCounter:  pageWrites,
		FsyncCounter:       fsyncs,
		IOErrorsCounter:    ioErrors,
		IOLatencyHistogram: latency,
	}, nil
}

// BufferPoolMetrics holds the metric instruments for the buffer pool manager.
type BufferPoolMetrics struct {
	PageHitsCounter          metric.Int64Counter
	PageMissesCounter        metric.Int64Counter
	EvictionsCounter         metric.Int64Counter
	DirtyWriteBacksCounter   metric.Int64Counter
	PoolExhaustedCounter     metric.Int64Counter
	PinnedPagesUpDownCounter metric.Int64UpDownCounter
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"pagestore.bufferpool.hits_total",
		metric.WithDescription("Fetches served from a resident frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"pagestore.bufferpool.misses_total",
		metric.WithDescription("Fetches that had to read the page from disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"pagestore.bufferpool.evictions_total",
		metric.WithDescription("Frames reclaimed through the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writeBacks, err := meter.Int64Counter(
		"pagestore.bufferpool.dirty_writebacks_total",
		metric.WithDescription("Dirty pages written back to disk by flush or eviction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	exhausted, err := meter.Int64Counter(
		"pagestore.bufferpool.exhausted_total",
		metric.WithDescription("Requests refused because every frame was pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinned, err := meter.Int64UpDownCounter(
		"pagestore.bufferpool.pinned_pages",
		metric.WithDescription("Number of outstanding pins across all frames."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		PageHitsCounter:          hits,
		PageMissesCounter:        misses,
		EvictionsCounter:         evictions,
		DirtyWriteBacksCounter:   writeBacks,
		PoolExhaustedCounter:     exhausted,
		PinnedPagesUpDownCounter: pinned,
	}, nil
}

// NopDiskMetrics returns instruments that record nothing.
func NopDiskMetrics() *DiskMetrics {
	m, _ := NewDiskMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// NopBufferPoolMetrics returns instruments that record nothing.
func NopBufferPoolMetrics() *BufferPoolMetrics {
	m, _ := NewBufferPoolMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
