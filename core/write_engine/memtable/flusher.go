package memtable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BackgroundFlusher periodically writes dirty pages back to disk so that
// eviction and shutdown find fewer dirty frames. It never pins pages.
type BackgroundFlusher struct {
	bpm      *BufferPoolManager
	interval time.Duration
	limiter  *rate.Limiter
	tracer   trace.Tracer
	logger   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBackgroundFlusher creates a flusher that runs every interval and writes
// at most pagesPerSecond pages per second. pagesPerSecond <= 0 disables
// pacing.
func NewBackgroundFlusher(bpm *BufferPoolManager, interval time.Duration, pagesPerSecond int, tracer trace.Tracer, logger *zap.Logger) *BackgroundFlusher {
	if interval <= 0 {
		interval = time.Second
	}
	limit, burst := rate.Inf, 1
	if pagesPerSecond > 0 {
		limit, burst = rate.Limit(pagesPerSecond), pagesPerSecond
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundFlusher{
		bpm:      bpm,
		interval: interval,
		limiter:  rate.NewLimiter(limit, burst),
		tracer:   tracer,
		logger:   logger.Named("flusher"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the flusher goroutine. Calling it more than once has no effect.
func (bf *BackgroundFlusher) Start() {
	bf.startOnce.Do(func() {
		bf.wg.Add(1)
		go bf.run()
		bf.logger.Info("Background flusher started", zap.Duration("interval", bf.interval))
	})
}

// Stop signals the flusher to exit and waits for it. Safe to call repeatedly.
func (bf *BackgroundFlusher) Stop() {
	bf.stopOnce.Do(func() {
		bf.cancel()
		bf.wg.Wait()
		bf.logger.Info("Background flusher stopped")
	})
}

func (bf *BackgroundFlusher) run() {
	defer bf.wg.Done()
	ticker := time.NewTicker(bf.interval)
	defer ticker.Stop()

	for {
		select {
		case <-bf.ctx.Done():
			return
		case <-ticker.C:
			n, err := bf.FlushOnce(bf.ctx)
			if err != nil && bf.ctx.Err() == nil {
				bf.logger.Error("Background flush failed", zap.Int("flushed", n), zap.Error(err))
			} else if n > 0 {
				bf.logger.Debug("Background flush done", zap.Int("flushed", n))
			}
		}
	}
}

// FlushOnce writes back every page that is dirty at the time of the call and
// returns how many were flushed.
func (bf *BackgroundFlusher) FlushOnce(ctx context.Context) (int, error) {
	ctx, span := bf.tracer.Start(ctx, "BackgroundFlusher.FlushOnce")
	defer span.End()

	ids := bf.bpm.DirtyPageIDs()
	span.SetAttributes(attribute.Int("pagestore.dirty_pages", len(ids)))

	var errs error
	flushed := 0
	for _, id := range ids {
		if err := bf.limiter.Wait(ctx); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		ok, err := bf.bpm.FlushPage(id)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flushing page %d: %w", id, err))
			continue
		}
		if ok {
			flushed++
		}
	}

	span.SetAttributes(attribute.Int("pagestore.flushed_pages", flushed))
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, errs.Error())
	}
	return flushed, errs
}
