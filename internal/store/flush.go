package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
)

// DefaultFlushInterval matches how often cached content reaches Postgres.
const DefaultFlushInterval = 2 * time.Minute

// Flusher periodically copies changed documents from a backend to durable
// storage.
type Flusher struct {
	src      DirtySource
	sink     ContentSink
	interval time.Duration
	log      logr.Logger
}

func NewFlusher(src DirtySource, sink ContentSink, interval time.Duration, log logr.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{src: src, sink: sink, interval: interval, log: log.WithName("flusher")}
}

// Run flushes every interval until ctx is done, then flushes once more.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.flushAndLog(ctx)
		case <-ctx.Done():
			// Best effort final pass with a fresh deadline.
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			f.flushAndLog(final)
			cancel()
			return
		}
	}
}

func (f *Flusher) flushAndLog(ctx context.Context) {
	n, err := f.Flush(ctx)
	if err != nil {
		f.log.Error(err, "flush incomplete", "flushed", n)
		return
	}
	if n > 0 {
		f.log.Info("synced documents with durable storage", "count", n)
	}
}

// Flush writes every dirty document once and returns how many were saved.
// Documents the sink does not know about are marked clean and skipped.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	keys, err := f.src.Dirty(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, key := range keys {
		snap, err := f.src.Snapshot(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = f.sink.SaveContent(ctx, key, snap.Content)
		switch {
		case errors.Is(err, ErrNotFound):
			f.log.V(1).Info("skipping document unknown to storage", "doc", key.String())
		case err != nil:
			errs = append(errs, err)
			continue
		default:
			n++
		}
		if err := f.src.MarkClean(ctx, key, snap.Version); err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}
