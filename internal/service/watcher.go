package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultWatcherInterval = 30 * time.Second
	defaultWatcherLimit    = 10
)

// Watcher periodically queues newly dropped folders.
type Watcher struct {
	feeder   Feeder
	logger   *zap.Logger
	interval time.Duration
	limit    int
}

func NewWatcher(feeder Feeder, interval time.Duration, limit int, logger *zap.Logger) (*Watcher, error) {
	if feeder == nil {
		return nil, fmt.Errorf("feeder is required")
	}
	if interval <= 0 {
		interval = defaultWatcherInterval
	}
	if limit <= 0 {
		limit = defaultWatcherLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		feeder:   feeder,
		logger:   logger,
		interval: interval,
		limit:    limit,
	}, nil
}

// Start scans once immediately and then on every tick until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := w.scan(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("watcher initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("watcher scan failed", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	queued, err := w.feeder.StartQueue(ctx, w.limit)
	if err != nil {
		return fmt.Errorf("failed to queue folders: %w", err)
	}
	if queued > 0 {
		w.logger.Info("watcher queued folders", zap.Int("count", queued))
	}
	return nil
}
