// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// QueueDepthSource reports the number of QUEUED jobs per priority mode.
// Neither queuebackend implementation provides QueueDepthByMode, and
// cmd/server does not start this updater.
type QueueDepthSource interface {
	QueueDepthByMode(ctx context.Context) (map[string]int, error)
}

// StartQueueDepthUpdater samples queue depth on an interval and updates the
// queue_depth gauge, mirroring the teacher's Redis LLen poller but sourced
// from the scheduler's own backend instead of raw list lengths.
func StartQueueDepthUpdater(ctx context.Context, interval time.Duration, src QueueDepthSource, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depths, err := src.QueueDepthByMode(ctx)
				if err != nil {
					log.Debug("queue depth poll error", Err(err))
					continue
				}
				for mode, n := range depths {
					QueueDepth.WithLabelValues(mode).Set(float64(n))
				}
			}
		}
	}()
}
