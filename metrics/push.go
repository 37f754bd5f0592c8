package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// Push pushes the metrics to the pushgateway at url every period until the
// context is canceled.
func Push(ctx context.Context, logger *zap.Logger, url, nodeID string, period time.Duration) {
	pusher := push.New(url, Namespace).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("node", nodeID)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pusher.PushContext(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("failed to push metrics", zap.String("url", url), zap.Error(err))
			}
		}
	}
}
