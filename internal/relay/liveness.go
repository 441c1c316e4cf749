package relay

import (
	"context"
	"time"

	"github.com/xela07ax/netwatch-relay/internal/domain"
	"go.uber.org/zap"
)

// RunLiveness — свипер протухших heartbeat'ов. Мобильные и нестабильные сети
// оставляют полумертвые сокеты, которые TCP не замечает очень долго, поэтому
// агент без heartbeat дольше N интервалов помечается offline в хранилище —
// независимо от транспортного детекта дисконнекта. Presence-запись при этом
// не трогаем: ею владеет cleanup самого соединения.
func (ns *Namespace) RunLiveness(ctx context.Context) {
	interval := ns.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	factor := ns.cfg.LivenessFactor
	if factor <= 0 {
		factor = 3
	}

	logger := ns.logger.Named("liveness")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("liveness sweeper started",
		zap.Duration("interval", interval), zap.Int("factor", factor))

	for {
		select {
		case <-ctx.Done():
			logger.Info("liveness sweeper stopping by context...")
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(factor) * interval)
			for _, computerID := range ns.presence.Stale(cutoff) {
				logger.Warn("heartbeat absent, marking computer offline",
					zap.String("computer_id", computerID))
				ns.metrics.LivenessTimeouts.WithLabelValues(ns.name).Inc()

				if err := ns.guard.Exec(ctx, func(c context.Context) error {
					return ns.computers.SetStatus(c, computerID, domain.StatusOffline)
				}); err != nil {
					logger.Error("failed to mark stale computer offline",
						zap.String("computer_id", computerID), zap.Error(err))
				}
			}
		}
	}
}
