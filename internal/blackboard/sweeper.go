package blackboard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/insight-engine/backend/pkg/logger"
)

type expirer interface {
	ExpireAll(ctx context.Context) (int64, error)
}

// Sweeper periodically deactivates expired insights for every user.
type Sweeper struct {
	repo     expirer
	interval time.Duration
}

func NewSweeper(repo expirer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{repo: repo, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.repo.ExpireAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("insight expiry sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		logger.Info("expired stale insights", zap.Int64("count", n))
	}
}
