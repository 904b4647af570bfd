package lease

import (
	"context"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/config"
	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/metrics"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"

	"go.uber.org/zap"
)

// Sweeper periodically reclaims leases abandoned by crashed workers,
// reverting the affected messages to Pending so they re-enter the pool.
// There is no renewal path: the lease duration is the processing timeout.
type Sweeper struct {
	store   *store.MessageStore
	cfg     *config.Config
	metrics *metrics.BoxMetrics
	logger  *log.Logger
}

func NewSweeper(msgStore *store.MessageStore, cfg *config.Config, m *metrics.BoxMetrics, logger *log.Logger) *Sweeper {
	return &Sweeper{
		store:   msgStore,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lease sweeper shutting down")
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logger.Error("Lease sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	count, err := s.store.ReclaimStaleLeases(ctx, s.cfg.SweepTimeout)
	if err != nil {
		return err
	}
	if count > 0 {
		s.logger.Warn("Reclaimed stale leases", zap.Int64("count", count))
		if s.metrics != nil {
			s.metrics.ReclaimedTotal.Add(float64(count))
		}
	}
	return nil
}
