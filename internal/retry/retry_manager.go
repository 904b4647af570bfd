package retry

import (
	"context"
	"fmt"

	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/metrics"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"

	"go.uber.org/zap"
)

// Manager applies the retry and dead-letter policy to reported failures.
// The increment-and-decide happens in one conditional update inside the
// store; the manager adds observability around the outcome.
type Manager struct {
	store   *store.MessageStore
	metrics *metrics.BoxMetrics
	logger  *log.Logger
}

func NewManager(msgStore *store.MessageStore, m *metrics.BoxMetrics, logger *log.Logger) *Manager {
	return &Manager{
		store:   msgStore,
		metrics: m,
		logger:  logger,
	}
}

// Fail records a transient processing failure. The message re-enters the
// retry pool after its exponential backoff, or dead-letters once the retry
// budget is exhausted. Returns the resulting status.
func (r *Manager) Fail(ctx context.Context, msg store.Message, cause string) (string, error) {
	status, err := r.store.MarkError(ctx, msg.ID, cause)
	if err != nil {
		return "", fmt.Errorf("record failure: %w", err)
	}

	switch status {
	case store.StatusDeadLetter:
		r.logger.Info("Moved message to dead letter",
			zap.Int64("message_id", msg.ID),
			zap.String("interface", msg.InterfaceName),
			zap.String("cause", cause))
		if r.metrics != nil {
			r.metrics.DeadLetterTotal.WithLabelValues(msg.InterfaceName).Inc()
		}
	case store.StatusError:
		r.logger.Info("Scheduled message retry",
			zap.Int64("message_id", msg.ID),
			zap.String("interface", msg.InterfaceName),
			zap.Duration("backoff", Backoff(msg.RetryCount+1)),
			zap.String("cause", cause))
		if r.metrics != nil {
			r.metrics.RetryTotal.WithLabelValues(msg.InterfaceName).Inc()
		}
	}
	return status, nil
}
