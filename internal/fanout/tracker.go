package fanout

import (
	"context"
	"fmt"

	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/metrics"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"

	"go.uber.org/zap"
)

// Tracker coordinates multi-subscriber delivery: it records which
// destination subscribers still have to consume a message and removes the
// message once the slowest subscriber has drained. The ledger is explicit
// per-subscriber completion rather than consumer offsets because delivery
// happens per adapter, not over a shared ordered log.
type Tracker struct {
	messages *store.MessageStore
	subs     *store.SubscriptionStore
	metrics  *metrics.BoxMetrics
	logger   *log.Logger
}

func NewTracker(messages *store.MessageStore, subs *store.SubscriptionStore, m *metrics.BoxMetrics, logger *log.Logger) *Tracker {
	return &Tracker{
		messages: messages,
		subs:     subs,
		metrics:  m,
		logger:   logger,
	}
}

// Subscribe registers a destination subscriber for the message. The
// insert is idempotent, so callers may bind subscriptions at write time
// without worrying about duplicates.
func (t *Tracker) Subscribe(ctx context.Context, msgID int64, interfaceName, subscriberName string) error {
	return t.subs.Create(ctx, msgID, interfaceName, subscriberName)
}

// Complete marks one subscriber's consumption done, then deletes the
// parent message if the whole consumer set has drained and the message is
// already Processed.
func (t *Tracker) Complete(ctx context.Context, msgID int64, subscriberName, details string) error {
	if err := t.subs.MarkProcessed(ctx, msgID, subscriberName, details); err != nil {
		return fmt.Errorf("complete subscription: %w", err)
	}
	deleted, err := t.messages.DeleteIfDrained(ctx, msgID)
	if err != nil {
		return err
	}
	if deleted {
		t.logger.Info("Fan-out drained, message removed",
			zap.Int64("message_id", msgID), zap.String("subscriber", subscriberName))
		if t.metrics != nil {
			t.metrics.DrainDeleteTotal.Inc()
		}
	}
	return nil
}

// Fail records a subscriber-side failure on that subscriber's row only.
// The message-level retry decision stays with the retry manager.
func (t *Tracker) Fail(ctx context.Context, msgID int64, subscriberName, errMsg string) error {
	return t.subs.MarkError(ctx, msgID, subscriberName, errMsg)
}

// Drained reports whether every subscription of the message is Processed
// (vacuously true with no subscriptions at all).
func (t *Tracker) Drained(ctx context.Context, msgID int64) (bool, error) {
	return t.subs.AllProcessed(ctx, msgID)
}

func (t *Tracker) PendingSubscribers(ctx context.Context, msgID int64) ([]string, error) {
	return t.subs.PendingSubscribers(ctx, msgID)
}
