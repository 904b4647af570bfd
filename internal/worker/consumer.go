package worker

import (
	"context"
	"errors"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/config"
	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/metrics"
	"github.com/mariomuja/interface-configurator-sub002/internal/ratelimit"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Handler delivers one message to one destination subscriber. It is the
// adapter boundary: the consumer loop neither knows nor cares what format
// the destination speaks.
type Handler func(ctx context.Context, msg store.Message, subscriberName string) error

// MessageSource is the slice of the message store a consumer needs.
type MessageSource interface {
	ReadPending(ctx context.Context, interfaceName, statusFilter string, limit int) ([]store.Message, error)
	AcquireLease(ctx context.Context, msgID int64, duration time.Duration) (bool, error)
	MarkProcessed(ctx context.Context, msgID int64, details string) error
}

// FanOut is the subscription ledger a consumer reports to.
type FanOut interface {
	PendingSubscribers(ctx context.Context, msgID int64) ([]string, error)
	Complete(ctx context.Context, msgID int64, subscriberName, details string) error
	Fail(ctx context.Context, msgID int64, subscriberName, errMsg string) error
}

// FailureRecorder applies the retry/dead-letter policy to a failed attempt.
type FailureRecorder interface {
	Fail(ctx context.Context, msg store.Message, cause string) (string, error)
}

// Consumer is one competing worker: it polls for workable messages,
// claims them with a lease, fans each one out to its still-pending
// subscribers and reports the outcome. Workers coordinate only through
// the store's conditional updates; any number of consumers may run
// against the same interface.
type Consumer struct {
	interfaceName string
	workerID      string
	source        MessageSource
	fanout        FanOut
	retry         FailureRecorder
	limiter       *ratelimit.Bucket
	breaker       *gobreaker.CircuitBreaker
	handler       Handler
	cfg           *config.Config
	metrics       *metrics.BoxMetrics
	logger        *log.Logger
}

func NewConsumer(interfaceName string, source MessageSource, fanout FanOut, retry FailureRecorder,
	limiter *ratelimit.Bucket, handler Handler, cfg *config.Config, m *metrics.BoxMetrics, logger *log.Logger) *Consumer {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "consumer-" + interfaceName,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Consumer{
		interfaceName: interfaceName,
		workerID:      uuid.NewString(),
		source:        source,
		fanout:        fanout,
		retry:         retry,
		limiter:       limiter,
		breaker:       breaker,
		handler:       handler,
		cfg:           cfg,
		metrics:       m,
		logger:        logger,
	}
}

func (c *Consumer) WorkerID() string {
	return c.workerID
}

// Run polls until the context ends, backing off for a fixed interval when
// no workable message is found.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("Consumer started",
		zap.String("interface", c.interfaceName), zap.String("worker_id", c.workerID))
	for {
		worked, err := c.Poll(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("Consumer poll failed",
				zap.String("interface", c.interfaceName), zap.Error(err))
		}
		if worked > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer shutting down", zap.String("worker_id", c.workerID))
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Poll runs one read-lease-process cycle and returns how many messages
// this worker actually claimed.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.source.ReadPending(ctx, c.interfaceName, "", c.cfg.ReadBatchSize)
	if err != nil {
		return 0, err
	}

	worked := 0
	for _, msg := range msgs {
		granted, err := c.source.AcquireLease(ctx, msg.ID, c.cfg.LeaseTTL)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Deleted between read and lease; someone else drained it.
				continue
			}
			return worked, err
		}
		if !granted {
			if c.metrics != nil {
				c.metrics.LeaseContention.WithLabelValues(c.interfaceName).Inc()
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.LeaseGranted.WithLabelValues(c.interfaceName).Inc()
		}
		worked++
		if err := c.process(ctx, msg); err != nil {
			return worked, err
		}
	}
	return worked, nil
}

// process dispatches the leased message to every still-pending subscriber,
// then resolves the message outcome: all delivered means Processed (and
// deleted once drained), any failure goes through the retry policy.
func (c *Consumer) process(ctx context.Context, msg store.Message) error {
	subscribers, err := c.fanout.PendingSubscribers(ctx, msg.ID)
	if err != nil {
		return err
	}

	var failure string
	for _, subscriber := range subscribers {
		if c.limiter != nil {
			if err := c.limiter.WaitForToken(ctx); err != nil {
				return err
			}
		}
		_, dispatchErr := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.handler(ctx, msg, subscriber)
		})
		if dispatchErr != nil {
			c.logger.Warn("Subscriber dispatch failed",
				zap.Int64("message_id", msg.ID),
				zap.String("subscriber", subscriber),
				zap.Error(dispatchErr))
			if err := c.fanout.Fail(ctx, msg.ID, subscriber, dispatchErr.Error()); err != nil {
				return err
			}
			if failure == "" {
				failure = dispatchErr.Error()
			}
			continue
		}
		if err := c.fanout.Complete(ctx, msg.ID, subscriber, "delivered by "+c.workerID); err != nil {
			return err
		}
	}

	if failure != "" {
		_, err := c.retry.Fail(ctx, msg, failure)
		return err
	}
	return c.source.MarkProcessed(ctx, msg.ID, "consumed by "+c.workerID)
}
