package notify

import (
	"context"
	"sync"

	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/metrics"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"

	"go.uber.org/zap"
)

// Sink receives adapter metadata events in the background.
type Sink func(ctx context.Context, info store.AdapterInfo) error

// Notifier delivers adapter registration events best-effort. Notify never
// blocks the caller: when the queue is full the event is dropped with a
// logged warning. Failures in the sink never reach the write path.
type Notifier struct {
	sink    Sink
	queue   chan store.AdapterInfo
	metrics *metrics.BoxMetrics
	logger  *log.Logger
	wg      sync.WaitGroup
}

func NewNotifier(sink Sink, queueSize int, m *metrics.BoxMetrics, logger *log.Logger) *Notifier {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Notifier{
		sink:    sink,
		queue:   make(chan store.AdapterInfo, queueSize),
		metrics: m,
		logger:  logger,
	}
}

// Run drains the queue until the context ends, then finishes whatever is
// already queued.
func (n *Notifier) Run(ctx context.Context) {
	n.wg.Add(1)
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case info := <-n.queue:
					n.deliver(context.Background(), info)
				default:
					n.logger.Info("Notifier shutting down")
					return
				}
			}
		case info := <-n.queue:
			n.deliver(ctx, info)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, info store.AdapterInfo) {
	if err := n.sink(ctx, info); err != nil {
		n.logger.Warn("Adapter notification failed",
			zap.String("adapter", info.Name),
			zap.String("instance", info.InstanceID),
			zap.Error(err))
	}
}

// Notify enqueues one event, dropping it when the queue is saturated.
func (n *Notifier) Notify(info store.AdapterInfo) {
	select {
	case n.queue <- info:
	default:
		n.logger.Warn("Notifier queue full, dropping adapter event",
			zap.String("adapter", info.Name))
		if n.metrics != nil {
			n.metrics.NotifierDropped.Inc()
		}
	}
}

// Wait blocks until Run has returned.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
