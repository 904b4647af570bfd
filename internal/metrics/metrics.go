package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/config"
	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type BoxMetrics struct {
	WriteTotal       *prometheus.CounterVec
	DedupTotal       *prometheus.CounterVec
	LeaseGranted     *prometheus.CounterVec
	LeaseContention  *prometheus.CounterVec
	RetryTotal       *prometheus.CounterVec
	DeadLetterTotal  *prometheus.CounterVec
	ReclaimedTotal   prometheus.Counter
	DrainDeleteTotal prometheus.Counter
	NotifierDropped  prometheus.Counter
	MessageDepth     *prometheus.GaugeVec

	store  *store.MessageStore
	cfg    *config.Config
	logger *log.Logger
}

func NewBoxMetrics(msgStore *store.MessageStore, cfg *config.Config, logger *log.Logger) *BoxMetrics {
	m := &BoxMetrics{
		WriteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgbox_write_total",
				Help: "Total number of messages written (debatched records)",
			},
			[]string{"interface"},
		),
		DedupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgbox_dedup_total",
				Help: "Total number of writes deduplicated within the idempotency window",
			},
			[]string{"interface"},
		),
		LeaseGranted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgbox_lease_granted_total",
				Help: "Total number of leases granted",
			},
			[]string{"interface"},
		),
		LeaseContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgbox_lease_contention_total",
				Help: "Total number of lease acquisitions lost to another worker",
			},
			[]string{"interface"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgbox_retry_total",
				Help: "Total number of failed attempts scheduled for retry",
			},
			[]string{"interface"},
		),
		DeadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgbox_dead_letter_total",
				Help: "Total number of messages moved to the dead letter state",
			},
			[]string{"interface"},
		),
		ReclaimedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "msgbox_stale_lease_reclaimed_total",
				Help: "Total number of stale leases reclaimed by the sweeper",
			},
		),
		DrainDeleteTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "msgbox_drain_delete_total",
				Help: "Total number of messages deleted after all subscribers drained",
			},
		),
		NotifierDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "msgbox_notifier_dropped_total",
				Help: "Total number of adapter notifications dropped by the best-effort queue",
			},
		),
		MessageDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "msgbox_message_depth",
				Help: "Number of staged messages per interface and status",
			},
			[]string{"interface", "status"},
		),
		store:  msgStore,
		cfg:    cfg,
		logger: logger,
	}

	prometheus.MustRegister(
		m.WriteTotal,
		m.DedupTotal,
		m.LeaseGranted,
		m.LeaseContention,
		m.RetryTotal,
		m.DeadLetterTotal,
		m.ReclaimedTotal,
		m.DrainDeleteTotal,
		m.NotifierDropped,
		m.MessageDepth,
	)

	return m
}

// Run serves /metrics and samples message depth until the context ends.
func (m *BoxMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    m.cfg.MetricsAddr,
		Handler: mux,
	}

	go m.collect(ctx)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", m.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *BoxMetrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			counts, err := m.store.CountByStatus(ctx)
			if err != nil {
				m.logger.Error("Failed to sample message depth", zap.Error(err))
				continue
			}
			m.MessageDepth.Reset()
			for _, c := range counts {
				m.MessageDepth.WithLabelValues(c.InterfaceName, c.Status).Set(float64(c.Count))
			}
		}
	}
}
