package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mariomuja/interface-configurator-sub002/internal/config"
	"github.com/mariomuja/interface-configurator-sub002/internal/fanout"
	"github.com/mariomuja/interface-configurator-sub002/internal/lease"
	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/metrics"
	"github.com/mariomuja/interface-configurator-sub002/internal/notify"
	"github.com/mariomuja/interface-configurator-sub002/internal/ratelimit"
	"github.com/mariomuja/interface-configurator-sub002/internal/retry"
	"github.com/mariomuja/interface-configurator-sub002/internal/server"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"
	"github.com/mariomuja/interface-configurator-sub002/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
	} else {
		logger.Warn("REDIS_ADDR not set, dedup fast path disabled")
	}

	messages, err := store.NewMessageStore(cfg.DatabaseURL, redisClient, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize message store", zap.Error(err))
	}
	defer messages.DB().Close()

	subs := store.NewSubscriptionStore(messages.DB(), logger)

	boxMetrics := metrics.NewBoxMetrics(messages, cfg, logger)
	tracker := fanout.NewTracker(messages, subs, boxMetrics, logger)
	retryManager := retry.NewManager(messages, boxMetrics, logger)
	sweeper := lease.NewSweeper(messages, cfg, boxMetrics, logger)
	notifier := notify.NewNotifier(messages.RegisterAdapter, 64, boxMetrics, logger)
	limiters := ratelimit.NewRegistry()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sweeper.Run(ctx)
	go notifier.Run(ctx)
	go boxMetrics.Run(ctx)

	// Destination adapters register concrete handlers; the built-in sink
	// only logs what it would deliver so the box is runnable standalone.
	for _, interfaceName := range cfg.ConsumerInterfaces {
		limiter := limiters.GetOrCreate(interfaceName, cfg.RateLimitMax, cfg.RateLimitWindow)
		handler := func(ctx context.Context, msg store.Message, subscriberName string) error {
			logger.Info("Delivered message",
				zap.Int64("message_id", msg.ID),
				zap.String("interface", msg.InterfaceName),
				zap.String("subscriber", subscriberName))
			return nil
		}
		for i := 0; i < cfg.WorkerCount; i++ {
			consumer := worker.NewConsumer(interfaceName, messages, tracker, retryManager,
				limiter, handler, cfg, boxMetrics, logger)
			go consumer.Run(ctx)
		}
	}

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, messages, subs, tracker, retryManager, notifier, boxMetrics)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	notifier.Wait()
}
