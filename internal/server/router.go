package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/config"
	"github.com/mariomuja/interface-configurator-sub002/internal/fanout"
	"github.com/mariomuja/interface-configurator-sub002/internal/log"
	"github.com/mariomuja/interface-configurator-sub002/internal/metrics"
	"github.com/mariomuja/interface-configurator-sub002/internal/notify"
	"github.com/mariomuja/interface-configurator-sub002/internal/retry"
	"github.com/mariomuja/interface-configurator-sub002/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

type claimsKey struct{}

// SetupRouter mounts the message-box API. Every endpoint maps 1:1 to a
// store or tracker operation; the HTTP layer adds no semantics of its own.
func SetupRouter(r *chi.Mux, cfg *config.Config, messages *store.MessageStore, subs *store.SubscriptionStore,
	tracker *fanout.Tracker, retryManager *retry.Manager, notifier *notify.Notifier, boxMetrics *metrics.BoxMetrics) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(cfg.RateLimitMax, cfg.RateLimitWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := messages.DB().PingContext(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if rdb := messages.Redis(); rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				logger.Error("Redis health check failed", zap.Error(err))
				http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/messages", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				InterfaceName             string         `json:"interface_name"`
				ProducerAdapterName       string         `json:"producer_adapter_name"`
				ProducerAdapterType       string         `json:"producer_adapter_type"`
				ProducerAdapterInstanceID string         `json:"producer_adapter_instance_id"`
				Headers                   []string       `json:"headers"`
				Records                   []store.Record `json:"records"`
				Subscribers               []string       `json:"subscribers"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode write request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.InterfaceName == "" || req.ProducerAdapterName == "" {
				http.Error(w, "Missing interface_name or producer_adapter_name", http.StatusBadRequest)
				return
			}

			start := time.Now()
			results, err := messages.Write(r.Context(), store.WriteRequest{
				InterfaceName:             req.InterfaceName,
				ProducerAdapterName:       req.ProducerAdapterName,
				ProducerAdapterType:       req.ProducerAdapterType,
				ProducerAdapterInstanceID: req.ProducerAdapterInstanceID,
				Headers:                   req.Headers,
				Records:                   req.Records,
			})
			if err != nil {
				logger.Error("Failed to write messages", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			// Bind the enabled destinations at write time; the insert is
			// idempotent so repeated writes cannot double-subscribe.
			type resultOut struct {
				MessageID int64  `json:"message_id"`
				Dedup     bool   `json:"dedup"`
				Error     string `json:"error,omitempty"`
			}
			out := make([]resultOut, 0, len(results))
			written := 0
			for _, res := range results {
				if res.Err != nil {
					out = append(out, resultOut{Error: res.Err.Error()})
					continue
				}
				for _, subscriber := range req.Subscribers {
					if err := tracker.Subscribe(r.Context(), res.MessageID, req.InterfaceName, subscriber); err != nil {
						logger.Error("Failed to create subscription", zap.Error(err),
							zap.Int64("message_id", res.MessageID), zap.String("subscriber", subscriber))
						http.Error(w, err.Error(), http.StatusInternalServerError)
						return
					}
				}
				if res.Dedup {
					boxMetrics.DedupTotal.WithLabelValues(req.InterfaceName).Inc()
				} else {
					written++
				}
				out = append(out, resultOut{MessageID: res.MessageID, Dedup: res.Dedup})
			}
			boxMetrics.WriteTotal.WithLabelValues(req.InterfaceName).Add(float64(written))

			notifier.Notify(store.AdapterInfo{
				Name:       req.ProducerAdapterName,
				Type:       req.ProducerAdapterType,
				InstanceID: req.ProducerAdapterInstanceID,
				Direction:  "producer",
				LastSeen:   time.Now(),
			})

			if err := json.NewEncoder(w).Encode(out); err != nil {
				logger.Error("Failed to encode write response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
				return
			}
			logger.Info("Wrote messages", zap.Int("count", len(out)), zap.Duration("duration", time.Since(start)))
		})

		r.Get("/messages/pending", func(w http.ResponseWriter, r *http.Request) {
			interfaceName := r.URL.Query().Get("interface")
			if interfaceName == "" {
				http.Error(w, "Missing interface", http.StatusBadRequest)
				return
			}
			msgs, err := messages.ReadPending(r.Context(), interfaceName,
				r.URL.Query().Get("status"), queryLimit(r, cfg.ReadBatchSize))
			if err != nil {
				logger.Error("Failed to read pending messages", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, msgs)
		})

		r.Get("/messages/retryable", func(w http.ResponseWriter, r *http.Request) {
			interfaceName := r.URL.Query().Get("interface")
			if interfaceName == "" {
				http.Error(w, "Missing interface", http.StatusBadRequest)
				return
			}
			minDelay := time.Duration(0)
			if raw := r.URL.Query().Get("min_delay"); raw != "" {
				d, err := time.ParseDuration(raw)
				if err != nil {
					http.Error(w, "Invalid min_delay", http.StatusBadRequest)
					return
				}
				minDelay = d
			}
			msgs, err := messages.ReadRetryable(r.Context(), interfaceName, minDelay, queryLimit(r, cfg.ReadBatchSize))
			if err != nil {
				logger.Error("Failed to read retryable messages", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, msgs)
		})

		r.Get("/messages/deadletters", func(w http.ResponseWriter, r *http.Request) {
			msgs, err := messages.ReadDeadLetters(r.Context(), r.URL.Query().Get("interface"), queryLimit(r, 10))
			if err != nil {
				logger.Error("Failed to read dead letters", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, msgs)
		})

		r.Get("/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			msg, err := messages.Get(r.Context(), msgID)
			if err != nil {
				respondStoreError(w, logger, err)
				return
			}
			writeJSON(w, logger, msg)
		})

		r.Post("/messages/{id}/lease", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req struct {
				Duration string `json:"duration"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			duration := cfg.LeaseTTL
			if req.Duration != "" {
				d, err := time.ParseDuration(req.Duration)
				if err != nil {
					http.Error(w, "Invalid duration", http.StatusBadRequest)
					return
				}
				duration = d
			}
			granted, err := messages.AcquireLease(r.Context(), msgID, duration)
			if err != nil {
				respondStoreError(w, logger, err)
				return
			}
			if granted {
				boxMetrics.LeaseGranted.WithLabelValues("api").Inc()
			} else {
				boxMetrics.LeaseContention.WithLabelValues("api").Inc()
			}
			writeJSON(w, logger, map[string]bool{"granted": granted})
		})

		r.Post("/messages/{id}/release", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req struct {
				RevertStatus string `json:"revert_status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := messages.ReleaseLease(r.Context(), msgID, req.RevertStatus); err != nil {
				respondStoreError(w, logger, err)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Post("/messages/{id}/processed", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req struct {
				Details string `json:"details"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := messages.MarkProcessed(r.Context(), msgID, req.Details); err != nil {
				respondStoreError(w, logger, err)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Post("/messages/{id}/error", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			msg, err := messages.Get(r.Context(), msgID)
			if err != nil {
				respondStoreError(w, logger, err)
				return
			}
			status, err := retryManager.Fail(r.Context(), msg, req.Error)
			if err != nil {
				respondStoreError(w, logger, err)
				return
			}
			writeJSON(w, logger, map[string]string{"status": status})
		})

		r.Post("/messages/{id}/deadletter", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req struct {
				Reason string `json:"reason"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := messages.MoveToDeadLetter(r.Context(), msgID, req.Reason); err != nil {
				respondStoreError(w, logger, err)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Post("/leases/reclaim", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Timeout string `json:"timeout"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			timeout := cfg.SweepTimeout
			if req.Timeout != "" {
				d, err := time.ParseDuration(req.Timeout)
				if err != nil {
					http.Error(w, "Invalid timeout", http.StatusBadRequest)
					return
				}
				timeout = d
			}
			count, err := messages.ReclaimStaleLeases(r.Context(), timeout)
			if err != nil {
				logger.Error("Failed to reclaim stale leases", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			boxMetrics.ReclaimedTotal.Add(float64(count))
			writeJSON(w, logger, map[string]int64{"reclaimed": count})
		})

		r.Post("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				MessageID      int64  `json:"message_id"`
				InterfaceName  string `json:"interface_name"`
				SubscriberName string `json:"subscriber_name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.SubscriberName == "" {
				http.Error(w, "Missing subscriber_name", http.StatusBadRequest)
				return
			}
			if err := tracker.Subscribe(r.Context(), req.MessageID, req.InterfaceName, req.SubscriberName); err != nil {
				logger.Error("Failed to create subscription", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Get("/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			list, err := subs.ListForMessage(r.Context(), msgID)
			if err != nil {
				logger.Error("Failed to list subscriptions", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, list)
		})

		r.Get("/subscriptions/{id}/pending", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			pending, err := tracker.PendingSubscribers(r.Context(), msgID)
			if err != nil {
				logger.Error("Failed to list pending subscribers", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, pending)
		})

		r.Get("/subscriptions/{id}/drained", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			drained, err := tracker.Drained(r.Context(), msgID)
			if err != nil {
				logger.Error("Failed to run drain check", zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, logger, map[string]bool{"drained": drained})
		})

		r.Post("/subscriptions/{id}/{subscriber}/processed", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req struct {
				Details string `json:"details"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := tracker.Complete(r.Context(), msgID, chi.URLParam(r, "subscriber"), req.Details); err != nil {
				respondStoreError(w, logger, err)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Post("/subscriptions/{id}/{subscriber}/error", func(w http.ResponseWriter, r *http.Request) {
			msgID, ok := pathID(w, r)
			if !ok {
				return
			}
			var req struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := tracker.Fail(r.Context(), msgID, chi.URLParam(r, "subscriber"), req.Error); err != nil {
				respondStoreError(w, logger, err)
				return
			}
			w.Write([]byte("OK"))
		})
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	msgID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid message id", http.StatusBadRequest)
		return 0, false
	}
	return msgID, true
}

func queryLimit(r *http.Request, def int) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		return def
	}
	return limit
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func respondStoreError(w http.ResponseWriter, logger *log.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Error("Store operation failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
