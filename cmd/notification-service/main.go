// Package main provides the notification service entry point. It consumes
// the notifications topic and delivers each event to the configured webhook.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/config"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxdispense/internal/notify"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
	"github.com/drfirst/go-rxdispense/internal/observability/tracing"
	"github.com/drfirst/go-rxdispense/pkg/circuitbreaker"
	"github.com/drfirst/go-rxdispense/pkg/idempotency"
	"github.com/drfirst/go-rxdispense/pkg/workerpool"
)

func main() {
	cfg, err := config.Load("notification-service", os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, logger)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	breakers := circuitbreaker.NewManager(logger)

	dispatcher, err := newDispatcher(cfg, breakers, logger)
	if err != nil {
		logger.Fatal("notification dispatcher", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = cfg.ServiceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()

	relay, err := notify.NewRelay(inbox, dispatcher, producer, workerpool.DefaultConfig(), m, logger)
	if err != nil {
		logger.Fatal("relay creation failed", zap.Error(err))
	}
	relay.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(consumerCfg, relay.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(reg))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		statuses := breakers.HealthStatus()
		code := http.StatusOK
		for _, s := range statuses {
			m.SetBreakerState(s.Name, s.State.Ordinal())
			if !s.Healthy {
				code = http.StatusServiceUnavailable
			}
		}
		if !relay.Healthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service":  cfg.ServiceName,
			"consumer": consumer.Stats(),
			"delivery": relay.Stats(),
			"breakers": statuses,
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			logger.Warn("readiness check failed", zap.String("dependency", "postgres"), zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			logger.Warn("readiness check failed", zap.String("dependency", "redpanda"), zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("notification service started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID))

	<-ctx.Done()
	logger.Info("shutting down")

	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop failed", zap.Error(err))
	}
	if err := relay.Stop(); err != nil {
		logger.Warn("relay stop failed", zap.Error(err))
	}
	inbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("notification service stopped")
}

func newDispatcher(cfg *config.Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (notify.Dispatcher, error) {
	if cfg.NotificationWebhookURL != "" {
		return notify.NewWebhookDispatcher(notify.DefaultWebhookConfig(cfg.NotificationWebhookURL), breakers, logger)
	}
	if !cfg.IsDev() {
		return nil, errors.New("NOTIFICATION_WEBHOOK_URL is required")
	}
	logger.Warn("no webhook configured, notifications are only logged")
	return logDispatcher{notify.NewLogNotifier(logger)}, nil
}

type logDispatcher struct {
	n *notify.LogNotifier
}

func (d logDispatcher) Dispatch(ctx context.Context, e notify.Event) error {
	d.n.Notify(ctx, e)
	return nil
}
