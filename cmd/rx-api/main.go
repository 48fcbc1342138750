// Package main provides the prescription and dispensing API entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/api"
	"github.com/drfirst/go-rxdispense/internal/api/middleware"
	"github.com/drfirst/go-rxdispense/internal/config"
	"github.com/drfirst/go-rxdispense/internal/domain/catalog"
	"github.com/drfirst/go-rxdispense/internal/domain/dispensing"
	"github.com/drfirst/go-rxdispense/internal/domain/inventory"
	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxdispense/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxdispense/internal/notify"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
	"github.com/drfirst/go-rxdispense/internal/observability/tracing"
	"github.com/drfirst/go-rxdispense/internal/patient"
	"github.com/drfirst/go-rxdispense/pkg/circuitbreaker"
	"github.com/drfirst/go-rxdispense/pkg/lock"
)

const version = "1.0.0"

const (
	expirySweepInterval  = 5 * time.Minute
	breakerPollInterval  = 15 * time.Second
	rateLimiterIdleAfter = 10 * time.Minute
)

func main() {
	cfg, err := config.Load("rx-api", os.Getenv("CONFIG_FILE"))
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
		ServiceVersion: version,
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
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	breakers := circuitbreaker.NewManager(logger)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = cfg.ServiceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	notifier := notify.Multi{
		notify.NewLogNotifier(logger),
		notify.NewKafkaNotifier(producer, m, logger),
	}

	patients, err := newPatientDirectory(cfg, breakers, logger)
	if err != nil {
		logger.Fatal("patient directory", zap.Error(err))
	}

	locks, closeLocks, err := newLocker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("lock backend", zap.Error(err))
	}
	defer closeLocks()

	medicines := catalog.NewService(catalog.NewPostgresRepository(pool, logger), catalog.ServiceConfig{
		CacheTTL:        cfg.CatalogCacheTTL,
		CleanupInterval: 2 * cfg.CatalogCacheTTL,
	}, logger)

	ledger := inventory.NewLedger(inventory.NewPostgresStore(pool, logger), medicines, inventory.DefaultLedgerConfig(), logger)

	signer, err := prescription.NewSigner(cfg.QRCodeSecret)
	if err != nil {
		logger.Fatal("credential signer", zap.Error(err))
	}

	engine, err := prescription.NewEngine(prescription.Dependencies{
		Store:    prescription.NewRepository(pool, logger),
		Catalog:  medicines,
		Patients: patients,
		Signer:   signer,
		Notifier: notifier,
		Metrics:  m,
	}, prescription.EngineConfig{
		DefaultValidity: cfg.DefaultValidity(),
		MaxRefills:      cfg.MaxRefills,
		Now:             time.Now,
	}, logger)
	if err != nil {
		logger.Fatal("prescription engine", zap.Error(err))
	}

	coordinator, err := dispensing.NewCoordinator(dispensing.Dependencies{
		Prescriptions: engine,
		Stock:         ledger,
		Medicines:     medicines,
		Locks:         locks,
		Notifier:      notifier,
		Metrics:       m,
	}, dispensing.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("dispensing coordinator", zap.Error(err))
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	router := api.NewRouter(api.Dependencies{
		Catalog:       medicines,
		Prescriptions: engine,
		Dispenser:     coordinator,
		Ledger:        ledger,
		JWT:           middleware.JWTConfig{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer},
		RateLimiter:   limiter,
		CORSOrigins:   cfg.CORSOrigins,
		Metrics:       metrics.HandlerFor(reg),
		Ready:         []api.Pinger{pool, producer},
		ServiceName:   cfg.ServiceName,
		Version:       version,
		Logger:        logger,
	})

	go runEvery(ctx, expirySweepInterval, func() {
		n, err := engine.ExpireDue(ctx, time.Now())
		if err != nil {
			logger.Error("expiry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("expired prescriptions", zap.Int("count", n))
		}
	})
	go runEvery(ctx, breakerPollInterval, func() {
		for _, s := range breakers.HealthStatus() {
			m.SetBreakerState(s.Name, s.State.Ordinal())
		}
	})
	if limiter != nil {
		go runEvery(ctx, rateLimiterIdleAfter, func() { limiter.Prune(rateLimiterIdleAfter) })
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := producer.Flush(shutdownCtx); err != nil {
			logger.Warn("producer flush failed", zap.Error(err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting rx API", zap.String("port", cfg.Port), zap.String("version", version))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// newPatientDirectory prefers the patient record service and falls back to a
// local file in development.
func newPatientDirectory(cfg *config.Config, breakers *circuitbreaker.Manager, logger *zap.Logger) (patient.Directory, error) {
	switch {
	case cfg.PatientServiceURL != "":
		return patient.NewHTTPDirectory(patient.DefaultHTTPConfig(cfg.PatientServiceURL), breakers, logger)
	case cfg.PatientsFile != "":
		return patient.LoadStaticDirectory(cfg.PatientsFile)
	case cfg.IsDev():
		logger.Warn("no patient source configured, every patient lookup will fail")
		return patient.NewStaticDirectory(), nil
	default:
		return nil, errors.New("PATIENT_SERVICE_URL or PATIENTS_FILE is required")
	}
}

// newLocker uses Redis when configured so that several API replicas serialize
// dispenses of the same prescription.
func newLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lock.NewLocal(), func() {}, nil
	}
	r, err := lock.NewRedis(ctx, lock.DefaultRedisConfig(cfg.RedisURL), logger)
	if err != nil {
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}, nil
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
