// Package api assembles the HTTP surface of the prescription service.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/api/handlers"
	"github.com/drfirst/go-rxdispense/internal/api/middleware"
	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the services behind the routes. Metrics and Ready are
// optional.
type Dependencies struct {
	Catalog       handlers.Catalog
	Prescriptions handlers.Prescriptions
	Dispenser     handlers.Dispenser
	Ledger        handlers.Ledger

	JWT         middleware.JWTConfig
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
	Metrics     http.Handler
	Ready       []Pinger

	ServiceName string
	Version     string
	Logger      *zap.Logger
}

const (
	doctor     = prescription.RoleDoctor
	pharmacist = prescription.RolePharmacist
	nurse      = prescription.RoleNurse
	admin      = prescription.RoleAdmin
)

// NewRouter builds the chi router with the global middleware chain, the
// unauthenticated probes and the /api/v1 routes.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "rx-api"
	}

	medicines := handlers.NewMedicineHandler(deps.Catalog, logger)
	rx := handlers.NewPrescriptionHandler(deps.Prescriptions, deps.Dispenser, logger)
	stock := handlers.NewInventoryHandler(deps.Ledger, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(deps.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(deps.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": deps.ServiceName,
			"version": deps.Version,
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, p := range deps.Ready {
			if err := p.Ping(r.Context()); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(deps.JWT))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware)
		}

		r.Route("/medicines", func(r chi.Router) {
			r.Get("/", medicines.Search)
			r.With(middleware.RequireRole(admin, pharmacist)).Post("/", medicines.Register)
			r.With(middleware.RequireRole(doctor, pharmacist, admin)).Post("/interactions", medicines.Interactions)
			r.Get("/{id}", medicines.Get)
		})

		r.Route("/prescriptions", func(r chi.Router) {
			staff := middleware.RequireRole(doctor, pharmacist, admin)

			r.With(middleware.RequireRole(doctor)).Post("/", rx.Create)
			r.With(middleware.RequireRole(pharmacist, doctor, nurse, admin)).Post("/verify", rx.Verify)
			r.Get("/{id}", rx.Get)
			r.With(staff).Get("/{id}/events", rx.GetEvents)
			r.With(staff).Get("/{id}/credential", rx.GetCredential)
			r.With(staff).Get("/{id}/qr", rx.GetQR)
			r.With(staff).Get("/{id}/fhir", rx.GetFHIR)
			r.With(middleware.RequireRole(doctor, admin)).Post("/{id}/cancel", rx.Cancel)
			r.With(middleware.RequireRole(pharmacist)).Post("/{id}/dispense", rx.Dispense)
		})

		r.Route("/inventory", func(r chi.Router) {
			r.With(middleware.RequireRole(pharmacist, admin, doctor)).Get("/medicines/{id}/stock", stock.Stock)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(pharmacist, admin))
				r.Post("/batches", stock.Receive)
				r.Get("/batches/{id}", stock.GetBatch)
				r.Post("/batches/{id}/adjust", stock.Adjust)
				r.Post("/batches/{id}/status", stock.SetStatus)
				r.Get("/expiring", stock.Expiring)
			})
		})
	})

	return r
}
