/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the ops console
  5. Actor:      X-Actor header into the request context for the audit log

ROUTE GROUPS:
  /healthz              Liveness and database ping
  /metrics              Prometheus exposition (when configured)
  /api/companies/*      Company management and pending approvals
  /api/drivers/*        Drivers, earnings, limits, ledger, requests, payrolls
  /api/advances/*       Advance lifecycle transitions
  /api/payrolls/*       Payroll processing and overrides
  /api/batch/*          Daily batch and SLA check
  /api/holidays/*       Payout calendar
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/advance-engine/engine"
)

// ActorHeader names the operator recorded in the audit log.
const ActorHeader = "X-Actor"

// NewRouter creates a new router with all routes configured. An empty
// corsOrigins allows any origin.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
	}))
	r.Use(actorMiddleware)

	r.Get("/healthz", h.Healthz)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/companies", func(r chi.Router) {
			r.Get("/", h.ListCompanies)
			r.Post("/", h.CreateCompany)
			r.Get("/{id}", h.GetCompany)
			r.Get("/{id}/advances/pending", h.ListPendingAdvances)
		})

		r.Route("/drivers", func(r chi.Router) {
			r.Get("/", h.ListDrivers)
			r.Post("/", h.CreateDriver)
			r.Get("/{id}", h.GetDriver)
			r.Post("/{id}/earnings", h.RecordEarning)
			r.Get("/{id}/limit", h.GetLimit)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Post("/{id}/advances", h.RequestAdvance)
			r.Post("/{id}/payrolls", h.PlanPayroll)
		})

		r.Route("/advances/{id}", func(r chi.Router) {
			r.Get("/", h.GetAdvance)
			r.Post("/approve", h.ApproveAdvance)
			r.Post("/reject", h.RejectAdvance)
			r.Post("/payout-instructed", h.MarkPayoutInstructed)
			r.Post("/paid", h.MarkPaid)
			r.Post("/write-off", h.WriteOffAdvance)
			r.Get("/audit", h.GetAdvanceAudit)
		})

		r.Route("/payrolls/{id}", func(r chi.Router) {
			r.Get("/", h.GetPayroll)
			r.Post("/process", h.ProcessPayroll)
			r.Post("/override", h.OverrideCollection)
			r.Get("/audit", h.GetPayrollAudit)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.ListNotifications)
			r.Post("/read", h.MarkNotificationsRead)
		})
		r.Get("/metrics/monthly", h.ListMonthlyMetrics)
		r.Get("/billing/preview", h.BillingPreview)

		r.Route("/batch", func(r chi.Router) {
			r.Post("/run", h.RunBatch)
			r.Post("/sla", h.RunSLACheck)
			r.Get("/last", h.LastBatchReport)
		})

		r.Route("/holidays", func(r chi.Router) {
			r.Post("/", h.CreateHoliday)
			r.Get("/{date}", h.GetHoliday)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			r = r.WithContext(engine.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
