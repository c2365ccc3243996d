package httpapi

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fanlume/pointscore/internal/core/auth"
	"github.com/fanlume/pointscore/internal/transport/httpapi/handler"
	"github.com/fanlume/pointscore/internal/transport/httpapi/middleware"
	"github.com/fanlume/pointscore/pkg/logger"
)

// RoleService marks service-to-service callers allowed to move points
const RoleService = "service"

// RoleOperator marks humans allowed at the admin surface
const RoleOperator = "operator"

// Config holds router configuration
type Config struct {
	Logger             *logger.Logger
	AllowedOrigins     []string
	WebhookSecret      string
	EscrowHandler      *handler.EscrowHandler
	BalanceHandler     *handler.BalanceHandler
	LedgerHandler      *handler.LedgerHandler
	ReservationHandler *handler.ReservationHandler
	AdminHandler       *handler.AdminHandler
	WebhookHandler     *handler.WebhookHandler
	HealthHandler      *handler.HealthHandler
	IdentityVerifier   *auth.IdentityVerifier
}

// NewRouter creates a new HTTP router
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimiddleware.Compress(5))
	r.Use(middleware.RateLimit()) // Rate limiting: 100 req/s with burst of 20

	// Health check endpoints (no authentication required)
	r.Get("/health", handler.GetHealth)
	r.Get("/health/live", handler.GetLiveness)
	if cfg.HealthHandler != nil {
		r.Get("/health/ready", cfg.HealthHandler.GetReadiness)
		r.Get("/health/detailed", cfg.HealthHandler.GetHealthDetailed)
	}

	r.Handle("/metrics", promhttp.Handler())

	// Webhook intake: HMAC-signed, no identity token
	if cfg.WebhookHandler != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.WebhookSignature(cfg.WebhookSecret))
			r.Post("/webhooks/events", cfg.WebhookHandler.ReceiveEvent)
		})
	}

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.IdentityVerifier == nil {
			return
		}
		r.Use(middleware.IdentityAuth(cfg.IdentityVerifier))

		// Escrow lifecycle. Settlement-family operations additionally
		// require a capability token, checked in the handler.
		if cfg.EscrowHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(RoleService))
				r.Post("/escrow/hold", cfg.EscrowHandler.Hold)
				r.Post("/escrow/{id}/settle", cfg.EscrowHandler.Settle)
				r.Post("/escrow/{id}/refund", cfg.EscrowHandler.Refund)
				r.Post("/escrow/{id}/partial-settle", cfg.EscrowHandler.PartialSettle)
			})
			r.Get("/escrow/{id}", cfg.EscrowHandler.GetEscrow)
		}

		// Balance reads
		if cfg.BalanceHandler != nil {
			r.Get("/users/{id}/balance", cfg.BalanceHandler.GetUserBalance)
			r.Get("/models/{id}/balance", cfg.BalanceHandler.GetModelBalance)
		}

		// Reservations
		if cfg.ReservationHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(RoleService))
				r.Post("/reservations", cfg.ReservationHandler.Reserve)
				r.Post("/reservations/{id}/commit", cfg.ReservationHandler.Commit)
				r.Post("/reservations/{id}/release", cfg.ReservationHandler.Release)
			})
			r.Get("/reservations/{id}", cfg.ReservationHandler.GetReservation)
		}

		// Ledger reads
		if cfg.LedgerHandler != nil {
			r.Route("/ledger", func(r chi.Router) {
				r.Get("/entries", cfg.LedgerHandler.QueryEntries)
				r.Get("/entries/{id}", cfg.LedgerHandler.GetEntry)
				r.Get("/transactions/{id}", cfg.LedgerHandler.GetAuditTrail)
				r.Get("/accounts/{id}/snapshot", cfg.LedgerHandler.GetBalanceSnapshot)
				r.Get("/accounts/{id}/reconciliation", cfg.LedgerHandler.GetReconciliation)
			})
		}

		// Operator surface
		if cfg.AdminHandler != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(RoleOperator))
				r.Get("/dlq", cfg.AdminHandler.ListDLQ)
				r.Post("/dlq/replay", cfg.AdminHandler.ReplayDLQ)
			})
		}
	})

	return r
}
