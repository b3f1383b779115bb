// Package api exposes the auction engine over HTTP. Callers are identified
// by the X-User-ID header set by the authenticating proxy in front of the
// service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/agrimarket/treelot/internal/auction"
	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/event"
	"github.com/agrimarket/treelot/internal/health"
)

// UserHeader carries the authenticated caller id.
const UserHeader = "X-User-ID"

// Server holds the HTTP handlers.
type Server struct {
	registry  *auction.Registry
	ledger    *auction.Ledger
	finalizer *auction.Finalizer
	events    event.Store
	health    *health.Handler
	logger    *slog.Logger
	tp        trace.TracerProvider
	clock     clock.Clock
}

// Deps groups the collaborators of a Server.
type Deps struct {
	Registry  *auction.Registry
	Ledger    *auction.Ledger
	Finalizer *auction.Finalizer
	Events    event.Store
	Health    *health.Handler
}

// NewServer returns a new Server.
func NewServer(d Deps, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Server {
	return &Server{
		registry:  d.Registry,
		ledger:    d.Ledger,
		finalizer: d.Finalizer,
		events:    d.Events,
		health:    d.Health,
		logger:    logger,
		tp:        tp,
		clock:     clk,
	}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.health.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.health.ReadinessHandler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(requireUser)

	v1.HandleFunc("/lots", s.createLot).Methods(http.MethodPost)
	v1.HandleFunc("/lots", s.listLots).Methods(http.MethodGet)
	v1.HandleFunc("/lots/{id}", s.getLot).Methods(http.MethodGet)
	v1.HandleFunc("/lots/{id}/publish", s.publishLot).Methods(http.MethodPost)
	v1.HandleFunc("/lots/{id}/close", s.closeLot).Methods(http.MethodPost)
	v1.HandleFunc("/lots/{id}/cancel", s.cancelLot).Methods(http.MethodPost)
	v1.HandleFunc("/lots/{id}/bids", s.lotBids).Methods(http.MethodGet)
	v1.HandleFunc("/lots/{id}/bids", s.submitBid).Methods(http.MethodPost)
	v1.HandleFunc("/lots/{id}/finalize", s.finalizeLot).Methods(http.MethodPost)
	v1.HandleFunc("/lots/{id}/events", s.lotEvents).Methods(http.MethodGet)

	v1.HandleFunc("/events", s.auditEvents).Methods(http.MethodGet)

	v1.HandleFunc("/bids/{id}", s.getBid).Methods(http.MethodGet)
	v1.HandleFunc("/bids/{id}", s.withdrawBid).Methods(http.MethodDelete)
	v1.HandleFunc("/bids/{id}/reject", s.rejectBid).Methods(http.MethodPost)
	v1.HandleFunc("/bids/{id}/cancel", s.cancelBid).Methods(http.MethodPost)

	return otelhttp.NewHandler(r, "treelotd", otelhttp.WithTracerProvider(s.tp))
}
