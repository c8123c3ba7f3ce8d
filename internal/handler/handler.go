// Package handler serves the admin HTTP API of a coordinating node.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/obot-platform/rdbcoord/internal/coordination"
	"github.com/obot-platform/rdbcoord/internal/events"
	"github.com/obot-platform/rdbcoord/internal/logger"
	"github.com/obot-platform/rdbcoord/internal/metrics"
	"github.com/obot-platform/rdbcoord/internal/model"
)

// Cluster is the view of the local node the API reports on.
type Cluster interface {
	NodeID() string
	GroupID() string
	Role() coordination.NodeState
	IsUnresponsive() bool
	GetLeaderNode(ctx context.Context) (*model.NodeDetail, error)
	GetAllNodeDetails(ctx context.Context) ([]model.NodeDetail, error)
}

// Handler contains all HTTP handlers
type Handler struct {
	cluster  Cluster
	broker   *events.Broker
	metrics  *metrics.Registry
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// New creates a Handler. broker and m may be nil, which disables the event
// stream and /metrics respectively.
func New(cluster Cluster, broker *events.Broker, m *metrics.Registry, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		cluster: cluster,
		broker:  broker,
		metrics: m,
		log:     log.Named("http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are enforced by the CORS layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the router. corsOrigins lists the allowed browser origins.
func (h *Handler) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(h.log.Middleware)
	r.Use(h.metrics.Middleware)
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/cluster", func(r chi.Router) {
		r.Get("/", h.GetClusterStatus)
		r.Get("/nodes", h.ListNodes)
		r.Get("/leader", h.GetLeader)
		if h.broker != nil {
			r.Get("/events", h.StreamEvents)
		}
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	return r
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
