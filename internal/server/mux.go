// Package server provides the HTTP control API for receipt-sync.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/alexjbarnes/receipt-sync/internal/syncengine"
)

// Syncer is the engine surface exposed over HTTP.
type Syncer interface {
	SyncAll(ctx context.Context) syncengine.SyncResult
	SyncBatch(ctx context.Context, ids []string, progress func(current, total int)) syncengine.SyncResult
	CancelSync()
	Status() syncengine.Status
	Subscribe() (<-chan syncengine.Status, func())
}

// AlertStore lists and dismisses integrity alerts.
type AlertStore interface {
	Alerts(includeDismissed bool) ([]models.IntegrityAlert, error)
	DismissAlert(id string) error
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Engine Syncer
	Alerts AlertStore

	// TokenHash is the bcrypt hash of the bearer token every route
	// requires.
	TokenHash string

	// MCPHandler is mounted at /mcp when non-nil.
	MCPHandler http.Handler

	Logger *slog.Logger
}

// NewMux builds the control API mux. Every route is protected by the
// bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{engine: cfg.Engine, alerts: cfg.Alerts, logger: cfg.Logger}
	authMiddleware := Middleware(cfg.TokenHash, cfg.Logger)

	mux := http.NewServeMux()
	mux.Handle("GET /status", authMiddleware(http.HandlerFunc(h.status)))
	mux.Handle("POST /sync", authMiddleware(http.HandlerFunc(h.syncAll)))
	mux.Handle("POST /sync/batch", authMiddleware(http.HandlerFunc(h.syncBatch)))
	mux.Handle("POST /sync/cancel", authMiddleware(http.HandlerFunc(h.cancel)))
	mux.Handle("GET /alerts", authMiddleware(http.HandlerFunc(h.listAlerts)))
	mux.Handle("POST /alerts/{id}/dismiss", authMiddleware(http.HandlerFunc(h.dismissAlert)))
	mux.Handle("GET /events", authMiddleware(http.HandlerFunc(h.events)))

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	return mux
}
