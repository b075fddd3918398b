package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxBatchBody caps the /sync/batch request body.
const maxBatchBody = 1 << 20

type handlers struct {
	engine Syncer
	alerts AlertStore
	logger *slog.Logger
}

type batchRequest struct {
	ReceiptIDs []string `json:"receipt_ids"`
}

type alertsResponse struct {
	Alerts []models.IntegrityAlert `json:"alerts"`
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// syncAll runs a full cycle and returns its result. The cycle outlives a
// client disconnect; use /sync/cancel to stop it.
func (h *handlers) syncAll(w http.ResponseWriter, r *http.Request) {
	result := h.engine.SyncAll(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) syncBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if len(req.ReceiptIDs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "receipt_ids is required")
		return
	}

	result := h.engine.SyncBatch(context.WithoutCancel(r.Context()), req.ReceiptIDs, nil)
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) cancel(w http.ResponseWriter, _ *http.Request) {
	h.engine.CancelSync()
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	includeDismissed := r.URL.Query().Get("include_dismissed") == "true"

	alerts, err := h.alerts.Alerts(includeDismissed)
	if err != nil {
		h.logger.Error("listing alerts failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "listing alerts failed")

		return
	}

	if alerts == nil {
		alerts = []models.IntegrityAlert{}
	}

	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts})
}

func (h *handlers) dismissAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.alerts.DismissAlert(id)

	switch {
	case errors.Is(err, rserrors.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "alert not found")
	case err != nil:
		h.logger.Error("dismissing alert failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "dismissing alert failed")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// events streams status snapshots over a websocket until the client
// disconnects. The first message is the current snapshot.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	updates, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return

		case status, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}

			if err := wsjson.Write(ctx, conn, status); err != nil {
				h.logger.Debug("event stream closed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
