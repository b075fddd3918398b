// Package mcpserver registers MCP tools that expose the sync engine and
// its local state. It adapts them to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/alexjbarnes/receipt-sync/internal/syncengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
)

// defaultPendingLimit caps list_pending when no limit is given.
const defaultPendingLimit = 50

// Engine is the sync engine surface the tools drive.
type Engine interface {
	SyncAll(ctx context.Context) syncengine.SyncResult
	SyncBatch(ctx context.Context, ids []string, progress func(current, total int)) syncengine.SyncResult
	CancelSync()
	Status() syncengine.Status
}

// Store is the local state the tools read.
type Store interface {
	PendingReceipts() ([]models.Receipt, error)
	Alerts(includeDismissed bool) ([]models.IntegrityAlert, error)
	DismissAlert(id string) error
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, engine Engine, store Store) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Current sync engine state: idle, syncing, error or offline, with pending and failed counts, progress of a running cycle and the last cycle's result.",
	}, statusHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a sync cycle and return its counts. With receipt_ids only those receipts are uploaded; without, every pending receipt is uploaded and receipts from other devices are downloaded. Returns zero counts when a cycle is already running.",
	}, syncNowHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_cancel",
		Description: "Stop the running sync cycle after the receipt currently in flight.",
	}, cancelHandler(engine))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_pending",
		Description: "List receipts that are not yet indexed remotely, oldest capture first. Receipts whose image was uploaded but whose index entry is missing are flagged unindexed.",
	}, listPendingHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_alerts",
		Description: "List integrity alerts found while walking remote storage, such as index entries without an image or images whose checksum does not match.",
	}, listAlertsHandler(store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dismiss_alert",
		Description: "Dismiss an integrity alert by ID. Dismissed alerts are kept but hidden from list_alerts by default.",
	}, dismissAlertHandler(store))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// SyncNowInput holds parameters for sync_now.
type SyncNowInput struct {
	ReceiptIDs []string `json:"receipt_ids,omitempty" jsonschema:"receipts to upload, defaults to every pending receipt"`
}

// CancelInput has no parameters.
type CancelInput struct{}

// ListPendingInput holds parameters for list_pending.
type ListPendingInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of receipts to return, defaults to 50"`
}

// ListAlertsInput holds parameters for list_alerts.
type ListAlertsInput struct {
	IncludeDismissed bool `json:"include_dismissed,omitempty" jsonschema:"include dismissed alerts"`
}

// DismissAlertInput holds parameters for dismiss_alert.
type DismissAlertInput struct {
	ID string `json:"id" jsonschema:"required,alert ID from list_alerts"`
}

// --- Results ---

// PendingReceipt is the list_pending view of a receipt.
type PendingReceipt struct {
	ID         string          `json:"receipt_id"`
	CapturedAt string          `json:"captured_at"`
	Filename   string          `json:"filename"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     string          `json:"sync_status"`
	Unindexed  bool            `json:"unindexed,omitempty"`
	RemotePath string          `json:"remote_path,omitempty"`
}

// PendingResult is returned by list_pending.
type PendingResult struct {
	Total     int              `json:"total"`
	Receipts  []PendingReceipt `json:"receipts"`
	Truncated bool             `json:"truncated,omitempty"`
}

// AlertsResult is returned by list_alerts.
type AlertsResult struct {
	Alerts []models.IntegrityAlert `json:"alerts"`
}

// DismissResult is returned by dismiss_alert.
type DismissResult struct {
	ID        string `json:"id"`
	Dismissed bool   `json:"dismissed"`
}

// --- Handlers ---

func statusHandler(engine Engine) mcp.ToolHandlerFor[StatusInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, any, error) {
		return textResult(engine.Status()), nil, nil
	}
}

func syncNowHandler(engine Engine) mcp.ToolHandlerFor[SyncNowInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SyncNowInput) (*mcp.CallToolResult, any, error) {
		// The cycle runs to completion even if the client goes away.
		ctx = context.WithoutCancel(ctx)

		var result syncengine.SyncResult
		if len(input.ReceiptIDs) > 0 {
			result = engine.SyncBatch(ctx, input.ReceiptIDs, nil)
		} else {
			result = engine.SyncAll(ctx)
		}

		return textResult(result), nil, nil
	}
}

func cancelHandler(engine Engine) mcp.ToolHandlerFor[CancelInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ CancelInput) (*mcp.CallToolResult, any, error) {
		engine.CancelSync()
		return textResult(engine.Status()), nil, nil
	}
}

func listPendingHandler(store Store) mcp.ToolHandlerFor[ListPendingInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListPendingInput) (*mcp.CallToolResult, any, error) {
		receipts, err := store.PendingReceipts()
		if err != nil {
			return nil, nil, fmt.Errorf("listing pending receipts: %w", err)
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultPendingLimit
		}

		result := PendingResult{Total: len(receipts), Receipts: []PendingReceipt{}}

		for i := range receipts {
			if i == limit {
				result.Truncated = true
				break
			}

			r := &receipts[i]
			result.Receipts = append(result.Receipts, PendingReceipt{
				ID:         r.ID,
				CapturedAt: r.LocalCaptureTime().Format(time.RFC3339),
				Filename:   r.Filename,
				Amount:     r.Amount,
				Currency:   r.Currency,
				Status:     string(r.SyncStatus),
				Unindexed:  r.Unindexed(),
				RemotePath: r.RemotePath,
			})
		}

		return textResult(result), nil, nil
	}
}

func listAlertsHandler(store Store) mcp.ToolHandlerFor[ListAlertsInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListAlertsInput) (*mcp.CallToolResult, any, error) {
		alerts, err := store.Alerts(input.IncludeDismissed)
		if err != nil {
			return nil, nil, fmt.Errorf("listing alerts: %w", err)
		}

		if alerts == nil {
			alerts = []models.IntegrityAlert{}
		}

		return textResult(AlertsResult{Alerts: alerts}), nil, nil
	}
}

func dismissAlertHandler(store Store) mcp.ToolHandlerFor[DismissAlertInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input DismissAlertInput) (*mcp.CallToolResult, any, error) {
		if input.ID == "" {
			return nil, nil, fmt.Errorf("id is required")
		}

		if err := store.DismissAlert(input.ID); err != nil {
			return nil, nil, err
		}

		return textResult(DismissResult{ID: input.ID, Dismissed: true}), nil, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
