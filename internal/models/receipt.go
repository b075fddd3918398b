// Package models defines types shared across internal packages.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncStatus is the sync lifecycle stage of a local receipt. A receipt that
// is synced but not indexed has its image stored remotely while the remote
// day index does not yet reference it.
type SyncStatus string

const (
	SyncStatusLocal   SyncStatus = "local"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusIndexed SyncStatus = "indexed"
)

// Receipt is one captured purchase record. Everything except the sync
// lifecycle fields (SyncStatus, UploadedAt, IndexedAt, RemotePath) is
// immutable once inserted.
type Receipt struct {
	ID                 string          `json:"receipt_id"`
	CapturedAt         time.Time       `json:"captured_at"`
	Timezone           string          `json:"timezone"`
	Filename           string          `json:"filename"`
	Amount             decimal.Decimal `json:"amount_tracked"`
	Currency           string          `json:"currency_code"`
	Region             string          `json:"region"`
	Category           string          `json:"category"`
	Notes              string          `json:"notes"`
	Checksum           string          `json:"checksum_sha256"`
	DeviceID           string          `json:"device_id"`
	CaptureSessionID   string          `json:"capture_session_id"`
	Source             string          `json:"source"`
	SupersedesFilename string          `json:"supersedes_filename,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`

	SyncStatus SyncStatus `json:"sync_status"`
	UploadedAt time.Time  `json:"uploaded_at,omitzero"`
	IndexedAt  time.Time  `json:"indexed_at,omitzero"`
	RemotePath string     `json:"remote_path,omitempty"`
}

// Location returns the receipt's capture timezone, falling back to UTC
// when the stored name is empty or unknown.
func (r *Receipt) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}

	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

// LocalCaptureTime returns the capture timestamp in the receipt's own
// timezone. Folder placement uses this so a receipt captured late in the
// evening lands on the day the user saw, not the UTC day.
func (r *Receipt) LocalCaptureTime() time.Time {
	return r.CapturedAt.In(r.Location())
}

// Unindexed reports whether the image reached remote storage but the day
// index entry was never committed.
func (r *Receipt) Unindexed() bool {
	return r.SyncStatus == SyncStatusSynced
}

// Pending reports whether the receipt still needs work from the sync engine.
func (r *Receipt) Pending() bool {
	return r.SyncStatus != SyncStatusIndexed
}
