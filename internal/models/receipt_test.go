package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReceipt_LocalCaptureTime(t *testing.T) {
	r := Receipt{
		CapturedAt: time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC),
		Timezone:   "America/Toronto",
	}

	local := r.LocalCaptureTime()
	assert.Equal(t, 1, local.Day(), "03:30 UTC is the previous evening in Toronto")
	assert.Equal(t, time.March, local.Month())
}

func TestReceipt_Location_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		tz   string
	}{
		{"empty", ""},
		{"unknown", "Mars/Olympus_Mons"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Receipt{Timezone: tt.tz}
			assert.Equal(t, time.UTC, r.Location())
		})
	}
}

func TestReceipt_LifecyclePredicates(t *testing.T) {
	tests := []struct {
		status    SyncStatus
		pending   bool
		unindexed bool
	}{
		{SyncStatusLocal, true, false},
		{SyncStatusSynced, true, true},
		{SyncStatusIndexed, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			r := Receipt{SyncStatus: tt.status}
			assert.Equal(t, tt.pending, r.Pending())
			assert.Equal(t, tt.unindexed, r.Unindexed())
		})
	}
}

func TestIntegrityAlert_Key(t *testing.T) {
	a := IntegrityAlert{ID: "x", Type: AlertOrphanEntry, Path: "Receipts/CA/2026/01/02/a.jpg"}
	b := IntegrityAlert{ID: "y", Type: AlertOrphanEntry, Path: "Receipts/CA/2026/01/02/a.jpg"}
	c := IntegrityAlert{ID: "x", Type: AlertChecksumMismatch, Path: "Receipts/CA/2026/01/02/a.jpg"}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
