package models

import "time"

// AlertType classifies an integrity finding.
type AlertType string

const (
	AlertOrphanFile       AlertType = "orphan_file"
	AlertOrphanEntry      AlertType = "orphan_entry"
	AlertInvalidFilename  AlertType = "invalid_filename"
	AlertFolderMismatch   AlertType = "folder_mismatch"
	AlertChecksumMismatch AlertType = "checksum_mismatch"
	AlertUnexpectedFile   AlertType = "unexpected_file"
	AlertCorruptIndex     AlertType = "corrupt_index"
)

// IntegrityAlert is a finding about the remote tree. Alerts are only ever
// mutated through dismiss or quarantine and are never deleted automatically.
type IntegrityAlert struct {
	ID                string    `json:"id"`
	Type              AlertType `json:"type"`
	Path              string    `json:"path"`
	Description       string    `json:"description"`
	RecommendedAction string    `json:"recommended_action"`
	Dismissed         bool      `json:"dismissed"`
	Quarantined       bool      `json:"quarantined"`
	CreatedAt         time.Time `json:"created_at"`
}

// Key identifies the finding independent of its ID, so the same problem
// found on two walks maps to one stored alert.
func (a IntegrityAlert) Key() string {
	return string(a.Type) + ":" + a.Path
}
