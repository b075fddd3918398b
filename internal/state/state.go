package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the data directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// stateFileName is the database file name inside the data directory.
	stateFileName = "state.db"
)

var (
	receiptsBucket  = []byte("receipts")
	checksumsBucket = []byte("receipt_checksums")
	alertsBucket    = []byte("alerts")
	alertKeysBucket = []byte("alert_keys")
	allBuckets      = [][]byte{receiptsBucket, checksumsBucket, alertsBucket, alertKeysBucket}
)

// State wraps a bbolt database holding receipts and integrity alerts. It
// is the local persistence collaborator of the sync engine.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// Load opens the state database inside dataDir, creating it if needed.
func Load(dataDir string) (*State, error) {
	return LoadAt(filepath.Join(dataDir, stateFileName))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Insert stores a new receipt. A receipt whose ID already exists is left
// untouched and Insert returns false.
func (s *State) Insert(r models.Receipt) (bool, error) {
	if r.ID == "" {
		return false, fmt.Errorf("inserting receipt: empty id")
	}

	if r.SyncStatus == "" {
		r.SyncStatus = models.SyncStatusLocal
	}

	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	inserted := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(receiptsBucket)
		if b.Get([]byte(r.ID)) != nil {
			return nil
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(r.ID), data); err != nil {
			return err
		}

		if r.Checksum != "" {
			if err := tx.Bucket(checksumsBucket).Put(checksumKey(r.Checksum), []byte(r.ID)); err != nil {
				return err
			}
		}

		inserted = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("inserting receipt %s: %w", r.ID, err)
	}

	return inserted, nil
}

// Get returns a receipt by ID, or nil if not found.
func (s *State) Get(id string) (*models.Receipt, error) {
	var r *models.Receipt

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		r, err = getReceipt(tx, id)

		return err
	})

	return r, err
}

// FindByChecksum returns the receipt whose image hashes to checksum, or nil.
func (s *State) FindByChecksum(checksum string) (*models.Receipt, error) {
	var r *models.Receipt

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(checksumsBucket).Get(checksumKey(checksum))
		if id == nil {
			return nil
		}

		var err error
		r, err = getReceipt(tx, string(id))

		return err
	})

	return r, err
}

// PendingReceipts returns every receipt that is not yet indexed remotely,
// oldest capture first.
func (s *State) PendingReceipts() ([]models.Receipt, error) {
	return s.filter(func(r *models.Receipt) bool { return r.Pending() })
}

// AllReceipts returns every stored receipt, oldest capture first.
func (s *State) AllReceipts() ([]models.Receipt, error) {
	return s.filter(func(*models.Receipt) bool { return true })
}

// CountByStatus returns how many receipts are in each sync status.
func (s *State) CountByStatus() (map[models.SyncStatus]int, error) {
	all, err := s.AllReceipts()
	if err != nil {
		return nil, err
	}

	counts := make(map[models.SyncStatus]int)
	for _, r := range all {
		counts[r.SyncStatus]++
	}

	return counts, nil
}

// MarkSynced records that the receipt's image is stored remotely. An
// already indexed receipt keeps its status.
func (s *State) MarkSynced(id, remotePath string) error {
	return s.updateReceipt(id, func(r *models.Receipt) {
		if r.SyncStatus != models.SyncStatusIndexed {
			r.SyncStatus = models.SyncStatusSynced
		}

		if r.UploadedAt.IsZero() {
			r.UploadedAt = s.now().UTC()
		}

		if remotePath != "" {
			r.RemotePath = remotePath
		}
	})
}

// MarkIndexed records that the remote day index references the receipt.
func (s *State) MarkIndexed(id string) error {
	return s.updateReceipt(id, func(r *models.Receipt) {
		now := s.now().UTC()
		r.SyncStatus = models.SyncStatusIndexed
		r.IndexedAt = now

		if r.UploadedAt.IsZero() {
			r.UploadedAt = now
		}
	})
}

// DeleteReceipt removes a receipt and its checksum entry. Deleting a
// missing receipt is not an error.
func (s *State) DeleteReceipt(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		r, err := getReceipt(tx, id)
		if err != nil || r == nil {
			return err
		}

		if r.Checksum != "" {
			cb := tx.Bucket(checksumsBucket)
			if string(cb.Get(checksumKey(r.Checksum))) == id {
				if err := cb.Delete(checksumKey(r.Checksum)); err != nil {
					return err
				}
			}
		}

		return tx.Bucket(receiptsBucket).Delete([]byte(id))
	})
}

func (s *State) updateReceipt(id string, fn func(r *models.Receipt)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		r, err := getReceipt(tx, id)
		if err != nil {
			return err
		}

		if r == nil {
			return fmt.Errorf("receipt %s: %w", id, rserrors.ErrNotFound)
		}

		fn(r)

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return tx.Bucket(receiptsBucket).Put([]byte(id), data)
	})
}

func (s *State) filter(keep func(r *models.Receipt) bool) ([]models.Receipt, error) {
	var out []models.Receipt

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(receiptsBucket).ForEach(func(_, v []byte) error {
			var r models.Receipt
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			if keep(&r) {
				out = append(out, r)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.Before(out[j].CapturedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

func getReceipt(tx *bolt.Tx, id string) (*models.Receipt, error) {
	v := tx.Bucket(receiptsBucket).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	r := &models.Receipt{}
	if err := json.Unmarshal(v, r); err != nil {
		return nil, fmt.Errorf("decoding receipt %s: %w", id, err)
	}

	return r, nil
}

func checksumKey(checksum string) []byte {
	return []byte(strings.ToLower(checksum))
}

// SaveAlert stores an integrity alert unless an alert with the same type
// and path already exists. It returns the stored alert and whether it was
// newly inserted. Existing alerts keep their dismissed and quarantined flags.
func (s *State) SaveAlert(a models.IntegrityAlert) (models.IntegrityAlert, bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}

	stored := a
	inserted := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(alertKeysBucket)
		alerts := tx.Bucket(alertsBucket)

		if existingID := keys.Get([]byte(a.Key())); existingID != nil {
			v := alerts.Get(existingID)
			if v == nil {
				return fmt.Errorf("alert key %s points at missing alert", a.Key())
			}

			return json.Unmarshal(v, &stored)
		}

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		if err := alerts.Put([]byte(a.ID), data); err != nil {
			return err
		}

		inserted = true

		return keys.Put([]byte(a.Key()), []byte(a.ID))
	})
	if err != nil {
		return models.IntegrityAlert{}, false, fmt.Errorf("saving alert: %w", err)
	}

	return stored, inserted, nil
}

// Alerts returns stored alerts, oldest first. Dismissed alerts are only
// included when includeDismissed is set.
func (s *State) Alerts(includeDismissed bool) ([]models.IntegrityAlert, error) {
	var out []models.IntegrityAlert

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(alertsBucket).ForEach(func(_, v []byte) error {
			var a models.IntegrityAlert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			if a.Dismissed && !includeDismissed {
				return nil
			}

			out = append(out, a)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// DismissAlert marks an alert as dismissed.
func (s *State) DismissAlert(id string) error {
	return s.updateAlert(id, func(a *models.IntegrityAlert) { a.Dismissed = true })
}

// QuarantineAlert marks an alert's file as quarantined.
func (s *State) QuarantineAlert(id string) error {
	return s.updateAlert(id, func(a *models.IntegrityAlert) { a.Quarantined = true })
}

func (s *State) updateAlert(id string, fn func(a *models.IntegrityAlert)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(alertsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("alert %s: %w", id, rserrors.ErrNotFound)
		}

		var a models.IntegrityAlert
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}

		fn(&a)

		data, err := json.Marshal(a)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}
