// Package inbox imports receipt images dropped into a watched directory
// into the local library.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/receipt-sync/internal/folders"
	"github.com/alexjbarnes/receipt-sync/internal/localstore"
	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/alexjbarnes/receipt-sync/internal/naming"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	inboxDirPerm = fs.FileMode(0o755)

	// debounceInterval is how often pending events are checked.
	debounceInterval = 500 * time.Millisecond

	// settleTime is how long a file must be quiet before it is imported,
	// so partially copied files are not picked up.
	settleTime = 300 * time.Millisecond

	// Source is stamped on receipts created by the importer.
	Source = "inbox"
)

// supportedExts are the capture formats accepted from the inbox.
var supportedExts = []string{".jpg", ".jpeg", ".png", ".heic", ".pdf"}

// Store is the receipt persistence the importer needs.
type Store interface {
	FindByChecksum(checksum string) (*models.Receipt, error)
	Insert(r models.Receipt) (bool, error)
}

// Config describes how imported receipts are stamped.
type Config struct {
	// Country is the fallback folder country for receipts without a region.
	Country string

	// Currency applies when no sidecar names one.
	Currency string

	// Location is the capture timezone. Nil means time.Local.
	Location *time.Location

	DeviceID string
}

// Importer turns inbox files into local receipts.
type Importer struct {
	dir     string
	store   Store
	library *localstore.Store
	cfg     Config
	logger  *slog.Logger

	// onImport runs after a batch that imported at least one receipt.
	onImport func()

	newID func() string
}

// New creates an Importer for dir. onImport may be nil.
func New(dir string, store Store, library *localstore.Store, cfg Config, onImport func(), logger *slog.Logger) *Importer {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Importer{
		dir:      dir,
		store:    store,
		library:  library,
		cfg:      cfg,
		logger:   logger,
		onImport: onImport,
		newID:    uuid.NewString,
	}
}

// Supported reports whether name has an accepted capture extension.
func Supported(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	return slices.Contains(supportedExts, strings.ToLower(filepath.Ext(base)))
}

// ImportAll imports every supported file currently in the inbox and
// returns the number of receipts created.
func (im *Importer) ImportAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return 0, fmt.Errorf("reading inbox: %w", err)
	}

	sessionID := uuid.NewString()
	imported := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if entry.IsDir() || !Supported(entry.Name()) {
			continue
		}

		r, err := im.ImportFile(filepath.Join(im.dir, entry.Name()), sessionID)
		if err != nil {
			im.logger.Warn("inbox import failed",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		if r != nil {
			imported++
		}
	}

	im.notify(imported)

	return imported, ctx.Err()
}

// ImportFile imports one inbox file. It returns nil without error when the
// file duplicates an existing receipt; the duplicate is removed from the
// inbox either way.
func (im *Importer) ImportFile(absPath, sessionID string) (*models.Receipt, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	checksum := naming.Checksum(data)

	existing, err := im.store.FindByChecksum(checksum)
	if err != nil {
		return nil, fmt.Errorf("checking for duplicate: %w", err)
	}

	if existing != nil {
		im.logger.Info("duplicate capture discarded",
			slog.String("file", filepath.Base(absPath)),
			slog.String("receipt_id", existing.ID),
		)
		im.cleanup(absPath)

		return nil, nil
	}

	id := im.newID()
	captured := info.ModTime().In(im.cfg.Location)
	now := time.Now().UTC()

	r := models.Receipt{
		ID:               id,
		CapturedAt:       captured.UTC(),
		Timezone:         im.cfg.Location.String(),
		Filename:         naming.Generate(captured, id, filepath.Ext(absPath)),
		Currency:         im.cfg.Currency,
		Checksum:         checksum,
		DeviceID:         im.cfg.DeviceID,
		CaptureSessionID: sessionID,
		Source:           Source,
		SyncStatus:       models.SyncStatusLocal,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	im.applySidecar(absPath, &r)

	day := folders.ForDate(r.LocalCaptureTime(), folders.Country(r.Region, im.cfg.Country))

	if err := im.library.WriteImage(day, r.Filename, data); err != nil {
		return nil, fmt.Errorf("copying into library: %w", err)
	}

	inserted, err := im.store.Insert(r)
	if err != nil {
		return nil, fmt.Errorf("inserting receipt: %w", err)
	}

	if !inserted {
		return nil, fmt.Errorf("receipt %s already exists", r.ID)
	}

	im.cleanup(absPath)

	im.logger.Info("receipt captured from inbox",
		slog.String("receipt_id", r.ID),
		slog.String("filename", r.Filename),
		slog.String("folder", day.Remote()),
	)

	return &r, nil
}

// sidecarPath returns <name>.json next to an inbox file.
func sidecarPath(absPath string) string {
	return strings.TrimSuffix(absPath, filepath.Ext(absPath)) + ".json"
}

// applySidecar copies optional metadata from the sidecar JSON into r.
func (im *Importer) applySidecar(absPath string, r *models.Receipt) {
	raw, err := os.ReadFile(sidecarPath(absPath))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			im.logger.Warn("reading sidecar failed",
				slog.String("file", filepath.Base(absPath)),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	if !gjson.ValidBytes(raw) {
		im.logger.Warn("ignoring malformed sidecar", slog.String("file", filepath.Base(absPath)))
		return
	}

	meta := gjson.ParseBytes(raw)

	if v := meta.Get("amount"); v.Exists() {
		amount, err := decimal.NewFromString(v.String())
		if err != nil {
			im.logger.Warn("ignoring sidecar amount",
				slog.String("file", filepath.Base(absPath)),
				slog.String("amount", v.String()),
			)
		} else {
			r.Amount = amount
		}
	}

	if v := meta.Get("currency").String(); v != "" {
		r.Currency = strings.ToUpper(v)
	}

	r.Region = meta.Get("region").String()
	r.Category = meta.Get("category").String()
	r.Notes = meta.Get("notes").String()
}

func (im *Importer) cleanup(absPath string) {
	for _, p := range []string{absPath, sidecarPath(absPath)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			im.logger.Warn("removing inbox file failed",
				slog.String("file", filepath.Base(p)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (im *Importer) notify(imported int) {
	if imported > 0 && im.onImport != nil {
		im.onImport()
	}
}

// Watch imports files already in the inbox and then every supported file
// that appears, once it has been quiet for settleTime. It blocks until ctx
// is cancelled.
func (im *Importer) Watch(ctx context.Context) error {
	if err := os.MkdirAll(im.dir, inboxDirPerm); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(im.dir); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}

	im.logger.Info("inbox watcher started", slog.String("dir", im.dir))

	if _, err := im.ImportAll(ctx); err != nil && ctx.Err() == nil {
		im.logger.Warn("initial inbox scan failed", slog.String("error", err.Error()))
	}

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !Supported(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			im.logger.Warn("inbox watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			im.flush(pending)
		}
	}
}

// flush imports the pending files that have settled.
func (im *Importer) flush(pending map[string]time.Time) {
	now := time.Now()
	sessionID := ""
	imported := 0

	for p, t := range pending {
		if now.Sub(t) < settleTime {
			continue
		}

		delete(pending, p)

		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		r, err := im.ImportFile(p, sessionID)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				im.logger.Warn("inbox import failed",
					slog.String("file", filepath.Base(p)),
					slog.String("error", err.Error()),
				)
			}

			continue
		}

		if r != nil {
			imported++
		}
	}

	im.notify(imported)
}
