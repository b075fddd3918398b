package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
	"github.com/alexjbarnes/receipt-sync/internal/folders"
	"github.com/alexjbarnes/receipt-sync/internal/index"
	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/alexjbarnes/receipt-sync/internal/naming"
)

// downloadAll walks country, year, month and day folders and imports
// receipts listed in remote day indexes that are missing locally. The
// walk is best effort: a failing folder is logged and skipped.
func (e *Engine) downloadAll(ctx context.Context) int {
	countries, err := e.provider.ListFiles(ctx, folders.RootFolder)
	if err != nil {
		e.walkFailed(folders.RootFolder, err)
		return 0
	}

	downloaded := 0

	for _, country := range countries {
		if !folders.IsCountryFolder(country) {
			continue
		}

		years, err := e.provider.ListFiles(ctx, folders.CountryRoot(country))
		if err != nil {
			e.walkFailed(folders.CountryRoot(country), err)
			continue
		}

		for _, y := range years {
			year, ok := folders.ParseYear(y)
			if !ok {
				continue
			}

			yearFolder := path.Join(folders.CountryRoot(country), y)

			months, err := e.provider.ListFiles(ctx, yearFolder)
			if err != nil {
				e.walkFailed(yearFolder, err)
				continue
			}

			for _, m := range months {
				month, ok := folders.ParseMonth(m)
				if !ok {
					continue
				}

				if e.stopRequested(ctx) {
					return downloaded
				}

				downloaded += e.downloadMonth(ctx, folders.MonthFolder{Country: country, Year: year, Month: month})
			}
		}
	}

	return downloaded
}

func (e *Engine) downloadMonth(ctx context.Context, month folders.MonthFolder) int {
	days, err := e.provider.ListFiles(ctx, month.Remote())
	if err != nil {
		e.walkFailed(month.Remote(), err)
		return 0
	}

	if slices.Contains(days, folders.MonthIndexFile) {
		e.mergeRemoteMonth(ctx, month)
	}

	downloaded := 0

	for _, d := range days {
		if folders.IsQuarantine(d) {
			continue
		}

		day, ok := folders.ParseDay(d)
		if !ok {
			continue
		}

		downloaded += e.downloadDay(ctx, month.Day(day))
	}

	return downloaded
}

// downloadDay imports the receipts of one remote day index that are not
// present locally and folds the remote index into the local one.
func (e *Engine) downloadDay(ctx context.Context, day folders.DayFolder) int {
	folder := day.Remote()

	raw, err := e.provider.DownloadFile(ctx, folder, folders.DayIndexFile)
	if err != nil {
		e.walkFailed(folder, err)
		return 0
	}

	if raw == nil {
		return 0
	}

	remote, err := index.ParseDay(raw)
	if err != nil {
		e.raiseCorruptIndex(folder, err)
		e.walkFailed(folder, err)
		return 0
	}

	downloaded := 0

	for _, entry := range remote.Receipts {
		if entry.ReceiptID == "" {
			continue
		}

		if e.importEntry(ctx, day, entry) {
			downloaded++
		}
	}

	e.mergeLocalDay(day, remote)

	return downloaded
}

// importEntry downloads one receipt image and inserts the receipt locally.
// It reports whether a new receipt was inserted.
func (e *Engine) importEntry(ctx context.Context, day folders.DayFolder, entry index.Entry) bool {
	folder := day.Remote()
	remotePath := path.Join(folder, entry.Filename)

	existing, err := e.store.Get(entry.ReceiptID)
	if err != nil {
		e.logger.Warn("looking up receipt failed",
			slog.String("receipt_id", entry.ReceiptID),
			slog.String("error", err.Error()),
		)

		return false
	}

	if existing != nil {
		return false
	}

	data, err := e.provider.DownloadFile(ctx, folder, entry.Filename)

	switch {
	case errors.Is(err, rserrors.ErrInvalidPath):
		e.raiseAlert(models.AlertInvalidFilename, remotePath,
			fmt.Sprintf("index entry for receipt %s names an invalid file %q", entry.ReceiptID, entry.Filename),
			"Fix the filename in the day index or remove the entry.")

		return false
	case err != nil:
		e.walkFailed(remotePath, err)
		return false
	case data == nil:
		e.raiseAlert(models.AlertOrphanEntry, remotePath,
			fmt.Sprintf("index entry for receipt %s has no image in storage", entry.ReceiptID),
			"Restore the image or remove the entry from the day index.")

		return false
	}

	if entry.Checksum != "" && !strings.EqualFold(naming.Checksum(data), entry.Checksum) {
		e.raiseAlert(models.AlertChecksumMismatch, remotePath,
			fmt.Sprintf("image for receipt %s does not match its recorded checksum", entry.ReceiptID),
			"Re-upload the original image from the capturing device.")

		return false
	}

	if err := e.library.WriteImage(day, entry.Filename, data); err != nil {
		e.logger.Warn("storing downloaded image failed",
			slog.String("remote_path", remotePath),
			slog.String("error", err.Error()),
		)

		return false
	}

	now := e.now().UTC()
	r := entry.Receipt()
	r.SyncStatus = models.SyncStatusIndexed
	r.RemotePath = remotePath
	r.UploadedAt = now
	r.IndexedAt = now

	inserted, err := e.store.Insert(r)
	if err != nil {
		e.logger.Warn("inserting downloaded receipt failed",
			slog.String("receipt_id", r.ID),
			slog.String("error", err.Error()),
		)

		return false
	}

	if inserted {
		e.logger.Info("receipt downloaded",
			slog.String("receipt_id", r.ID),
			slog.String("remote_path", remotePath),
		)
	}

	return inserted
}

// mergeRemoteMonth folds the remote month index into the local copy.
func (e *Engine) mergeRemoteMonth(ctx context.Context, month folders.MonthFolder) {
	raw, err := e.provider.DownloadFile(ctx, month.Remote(), folders.MonthIndexFile)
	if err != nil || raw == nil {
		if err != nil {
			e.walkFailed(month.Remote(), err)
		}

		return
	}

	remote, err := index.ParseMonth(raw, month.Key())
	if err != nil {
		e.walkFailed(month.Remote(), err)
		return
	}

	local, err := e.library.ReadMonthIndex(month)
	if err != nil {
		e.walkFailed(month.Remote(), err)
		return
	}

	if err := e.library.WriteMonthIndex(month, index.MergeMonth(local, remote)); err != nil {
		e.walkFailed(month.Remote(), err)
	}
}

func (e *Engine) raiseAlert(typ models.AlertType, remotePath, description, action string) {
	alert, inserted, err := e.store.SaveAlert(models.IntegrityAlert{
		Type:              typ,
		Path:              remotePath,
		Description:       description,
		RecommendedAction: action,
	})
	if err != nil {
		e.logger.Warn("saving integrity alert failed",
			slog.String("type", string(typ)),
			slog.String("path", remotePath),
			slog.String("error", err.Error()),
		)

		return
	}

	if inserted {
		e.logger.Warn("integrity alert raised",
			slog.String("id", alert.ID),
			slog.String("type", string(typ)),
			slog.String("path", remotePath),
		)
	}
}

// raiseCorruptIndex records a remote day index that does not parse. It is
// never overwritten, so receipts for that day stay unindexed until the file
// is repaired.
func (e *Engine) raiseCorruptIndex(folder string, err error) {
	e.raiseAlert(models.AlertCorruptIndex, path.Join(folder, folders.DayIndexFile),
		fmt.Sprintf("remote day index cannot be parsed: %v", err),
		"Repair or remove the index file; the next sync rebuilds it from local copies.")
}

func (e *Engine) walkFailed(folder string, err error) {
	e.logger.Warn("download walk skipped folder",
		slog.String("folder", folder),
		slog.String("error", err.Error()),
	)
}
