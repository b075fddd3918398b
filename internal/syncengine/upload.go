package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
	"github.com/alexjbarnes/receipt-sync/internal/folders"
	"github.com/alexjbarnes/receipt-sync/internal/index"
	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/alexjbarnes/receipt-sync/internal/naming"
	"github.com/alexjbarnes/receipt-sync/internal/storage"
)

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeUploaded
	outcomeSkipped

	// outcomeUnindexed means the image is stored remotely but the day
	// index commit failed. The receipt stays synced and a later cycle
	// finishes it.
	outcomeUnindexed

	// outcomeRecovered means an image stored by an earlier cycle was
	// reused and its day index commit now succeeded.
	outcomeRecovered

	// outcomeStillUnindexed means a reused image's index commit failed
	// again. Nothing was uploaded.
	outcomeStillUnindexed

	// outcomeAborted means a backoff wait was interrupted by cancellation.
	outcomeAborted
)

// uploadWithRetry runs the two-step commit for one receipt, retrying with
// exponential backoff. Local filesystem errors are not retried.
func (e *Engine) uploadWithRetry(ctx, sleepCtx context.Context, r models.Receipt) (outcome, error) {
	var lastErr error

	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		out, err := e.uploadReceipt(ctx, r)
		if out == outcomeUnindexed || out == outcomeStillUnindexed {
			return out, err
		}

		if err == nil {
			return out, nil
		}

		lastErr = err

		if isPermanent(err) {
			return outcomeFailed, err
		}

		if attempt == e.cfg.RetryAttempts-1 {
			break
		}

		delay := e.backoff(attempt)
		e.logger.Warn("receipt upload failed, retrying",
			slog.String("receipt_id", r.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		if err := e.sleep(sleepCtx, delay); err != nil {
			if e.cancelled.Load() {
				return outcomeAborted, errCancelled
			}

			return outcomeFailed, fmt.Errorf("waiting to retry: %w", err)
		}
	}

	return outcomeFailed, fmt.Errorf("receipt %s failed after %d attempts: %w", r.ID, e.cfg.RetryAttempts, lastErr)
}

// isPermanent reports errors that a retry cannot fix. A transport error
// the backend did not mark transient (auth, missing bucket) is permanent.
func isPermanent(err error) bool {
	return errors.Is(err, rserrors.ErrLocalImageMissing) ||
		(errors.Is(err, rserrors.ErrTransport) && !storage.IsTransient(err)) ||
		errors.Is(err, rserrors.ErrInvalidPath) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// dayFor returns the folder a receipt belongs in, using its own capture
// timezone and region.
func (e *Engine) dayFor(r models.Receipt) folders.DayFolder {
	return folders.ForDate(r.LocalCaptureTime(), folders.Country(r.Region, e.cfg.Country))
}

// uploadReceipt performs one attempt of the two-step commit:
//
//  1. skip when the remote day index already has the receipt
//  2. ensure the remote folder exists
//  3. upload the image under a free filename
//  4. merge and upload the day index, then mirror it locally
//
// A failure in step 4 after step 3 succeeded leaves the receipt synced but
// not indexed and is reported as outcomeUnindexed along with the commit
// error. Such outcomes are not retried within the cycle.
func (e *Engine) uploadReceipt(ctx context.Context, r models.Receipt) (outcome, error) {
	day := e.dayFor(r)
	folder := day.Remote()

	// The dedup check needs a checksum, so receipts stored without one
	// hash their image first.
	var data []byte

	if r.Checksum == "" {
		var err error

		data, err = e.library.ReadImage(day, r.Filename)
		if err != nil {
			return outcomeFailed, err
		}

		r.Checksum = naming.Checksum(data)
	}

	raw, err := e.provider.DownloadFile(ctx, folder, folders.DayIndexFile)
	if err != nil {
		return outcomeFailed, fmt.Errorf("downloading day index: %w", err)
	}

	if index.PeekDuplicate(raw, r.ID, r.Checksum) {
		return e.markDuplicate(day, r, raw)
	}

	if data == nil {
		data, err = e.library.ReadImage(day, r.Filename)
		if err != nil {
			return outcomeFailed, err
		}
	}

	if err := e.provider.CreateFolder(ctx, folder); err != nil {
		return outcomeFailed, fmt.Errorf("creating remote folder: %w", err)
	}

	listing, err := e.provider.ListFiles(ctx, folder)
	if err != nil {
		return outcomeFailed, fmt.Errorf("listing remote folder: %w", err)
	}

	filename, resumed, err := e.placeImage(ctx, folder, r, data, listing)
	if err != nil {
		return outcomeFailed, err
	}

	remotePath := path.Join(folder, filename)

	if err := e.commitIndex(ctx, day, r, filename); err != nil {
		if markErr := e.store.MarkSynced(r.ID, remotePath); markErr != nil {
			return outcomeFailed, fmt.Errorf("marking receipt synced: %w", markErr)
		}

		e.logger.Warn("image stored but day index commit failed",
			slog.String("receipt_id", r.ID),
			slog.String("remote_path", remotePath),
			slog.Bool("resumed", resumed),
			slog.String("error", err.Error()),
		)

		err = fmt.Errorf("indexing receipt %s: %w", r.ID, err)
		if resumed {
			return outcomeStillUnindexed, err
		}

		return outcomeUnindexed, err
	}

	if resumed {
		e.logger.Info("unindexed receipt recovered",
			slog.String("receipt_id", r.ID),
			slog.String("remote_path", remotePath),
		)

		return outcomeRecovered, nil
	}

	e.logger.Info("receipt uploaded",
		slog.String("receipt_id", r.ID),
		slog.String("remote_path", remotePath),
	)

	return outcomeUploaded, nil
}

// placeImage uploads the image bytes and returns the remote filename. A
// receipt left unindexed by an earlier cycle whose image is still listed
// skips the upload, reuses that name and reports resumed.
func (e *Engine) placeImage(ctx context.Context, folder string, r models.Receipt, data []byte, listing []string) (string, bool, error) {
	if r.Unindexed() && r.RemotePath != "" && path.Dir(r.RemotePath) == folder {
		if name := path.Base(r.RemotePath); slices.Contains(listing, name) {
			e.logger.Info("resuming unindexed receipt",
				slog.String("receipt_id", r.ID),
				slog.String("remote_path", r.RemotePath),
			)

			return name, true, nil
		}
	}

	var recheck naming.Lister
	if !e.cfg.SkipRecheck {
		recheck = func(ctx context.Context) ([]string, error) {
			return e.provider.ListFiles(ctx, folder)
		}
	}

	filename, err := naming.AllocateFilename(ctx, r.Filename, listing, recheck)
	if err != nil {
		return "", false, err
	}

	if err := e.provider.UploadFile(ctx, folder, filename, data); err != nil {
		return "", false, fmt.Errorf("uploading image: %w", err)
	}

	return filename, false, nil
}

// markDuplicate handles a receipt the remote index already lists. Nothing
// is uploaded; the local index picks up the remote entries and the receipt
// is marked indexed so it is not offered again.
func (e *Engine) markDuplicate(day folders.DayFolder, r models.Receipt, raw []byte) (outcome, error) {
	var remotePath string

	if remote, err := index.ParseDay(raw); err == nil {
		entry, ok := remote.Find(r.ID)
		if !ok {
			entry, ok = remote.FindDuplicate(r.ID, r.Checksum)
		}

		if ok {
			remotePath = path.Join(day.Remote(), entry.Filename)
		}

		e.mergeLocalDay(day, remote)
	}

	if err := e.store.MarkSynced(r.ID, remotePath); err != nil {
		return outcomeFailed, fmt.Errorf("marking receipt synced: %w", err)
	}

	if err := e.store.MarkIndexed(r.ID); err != nil {
		return outcomeFailed, fmt.Errorf("marking receipt indexed: %w", err)
	}

	e.logger.Info("receipt already on remote, skipped",
		slog.String("receipt_id", r.ID),
		slog.String("folder", day.Remote()),
	)

	return outcomeSkipped, nil
}

// commitIndex is step two of the commit: download the current remote day
// index, merge it with the local one plus the new entry, upload the
// result and mirror it locally.
func (e *Engine) commitIndex(ctx context.Context, day folders.DayFolder, r models.Receipt, filename string) error {
	folder := day.Remote()

	raw, err := e.provider.DownloadFile(ctx, folder, folders.DayIndexFile)
	if err != nil {
		return fmt.Errorf("downloading day index: %w", err)
	}

	remote, err := index.ParseDay(raw)
	if err != nil {
		e.raiseCorruptIndex(folder, err)
		return fmt.Errorf("parsing remote day index: %w", err)
	}

	local, err := e.library.ReadDayIndex(day)
	if err != nil {
		return fmt.Errorf("reading local day index: %w", err)
	}

	entry := index.EntryFromReceipt(r, filename)
	if entry.DeviceID == "" {
		entry.DeviceID = e.cfg.DeviceID
	}

	merged, conflicts := index.MergeDayReport(local.Upsert(entry), remote)
	e.logConflicts(folder, conflicts)

	data, err := index.MarshalDay(merged)
	if err != nil {
		return err
	}

	if err := e.provider.UploadFile(ctx, folder, folders.DayIndexFile, data); err != nil {
		return fmt.Errorf("uploading day index: %w", err)
	}

	if err := e.library.WriteDayIndex(day, merged); err != nil {
		e.logger.Warn("writing local day index failed",
			slog.String("folder", folder),
			slog.String("error", err.Error()),
		)
	}

	if err := e.store.MarkSynced(r.ID, path.Join(folder, filename)); err != nil {
		return fmt.Errorf("marking receipt synced: %w", err)
	}

	if err := e.store.MarkIndexed(r.ID); err != nil {
		return fmt.Errorf("marking receipt indexed: %w", err)
	}

	e.updateMonth(ctx, day, merged)

	return nil
}

// mergeLocalDay folds remote entries into the local day index.
func (e *Engine) mergeLocalDay(day folders.DayFolder, remote index.DayIndex) {
	local, err := e.library.ReadDayIndex(day)
	if err != nil {
		e.logger.Warn("reading local day index failed",
			slog.String("folder", day.Remote()),
			slog.String("error", err.Error()),
		)

		return
	}

	merged, conflicts := index.MergeDayReport(local, remote)
	e.logConflicts(day.Remote(), conflicts)

	if err := e.library.WriteDayIndex(day, merged); err != nil {
		e.logger.Warn("writing local day index failed",
			slog.String("folder", day.Remote()),
			slog.String("error", err.Error()),
		)
	}
}

// updateMonth refreshes the month summary for a day whose index was just
// committed. Failures are logged; the day index stays authoritative.
func (e *Engine) updateMonth(ctx context.Context, day folders.DayFolder, merged index.DayIndex) {
	month := day.MonthFolder()
	folder := month.Remote()

	warn := func(msg string, err error) {
		e.logger.Warn(msg,
			slog.String("month", month.Key()),
			slog.String("error", err.Error()),
		)
	}

	raw, err := e.provider.DownloadFile(ctx, folder, folders.MonthIndexFile)
	if err != nil {
		warn("downloading month index failed", err)
		return
	}

	remote, err := index.ParseMonth(raw, month.Key())
	if err != nil {
		warn("parsing remote month index failed", err)
		return
	}

	local, err := e.library.ReadMonthIndex(month)
	if err != nil {
		warn("reading local month index failed", err)
		return
	}

	m := index.MergeMonth(local, remote)
	m.SetDay(index.Summarize(day.Date(), merged))

	data, err := index.MarshalMonth(m)
	if err != nil {
		warn("encoding month index failed", err)
		return
	}

	if err := e.provider.UploadFile(ctx, folder, folders.MonthIndexFile, data); err != nil {
		warn("uploading month index failed", err)
		return
	}

	if err := e.library.WriteMonthIndex(month, m); err != nil {
		warn("writing local month index failed", err)
	}
}

func (e *Engine) logConflicts(folder string, conflicts []index.Conflict) {
	for _, c := range conflicts {
		e.logger.Warn("day index conflict",
			slog.String("folder", folder),
			slog.String("receipt_id", c.ReceiptID),
			slog.String("diff", c.Diff),
		)
	}
}
