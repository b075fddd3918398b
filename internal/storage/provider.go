// Package storage defines the remote storage contract consumed by the sync
// engine and its backends. Folder paths are slash-separated and relative to
// the backend root, e.g. "Receipts/CA/2026/10/18".
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
)

// Provider is a remote storage backend.
type Provider interface {
	// UploadFile stores data as folder/filename, replacing any existing file.
	UploadFile(ctx context.Context, folder, filename string, data []byte) error

	// DownloadFile returns the file contents, or nil with no error when the
	// file does not exist.
	DownloadFile(ctx context.Context, folder, filename string) ([]byte, error)

	// ListFiles returns the names of the direct children of folder, files
	// and subfolders alike. A missing folder lists as empty.
	ListFiles(ctx context.Context, folder string) ([]string, error)

	// CreateFolder makes sure folder exists. Creating an existing folder
	// is not an error.
	CreateFolder(ctx context.Context, folder string) error
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// cleanFolder validates a relative folder path and returns it without
// leading or trailing slashes.
func cleanFolder(folder string) (string, error) {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return "", nil
	}

	for _, part := range strings.Split(folder, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: bad folder %q", rserrors.ErrInvalidPath, folder)
		}
	}

	return path.Clean(folder), nil
}

func validName(filename string) error {
	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		return fmt.Errorf("%w: bad file name %q", rserrors.ErrInvalidPath, filename)
	}

	return nil
}
