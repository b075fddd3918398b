package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)

	dirTempPrefix = ".receipt-upload-"
)

// DirProvider stores files under a local directory, typically a mounted
// network drive or a folder kept in sync by a desktop cloud client.
type DirProvider struct {
	root string
}

// NewDirProvider returns a provider rooted at dir, creating it if needed.
func NewDirProvider(dir string) (*DirProvider, error) {
	if dir == "" {
		return nil, fmt.Errorf("remote directory must not be empty")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving remote directory: %w", err)
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("creating remote directory: %w", err)
	}

	return &DirProvider{root: abs}, nil
}

// Root returns the absolute root directory.
func (p *DirProvider) Root() string {
	return p.root
}

func (p *DirProvider) folderPath(folder string) (string, error) {
	clean, err := cleanFolder(folder)
	if err != nil {
		return "", err
	}

	return filepath.Join(p.root, filepath.FromSlash(clean)), nil
}

func (p *DirProvider) filePath(folder, filename string) (string, error) {
	if err := validName(filename); err != nil {
		return "", err
	}

	dir, err := p.folderPath(folder)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, filename), nil
}

// UploadFile writes data atomically. The folder is created if missing.
func (p *DirProvider) UploadFile(ctx context.Context, folder, filename string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	abs, err := p.filePath(folder, filename)
	if err != nil {
		return err
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &TransientError{Err: fmt.Errorf("creating %s: %w", folder, err)}
	}

	tmp, err := os.CreateTemp(dir, dirTempPrefix+"*")
	if err != nil {
		return &TransientError{Err: fmt.Errorf("creating temp file: %w", err)}
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return &TransientError{Err: fmt.Errorf("writing %s: %w", filename, err)}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &TransientError{Err: fmt.Errorf("closing %s: %w", filename, err)}
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return &TransientError{Err: fmt.Errorf("renaming %s: %w", filename, err)}
	}

	return nil
}

// DownloadFile returns the file contents, or nil when it does not exist.
func (p *DirProvider) DownloadFile(ctx context.Context, folder, filename string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	abs, err := p.filePath(folder, filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading %s: %w", filename, err)}
	}

	return data, nil
}

// ListFiles returns the sorted names of the direct children of folder.
// In-progress uploads are hidden.
func (p *DirProvider) ListFiles(ctx context.Context, folder string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := p.folderPath(folder)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}

	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("listing %s: %w", folder, err)}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), dirTempPrefix) {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names, nil
}

// CreateFolder creates folder and any missing parents.
func (p *DirProvider) CreateFolder(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir, err := p.folderPath(folder)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &TransientError{Err: fmt.Errorf("creating %s: %w", folder, err)}
	}

	return nil
}
