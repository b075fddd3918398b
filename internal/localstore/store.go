// Package localstore reads and writes the on-device receipt library:
// images plus the day and month index files, laid out exactly like the
// remote tree so filenames compare directly across sides.
package localstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
	"github.com/alexjbarnes/receipt-sync/internal/folders"
	"github.com/alexjbarnes/receipt-sync/internal/index"
)

const (
	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)

	// tempPrefix marks in-progress atomic writes. Watchers ignore it.
	tempPrefix = ".receipt-write-"
)

// Store is the local receipt library rooted at a directory.
type Store struct {
	root string

	// mu serialises index read-merge-write cycles against concurrent
	// readers such as the control API.
	mu sync.RWMutex
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("library path must not be empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving library path: %w", err)
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("creating library directory: %w", err)
	}

	// Resolve symlinks on the root itself so the escape check below
	// compares like with like.
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("evaluating library path: %w", err)
	}

	return &Store{root: real}, nil
}

// Root returns the absolute library root.
func (s *Store) Root() string {
	return s.root
}

// ImagePath returns the absolute path of an image in a day folder.
func (s *Store) ImagePath(day folders.DayFolder, filename string) (string, error) {
	return s.resolve(day.Remote(), filename)
}

// ReadImage returns the bytes of an image. A missing file wraps
// ErrLocalImageMissing.
func (s *Store) ReadImage(day folders.DayFolder, filename string) ([]byte, error) {
	abs, err := s.resolve(day.Remote(), filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", rserrors.ErrLocalImageMissing, path.Join(day.Remote(), filename))
	}

	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	return data, nil
}

// HasImage reports whether an image exists locally.
func (s *Store) HasImage(day folders.DayFolder, filename string) bool {
	abs, err := s.resolve(day.Remote(), filename)
	if err != nil {
		return false
	}

	info, err := os.Stat(abs)

	return err == nil && info.Mode().IsRegular()
}

// WriteImage stores image bytes atomically, creating the day folder.
func (s *Store) WriteImage(day folders.DayFolder, filename string, data []byte) error {
	abs, err := s.resolve(day.Remote(), filename)
	if err != nil {
		return err
	}

	return writeAtomic(abs, data)
}

// ReadDayIndex returns the local index for a day. A missing file is an
// empty index.
func (s *Store) ReadDayIndex(day folders.DayFolder) (index.DayIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.readOptional(day.Remote(), folders.DayIndexFile)
	if err != nil {
		return index.DayIndex{}, err
	}

	return index.ParseDay(data)
}

// WriteDayIndex replaces the local index for a day.
func (s *Store) WriteDayIndex(day folders.DayFolder, d index.DayIndex) error {
	data, err := index.MarshalDay(d)
	if err != nil {
		return err
	}

	abs, err := s.resolve(day.Remote(), folders.DayIndexFile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return writeAtomic(abs, data)
}

// ReadMonthIndex returns the local month index. A missing file is an
// empty index for that month.
func (s *Store) ReadMonthIndex(month folders.MonthFolder) (index.MonthIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.readOptional(month.Remote(), folders.MonthIndexFile)
	if err != nil {
		return index.MonthIndex{}, err
	}

	return index.ParseMonth(data, month.Key())
}

// WriteMonthIndex replaces the local month index.
func (s *Store) WriteMonthIndex(month folders.MonthFolder, m index.MonthIndex) error {
	data, err := index.MarshalMonth(m)
	if err != nil {
		return err
	}

	abs, err := s.resolve(month.Remote(), folders.MonthIndexFile)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return writeAtomic(abs, data)
}

func (s *Store) readOptional(dir, name string) ([]byte, error) {
	abs, err := s.resolve(dir, name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path.Join(dir, name), err)
	}

	return data, nil
}

// resolve joins a slash-separated folder and a file name under the root,
// rejecting names that would escape it directly or through a symlink.
func (s *Store) resolve(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: bad file name %q", rserrors.ErrInvalidPath, name)
	}

	if strings.Contains(dir, "..") {
		return "", fmt.Errorf("%w: folder must not contain '..'", rserrors.ErrInvalidPath)
	}

	abs := filepath.Join(s.root, filepath.FromSlash(dir), name)
	if !within(s.root, abs) {
		return "", fmt.Errorf("%w: %s escapes library root", rserrors.ErrInvalidPath, path.Join(dir, name))
	}

	real, err := evalExistingPrefix(abs)
	if err != nil {
		return "", fmt.Errorf("evaluating path: %w", err)
	}

	if !within(s.root, real) {
		return "", fmt.Errorf("%w: %s escapes library root via symlink", rserrors.ErrInvalidPath, path.Join(dir, name))
	}

	return abs, nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// evalExistingPrefix resolves symlinks for the longest existing prefix of
// the path so not-yet-created files can still be checked.
func evalExistingPrefix(abs string) (string, error) {
	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return real, nil
	}

	dir := filepath.Dir(abs)
	if dir == abs {
		return abs, nil
	}

	parentReal, err := evalExistingPrefix(dir)
	if err != nil {
		return "", err
	}

	return filepath.Join(parentReal, filepath.Base(abs)), nil
}

// writeAtomic writes to a temp file in the target directory and renames
// it into place.
func writeAtomic(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// IsTempFile reports whether name is an in-progress atomic write.
func IsTempFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), tempPrefix)
}
