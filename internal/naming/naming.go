// Package naming computes content checksums and allocates remote
// filenames that do not collide with files already in a folder.
package naming

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/alexjbarnes/receipt-sync/internal/folders"
	"golang.org/x/text/unicode/norm"
)

// maxProbes bounds how many numbered candidates AllocateFilename tries
// before giving up.
const maxProbes = 1000

// Checksum returns the lowercase hex SHA-256 of data.
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Lister returns a fresh listing of the target folder.
type Lister func(ctx context.Context) ([]string, error)

// AllocateFilename returns a filename based on desired that is absent from
// listing. Candidates are desired, then name-1.ext, name-2.ext and so on.
// When recheck is non-nil, a candidate is only accepted once a fresh
// listing confirms it is still free, since the first listing may be stale
// under concurrent writers.
func AllocateFilename(ctx context.Context, desired string, listing []string, recheck Lister) (string, error) {
	desired = Sanitize(desired)
	if desired == "" {
		return "", fmt.Errorf("allocating filename: empty name")
	}

	taken := make(map[string]struct{}, len(listing)+2)
	for _, name := range listing {
		taken[norm.NFC.String(name)] = struct{}{}
	}
	// Manifest names are never valid receipt filenames.
	taken[folders.DayIndexFile] = struct{}{}
	taken[folders.MonthIndexFile] = struct{}{}

	ext := path.Ext(desired)
	stem := strings.TrimSuffix(desired, ext)

	for i := 0; i < maxProbes; i++ {
		candidate := desired
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}

		if _, ok := taken[candidate]; ok {
			continue
		}

		if recheck == nil {
			return candidate, nil
		}

		fresh, err := recheck(ctx)
		if err != nil {
			return "", fmt.Errorf("re-listing folder: %w", err)
		}

		collided := false

		for _, name := range fresh {
			name = norm.NFC.String(name)
			taken[name] = struct{}{}

			if name == candidate {
				collided = true
			}
		}

		if !collided {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("allocating filename for %q: no free name after %d probes", desired, maxProbes)
}

// Sanitize makes a filename safe to use as a single path segment: path
// separators and NUL bytes are replaced, surrounding whitespace trimmed,
// and the result NFC-normalised so names compare equal across platforms.
func Sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}

		return r
	}, name)

	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}

	return norm.NFC.String(name)
}

// Generate builds a filename for a newly captured receipt:
// YYYYMMDD-HHMMSS-<first 8 chars of id><ext>.
func Generate(capturedAt time.Time, id, ext string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}

	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return fmt.Sprintf("%s-%s%s", capturedAt.Format("20060102-150405"), short, ext)
}
