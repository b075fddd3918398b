// Package folders derives the deterministic folder layout shared by the
// local receipt library and remote storage:
//
//	Receipts/<country>/<yyyy>/<mm>/<dd>/
//
// Every function here is pure. Local and remote paths are built from the
// same relative form so filenames can be compared directly across sides.
package folders

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
)

const (
	// RootFolder is the top-level folder holding every country tree.
	RootFolder = "Receipts"

	// QuarantineFolder is a reserved day-level name for files moved aside
	// by the integrity auditor. Tree walks skip it.
	QuarantineFolder = "_Quarantine"

	// DayIndexFile is the per-day manifest name.
	DayIndexFile = "index.json"

	// MonthIndexFile is the per-month summary name, stored in the month folder.
	MonthIndexFile = "month_index.json"
)

// DayFolder identifies one calendar day for one country.
type DayFolder struct {
	Country string
	Year    int
	Month   time.Month
	Day     int
}

// MonthFolder identifies one calendar month for one country.
type MonthFolder struct {
	Country string
	Year    int
	Month   time.Month
}

// ForDate returns the day folder for a capture time. The caller is
// responsible for converting t into the receipt's own timezone first.
func ForDate(t time.Time, country string) DayFolder {
	return DayFolder{
		Country: normalizeCountry(country),
		Year:    t.Year(),
		Month:   t.Month(),
		Day:     t.Day(),
	}
}

// Remote returns the slash-separated remote path of the day folder.
func (d DayFolder) Remote() string {
	return path.Join(d.MonthFolder().Remote(), fmt.Sprintf("%02d", d.Day))
}

// Local returns the day folder under the given on-device root.
func (d DayFolder) Local(root string) string {
	return filepath.Join(root, filepath.FromSlash(d.Remote()))
}

// Date returns the day as YYYY-MM-DD, the key used by month summaries.
func (d DayFolder) Date() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MonthFolder returns the enclosing month.
func (d DayFolder) MonthFolder() MonthFolder {
	return MonthFolder{Country: d.Country, Year: d.Year, Month: d.Month}
}

// Remote returns the slash-separated remote path of the month folder.
func (m MonthFolder) Remote() string {
	return path.Join(CountryRoot(m.Country), fmt.Sprintf("%04d", m.Year), fmt.Sprintf("%02d", int(m.Month)))
}

// Local returns the month folder under the given on-device root.
func (m MonthFolder) Local(root string) string {
	return filepath.Join(root, filepath.FromSlash(m.Remote()))
}

// Key returns the month as YYYY-MM.
func (m MonthFolder) Key() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Day returns the day folder for day d of this month.
func (m MonthFolder) Day(d int) DayFolder {
	return DayFolder{Country: m.Country, Year: m.Year, Month: m.Month, Day: d}
}

// CountryRoot returns the remote path of a country tree.
func CountryRoot(country string) string {
	return path.Join(RootFolder, normalizeCountry(country))
}

// Country extracts the country code from a region such as "CA-ON". Region
// codes that do not start with a 2 or 3 letter country code yield fallback.
func Country(region, fallback string) string {
	code := region
	if idx := strings.IndexAny(code, "-_"); idx >= 0 {
		code = code[:idx]
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if isCountryCode(code) {
		return code
	}

	return normalizeCountry(fallback)
}

// IsQuarantine reports whether a folder name is the reserved quarantine name.
func IsQuarantine(name string) bool {
	return name == QuarantineFolder
}

// ParseYear parses a four-digit year folder name.
func ParseYear(name string) (int, bool) {
	return parseFixed(name, 4, 1, 9999)
}

// ParseMonth parses a two-digit month folder name.
func ParseMonth(name string) (time.Month, bool) {
	m, ok := parseFixed(name, 2, 1, 12)
	return time.Month(m), ok
}

// ParseDay parses a two-digit day folder name. Reserved names such as the
// quarantine folder never parse.
func ParseDay(name string) (int, bool) {
	return parseFixed(name, 2, 1, 31)
}

// IsCountryFolder reports whether name can be a country tree folder.
func IsCountryFolder(name string) bool {
	return isCountryCode(name)
}

// ParseDayPath parses a remote day path back into a DayFolder.
func ParseDayPath(p string) (DayFolder, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 5 || parts[0] != RootFolder {
		return DayFolder{}, fmt.Errorf("%w: %q is not a day folder", rserrors.ErrInvalidPath, p)
	}

	if !isCountryCode(parts[1]) {
		return DayFolder{}, fmt.Errorf("%w: bad country in %q", rserrors.ErrInvalidPath, p)
	}

	year, ok := ParseYear(parts[2])
	if !ok {
		return DayFolder{}, fmt.Errorf("%w: bad year in %q", rserrors.ErrInvalidPath, p)
	}

	month, ok := ParseMonth(parts[3])
	if !ok {
		return DayFolder{}, fmt.Errorf("%w: bad month in %q", rserrors.ErrInvalidPath, p)
	}

	day, ok := ParseDay(parts[4])
	if !ok {
		return DayFolder{}, fmt.Errorf("%w: bad day in %q", rserrors.ErrInvalidPath, p)
	}

	return DayFolder{Country: parts[1], Year: year, Month: month, Day: day}, nil
}

func parseFixed(name string, width, lo, hi int) (int, bool) {
	if len(name) != width {
		return 0, false
	}

	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	n, err := strconv.Atoi(name)
	if err != nil || n < lo || n > hi {
		return 0, false
	}

	return n, true
}

func isCountryCode(code string) bool {
	if len(code) < 2 || len(code) > 3 {
		return false
	}

	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}

	return true
}

func normalizeCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}
