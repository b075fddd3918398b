package folders

import (
	"path/filepath"
	"testing"
	"time"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForDate_RemoteAndLocal(t *testing.T) {
	d := ForDate(time.Date(2026, 3, 7, 18, 0, 0, 0, time.UTC), "ca")

	assert.Equal(t, "Receipts/CA/2026/03/07", d.Remote())
	assert.Equal(t, filepath.Join("/data", "Receipts", "CA", "2026", "03", "07"), d.Local("/data"))
	assert.Equal(t, "2026-03-07", d.Date())
}

func TestForDate_Deterministic(t *testing.T) {
	ts := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, ForDate(ts, "US"), ForDate(ts, "US"))
	assert.Equal(t, ForDate(ts, "US").Remote(), ForDate(ts, "us").Remote())
}

func TestMonthFolder(t *testing.T) {
	m := ForDate(time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC), "GB").MonthFolder()

	assert.Equal(t, "Receipts/GB/2026/11", m.Remote())
	assert.Equal(t, "2026-11", m.Key())
	assert.Equal(t, "Receipts/GB/2026/11/09", m.Day(9).Remote())
}

func TestCountry(t *testing.T) {
	tests := []struct {
		region   string
		fallback string
		want     string
	}{
		{"CA-ON", "US", "CA"},
		{"us_ny", "CA", "US"},
		{"GBR", "CA", "GBR"},
		{"", "ca", "CA"},
		{"1-XY", "CA", "CA"},
		{"Ontario", "CA", "CA"},
	}
	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			assert.Equal(t, tt.want, Country(tt.region, tt.fallback))
		})
	}
}

func TestParseComponents(t *testing.T) {
	y, ok := ParseYear("2026")
	assert.True(t, ok)
	assert.Equal(t, 2026, y)

	_, ok = ParseYear("26")
	assert.False(t, ok)

	m, ok := ParseMonth("09")
	assert.True(t, ok)
	assert.Equal(t, time.September, m)

	_, ok = ParseMonth("13")
	assert.False(t, ok)

	_, ok = ParseDay(QuarantineFolder)
	assert.False(t, ok)

	_, ok = ParseDay("00")
	assert.False(t, ok)

	_, ok = ParseDay(MonthIndexFile)
	assert.False(t, ok)
}

func TestIsQuarantine(t *testing.T) {
	assert.True(t, IsQuarantine("_Quarantine"))
	assert.False(t, IsQuarantine("07"))
}

func TestParseDayPath_RoundTrip(t *testing.T) {
	d := ForDate(time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), "CA")

	parsed, err := ParseDayPath(d.Remote())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseDayPath_Invalid(t *testing.T) {
	for _, p := range []string{
		"",
		"Receipts/CA/2026/03",
		"Other/CA/2026/03/07",
		"Receipts/ca/2026/03/07",
		"Receipts/CA/2026/03/_Quarantine",
		"Receipts/CA/20x6/03/07",
	} {
		_, err := ParseDayPath(p)
		assert.ErrorIs(t, err, rserrors.ErrInvalidPath, p)
	}
}
