package localstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
	"github.com/alexjbarnes/receipt-sync/internal/folders"
	"github.com/alexjbarnes/receipt-sync/internal/index"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = folders.ForDate(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC), "CA")

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNew_EmptyPath(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestImage_RoundTrip(t *testing.T) {
	s := testStore(t)

	require.NoError(t, s.WriteImage(testDay, "r1.jpg", []byte("jpeg bytes")))
	assert.True(t, s.HasImage(testDay, "r1.jpg"))

	data, err := s.ReadImage(testDay, "r1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	abs, err := s.ImagePath(testDay, "r1.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "Receipts", "CA", "2026", "10", "18", "r1.jpg"), abs)
}

func TestReadImage_MissingIsLocalError(t *testing.T) {
	s := testStore(t)

	_, err := s.ReadImage(testDay, "ghost.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, rserrors.ErrLocalImageMissing)
	assert.False(t, s.HasImage(testDay, "ghost.jpg"))
}

func TestResolve_RejectsTraversal(t *testing.T) {
	s := testStore(t)

	for _, name := range []string{"../escape.jpg", "a/b.jpg", `a\b.jpg`, "..", ""} {
		t.Run(name, func(t *testing.T) {
			err := s.WriteImage(testDay, name, []byte("x"))
			assert.ErrorIs(t, err, rserrors.ErrInvalidPath)
		})
	}
}

func TestResolve_RejectsSymlinkEscape(t *testing.T) {
	s := testStore(t)
	outside := t.TempDir()

	countryDir := filepath.Join(s.Root(), "Receipts")
	require.NoError(t, os.MkdirAll(countryDir, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(countryDir, "CA")))

	err := s.WriteImage(testDay, "r1.jpg", []byte("x"))
	assert.ErrorIs(t, err, rserrors.ErrInvalidPath)

	_, statErr := os.Stat(filepath.Join(outside, "2026", "10", "18", "r1.jpg"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteAtomic_LeavesNoTempFiles(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.WriteImage(testDay, "r1.jpg", []byte("one")))
	require.NoError(t, s.WriteImage(testDay, "r1.jpg", []byte("two")))

	entries, err := os.ReadDir(testDay.Local(s.Root()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, IsTempFile(entries[0].Name()))

	data, err := s.ReadImage(testDay, "r1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestDayIndex_MissingIsEmpty(t *testing.T) {
	s := testStore(t)

	d, err := s.ReadDayIndex(testDay)
	require.NoError(t, err)
	assert.Empty(t, d.Receipts)
}

func TestDayIndex_RoundTrip(t *testing.T) {
	s := testStore(t)

	d := index.DayIndex{Receipts: []index.Entry{{
		ReceiptID: "r1",
		Filename:  "r1.jpg",
		Amount:    decimal.RequireFromString("42.50"),
		Currency:  "CAD",
		Checksum:  "abc123",
	}}}
	require.NoError(t, s.WriteDayIndex(testDay, d))

	back, err := s.ReadDayIndex(testDay)
	require.NoError(t, err)
	require.Len(t, back.Receipts, 1)
	assert.Equal(t, "r1", back.Receipts[0].ReceiptID)
	assert.FileExists(t, filepath.Join(testDay.Local(s.Root()), folders.DayIndexFile))
}

func TestMonthIndex_RoundTrip(t *testing.T) {
	s := testStore(t)
	month := testDay.MonthFolder()

	empty, err := s.ReadMonthIndex(month)
	require.NoError(t, err)
	assert.Equal(t, "2026-10", empty.Month)

	m := index.NewMonth(month.Key())
	m.SetDay(index.DaySummary{
		Date:             testDay.Date(),
		ReceiptCount:     2,
		TotalsByCurrency: map[string]decimal.Decimal{"CAD": decimal.RequireFromString("10")},
	})
	require.NoError(t, s.WriteMonthIndex(month, m))

	back, err := s.ReadMonthIndex(month)
	require.NoError(t, err)
	require.Len(t, back.Days, 1)
	assert.True(t, decimal.RequireFromString("10").Equal(back.Totals["CAD"]))
}
