package index

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func summary(date string, count int, updated time.Time, totals map[string]string) DaySummary {
	s := DaySummary{
		Date:             date,
		ReceiptCount:     count,
		TotalsByCurrency: map[string]decimal.Decimal{},
		LastUpdated:      updated,
	}
	for cur, amt := range totals {
		s.TotalsByCurrency[cur] = dec(amt)
	}

	return s
}

func assertTotalsConsistent(t *testing.T, m MonthIndex) {
	t.Helper()

	want := map[string]decimal.Decimal{}
	for _, d := range m.Days {
		for cur, amt := range d.TotalsByCurrency {
			want[cur] = want[cur].Add(amt)
		}
	}

	require.Len(t, m.Totals, len(want))

	for cur, amt := range want {
		assert.True(t, amt.Equal(m.Totals[cur]), "currency %s: want %s got %s", cur, amt, m.Totals[cur])
	}
}

func TestSummarize(t *testing.T) {
	d := DayIndex{Receipts: []Entry{
		entry("a", "ca", "42.50", baseTime),
		entry("b", "cb", "7.25", baseTime.Add(time.Hour)),
	}}
	usd := entry("c", "cc", "3.00", baseTime)
	usd.Currency = "usd"
	d = d.Upsert(usd)

	s := Summarize("2026-10-18", d)
	assert.Equal(t, "2026-10-18", s.Date)
	assert.Equal(t, 3, s.ReceiptCount)
	assert.True(t, dec("49.75").Equal(s.TotalsByCurrency["CAD"]))
	assert.True(t, dec("3").Equal(s.TotalsByCurrency["USD"]))
	assert.True(t, s.LastUpdated.Equal(baseTime.Add(time.Hour)))
	assert.False(t, s.Conflict)
}

func TestSummarize_CarriesConflict(t *testing.T) {
	e := entry("a", "ca", "1.00", baseTime)
	e.Conflict = true

	s := Summarize("2026-10-18", DayIndex{Receipts: []Entry{e}})
	assert.True(t, s.Conflict)
}

func TestMergeMonth_RemoteOnlyAndLocalOnly(t *testing.T) {
	local := NewMonth("2026-10")
	local.SetDay(summary("2026-10-01", 1, baseTime, map[string]string{"CAD": "10"}))

	remote := NewMonth("2026-10")
	remote.SetDay(summary("2026-10-02", 2, baseTime, map[string]string{"CAD": "5", "USD": "1"}))

	m := MergeMonth(local, remote)
	require.Len(t, m.Days, 2)
	assert.Equal(t, "2026-10-01", m.Days[0].Date)
	assert.Equal(t, "2026-10-02", m.Days[1].Date)
	assert.True(t, dec("15").Equal(m.Totals["CAD"]))
	assert.True(t, dec("1").Equal(m.Totals["USD"]))
	assertTotalsConsistent(t, m)
}

func TestMergeMonth_ConflictLaterWins(t *testing.T) {
	local := NewMonth("2026-10")
	local.SetDay(summary("2026-10-01", 1, baseTime, map[string]string{"CAD": "10"}))

	remote := NewMonth("2026-10")
	remote.SetDay(summary("2026-10-01", 2, baseTime.Add(time.Minute), map[string]string{"CAD": "25"}))

	m := MergeMonth(local, remote)
	require.Len(t, m.Days, 1)
	assert.Equal(t, 2, m.Days[0].ReceiptCount)
	assert.True(t, m.Days[0].Conflict)
	assert.True(t, dec("25").Equal(m.Totals["CAD"]))
}

func TestMergeMonth_IdenticalMetadataNoConflict(t *testing.T) {
	local := NewMonth("2026-10")
	local.SetDay(summary("2026-10-01", 1, baseTime, map[string]string{"CAD": "10.0"}))

	remote := NewMonth("2026-10")
	remote.SetDay(summary("2026-10-01", 1, baseTime.Add(time.Hour), map[string]string{"CAD": "10"}))

	m := MergeMonth(local, remote)
	require.Len(t, m.Days, 1)
	assert.False(t, m.Days[0].Conflict)
	assert.True(t, m.Days[0].LastUpdated.Equal(baseTime.Add(time.Hour)))
}

func TestMergeMonth_TotalsNeverCopiedFromInputs(t *testing.T) {
	local := NewMonth("2026-10")
	local.SetDay(summary("2026-10-01", 1, baseTime, map[string]string{"CAD": "10"}))
	local.Totals = map[string]decimal.Decimal{"CAD": dec("999")}

	remote := NewMonth("2026-10")
	remote.SetDay(summary("2026-10-02", 1, baseTime, map[string]string{"CAD": "5"}))
	remote.Totals = map[string]decimal.Decimal{"CAD": dec("-1"), "EUR": dec("3")}

	m := MergeMonth(local, remote)
	assert.True(t, dec("15").Equal(m.Totals["CAD"]))
	_, hasEUR := m.Totals["EUR"]
	assert.False(t, hasEUR)
	assertTotalsConsistent(t, m)
}

func TestMergeMonth_SchemaVersionIsMax(t *testing.T) {
	local := NewMonth("2026-10")
	remote := NewMonth("2026-10")
	remote.SchemaVersion = 3

	assert.Equal(t, 3, MergeMonth(local, remote).SchemaVersion)
	assert.Equal(t, 3, MergeMonth(remote, local).SchemaVersion)
}

func TestMergeMonth_MonthKeyFallback(t *testing.T) {
	m := MergeMonth(MonthIndex{}, NewMonth("2026-09"))
	assert.Equal(t, "2026-09", m.Month)
}

func randomMonth(r *rand.Rand) MonthIndex {
	m := NewMonth("2026-10")

	for i := 0; i < r.IntN(5); i++ {
		date := fmt.Sprintf("2026-10-%02d", 1+r.IntN(4))
		totals := map[string]string{"CAD": fmt.Sprintf("%d.%02d", r.IntN(50), r.IntN(100))}
		if r.IntN(2) == 0 {
			totals["USD"] = fmt.Sprintf("%d", r.IntN(10))
		}

		s := summary(date, 1+r.IntN(3), baseTime.Add(time.Duration(r.IntN(3))*time.Minute), totals)
		s.Conflict = r.IntN(5) == 0
		m.SetDay(s)
	}

	return m
}

func TestMergeMonth_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))

	for i := 0; i < 500; i++ {
		a, b := randomMonth(r), randomMonth(r)
		m := MergeMonth(a, b)

		assert.Equal(t, m, MergeMonth(m, a), "iteration %d", i)
		assert.Equal(t, m, MergeMonth(m, b), "iteration %d", i)

		for _, d := range append(append([]DaySummary{}, a.Days...), b.Days...) {
			_, ok := m.Day(d.Date)
			assert.True(t, ok, "iteration %d lost %s", i, d.Date)
		}

		assertTotalsConsistent(t, m)
	}
}

func TestMonthCodec_WireFormat(t *testing.T) {
	m := NewMonth("2026-10")
	m.SetDay(summary("2026-10-18", 1, baseTime, map[string]string{"CAD": "42.50"}))

	data, err := MarshalMonth(m)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{"month", "schema_version", "last_updated", "days", "totals"} {
		assert.Contains(t, raw, key)
	}

	assert.JSONEq(t, `{"CAD": 42.5}`, string(raw["totals"]))

	back, err := ParseMonth(data, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "2026-10", back.Month)
	require.Len(t, back.Days, 1)
	assert.Equal(t, 1, back.Days[0].ReceiptCount)
}

func TestParseMonth_EmptyAndStaleTotals(t *testing.T) {
	m, err := ParseMonth(nil, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, "2026-10", m.Month)
	assert.Equal(t, SchemaVersion, m.SchemaVersion)

	stale := []byte(`{"month":"2026-10","schema_version":1,"days":[{"date":"2026-10-01","receipt_count":1,"totals_by_currency":{"CAD":5}}],"totals":{"CAD":100}}`)
	m, err = ParseMonth(stale, "2026-10")
	require.NoError(t, err)
	assert.True(t, dec("5").Equal(m.Totals["CAD"]))
}
