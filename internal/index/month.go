package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the month_index.json schema written by this client.
const SchemaVersion = 1

// DaySummary is the rollup of one day index.
type DaySummary struct {
	Date             string                     `json:"date"`
	ReceiptCount     int                        `json:"receipt_count"`
	TotalsByCurrency map[string]decimal.Decimal `json:"totals_by_currency"`
	LastUpdated      time.Time                  `json:"last_updated"`
	Conflict         bool                       `json:"conflict"`
}

// MonthIndex aggregates the day summaries of one month. Totals is a cache
// derived from Days and is never merged directly.
type MonthIndex struct {
	Month         string                     `json:"month"`
	SchemaVersion int                        `json:"schema_version"`
	LastUpdated   time.Time                  `json:"last_updated"`
	Days          []DaySummary               `json:"days"`
	Totals        map[string]decimal.Decimal `json:"totals"`
}

// NewMonth returns an empty month index for a YYYY-MM key.
func NewMonth(month string) MonthIndex {
	return MonthIndex{
		Month:         month,
		SchemaVersion: SchemaVersion,
		Days:          []DaySummary{},
		Totals:        map[string]decimal.Decimal{},
	}
}

// Summarize rolls a day index up into a DaySummary. LastUpdated is the
// newest entry timestamp so two devices summarising the same index produce
// the same summary.
func Summarize(date string, d DayIndex) DaySummary {
	s := DaySummary{
		Date:             date,
		ReceiptCount:     len(d.Receipts),
		TotalsByCurrency: map[string]decimal.Decimal{},
		Conflict:         d.HasConflicts(),
	}

	for _, e := range d.Receipts {
		if ts := e.timestamp(); ts.After(s.LastUpdated) {
			s.LastUpdated = ts
		}

		cur := strings.ToUpper(strings.TrimSpace(e.Currency))
		if cur == "" {
			continue
		}

		s.TotalsByCurrency[cur] = s.TotalsByCurrency[cur].Add(e.Amount)
	}

	return s
}

// Day returns the summary for a YYYY-MM-DD date.
func (m MonthIndex) Day(date string) (DaySummary, bool) {
	for _, d := range m.Days {
		if d.Date == date {
			return d, true
		}
	}

	return DaySummary{}, false
}

// SetDay replaces (or adds) the summary for s.Date and recomputes totals.
// Used when the day index is authoritative for that day.
func (m *MonthIndex) SetDay(s DaySummary) {
	replaced := false

	for i := range m.Days {
		if m.Days[i].Date == s.Date {
			m.Days[i] = s
			replaced = true

			break
		}
	}

	if !replaced {
		m.Days = append(m.Days, s)
	}

	sortDays(m.Days)

	if s.LastUpdated.After(m.LastUpdated) {
		m.LastUpdated = s.LastUpdated
	}

	m.RecomputeTotals()
}

// RecomputeTotals rebuilds Totals by summing every day's per-currency totals.
func (m *MonthIndex) RecomputeTotals() {
	totals := make(map[string]decimal.Decimal)

	for _, d := range m.Days {
		for cur, amt := range d.TotalsByCurrency {
			totals[cur] = totals[cur].Add(amt)
		}
	}

	m.Totals = totals
}

// MergeMonth merges two month indexes at day-summary granularity, keyed by
// date, with the same rules as MergeDay: one-sided days are kept,
// identical days are kept once, and differing days keep the later
// LastUpdated and are marked conflict. Totals are recomputed from the
// merged days and the schema version never goes down.
func MergeMonth(local, remote MonthIndex) MonthIndex {
	out := MonthIndex{
		Month:         local.Month,
		SchemaVersion: max(local.SchemaVersion, remote.SchemaVersion),
		LastUpdated:   local.LastUpdated,
	}

	if out.Month == "" {
		out.Month = remote.Month
	}

	if remote.LastUpdated.After(out.LastUpdated) {
		out.LastUpdated = remote.LastUpdated
	}

	pos := make(map[string]int, len(local.Days)+len(remote.Days))
	days := make([]DaySummary, 0, len(local.Days)+len(remote.Days))

	add := func(s DaySummary) {
		i, ok := pos[s.Date]
		if !ok {
			pos[s.Date] = len(days)
			days = append(days, s)

			return
		}

		days[i] = mergeSummary(days[i], s)
	}

	for _, d := range local.Days {
		add(d)
	}

	for _, d := range remote.Days {
		add(d)
	}

	sortDays(days)
	out.Days = days
	out.RecomputeTotals()

	return out
}

func mergeSummary(a, b DaySummary) DaySummary {
	if a.sameMetadata(b) {
		winner := a
		if b.LastUpdated.After(a.LastUpdated) {
			winner = b
		}

		winner.Conflict = a.Conflict || b.Conflict

		return winner
	}

	winner := laterSummary(a, b)
	winner.Conflict = true

	return winner
}

func laterSummary(a, b DaySummary) DaySummary {
	switch {
	case a.LastUpdated.After(b.LastUpdated):
		return a
	case b.LastUpdated.After(a.LastUpdated):
		return b
	case a.ReceiptCount != b.ReceiptCount:
		if a.ReceiptCount > b.ReceiptCount {
			return a
		}

		return b
	case totalsString(a.TotalsByCurrency) >= totalsString(b.TotalsByCurrency):
		return a
	default:
		return b
	}
}

// sameMetadata compares the count and totals. LastUpdated and the conflict
// marker are bookkeeping, not content.
func (s DaySummary) sameMetadata(o DaySummary) bool {
	if s.ReceiptCount != o.ReceiptCount || len(nonZero(s.TotalsByCurrency)) != len(nonZero(o.TotalsByCurrency)) {
		return false
	}

	for cur, amt := range nonZero(s.TotalsByCurrency) {
		other, ok := o.TotalsByCurrency[cur]
		if !ok || !amt.Equal(other) {
			return false
		}
	}

	return true
}

func nonZero(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))

	for k, v := range m {
		if !v.IsZero() {
			out[k] = v
		}
	}

	return out
}

func totalsString(m map[string]decimal.Decimal) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m[k].String())
		sb.WriteByte(';')
	}

	return sb.String()
}

func sortDays(days []DaySummary) {
	sort.SliceStable(days, func(i, j int) bool {
		return days[i].Date < days[j].Date
	})
}

// ParseMonth decodes a month_index.json payload. Empty input yields an
// empty index for the given month key.
func ParseMonth(data []byte, month string) (MonthIndex, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewMonth(month), nil
	}

	var m MonthIndex
	if err := json.Unmarshal(data, &m); err != nil {
		return MonthIndex{}, fmt.Errorf("decoding month index: %w", err)
	}

	if m.Month == "" {
		m.Month = month
	}

	if m.Days == nil {
		m.Days = []DaySummary{}
	}

	// Totals on disk may be stale or hand-edited.
	m.RecomputeTotals()

	return m, nil
}

// MarshalMonth encodes a month index as indented JSON.
func MarshalMonth(m MonthIndex) ([]byte, error) {
	if m.Days == nil {
		m.Days = []DaySummary{}
	}

	for i := range m.Days {
		if m.Days[i].TotalsByCurrency == nil {
			m.Days[i].TotalsByCurrency = map[string]decimal.Decimal{}
		}
	}

	if m.Totals == nil {
		m.Totals = map[string]decimal.Decimal{}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding month index: %w", err)
	}

	return data, nil
}
