// Package index models the JSON manifests stored next to receipt images:
// one index.json per day folder and one month_index.json per month
// folder. Merges are strictly monotonic unions so repeated merges of the
// same inputs converge.
package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

func init() {
	// Amounts are JSON numbers in both manifest formats.
	decimal.MarshalJSONWithoutQuotes = true
}

// Entry is one receipt in a day index. It carries every field needed to
// rebuild the local receipt on another device without a database join.
type Entry struct {
	ReceiptID          string          `json:"receipt_id"`
	CapturedAt         time.Time       `json:"captured_at"`
	Timezone           string          `json:"timezone"`
	Filename           string          `json:"filename"`
	Amount             decimal.Decimal `json:"amount_tracked"`
	Currency           string          `json:"currency_code"`
	Region             string          `json:"region"`
	Category           string          `json:"category"`
	Notes              string          `json:"notes"`
	Checksum           string          `json:"checksum_sha256"`
	DeviceID           string          `json:"device_id"`
	CaptureSessionID   string          `json:"capture_session_id"`
	Source             string          `json:"source"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Conflict           bool            `json:"conflict"`
	SupersedesFilename string          `json:"supersedes_filename"`
}

// DayIndex is the manifest of one day folder. Entry order is insertion
// order and carries no meaning beyond stability.
type DayIndex struct {
	Receipts []Entry `json:"receipts"`
}

// Conflict describes an entry that differed between the two sides of a
// merge. Diff is a line diff of the two payloads for logs.
type Conflict struct {
	ReceiptID string
	Diff      string
}

// EntryFromReceipt builds the index entry for a local receipt. filename is
// the name the image was stored under remotely, which can differ from the
// local name when allocation had to avoid a collision.
func EntryFromReceipt(r models.Receipt, filename string) Entry {
	if filename == "" {
		filename = r.Filename
	}

	return Entry{
		ReceiptID:          r.ID,
		CapturedAt:         r.CapturedAt,
		Timezone:           r.Timezone,
		Filename:           filename,
		Amount:             r.Amount,
		Currency:           r.Currency,
		Region:             r.Region,
		Category:           r.Category,
		Notes:              r.Notes,
		Checksum:           r.Checksum,
		DeviceID:           r.DeviceID,
		CaptureSessionID:   r.CaptureSessionID,
		Source:             r.Source,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		SupersedesFilename: r.SupersedesFilename,
	}
}

// Receipt rebuilds a local receipt from the entry. The sync lifecycle
// fields are left for the caller to set.
func (e Entry) Receipt() models.Receipt {
	return models.Receipt{
		ID:                 e.ReceiptID,
		CapturedAt:         e.CapturedAt,
		Timezone:           e.Timezone,
		Filename:           e.Filename,
		Amount:             e.Amount,
		Currency:           e.Currency,
		Region:             e.Region,
		Category:           e.Category,
		Notes:              e.Notes,
		Checksum:           e.Checksum,
		DeviceID:           e.DeviceID,
		CaptureSessionID:   e.CaptureSessionID,
		Source:             e.Source,
		SupersedesFilename: e.SupersedesFilename,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

// Matches reports whether the entry is the same receipt as id or the same
// content as checksum. Either match is enough to call it a duplicate.
func (e Entry) Matches(id, checksum string) bool {
	if id != "" && e.ReceiptID == id {
		return true
	}

	return checksum != "" && strings.EqualFold(e.Checksum, checksum)
}

// timestamp is the entry's own modification time, falling back to the
// capture time for writers that never set updated_at.
func (e Entry) timestamp() time.Time {
	if !e.UpdatedAt.IsZero() {
		return e.UpdatedAt
	}

	return e.CapturedAt
}

func (e Entry) key() string {
	switch {
	case e.ReceiptID != "":
		return e.ReceiptID
	case e.Checksum != "":
		return "checksum:" + strings.ToLower(e.Checksum)
	default:
		return "file:" + e.Filename
	}
}

// samePayload compares every field except the conflict marker.
func (e Entry) samePayload(o Entry) bool {
	return e.ReceiptID == o.ReceiptID &&
		e.CapturedAt.Equal(o.CapturedAt) &&
		e.Timezone == o.Timezone &&
		e.Filename == o.Filename &&
		e.Amount.Equal(o.Amount) &&
		e.Currency == o.Currency &&
		e.Region == o.Region &&
		e.Category == o.Category &&
		e.Notes == o.Notes &&
		strings.EqualFold(e.Checksum, o.Checksum) &&
		e.DeviceID == o.DeviceID &&
		e.CaptureSessionID == o.CaptureSessionID &&
		e.Source == o.Source &&
		e.CreatedAt.Equal(o.CreatedAt) &&
		e.UpdatedAt.Equal(o.UpdatedAt) &&
		e.SupersedesFilename == o.SupersedesFilename
}

// canonical renders the payload without the conflict marker. Used for
// deterministic tie-breaks and conflict diffs.
func (e Entry) canonical() string {
	e.Conflict = false

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", e)
	}

	return string(data)
}

// Find returns the entry for a receipt ID.
func (d DayIndex) Find(id string) (Entry, bool) {
	for _, e := range d.Receipts {
		if e.ReceiptID == id {
			return e, true
		}
	}

	return Entry{}, false
}

// FindDuplicate returns the first entry matching id or checksum.
func (d DayIndex) FindDuplicate(id, checksum string) (Entry, bool) {
	for _, e := range d.Receipts {
		if e.Matches(id, checksum) {
			return e, true
		}
	}

	return Entry{}, false
}

// Upsert returns a copy of d with e replacing the entry of the same key,
// or appended when there is none.
func (d DayIndex) Upsert(e Entry) DayIndex {
	out := DayIndex{Receipts: make([]Entry, 0, len(d.Receipts)+1)}
	replaced := false

	for _, existing := range d.Receipts {
		if !replaced && existing.key() == e.key() {
			out.Receipts = append(out.Receipts, e)
			replaced = true

			continue
		}

		out.Receipts = append(out.Receipts, existing)
	}

	if !replaced {
		out.Receipts = append(out.Receipts, e)
	}

	return out
}

// HasConflicts reports whether any entry carries the conflict marker.
func (d DayIndex) HasConflicts() bool {
	for _, e := range d.Receipts {
		if e.Conflict {
			return true
		}
	}

	return false
}

// MergeDay merges two day indexes:
//  1. an entry present on one side only is kept
//  2. an entry with identical payload on both sides is kept once
//  3. an entry whose payload differs keeps the side with the later
//     timestamp and is marked conflict
//
// No entry is ever dropped. Output order is local order followed by
// remote-only entries in remote order.
func MergeDay(local, remote DayIndex) DayIndex {
	merged, _ := MergeDayReport(local, remote)
	return merged
}

// MergeDayReport is MergeDay that also reports every conflicting entry.
func MergeDayReport(local, remote DayIndex) (DayIndex, []Conflict) {
	out := make([]Entry, 0, len(local.Receipts)+len(remote.Receipts))
	pos := make(map[string]int, cap(out))

	var conflicts []Conflict

	add := func(e Entry) {
		k := e.key()

		i, ok := pos[k]
		if !ok {
			pos[k] = len(out)
			out = append(out, e)

			return
		}

		merged, c := mergeEntry(out[i], e)
		out[i] = merged

		if c != nil {
			conflicts = append(conflicts, *c)
		}
	}

	for _, e := range local.Receipts {
		add(e)
	}

	for _, e := range remote.Receipts {
		add(e)
	}

	return DayIndex{Receipts: out}, conflicts
}

func mergeEntry(a, b Entry) (Entry, *Conflict) {
	if a.samePayload(b) {
		a.Conflict = a.Conflict || b.Conflict
		return a, nil
	}

	winner := laterEntry(a, b)
	winner.Conflict = true

	return winner, &Conflict{
		ReceiptID: a.ReceiptID,
		Diff:      lineDiff(a.canonical(), b.canonical()),
	}
}

// laterEntry picks the entry with the later timestamp. Equal timestamps
// fall back to comparing canonical payloads so the choice does not depend
// on argument order.
func laterEntry(a, b Entry) Entry {
	ta, tb := a.timestamp(), b.timestamp()

	switch {
	case ta.After(tb):
		return a
	case tb.After(ta):
		return b
	case a.canonical() >= b.canonical():
		return a
	default:
		return b
	}
}

// lineDiff renders a line-oriented diff with "-" and "+" prefixes.
func lineDiff(from, to string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(from, to)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder

	for _, d := range diffs {
		var prefix string

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}

		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(strings.TrimSpace(line))
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}

// ParseDay decodes an index.json payload. Empty input is an empty index.
func ParseDay(data []byte) (DayIndex, error) {
	var d DayIndex
	if len(bytes.TrimSpace(data)) == 0 {
		return d, nil
	}

	if err := json.Unmarshal(data, &d); err != nil {
		return DayIndex{}, fmt.Errorf("decoding day index: %w", err)
	}

	return d, nil
}

// MarshalDay encodes a day index as indented JSON.
func MarshalDay(d DayIndex) ([]byte, error) {
	if d.Receipts == nil {
		d.Receipts = []Entry{}
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding day index: %w", err)
	}

	return data, nil
}

// PeekDuplicate scans a raw index.json for an entry matching id or
// checksum without decoding the whole manifest. Malformed input reports
// no match.
func PeekDuplicate(raw []byte, id, checksum string) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}

	found := false

	gjson.GetBytes(raw, "receipts").ForEach(func(_, entry gjson.Result) bool {
		if id != "" && entry.Get("receipt_id").String() == id {
			found = true
			return false
		}

		if checksum != "" && strings.EqualFold(entry.Get("checksum_sha256").String(), checksum) {
			found = true
			return false
		}

		return true
	})

	return found
}
