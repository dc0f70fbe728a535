package ledger

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"freegames-notifier/pkg/promo"
)

// Columns is the header written to a new ledger, in order.
var Columns = []string{"id", "title", "source", "start", "end", "image_url"}

// headerAliases maps header names found in existing ledgers onto canonical
// columns. The second group covers ledgers written by the earlier scripts.
var headerAliases = map[string]string{
	"id":        "id",
	"title":     "title",
	"source":    "source",
	"start":     "start",
	"end":       "end",
	"image_url": "image_url",
	"imageurl":  "image_url",

	"game_id":    "id",
	"game":       "title",
	"launcher":   "source",
	"start_date": "start",
	"date":       "start",
	"end_date":   "end",
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ErrBadHeader is returned when a ledger's header lacks the id or title column.
// Unlike a bad row this makes the whole ledger unreadable.
var ErrBadHeader = errors.New("ledger header missing required column")

// header maps canonical column names to field positions in a ledger file.
type header struct {
	names []string       // As found in the file
	index map[string]int // Canonical name -> position
}

func parseHeader(fields []string) (*header, error) {
	h := &header{names: fields, index: make(map[string]int, len(fields))}
	for i, name := range fields {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		canonical, ok := headerAliases[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		if _, dup := h.index[canonical]; !dup {
			h.index[canonical] = i
		}
	}
	for _, required := range []string{"id", "title"} {
		if _, ok := h.index[required]; !ok {
			return nil, fmt.Errorf("%w: %s (header %q)", ErrBadHeader, required, strings.Join(fields, ","))
		}
	}
	return h, nil
}

func defaultHeader() *header {
	h, err := parseHeader(Columns)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *header) field(row []string, name string) string {
	i, ok := h.index[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (h *header) decodeRow(row []string, line int) (promo.Record, *promo.MalformedRecordError) {
	var rec promo.Record

	rawID := h.field(row, "id")
	id, err := strconv.Atoi(rawID)
	if err != nil || id <= 0 {
		return rec, &promo.MalformedRecordError{Line: line, Reason: fmt.Sprintf("invalid id %q", rawID)}
	}
	rec.ID = id

	// Titles keep their inner spacing exactly as observed; only the cell is trimmed.
	rec.Title = h.field(row, "title")
	if rec.Title == "" {
		return rec, &promo.MalformedRecordError{Line: line, Reason: "missing title"}
	}

	rec.Source = h.field(row, "source")
	rec.ImageURL = h.field(row, "image_url")

	rawStart := h.field(row, "start")
	if rawStart == "" {
		return rec, &promo.MalformedRecordError{Line: line, Reason: "missing start"}
	}
	start, err := ParseTime(rawStart)
	if err != nil {
		return rec, &promo.MalformedRecordError{Line: line, Reason: err.Error()}
	}
	rec.Start = start

	if rawEnd := h.field(row, "end"); rawEnd != "" {
		end, err := ParseTime(rawEnd)
		if err != nil {
			return rec, &promo.MalformedRecordError{Line: line, Reason: err.Error()}
		}
		rec.End = &end
	}

	return rec, nil
}

// singleLine keeps every encoded row on one physical line, which decode relies on.
var singleLine = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func (h *header) encodeRow(rec promo.Record) []string {
	row := make([]string, len(h.names))
	set := func(name, value string) {
		if i, ok := h.index[name]; ok {
			row[i] = value
		}
	}
	set("id", strconv.Itoa(rec.ID))
	set("title", singleLine.Replace(rec.Title))
	set("source", singleLine.Replace(rec.Source))
	set("start", FormatTime(rec.Start))
	if rec.HasEnd() {
		set("end", FormatTime(*rec.End))
	}
	set("image_url", singleLine.Replace(rec.ImageURL))
	return row
}

// ParseTime parses a ledger timestamp. Values without a zone are read as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatTime renders a timestamp the way it is stored in the ledger.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// tail keeps the last n records pushed to it. n <= 0 keeps everything.
type tail struct {
	buf  []promo.Record
	n    int
	next int
}

func (t *tail) push(rec promo.Record) {
	if t.n <= 0 || len(t.buf) < t.n {
		t.buf = append(t.buf, rec)
		return
	}
	t.buf[t.next] = rec
	t.next = (t.next + 1) % t.n
}

func (t *tail) records() []promo.Record {
	if t.next == 0 {
		return t.buf
	}
	out := make([]promo.Record, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}

// decode reads a whole ledger and returns its header plus the last n valid
// records in append order. Rows that fail to parse are collected in
// Snapshot.Skipped and do not count towards n.
//
// Every row is one physical line and is parsed on its own, so a broken
// quote costs only its own row instead of swallowing the rest of the file.
func decode(r io.Reader, n int) (*header, *Snapshot, error) {
	d := &lineDecoder{snap: &Snapshot{}, keep: &tail{n: n}}
	br := bufio.NewReader(r)
	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, nil, fmt.Errorf("read ledger line: %w", readErr)
		}
		if line != "" {
			d.line++
			if err := d.decodeLine(strings.TrimRight(line, "\r\n")); err != nil {
				return nil, nil, err
			}
		}
		if readErr != nil {
			break
		}
	}

	d.snap.Records = d.keep.records()
	return d.header, d.snap, nil
}

type lineDecoder struct {
	header *header // Nil until the first non-blank line
	snap   *Snapshot
	keep   *tail
	line   int
}

func (d *lineDecoder) decodeLine(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	cr := csv.NewReader(strings.NewReader(text))
	cr.FieldsPerRecord = -1
	row, err := cr.Read()

	if d.header == nil {
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		h, err := parseHeader(row)
		if err != nil {
			return err
		}
		d.header = h
		return nil
	}

	if err != nil {
		reason := err.Error()
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			reason = parseErr.Err.Error()
		}
		d.snap.Skipped = append(d.snap.Skipped, &promo.MalformedRecordError{Line: d.line, Reason: reason})
		return nil
	}
	if isBlank(row) {
		return nil
	}

	rec, bad := d.header.decodeRow(row, d.line)
	if bad != nil {
		d.snap.Skipped = append(d.snap.Skipped, bad)
		return nil
	}
	d.keep.push(rec)
	return nil
}

func isBlank(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// encode renders records as CSV rows in h's column order, with the header
// first when withHeader is set.
func encode(h *header, records []promo.Record, withHeader bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if withHeader {
		if err := w.Write(h.names); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	for _, rec := range records {
		if err := w.Write(h.encodeRow(rec)); err != nil {
			return nil, fmt.Errorf("write record %d: %w", rec.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush records: %w", err)
	}
	return buf.Bytes(), nil
}
