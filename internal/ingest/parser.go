package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/convert"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/xuri/excelize/v2"
)

// DefaultMaxWarnings caps the per-file warning list; further warnings are counted.
const DefaultMaxWarnings = 20

// Row is one decoded data row. Number is the physical position in the file with
// the header on row 1, so blank lines leave gaps.
type Row struct {
	Number int
	Fields model.Fields
	Bytes  int
}

// ParseStats summarizes one parse.
type ParseStats struct {
	Header   []string
	RowsRead int
	Charset  string
	Warnings []string
}

// Parser decodes CSV and spreadsheet files into rows.
type Parser struct {
	// MaxWarnings caps the warnings kept per file. Zero means DefaultMaxWarnings.
	MaxWarnings int
}

// rowSource yields raw cell rows with their 1-based physical row number.
// It returns io.EOF after the last row.
type rowSource interface {
	Next() ([]string, int, error)
	Close() error
}

// Parse streams r and calls emit for every non-blank data row in file order.
// name is the file name and selects the decoder when format is empty.
func (p *Parser) Parse(ctx context.Context, name string, format model.FileFormat, r io.Reader, emit func(Row) error) (stats ParseStats, err error) {
	if format == "" {
		f, ok := model.FormatForName(name)
		if !ok {
			return stats, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path.Ext(name))
		}
		format = f
	}

	var src rowSource
	switch format {
	case model.FormatCSV:
		src, stats.Charset, err = newCSVSource(r)
	case model.FormatSheet:
		if strings.EqualFold(path.Ext(name), ".xls") {
			return stats, ErrLegacySpreadsheet
		}
		src, err = newSheetSource(r)
	default:
		return stats, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return stats, err
	}
	defer src.Close()

	w := &warnings{max: p.MaxWarnings}
	if w.max <= 0 {
		w.max = DefaultMaxWarnings
	}
	defer func() { stats.Warnings = w.list() }()
	if stats.Charset != "" && stats.Charset != CharsetUTF8 {
		w.add("decoded as %s", stats.Charset)
	}

	// Header is the first non-blank row.
	var headerCells []string
	for {
		cells, _, err := src.Next()
		if err == io.EOF {
			return stats, ErrEmptyFile
		}
		if err != nil {
			return stats, err
		}
		if !isBlankRow(cells) {
			headerCells = cells
			break
		}
	}
	stats.Header = normalizeHeader(headerCells, w)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		cells, line, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, err
		}
		if isBlankRow(cells) {
			continue
		}
		row := buildRow(stats.Header, cells, line, w)
		stats.RowsRead++
		if err := emit(row); err != nil {
			return stats, err
		}
	}

	if rs, ok := src.(interface{ Replacements() int }); ok {
		if n := rs.Replacements(); n > 0 {
			w.add("%d characters did not decode as %s and were replaced with U+FFFD", n, stats.Charset)
		}
	}

	if stats.RowsRead == 0 {
		return stats, ErrNoDataRows
	}
	return stats, nil
}

// normalizeHeader trims names, names blank columns by position and suffixes
// duplicates with _2, _3, ...
func normalizeHeader(cells []string, w *warnings) []string {
	// Trailing blank header cells are usually spreadsheet padding.
	end := len(cells)
	for end > 0 && strings.TrimSpace(cells[end-1]) == "" {
		end--
	}
	header := make([]string, end)
	seen := make(map[string]int, end)
	for i := 0; i < end; i++ {
		name := convert.CleanCell(cells[i])
		if name == "" {
			name = "COLUMN_" + strconv.Itoa(i+1)
			w.add("column %d has no header, named %s", i+1, name)
		}
		key := strings.ToUpper(name)
		if n := seen[key]; n > 0 {
			renamed := name + "_" + strconv.Itoa(n+1)
			w.add("duplicate header %q renamed to %s", name, renamed)
			seen[key] = n + 1
			name = renamed
			key = strings.ToUpper(name)
		}
		seen[key]++
		header[i] = name
	}
	return header
}

// buildRow pads short rows with nulls and drops cells beyond the header.
func buildRow(header, cells []string, line int, w *warnings) Row {
	row := Row{Number: line, Fields: make(model.Fields, len(header))}
	for i, name := range header {
		var v any
		if i < len(cells) {
			row.Bytes += len(cells[i])
			if s := convert.CleanCell(cells[i]); s != "" {
				v = s
			}
		}
		row.Fields[i] = model.Field{Name: name, Value: v}
	}
	if len(cells) < len(header) {
		w.add("row %d: %d of %d values missing, padded with nulls", line, len(header)-len(cells), len(header))
	}
	if len(cells) > len(header) {
		extra := 0
		for _, c := range cells[len(header):] {
			if strings.TrimSpace(c) != "" {
				extra++
			}
		}
		if extra > 0 {
			w.add("row %d: %d values beyond the header dropped", line, extra)
		}
	}
	if len(cells) > 1 {
		row.Bytes += len(cells) - 1
	}
	return row
}

func isBlankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ---- CSV ----

type csvSource struct {
	r    *csv.Reader
	text *decodedText
}

func newCSVSource(r io.Reader) (*csvSource, string, error) {
	text, err := decodeText(r)
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	cr := csv.NewReader(text)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return &csvSource{r: cr, text: text}, text.Charset(), nil
}

// Replacements counts characters that did not decode in the detected charset.
func (s *csvSource) Replacements() int { return s.text.Replacements() }

func (s *csvSource) Next() ([]string, int, error) {
	rec, err := s.r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, 0, fmt.Errorf("malformed CSV at line %d: %w", perr.StartLine, perr.Err)
		}
		return nil, 0, err
	}
	line, _ := s.r.FieldPos(0)
	return rec, line, nil
}

func (s *csvSource) Close() error { return nil }

// ---- spreadsheet ----

// sheetSource reads the first worksheet of an xlsx workbook.
type sheetSource struct {
	file   *excelize.File
	rows   *excelize.Rows
	line   int
	closed bool
}

func newSheetSource(r io.Reader) (*sheetSource, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, ErrNoSheets
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return &sheetSource{file: f, rows: rows}, nil
}

func (s *sheetSource) Next() ([]string, int, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, 0, fmt.Errorf("read sheet: %w", err)
		}
		return nil, 0, io.EOF
	}
	s.line++
	cells, err := s.rows.Columns()
	if err != nil {
		return nil, 0, fmt.Errorf("read sheet row %d: %w", s.line, err)
	}
	return cells, s.line, nil
}

func (s *sheetSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.rows.Close()
	return s.file.Close()
}

// ---- warnings ----

type warnings struct {
	max     int
	items   []string
	dropped int
}

func (w *warnings) add(format string, args ...any) {
	if len(w.items) >= w.max {
		w.dropped++
		return
	}
	w.items = append(w.items, fmt.Sprintf(format, args...))
}

func (w *warnings) list() []string {
	if w.dropped == 0 {
		return w.items
	}
	return append(w.items, fmt.Sprintf("%d more warnings not shown", w.dropped))
}
