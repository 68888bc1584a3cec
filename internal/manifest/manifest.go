// Package manifest reads delimiter-separated manifests: a header row naming
// fields followed by one data row per work unit.
//
// There is no quoting or escaping. A value containing the delimiter splits
// into extra fields and the row is reported as malformed.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultDelimiter separates fields when Options.Delimiter is empty.
const DefaultDelimiter = ","

// DefaultMaxRows is the data-row cap applied when Options.MaxRows is zero.
const DefaultMaxRows = 64000

// Options controls parsing.
type Options struct {
	Delimiter string
	// MaxRows caps the number of data rows. Zero means DefaultMaxRows,
	// negative disables the cap.
	MaxRows int
}

// Row is one data row zipped against the header.
type Row struct {
	Index  int               // 0-based data row index
	Line   int               // 1-based line number in the source
	Fields map[string]string // header field -> value
}

// Manifest is a parsed manifest.
type Manifest struct {
	Header []string
	Rows   []Row
	// Errors holds rows skipped for arity mismatches, in source order.
	Errors []*MalformedRowError
}

// TooLargeError is returned when the manifest has more data rows than allowed.
type TooLargeError struct {
	Limit int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("manifest exceeds maximum of %d data rows", e.Limit)
}

// MalformedRowError describes a data row whose field count differs from the header.
type MalformedRowError struct {
	Line int
	Got  int
	Want int
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("line %d: got %d fields, header has %d", e.Line, e.Got, e.Want)
}

// ParseFile opens path and parses it.
func ParseFile(path string, opts Options) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f, opts)
}

// utf8BOM is written by spreadsheet tools at the start of exported files.
const utf8BOM = "\ufeff"

// Parse reads a manifest from r. The first non-blank line is always the
// header; a header with no data rows yields an empty Rows slice. Reading
// stops as soon as the row cap is exceeded.
func Parse(r io.Reader, opts Options) (*Manifest, error) {
	delim := opts.Delimiter
	if delim == "" {
		delim = DefaultDelimiter
	}
	limit := opts.MaxRows
	if limit == 0 {
		limit = DefaultMaxRows
	}

	m := &Manifest{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	dataRows := 0
	for sc.Scan() {
		line++
		raw := sc.Text()
		if line == 1 {
			raw = strings.TrimPrefix(raw, utf8BOM)
		}
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		splits := strings.Split(text, delim)

		if m.Header == nil {
			m.Header = splits
			continue
		}

		dataRows++
		if limit > 0 && dataRows > limit {
			return nil, &TooLargeError{Limit: limit}
		}

		if len(splits) != len(m.Header) {
			m.Errors = append(m.Errors, &MalformedRowError{Line: line, Got: len(splits), Want: len(m.Header)})
			continue
		}

		fields := make(map[string]string, len(m.Header))
		for i, name := range m.Header {
			fields[name] = splits[i]
		}
		m.Rows = append(m.Rows, Row{Index: dataRows - 1, Line: line, Fields: fields})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}
