package formatters

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrMalformedRow is returned when a record cannot be decoded
var ErrMalformedRow = errors.New("malformed CSV row")

// RowError locates a record that failed to decode
type RowError struct {
	Line int // 1-based line where the record starts
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s at line %d: %v", ErrMalformedRow, e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return ErrMalformedRow
}

var (
	errUnterminatedQuote = errors.New("quoted field not terminated before end of input")
	errMissingHeader     = errors.New("input is empty, expected a header row")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row maps a header name to its string value, or nil for a missing field
type Row map[string]interface{}

// Options controls how the CSV stream is interpreted
type Options struct {
	HasHeader   bool
	Delimiter   rune
	EmptyAsNull bool // empty fields become nil instead of ""
}

// DefaultOptions is a comma separated file with a header row
func DefaultOptions() Options {
	return Options{HasHeader: true, Delimiter: ','}
}

// CSVReader reads CSV format with header detection
type CSVReader struct {
	reader  *csv.Reader
	quotes  *quoteTracker
	closer  io.Closer
	opts    Options
	headers []string

	// one record of lookahead so an unterminated quote at EOF can be pinned
	// to the record it swallowed
	next     []string
	nextLine int
	done     bool
	started  bool
	err      error

	extraFields int64
}

// NewCSVReader creates a new CSV reader with DefaultOptions
func NewCSVReader(r io.Reader) (*CSVReader, error) {
	return NewCSVReaderWithOptions(r, DefaultOptions())
}

// NewCSVReaderWithCloser creates a new CSV reader with a closable reader
func NewCSVReaderWithCloser(r io.ReadCloser, opts Options) (*CSVReader, error) {
	reader, err := NewCSVReaderWithOptions(r, opts)
	if err != nil {
		return nil, err
	}
	reader.closer = r
	return reader, nil
}

// NewCSVReaderWithOptions creates a reader honoring opts
func NewCSVReaderWithOptions(r io.Reader, opts Options) (*CSVReader, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.Delimiter == '"' || opts.Delimiter == '\r' || opts.Delimiter == '\n' || opts.Delimiter >= utf8.RuneSelf {
		return nil, fmt.Errorf("invalid delimiter %q", opts.Delimiter)
	}

	quotes := &quoteTracker{r: &bomReader{br: bufio.NewReader(r)}, delim: byte(opts.Delimiter)}
	reader := csv.NewReader(quotes)
	reader.Comma = opts.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = false

	return &CSVReader{
		reader: reader,
		quotes: quotes,
		opts:   opts,
	}, nil
}

// advance moves the lookahead forward by one record
func (r *CSVReader) advance() ([]string, int, error) {
	if r.done {
		return nil, 0, io.EOF
	}

	record, line := r.next, r.nextLine

	peek, err := r.reader.Read()
	switch {
	case err == io.EOF:
		r.done = true
		r.next = nil
		if r.quotes.unterminated() {
			return nil, 0, &RowError{Line: line, Err: errUnterminatedQuote}
		}
	case err != nil:
		r.done = true
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, 0, &RowError{Line: parseErr.StartLine, Err: parseErr.Err}
		}
		return nil, 0, fmt.Errorf("failed to read CSV record: %w", err)
	default:
		r.next = peek
		r.nextLine, _ = r.reader.FieldPos(0)
	}

	return record, line, nil
}

// start reads the header (if any) and primes the lookahead
func (r *CSVReader) start() error {
	if r.started {
		return r.err
	}
	r.started = true

	first, err := r.reader.Read()
	if err == io.EOF {
		r.done = true
		if r.opts.HasHeader {
			r.err = &RowError{Line: 1, Err: errMissingHeader}
		}
		return r.err
	}
	if err != nil {
		r.err = fmt.Errorf("failed to read CSV header: %w", err)
		return r.err
	}
	r.next = first
	r.nextLine, _ = r.reader.FieldPos(0)

	if !r.opts.HasHeader {
		r.headers = make([]string, len(first))
		for i := range first {
			r.headers[i] = "column_" + strconv.Itoa(i+1)
		}
		return nil
	}

	header, _, err := r.advance()
	if err != nil {
		r.err = fmt.Errorf("failed to read CSV header: %w", err)
		return r.err
	}
	r.headers = normalizeHeaders(header)
	return nil
}

// normalizeHeaders trims names, names blank columns by position and suffixes
// duplicates so every key in a Row is unique.
func normalizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	used := make(map[string]bool, len(raw))

	for i, name := range raw {
		name = strings.TrimSpace(name)
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		candidate := name
		for n := 2; used[candidate]; n++ {
			candidate = name + "_" + strconv.Itoa(n)
		}
		used[candidate] = true
		headers[i] = candidate
	}

	return headers
}

// Headers returns the column names, reading the header row if necessary
func (r *CSVReader) Headers() ([]string, error) {
	if err := r.start(); err != nil {
		return nil, err
	}
	return r.headers, nil
}

// ExtraFields counts records that had more fields than the header
func (r *CSVReader) ExtraFields() int64 {
	return r.extraFields
}

func (r *CSVReader) toRow(record []string) Row {
	row := make(Row, len(r.headers))
	for i, name := range r.headers {
		if i >= len(record) {
			row[name] = nil
			continue
		}
		if r.opts.EmptyAsNull && record[i] == "" {
			row[name] = nil
			continue
		}
		row[name] = record[i]
	}
	if len(record) > len(r.headers) {
		r.extraFields++
	}
	return row
}

// nextRow returns the next data row or io.EOF
func (r *CSVReader) nextRow() (Row, error) {
	if err := r.start(); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.next == nil && r.done {
		return nil, io.EOF
	}

	record, _, err := r.advance()
	if err != nil {
		r.err = err
		return nil, err
	}
	return r.toRow(record), nil
}

// Rows yields every data row once. Iteration stops after the first error.
func (r *CSVReader) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for {
			row, err := r.nextRow()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// ReadChunk reads up to chunkSize rows. An empty result means the stream is
// exhausted. When a record fails to decode, the rows read before it are
// returned together with the error.
func (r *CSVReader) ReadChunk(chunkSize int) ([]Row, error) {
	rows := make([]Row, 0, chunkSize)

	for len(rows) < chunkSize {
		row, err := r.nextRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// Close closes the underlying reader if it's closable
func (r *CSVReader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// CountRecords returns an upper bound on the number of data rows in r. Quoted
// line breaks and blank lines make the true number smaller, never larger.
func CountRecords(r io.Reader, hasHeader bool) (int64, error) {
	buf := make([]byte, 256*1024)

	var lines int64
	var last byte
	var seen bool
	for {
		n, err := r.Read(buf)
		if n > 0 {
			seen = true
			lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to count records: %w", err)
		}
	}

	if seen && last != '\n' {
		lines++
	}
	if hasHeader && lines > 0 {
		lines--
	}
	return lines, nil
}

// bomReader drops a leading UTF-8 byte order mark
type bomReader struct {
	br      *bufio.Reader
	checked bool
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		if prefix, _ := b.br.Peek(len(utf8BOM)); bytes.Equal(prefix, utf8BOM) {
			_, _ = b.br.Discard(len(utf8BOM))
		}
	}
	return b.br.Read(p)
}

// quote tracker states
const (
	fieldStart = iota
	unquoted
	inQuoted
	quoteSeen
)

// quoteTracker watches the raw bytes handed to encoding/csv. With LazyQuotes
// the csv package silently accepts a quoted field that runs to EOF; the
// tracker remembers whether the stream ended inside one.
type quoteTracker struct {
	r     io.Reader
	delim byte
	state int
}

func (q *quoteTracker) Read(p []byte) (int, error) {
	n, err := q.r.Read(p)
	for _, b := range p[:n] {
		q.step(b)
	}
	return n, err
}

func (q *quoteTracker) step(b byte) {
	switch q.state {
	case fieldStart:
		switch b {
		case '"':
			q.state = inQuoted
		case q.delim, '\n':
		default:
			q.state = unquoted
		}
	case unquoted:
		if b == q.delim || b == '\n' {
			q.state = fieldStart
		}
	case inQuoted:
		if b == '"' {
			q.state = quoteSeen
		}
	case quoteSeen:
		switch b {
		case q.delim, '\n':
			q.state = fieldStart
		case '\r':
		default:
			// doubled quote, or a bare quote the lazy parser keeps inside the field
			q.state = inQuoted
		}
	}
}

func (q *quoteTracker) unterminated() bool {
	return q.state == inQuoted
}
