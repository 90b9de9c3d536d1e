package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/airframesio/csv-importer/cmd/formatters"
	"github.com/airframesio/csv-importer/cmd/metrics"
	"github.com/airframesio/csv-importer/cmd/progress"
	"github.com/lib/pq"
)

// Static errors for loading
var (
	ErrBulkInsert          = errors.New("bulk insert failed")
	ErrNoMatchingColumns   = errors.New("no CSV header matches a column of the target table")
	ErrInvalidConflict     = errors.New("invalid conflict configuration")
	ErrStopped             = errors.New("load stopped before completion")
	ErrBatchSizeInvalid    = errors.New("batch size must be positive")
	ErrChunkSizeInvalid    = errors.New("chunk size must be positive")
	ErrUnknownConflictMode = errors.New("conflict action must be nothing or update")
)

// Conflict actions
const (
	ConflictNothing = "nothing"
	ConflictUpdate  = "update"
)

// BatchError reports the data rows (1-based, excluding the header) of the
// batch that failed to insert.
type BatchError struct {
	FirstRow int64
	LastRow  int64
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: rows %d-%d: %v", ErrBulkInsert, e.FirstRow, e.LastRow, e.Err)
}

func (e *BatchError) Unwrap() []error {
	return []error{ErrBulkInsert, e.Err}
}

// Target is everything an Inserter needs to write one batch
type Target struct {
	Table           string
	Columns         []Column // in the order of each row's values
	ConflictColumns []string
	Action          string
}

// Inserter writes batches into a table. Each InsertBatch call is atomic.
type Inserter interface {
	TableColumns(ctx context.Context, table string) ([]Column, error)
	InsertBatch(ctx context.Context, target Target, rows [][]any) (int64, error)
}

// RowSource is satisfied by *formatters.CSVReader
type RowSource interface {
	Headers() ([]string, error)
	ReadChunk(n int) ([]formatters.Row, error)
}

// Config controls batching and conflict handling
type Config struct {
	BatchSize       int      // rows per insert transaction
	ChunkSize       int      // rows per read from the decoder
	ConflictColumns []string // unique key used for upserts
	ConflictAction  string   // nothing or update
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w, got %d", ErrBatchSizeInvalid, c.BatchSize)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeInvalid, c.ChunkSize)
	}
	switch c.ConflictAction {
	case "", ConflictNothing:
	case ConflictUpdate:
		if len(c.ConflictColumns) == 0 {
			return fmt.Errorf("%w: update requires conflict columns", ErrInvalidConflict)
		}
	default:
		return fmt.Errorf("%w, got %q", ErrUnknownConflictMode, c.ConflictAction)
	}
	return nil
}

// action resolves the default: upsert when a key is given, otherwise skip
// conflicting rows.
func (c *Config) action() string {
	if c.ConflictAction != "" {
		return c.ConflictAction
	}
	if len(c.ConflictColumns) > 0 {
		return ConflictUpdate
	}
	return ConflictNothing
}

// DefaultConfig returns the stock batch and chunk sizes
func DefaultConfig() Config {
	return Config{BatchSize: 1000, ChunkSize: 2000}
}

// Request describes one load
type Request struct {
	JobID    string
	Table    string
	Rows     RowSource
	SkipRows int64       // data rows already committed by an earlier attempt
	Stop     func() bool // checked between batches
}

// Result summarizes a load
type Result struct {
	Inserted  int64 `json:"inserted"`  // rows the database reported as written
	Processed int64 `json:"processed"` // rows sent in committed batches
	Skipped   int64 `json:"skipped"`   // rows skipped to resume
	Batches   int   `json:"batches"`
}

// Loader streams rows from a decoder into a table in fixed size batches
type Loader struct {
	inserter Inserter
	tracker  progress.Tracker
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a loader. tracker may be nil when nobody polls.
func New(inserter Inserter, tracker progress.Tracker, config Config, logger *slog.Logger) (*Loader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Loader{
		inserter: inserter,
		tracker:  tracker,
		config:   config,
		logger:   logger,
	}, nil
}

// WithMetrics attaches batch collectors
func (l *Loader) WithMetrics(m *metrics.Metrics) *Loader {
	l.metrics = m
	return l
}

// mapping pairs a CSV header with the table column it feeds
type mapping struct {
	header string
	column Column
}

// mapColumns matches headers to columns, exact names first and then
// case-insensitively. Unmatched headers are returned for logging.
func mapColumns(headers []string, columns []Column) ([]mapping, []string) {
	exact := make(map[string]Column, len(columns))
	folded := make(map[string]Column, len(columns))
	for _, col := range columns {
		exact[col.Name] = col
		lower := strings.ToLower(col.Name)
		if _, taken := folded[lower]; !taken {
			folded[lower] = col
		}
	}

	used := make(map[string]bool, len(columns))
	var mapped []mapping
	var unmatched []string
	for _, header := range headers {
		col, ok := exact[header]
		if !ok {
			col, ok = folded[strings.ToLower(strings.TrimSpace(header))]
		}
		if !ok || used[col.Name] {
			unmatched = append(unmatched, header)
			continue
		}
		used[col.Name] = true
		mapped = append(mapped, mapping{header: header, column: col})
	}

	return mapped, unmatched
}

func (l *Loader) target(table string, mapped []mapping, columns []Column) (Target, error) {
	target := Target{Table: table, Action: l.config.action()}
	for _, m := range mapped {
		target.Columns = append(target.Columns, m.column)
	}

	known := make(map[string]string, len(columns))
	for _, col := range columns {
		known[strings.ToLower(col.Name)] = col.Name
	}
	for _, key := range l.config.ConflictColumns {
		name, ok := known[strings.ToLower(key)]
		if !ok {
			return Target{}, fmt.Errorf("%w: conflict column %q is not in %s", ErrInvalidConflict, key, table)
		}
		target.ConflictColumns = append(target.ConflictColumns, name)
	}

	if target.Action == ConflictUpdate {
		mappedNames := make(map[string]bool, len(mapped))
		for _, m := range mapped {
			mappedNames[m.column.Name] = true
		}
		for _, key := range target.ConflictColumns {
			if !mappedNames[key] {
				return Target{}, fmt.Errorf("%w: conflict column %q has no CSV header", ErrInvalidConflict, key)
			}
		}
	}

	return target, nil
}

// Load reads every row from req.Rows and inserts them batch by batch. The
// progress record of req.JobID advances after each committed batch.
func (l *Loader) Load(ctx context.Context, req Request) (Result, error) {
	var result Result

	headers, err := req.Rows.Headers()
	if err != nil {
		return result, err
	}

	columns, err := l.inserter.TableColumns(ctx, req.Table)
	if err != nil {
		return result, fmt.Errorf("failed to read columns of %s: %w", req.Table, err)
	}

	mapped, unmatched := mapColumns(headers, columns)
	if len(mapped) == 0 {
		return result, fmt.Errorf("%w: headers %v, table %s", ErrNoMatchingColumns, headers, req.Table)
	}
	if len(unmatched) > 0 {
		l.logger.Warn(fmt.Sprintf("⚠️  Ignoring CSV columns not in %s: %s", req.Table, strings.Join(unmatched, ", ")))
	}

	target, err := l.target(req.Table, mapped, columns)
	if err != nil {
		return result, err
	}

	var keyIndexes []int
	if target.Action == ConflictUpdate {
		for _, key := range target.ConflictColumns {
			for i, col := range target.Columns {
				if col.Name == key {
					keyIndexes = append(keyIndexes, i)
				}
			}
		}
	}

	batch := make([][]any, 0, l.config.BatchSize)
	var rowNum int64 // data rows read so far, including skipped ones
	var batchStart int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if req.Stop != nil && req.Stop() {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		first, last := batchStart, batchStart+int64(len(batch))-1
		rows := batch
		if keyIndexes != nil {
			rows = dedupeByKey(batch, keyIndexes)
		}

		inserted, err := l.inserter.InsertBatch(ctx, target, rows)
		if err != nil {
			l.metrics.BatchFailed()
			return &BatchError{FirstRow: first, LastRow: last, Err: err}
		}
		l.metrics.BatchCommitted(len(rows))

		result.Inserted += inserted
		result.Processed += int64(len(batch))
		result.Batches++

		if l.tracker != nil {
			if _, err := l.tracker.Advance(ctx, req.JobID, int64(len(batch))); err != nil {
				return fmt.Errorf("failed to record progress after rows %d-%d: %w", first, last, err)
			}
		}
		l.logger.Debug(fmt.Sprintf("Committed rows %d-%d into %s (%d written)", first, last, req.Table, inserted))

		batch = make([][]any, 0, l.config.BatchSize)
		return nil
	}

	for {
		chunk, readErr := req.Rows.ReadChunk(l.config.ChunkSize)

		for _, row := range chunk {
			rowNum++
			if rowNum <= req.SkipRows {
				result.Skipped++
				continue
			}
			if len(batch) == 0 {
				batchStart = rowNum
			}
			batch = append(batch, rowValues(row, mapped))
			if len(batch) >= l.config.BatchSize {
				if err := flush(); err != nil {
					return result, err
				}
			}
		}

		if readErr != nil {
			// rows decoded before the bad record still go in
			if err := flush(); err != nil {
				return result, err
			}
			return result, readErr
		}
		if len(chunk) == 0 {
			break
		}
	}

	if err := flush(); err != nil {
		return result, err
	}

	return result, nil
}

func rowValues(row formatters.Row, mapped []mapping) []any {
	values := make([]any, len(mapped))
	for i, m := range mapped {
		values[i] = row[m.header]
	}
	return values
}

// dedupeByKey keeps the last row for each conflict key. Postgres refuses to
// update the same row twice in one ON CONFLICT DO UPDATE statement.
func dedupeByKey(rows [][]any, keyIndexes []int) [][]any {
	lastIndex := make(map[string]int, len(rows))
	keys := make([]string, len(rows))
	var sb strings.Builder
	for i, row := range rows {
		sb.Reset()
		for _, k := range keyIndexes {
			if row[k] == nil {
				sb.WriteString("\x00N")
			} else {
				sb.WriteString(strconv.Quote(fmt.Sprint(row[k])))
			}
			sb.WriteByte(0)
		}
		keys[i] = sb.String()
		lastIndex[keys[i]] = i
	}
	if len(lastIndex) == len(rows) {
		return rows
	}

	out := make([][]any, 0, len(lastIndex))
	for i, row := range rows {
		if lastIndex[keys[i]] == i {
			out = append(out, row)
		}
	}
	return out
}

// conflictClause renders ON CONFLICT for the target
func conflictClause(target Target) string {
	if len(target.ConflictColumns) == 0 {
		return " ON CONFLICT DO NOTHING"
	}

	keys := make([]string, len(target.ConflictColumns))
	isKey := make(map[string]bool, len(keys))
	for i, key := range target.ConflictColumns {
		keys[i] = pq.QuoteIdentifier(key)
		isKey[key] = true
	}
	clause := fmt.Sprintf(" ON CONFLICT (%s)", strings.Join(keys, ", "))

	if target.Action != ConflictUpdate {
		return clause + " DO NOTHING"
	}

	var sets []string
	for _, col := range target.Columns {
		if isKey[col.Name] {
			continue
		}
		quoted := pq.QuoteIdentifier(col.Name)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
	}
	if len(sets) == 0 {
		return clause + " DO NOTHING"
	}
	return clause + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func quotedColumns(columns []Column) []string {
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = pq.QuoteIdentifier(col.Name)
	}
	return names
}
