package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Postgres caps bind parameters per statement at 65535
const maxParams = 65535

// SQLInserter writes batches as multi-row INSERT ... VALUES statements
// through database/sql and lib/pq.
type SQLInserter struct {
	db        *sql.DB
	maxParams int
}

// NewSQLInserter wraps an open *sql.DB
func NewSQLInserter(db *sql.DB) *SQLInserter {
	return &SQLInserter{db: db, maxParams: maxParams}
}

// Connect opens and pings a lib/pq connection
func Connect(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *SQLInserter) TableColumns(ctx context.Context, table string) ([]Column, error) {
	return queryColumns(ctx, s.db, table)
}

// InsertBatch runs one transaction. Statements are split so none exceeds the
// bind parameter limit.
func (s *SQLInserter) InsertBatch(ctx context.Context, target Target, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	perStatement := s.maxParams / len(target.Columns)
	if perStatement < 1 {
		return 0, fmt.Errorf("table %s has more columns than bind parameters allow", target.Table)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var affected int64
	for start := 0; start < len(rows); start += perStatement {
		end := start + perStatement
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		args := make([]any, 0, len(part)*len(target.Columns))
		for _, row := range part {
			args = append(args, row...)
		}

		result, err := tx.ExecContext(ctx, buildValuesInsert(target, len(part)), args...)
		if err != nil {
			return 0, describePQError(err)
		}
		n, _ := result.RowsAffected()
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", describePQError(err))
	}
	return affected, nil
}

func buildValuesInsert(target Target, rowCount int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		quoteTable(target.Table), strings.Join(quotedColumns(target.Columns), ", "))

	width := len(target.Columns)
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", r*width+c+1)
		}
		sb.WriteByte(')')
	}

	sb.WriteString(conflictClause(target))
	return sb.String()
}

// describePQError adds the server's detail line, which names the offending
// value, to the message.
func describePQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Detail != "" {
		return fmt.Errorf("%w (%s)", err, pqErr.Detail)
	}
	return err
}
