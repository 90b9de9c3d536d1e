package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

const stageTable = "csv_import_stage"

// CopyInserter streams each batch with COPY into a text typed temp table and
// moves it into the target with INSERT ... SELECT, casting every column to
// its real type. The temp table lives only for the batch transaction.
type CopyInserter struct {
	pool *pgxpool.Pool
}

// NewCopyInserter opens a pgx pool
func NewCopyInserter(ctx context.Context, dsn string) (*CopyInserter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &CopyInserter{pool: pool}, nil
}

// Close releases the pool
func (c *CopyInserter) Close() {
	c.pool.Close()
}

func (c *CopyInserter) TableColumns(ctx context.Context, table string) ([]Column, error) {
	schema, name := splitTable(table)

	rows, err := c.pool.Query(ctx, columnsQuery, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query table schema: %w", err)
	}
	defer rows.Close()

	return scanColumns(rows, table)
}

func (c *CopyInserter) InsertBatch(ctx context.Context, target Target, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, buildStageTable(target)); err != nil {
		return 0, fmt.Errorf("create stage table: %w", describePgError(err))
	}

	names := make([]string, len(target.Columns))
	for i, col := range target.Columns {
		names[i] = col.Name
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stageTable}, names, pgx.CopyFromRows(textRows(rows))); err != nil {
		return 0, fmt.Errorf("copy into stage table: %w", describePgError(err))
	}

	tag, err := tx.Exec(ctx, buildStageInsert(target))
	if err != nil {
		return 0, fmt.Errorf("insert from stage table: %w", describePgError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", describePgError(err))
	}
	return tag.RowsAffected(), nil
}

func buildStageTable(target Target) string {
	defs := make([]string, len(target.Columns))
	for i, col := range target.Columns {
		defs[i] = pq.QuoteIdentifier(col.Name) + " text"
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP",
		pq.QuoteIdentifier(stageTable), strings.Join(defs, ", "))
}

func buildStageInsert(target Target) string {
	casts := make([]string, len(target.Columns))
	for i, col := range target.Columns {
		casts[i] = fmt.Sprintf("CAST(%s AS %s)", pq.QuoteIdentifier(col.Name), col.TypeName())
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s%s",
		quoteTable(target.Table),
		strings.Join(quotedColumns(target.Columns), ", "),
		strings.Join(casts, ", "),
		pq.QuoteIdentifier(stageTable),
		conflictClause(target),
	)
}

// textRows makes sure every value is a string or nil for the text columns
func textRows(rows [][]any) [][]any {
	for _, row := range rows {
		for i, v := range row {
			switch v.(type) {
			case nil, string:
			default:
				row[i] = fmt.Sprint(v)
			}
		}
	}
	return rows
}

func describePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("%w (%s)", err, pgErr.Detail)
	}
	return err
}
