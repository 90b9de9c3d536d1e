package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrTableNotFound is returned when information_schema has no columns for a table
var ErrTableNotFound = errors.New("table not found or has no columns")

// Column represents metadata about a database column
type Column struct {
	Name      string
	DataType  string
	UDTSchema string
	UDTName   string // PostgreSQL type name (e.g., int4, varchar, timestamptz)
}

// TypeName returns the schema qualified, quoted type for casts
func (c Column) TypeName() string {
	if c.UDTSchema == "" {
		return pq.QuoteIdentifier(c.UDTName)
	}
	return pq.QuoteIdentifier(c.UDTSchema) + "." + pq.QuoteIdentifier(c.UDTName)
}

const columnsQuery = `
	SELECT column_name, data_type, udt_schema, udt_name
	FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2
	ORDER BY ordinal_position
`

// splitTable turns "schema.table" into its parts, defaulting to public
func splitTable(name string) (string, string) {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return schema, table
	}
	return "public", name
}

// quoteTable quotes a possibly schema qualified table name
func quoteTable(name string) string {
	schema, table := splitTable(name)
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

// scanner is the part of *sql.Rows and pgx.Rows that column scanning needs
type scanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanColumns(rows scanner, table string) ([]Column, error) {
	var columns []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.UDTSchema, &col.UDTName); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schema rows: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return columns, nil
}

// queryColumns reads the column list through database/sql
func queryColumns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	schema, name := splitTable(table)

	rows, err := db.QueryContext(ctx, columnsQuery, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query table schema: %w", err)
	}
	defer rows.Close()

	return scanColumns(rows, table)
}
