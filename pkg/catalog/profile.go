package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/malbeclabs/analyst/pkg/duck"
)

// formatFor picks the reader from the file extension.
func formatFor(location string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(location))
	if ext == ".gz" {
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(location, filepath.Ext(location))))
	}
	switch ext {
	case ".csv", ".tsv", ".txt":
		return FormatCSV, nil
	case ".parquet", ".pq":
		return FormatParquet, nil
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported dataset file type %q", ext)
	}
}

func readerExpr(format Format, location string) string {
	switch format {
	case FormatParquet:
		return fmt.Sprintf("read_parquet(%s)", duck.QuoteString(location))
	case FormatJSON:
		return fmt.Sprintf("read_json_auto(%s)", duck.QuoteString(location))
	default:
		return fmt.Sprintf("read_csv_auto(%s)", duck.QuoteString(location))
	}
}

type profiler struct {
	db                   duck.DB
	sampleValues         int
	dimensionCardinality int64
}

func (p *profiler) profile(ctx context.Context, format Format, location string) ([]Column, int64, time.Time, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	reader := readerExpr(format, location)

	columns, err := describe(ctx, conn, reader)
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	if len(columns) == 0 {
		return nil, 0, time.Time{}, fmt.Errorf("dataset has no columns")
	}

	// One scan for the row count plus distinct and non-null counts per column.
	exprs := []string{"count(*)"}
	for _, c := range columns {
		col := duck.QuoteIdent(c.Name)
		exprs = append(exprs, fmt.Sprintf("count(DISTINCT %s)", col), fmt.Sprintf("count(%s)", col))
	}
	counts := make([]int64, len(exprs))
	ptrs := make([]any, len(exprs))
	for i := range counts {
		ptrs[i] = &counts[i]
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), reader)
	if err := conn.QueryRowContext(ctx, query).Scan(ptrs...); err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("failed to compute column statistics: %w", err)
	}

	rows := counts[0]
	for i := range columns {
		distinct, nonNull := counts[1+2*i], counts[2+2*i]
		columns[i].Distinct = distinct
		if rows > 0 {
			columns[i].NullFraction = float64(rows-nonNull) / float64(rows)
		}
		columns[i].Role = p.role(columns[i], rows)

		samples, err := p.samples(ctx, conn, reader, columns[i].Name)
		if err != nil {
			return nil, 0, time.Time{}, err
		}
		columns[i].Samples = samples
	}

	through, err := latest(ctx, conn, reader, columns)
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	return columns, rows, through, nil
}

// latest returns the greatest value across the date and timestamp columns.
func latest(ctx context.Context, conn duck.Connection, reader string, columns []Column) (time.Time, error) {
	var out time.Time
	for _, c := range columns {
		if c.Role != RoleTime || strings.EqualFold(c.Type, "TIME") {
			continue
		}
		var v sql.NullTime
		query := fmt.Sprintf("SELECT max(CAST(%s AS TIMESTAMP)) FROM %s", duck.QuoteIdent(c.Name), reader)
		if err := conn.QueryRowContext(ctx, query).Scan(&v); err != nil {
			return time.Time{}, fmt.Errorf("failed to find latest %s: %w", c.Name, err)
		}
		if v.Valid && v.Time.After(out) {
			out = v.Time.UTC()
		}
	}
	return out, nil
}

func describe(ctx context.Context, conn duck.Connection, reader string) ([]Column, error) {
	rows, err := conn.QueryContext(ctx, "DESCRIBE SELECT * FROM "+reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var columns []Column
	for rows.Next() {
		values := make([]sql.NullString, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan column description: %w", err)
		}
		// column_name, column_type, null, key, default, extra
		columns = append(columns, Column{Name: values[0].String, Type: values[1].String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column descriptions: %w", err)
	}
	return columns, nil
}

func (p *profiler) samples(ctx context.Context, conn duck.Connection, reader, column string) ([]string, error) {
	if p.sampleValues <= 0 {
		return nil, nil
	}
	col := duck.QuoteIdent(column)
	query := fmt.Sprintf("SELECT DISTINCT CAST(%s AS VARCHAR) AS v FROM %s WHERE %s IS NOT NULL ORDER BY v LIMIT %d", col, reader, col, p.sampleValues)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to sample column %s: %w", column, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan sample of %s: %w", column, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *profiler) role(c Column, rows int64) Role {
	typ := strings.ToUpper(c.Type)
	switch {
	case isTemporal(typ):
		return RoleTime
	case identifierName(c.Name):
		return RoleIdentifier
	case isNumeric(typ):
		return RoleMetric
	case typ == "VARCHAR" && rows > 1 && c.Distinct == rows:
		return RoleIdentifier
	case (typ == "VARCHAR" || typ == "BOOLEAN") && c.Distinct > 1 && c.Distinct <= p.dimensionCardinality:
		return RoleDimension
	default:
		return RoleText
	}
}

func isTemporal(typ string) bool {
	return typ == "DATE" || typ == "TIME" || strings.HasPrefix(typ, "TIMESTAMP")
}

func isNumeric(typ string) bool {
	if strings.HasPrefix(typ, "DECIMAL") || strings.HasPrefix(typ, "NUMERIC") {
		return true
	}
	switch typ {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT", "UHUGEINT",
		"FLOAT", "REAL", "DOUBLE":
		return true
	}
	return false
}

// identifierName matches id, order_id, orderId and ORDER_ID but not paid or valid.
func identifierName(name string) bool {
	lower := strings.ToLower(name)
	return lower == "id" ||
		strings.HasSuffix(lower, "_id") ||
		strings.HasSuffix(name, "Id") ||
		strings.HasSuffix(name, "ID")
}

func quality(columns []Column) float64 {
	if len(columns) == 0 {
		return 0
	}
	var nulls float64
	for _, c := range columns {
		nulls += c.NullFraction
	}
	return 1 - nulls/float64(len(columns))
}
