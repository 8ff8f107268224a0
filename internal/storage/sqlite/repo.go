package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"banksetl/internal/storage"
)

// maxParams stays under SQLite's historical bind-parameter limit of 999.
const maxParams = 999

// Repo implements storage.Repository for SQLite.
//
// Differences from Postgres:
//   - The database is a file; storage.Config.Database is its path.
//   - SQLite has no timestamp or boolean storage class. Timestamps are stored
//     as RFC3339Nano text and booleans as 0/1 integers.
//   - There is no COPY, so rows go in as chunked multi-row INSERTs.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database file named by cfg.DSN and verifies it is usable.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer; keeps the transaction on a single connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// ReplaceTable implements storage.Repository.
func (r *Repo) ReplaceTable(ctx context.Context, spec storage.TableSpec, rows [][]any) (int64, error) {
	if err := spec.Validate(rows); err != nil {
		return 0, err
	}
	createSQL, err := buildCreateSQL(spec)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+sqlIdent(spec.Name)+";"); err != nil {
		return 0, fmt.Errorf("sqlite: drop %s: %w", spec.Name, err)
	}
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("sqlite: create %s: %w", spec.Name, err)
	}

	columns := spec.ColumnNames()
	var total int64
	for _, chunk := range storage.ChunkRows(storage.ConformRows(spec, rows), len(columns), maxParams) {
		query, args := buildInsertSQL(spec.Name, columns, chunk)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert into %s: %w", spec.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return total, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqliteType(t storage.LogicalType) (string, error) {
	switch t {
	case storage.TypeText, storage.TypeTimestamp:
		return "TEXT", nil
	case storage.TypeBigInt, storage.TypeBoolean:
		return "INTEGER", nil
	case storage.TypeDouble:
		return "REAL", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", t)
	}
}

func buildCreateSQL(spec storage.TableSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("table %s: no columns", spec.Name)
	}

	parts := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s column %s: %w", spec.Name, c.Name, err)
		}
		col := sqlIdent(c.Name) + " " + typ
		if !c.Nullable {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", sqlIdent(spec.Name), strings.Join(parts, ",\n  ")), nil
}

// buildInsertSQL builds one multi-row INSERT for rows.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			args = append(args, sqliteValue(v))
		}
	}
	return b.String(), args
}

func sqliteValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return formatSQLiteTime(t)
	}
	return v
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
