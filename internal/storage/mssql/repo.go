package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// registers the "sqlserver" database/sql driver
	_ "github.com/microsoft/go-mssqldb"

	"banksetl/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameters per request.
const maxParams = 2000

// Repo implements storage.Repository for Microsoft SQL Server.
//
// ReplaceTable runs, in one transaction:
//
//	IF OBJECT_ID(N'<table>', N'U') IS NOT NULL DROP TABLE <table>;
//	CREATE TABLE <table> (...);
//	INSERT INTO <table> (...) VALUES (...), ...   -- chunked
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and validates connectivity
// via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: connect: %w", err)
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

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
		return 0, fmt.Errorf("mssql: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, buildDropSQL(spec.Name)); err != nil {
		return 0, fmt.Errorf("mssql: drop %s: %w", spec.Name, err)
	}
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("mssql: create %s: %w", spec.Name, err)
	}

	columns := spec.ColumnNames()
	var total int64
	for _, chunk := range storage.ChunkRows(storage.ConformRows(spec, rows), len(columns), maxParams) {
		query, args := buildBulkInsertSQL(spec.Name, columns, chunk)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("mssql: insert into %s: %w", spec.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	committed = true
	return total, nil
}

func mssqlType(t storage.LogicalType) (string, error) {
	switch t {
	case storage.TypeText:
		return "NVARCHAR(MAX)", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "FLOAT", nil
	case storage.TypeBoolean:
		return "BIT", nil
	case storage.TypeTimestamp:
		return "DATETIMEOFFSET", nil
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

	defs := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		typ, err := mssqlType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s column %s: %w", spec.Name, c.Name, err)
		}
		null := " NOT NULL"
		if c.Nullable {
			null = " NULL"
		}
		defs = append(defs, mssqlIdent(c.Name)+" "+typ+null)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", mssqlTableIdent(spec.Name), strings.Join(defs, ",\n  ")), nil
}

// buildDropSQL drops the table when it exists. OBJECT_ID takes the name as a
// string literal, so single quotes are doubled.
func buildDropSQL(table string) string {
	ident := mssqlTableIdent(table)
	lit := strings.ReplaceAll(ident, "'", "''")
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;", lit, ident)
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.largest_banks_2025" -> [dbo].[largest_banks_2025]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
