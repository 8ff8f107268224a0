package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"banksetl/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

ReplaceTable runs DROP, CREATE and a COPY of all rows inside one pgx
transaction, so readers see either the previous table or the new one.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New opens a small pool for cfg.DSN and verifies connectivity.
//
// The database named in the DSN must match cfg.Database. pgx would otherwise
// fall back to PGDATABASE or the user name.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if pcfg.ConnConfig.Database != cfg.Database {
		return nil, fmt.Errorf("%w: dsn database %q does not match %q",
			storage.ErrMissingDatabase, pcfg.ConnConfig.Database, cfg.Database)
	}
	pcfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
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

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, buildDropSQL(spec.Name)); err != nil {
		return 0, fmt.Errorf("postgres: drop %s: %w", spec.Name, err)
	}
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("postgres: create %s: %w", spec.Name, err)
	}

	var n int64
	if len(rows) > 0 {
		n, err = tx.CopyFrom(ctx, tableIdentifier(spec.Name), spec.ColumnNames(),
			pgx.CopyFromRows(storage.ConformRows(spec, rows)))
		if err != nil {
			return 0, fmt.Errorf("postgres: copy into %s: %w", spec.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return n, nil
}

// pgType maps a logical column type to Postgres DDL.
func pgType(t storage.LogicalType) (string, error) {
	switch t {
	case storage.TypeText:
		return "TEXT", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeDouble:
		return "DOUBLE PRECISION", nil
	case storage.TypeBoolean:
		return "BOOLEAN", nil
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", t)
	}
}

// buildCreateSQL renders CREATE TABLE for spec. Pure, so it is unit tested
// without a database.
func buildCreateSQL(spec storage.TableSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("table %s: no columns", spec.Name)
	}

	defs := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s column %s: %w", spec.Name, c.Name, err)
		}
		def := pgIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n);", pgTableIdent(spec.Name), strings.Join(defs, ",\n  ")), nil
}

func buildDropSQL(table string) string {
	return "DROP TABLE IF EXISTS " + pgTableIdent(table) + ";"
}

// pgIdent double-quotes an identifier, escaping embedded quotes. Quoting keeps
// mixed-case names such as "Banks" intact.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.banks" => ("public", "banks")
//   - "banks"        => ("", "banks")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func tableIdentifier(name string) pgx.Identifier {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{schema, table}
}
