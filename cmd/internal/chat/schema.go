package chat

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// SchemaSQL returns the DDL for the given schema name.
func SchemaSQL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return "", errors.New("chat: invalid schema identifier")
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// ApplySchema creates Parla's tables if they do not exist yet.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("chat: nil pool")
	}
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, ddl)
	return err
}
