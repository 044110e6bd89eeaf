// Package pg connects to PostgreSQL through github.com/jackc/pgx/v5 and runs
// schema migrations with github.com/pressly/goose/v3 from an embedded file system.
package pg
