package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// OpenPostgres opens a PostgreSQL connection pool using pgx.
// If maxConns or minConns are 0, they default to 25 and 5 respectively.
func OpenPostgres(dsn string, maxConns, minConns int) (*sqlx.DB, error) {
	database, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	database.SetMaxOpenConns(maxConns)
	database.SetMaxIdleConns(minConns)

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return database, nil
}

// OpenPostgresPool opens a Pool where reader and writer share the same
// underlying pgx pool.
func OpenPostgresPool(dsn string, maxConns, minConns int) (*Pool, error) {
	database, err := OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	return NewPool(database, database), nil
}
