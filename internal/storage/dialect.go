package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	// Register the pgx database/sql driver as "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Supported values for the driver argument of Open.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type dialect struct {
	name       string
	driverName string
	schema     []string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// insert ids come from RETURNING instead of LastInsertId
	returningID       bool
	prepareDSN        func(dsn string) (string, error)
	isUniqueViolation func(err error) bool
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:       DriverSQLite,
		driverName: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				email VARCHAR(100) UNIQUE NOT NULL,
				hashed_password VARCHAR(300) NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS expenses (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				category VARCHAR(40) NOT NULL,
				description VARCHAR(200),
				amount REAL,
				date DATETIME NOT NULL,
				user_id INTEGER REFERENCES users(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_expenses_user_date ON expenses (user_id, date)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id),
				expires_at DATETIME NOT NULL,
				last_activity DATETIME NOT NULL
			)`,
		},
		prepareDSN: func(dsn string) (string, error) { return dsn, nil },
		isUniqueViolation: func(err error) bool {
			var sqliteErr *sqlite.Error
			if !errors.As(err, &sqliteErr) {
				return false
			}
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return true
			case sqlite3.SQLITE_CONSTRAINT:
				// Extended result codes are off for this connection.
				return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
			}
			return false
		},
	},
	DriverMySQL: {
		name:       DriverMySQL,
		driverName: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				email VARCHAR(100) NOT NULL UNIQUE,
				hashed_password VARCHAR(300) NOT NULL,
				created_at DATETIME(6) NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS expenses (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				category VARCHAR(40) NOT NULL,
				description VARCHAR(200) NULL,
				amount DOUBLE NULL,
				date DATETIME(6) NOT NULL,
				user_id BIGINT NULL,
				INDEX idx_expenses_user_date (user_id, date),
				FOREIGN KEY (user_id) REFERENCES users(id)
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				token VARCHAR(64) PRIMARY KEY,
				user_id BIGINT NOT NULL,
				expires_at DATETIME(6) NOT NULL,
				last_activity DATETIME(6) NOT NULL,
				FOREIGN KEY (user_id) REFERENCES users(id)
			)`,
		},
		prepareDSN: func(dsn string) (string, error) {
			cfg, err := mysql.ParseDSN(dsn)
			if err != nil {
				return "", fmt.Errorf("invalid mysql dsn: %w", err)
			}
			// DATETIME columns must scan into time.Time and be stored in UTC.
			cfg.ParseTime = true
			cfg.Loc = time.UTC
			return cfg.FormatDSN(), nil
		},
		isUniqueViolation: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	},
	DriverPostgres: {
		name:       DriverPostgres,
		driverName: "pgx",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				email VARCHAR(100) NOT NULL UNIQUE,
				hashed_password VARCHAR(300) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS expenses (
				id BIGSERIAL PRIMARY KEY,
				category VARCHAR(40) NOT NULL,
				description VARCHAR(200),
				amount DOUBLE PRECISION,
				date TIMESTAMPTZ NOT NULL,
				user_id BIGINT REFERENCES users(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_expenses_user_date ON expenses (user_id, date)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				token VARCHAR(64) PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(id),
				expires_at TIMESTAMPTZ NOT NULL,
				last_activity TIMESTAMPTZ NOT NULL
			)`,
		},
		numbered:    true,
		returningID: true,
		prepareDSN:  func(dsn string) (string, error) { return dsn, nil },
		isUniqueViolation: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == "23505"
		},
	},
}

func dialectFor(driver string) (dialect, error) {
	d, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders for dialects that number their parameters.
// Queries in this package never contain a literal ? inside a string.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
