package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures what differs between the supported SQL databases.
type Dialect struct {
	Name string
	// Driver is the database/sql driver name.
	Driver string
	// ForUpdate is appended to row reads that must hold the row for the rest
	// of the transaction.
	ForUpdate string
	Schema    []string

	numbered    bool
	isDuplicate func(err error) bool
}

var (
	MySQL = Dialect{
		Name:      "mysql",
		Driver:    "mysql",
		ForUpdate: " FOR UPDATE",
		Schema:    mysqlSchema,
		isDuplicate: func(err error) bool {
			var myErr *mysql.MySQLError
			return errors.As(err, &myErr) && myErr.Number == 1062
		},
	}

	Postgres = Dialect{
		Name:      "postgres",
		Driver:    "postgres",
		ForUpdate: " FOR UPDATE",
		Schema:    standardSchema,
		numbered:  true,
		isDuplicate: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code == "23505"
		},
	}

	// SQLite serializes writers on its own, so rows are not locked explicitly.
	SQLite = Dialect{
		Name:   "sqlite",
		Driver: "sqlite",
		Schema: standardSchema,
		isDuplicate: func(err error) bool {
			var liteErr *sqlite.Error
			if !errors.As(err, &liteErr) {
				return false
			}
			code := liteErr.Code()
			return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
		},
	}
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case MySQL.Name:
		return MySQL, nil
	case Postgres.Name:
		return Postgres, nil
	case SQLite.Name:
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported sql dialect %q", name)
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
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

func (d Dialect) IsDuplicate(err error) bool {
	return err != nil && d.isDuplicate != nil && d.isDuplicate(err)
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_lines (
		variant_id        VARCHAR(128) NOT NULL PRIMARY KEY,
		total_quantity    INT          NOT NULL,
		reserved_quantity INT          NOT NULL,
		sold_quantity     INT          NOT NULL,
		serialized        BOOLEAN      NOT NULL,
		version           INT          NOT NULL,
		created_at        BIGINT       NOT NULL,
		updated_at        BIGINT       NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stock_units (
		variant_id     VARCHAR(128) NOT NULL,
		serial_number  VARCHAR(128) NOT NULL,
		reservation_id VARCHAR(64)  NOT NULL DEFAULT '',
		sold           BOOLEAN      NOT NULL DEFAULT FALSE,
		PRIMARY KEY (variant_id, serial_number)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id              VARCHAR(64)  NOT NULL PRIMARY KEY,
		variant_id      VARCHAR(128) NOT NULL,
		cart_session_id VARCHAR(128) NOT NULL,
		quantity        INT          NOT NULL,
		serial_numbers  TEXT         NOT NULL,
		status          VARCHAR(16)  NOT NULL,
		created_at      BIGINT       NOT NULL,
		expires_at      BIGINT       NOT NULL,
		updated_at      BIGINT       NOT NULL,
		INDEX idx_reservations_status_expires (status, expires_at),
		INDEX idx_reservations_session (cart_session_id, status)
	)`,
}

var standardSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_lines (
		variant_id        VARCHAR(128) NOT NULL PRIMARY KEY,
		total_quantity    INTEGER      NOT NULL,
		reserved_quantity INTEGER      NOT NULL,
		sold_quantity     INTEGER      NOT NULL,
		serialized        BOOLEAN      NOT NULL,
		version           INTEGER      NOT NULL,
		created_at        BIGINT       NOT NULL,
		updated_at        BIGINT       NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stock_units (
		variant_id     VARCHAR(128) NOT NULL,
		serial_number  VARCHAR(128) NOT NULL,
		reservation_id VARCHAR(64)  NOT NULL DEFAULT '',
		sold           BOOLEAN      NOT NULL DEFAULT FALSE,
		PRIMARY KEY (variant_id, serial_number)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id              VARCHAR(64)  NOT NULL PRIMARY KEY,
		variant_id      VARCHAR(128) NOT NULL,
		cart_session_id VARCHAR(128) NOT NULL,
		quantity        INTEGER      NOT NULL,
		serial_numbers  TEXT         NOT NULL,
		status          VARCHAR(16)  NOT NULL,
		created_at      BIGINT       NOT NULL,
		expires_at      BIGINT       NOT NULL,
		updated_at      BIGINT       NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_status_expires ON reservations (status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_session ON reservations (cart_session_id, status)`,
}
