package database

import "github.com/huandu/go-sqlbuilder"

// Dialect identifies the SQL family behind a driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectFor maps a database/sql driver name to its dialect. Unknown drivers
// are treated as Postgres.
func DialectFor(driverName string) Dialect {
	switch driverName {
	case "sqlite", "sqlite3":
		return DialectSQLite
	default:
		return DialectPostgres
	}
}

// Flavor returns the sqlbuilder flavor for the dialect.
func (d Dialect) Flavor() sqlbuilder.Flavor {
	if d == DialectSQLite {
		return sqlbuilder.SQLite
	}
	return sqlbuilder.PostgreSQL
}

// SupportsRowLocks reports whether SELECT ... FOR UPDATE is available.
// SQLite serializes writers with immediate transactions instead.
func (d Dialect) SupportsRowLocks() bool {
	return d == DialectPostgres
}
