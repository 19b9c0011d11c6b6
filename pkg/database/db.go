package database

import (
	"context"
	"database/sql"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type DB interface {
	Querier
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	Stats() sql.DBStats

	// SQLDB exposes the underlying handle for drivers that need it (migrations).
	SQLDB() *sql.DB
	Dialect() Dialect

	// Conn returns the transaction carried by ctx, or the database itself.
	Conn(ctx context.Context) Querier
	// WithTx runs fn inside a transaction, joining one already carried by ctx.
	WithTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, q Querier) error) error
}

type DatabaseInstance struct {
	*sqlx.DB
	dialect Dialect
	logger  ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:      db,
		dialect: DialectFor(db.DriverName()),
		logger:  logger,
	}
}

func (db *DatabaseInstance) SQLDB() *sql.DB {
	return db.DB.DB
}

func (db *DatabaseInstance) Dialect() Dialect {
	return db.dialect
}

func (db *DatabaseInstance) Conn(ctx context.Context) Querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db.DB
}

func (db *DatabaseInstance) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, q Querier) error) error {
	return withTx(ctx, db.logger, db, opts, fn)
}
