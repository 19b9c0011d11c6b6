package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" driver
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// ConnConfig describes how to reach the store.
type ConnConfig struct {
	// Driver is "postgres" (lib/pq), "pgx" (pgx stdlib) or "sqlite" (modernc)
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string

	// Path is the database file for sqlite
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the driver specific connection string.
func (c ConnConfig) DSN() string {
	switch DialectFor(c.Driver) {
	case DialectSQLite:
		q := url.Values{}
		q.Add("_txlock", "immediate")
		q.Add("_pragma", "busy_timeout(5000)")
		q.Add("_pragma", "foreign_keys(1)")
		return "file:" + c.Path + "?" + q.Encode()
	default:
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
}

// Connect opens and pings the database and wraps it as a DB.
func Connect(ctx context.Context, cfg ConnConfig, logger ectologger.Logger) (DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s database", cfg.Driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if DialectFor(cfg.Driver) == DialectSQLite {
		// a single writer connection keeps immediate transactions from contending
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to connect to %s database", cfg.Driver)
	}

	logger.WithContext(ctx).Infof("Connected to %s database", cfg.Driver)
	return NewDatabaseInstance(db, logger), nil
}
