package database

import (
	"context"
	"database/sql"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey).(*sqlx.Tx)
	return tx
}

func withTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions, fn func(ctx context.Context, q Querier) error) (err error) {
	if tx := txFromContext(ctx); tx != nil {
		// the outer caller owns commit and rollback
		return fn(ctx, tx)
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return errors.Wrap(err, "error while beginning transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.WithContext(ctx).WithError(rbErr).Errorf("error while rolling back transaction")
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return errors.Wrap(err, "error while committing transaction")
	}
	return nil
}
