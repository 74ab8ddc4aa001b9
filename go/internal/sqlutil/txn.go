package sqlutil

import (
	"context"
	"database/sql"
	"errors"
)

// WithTx runs fn inside a transaction. The transaction rolls back when fn
// returns an error and commits otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// ExecAll runs each statement in order inside one transaction.
func ExecAll(ctx context.Context, db *sql.DB, statements ...string) error {
	return WithTx(ctx, db, func(tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
