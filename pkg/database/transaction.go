package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type txContextKey string

const txKey = txContextKey("tx-context-key")

// Tx is a handle on a database transaction. Commit and Rollback only take
// effect on the handle that began the transaction; handles returned for an
// already-open context transaction are participants and their Commit/Rollback
// calls are no-ops, leaving the outcome to the owner.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	IsOpen() bool
}

type transaction struct {
	tx       *sqlx.Tx
	logger   ectologger.Logger
	isClosed bool
}

type participantTx struct {
	owner *transaction
}

func (p participantTx) Commit(ctx context.Context) error   { return nil }
func (p participantTx) Rollback(ctx context.Context) error { return nil }
func (p participantTx) IsOpen() bool                       { return p.owner.IsOpen() }

func getTx(ctx context.Context, logger ectologger.Logger, db *sqlx.DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing := openTxFromContext(ctx); existing != nil {
		return ctx, participantTx{owner: existing}, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction")
	}

	owner := &transaction{tx: tx, logger: logger}
	ctx = context.WithValue(ctx, txKey, owner)
	return ctx, owner, nil
}

func openTxFromContext(ctx context.Context) *transaction {
	tx, ok := ctx.Value(txKey).(*transaction)
	if !ok || tx == nil || tx.isClosed {
		return nil
	}
	return tx
}

func (t *transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	if err := t.tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction")
	}

	t.isClosed = true
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	if err := t.tx.Rollback(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction")
	}

	t.isClosed = true
	return nil
}
