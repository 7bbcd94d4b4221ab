package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

// transaction wraps a pgx.Tx behind the uniform transaction contract.
type transaction struct {
	provider *Provider
	tx       pgx.Tx
}

var _ core.Transaction = (*transaction)(nil)

func (t *transaction) Insert(ctx context.Context, record *core.Record) error {
	if err := t.provider.ValidateRecord(record); err != nil {
		return err
	}
	table, err := t.provider.Table(record.Table)
	if err != nil {
		return err
	}
	sql, args := upsertSQL(table, record.Data)
	start := time.Now()
	_, err = t.tx.Exec(ctx, sql, args...)
	t.provider.Observe("tx_insert", start, err)
	if err != nil {
		return wrapPgErr(err, "transactional insert failed", record.Table)
	}
	return nil
}

func (t *transaction) Update(ctx context.Context, table string, criteria *core.Criteria, changes map[string]interface{}) (int64, error) {
	sql, args, err := updateSQL(table, criteria, changes)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	tag, err := t.tx.Exec(ctx, sql, args...)
	t.provider.Observe("tx_update", start, err)
	if err != nil {
		return 0, wrapPgErr(err, "transactional update failed", table)
	}
	return tag.RowsAffected(), nil
}

func (t *transaction) Delete(ctx context.Context, table string, criteria *core.Criteria) (int64, error) {
	sql, args, err := deleteSQL(table, criteria)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	tag, err := t.tx.Exec(ctx, sql, args...)
	t.provider.Observe("tx_delete", start, err)
	if err != nil {
		return 0, wrapPgErr(err, "transactional delete failed", table)
	}
	return tag.RowsAffected(), nil
}

func (t *transaction) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransaction, "commit failed").
			WithStage(errors.StageCommit)
	}
	return nil
}

func (t *transaction) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return errors.Wrap(err, errors.ErrorTypeTransaction, "rollback failed")
	}
	return nil
}
