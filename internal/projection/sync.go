package projection

import (
	"context"
	"database/sql"
	"fmt"

	"StreamPay/internal/core"
	"StreamPay/internal/ledger"
	"StreamPay/internal/registry"
	"StreamPay/internal/token"
)

// Sync rewrites every projection table from recovered core state, as of
// sequence lastSeq. It runs before the core starts so the tables never
// carry gaps left by dropped projection outputs.
func Sync(ctx context.Context, db *sql.DB, bank *token.Bank, factory *registry.Factory, lastSeq int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.pay_contracts`,
		`TRUNCATE projections.payers`,
		`TRUNCATE projections.streams`,
		`TRUNCATE projections.token_balances`,
		`DELETE FROM projections.watermark`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	for i, l := range factory.Ledgers() {
		tokenAddr := l.Token().Address()
		info, _ := bank.Info(tokenAddr)
		created := registry.PayContractCreated{Token: tokenAddr, Contract: l.Address(), Index: i}
		if err := upsertPayContract(ctx, tx, created, info, lastSeq); err != nil {
			return fmt.Errorf("pay contract %s: %w", l.Address().Hex(), err)
		}

		snap := l.Export()
		for _, p := range snap.Payers {
			if err := upsertPayer(ctx, tx, tokenAddr.Hex(), p, lastSeq); err != nil {
				return fmt.Errorf("payer %s: %w", p.Address.Hex(), err)
			}
		}
		for _, s := range snap.Streams {
			rec := ledger.StreamRecord{Key: s.Key, ID: s.Key.ID(), Start: s.Start}
			if err := applyStream(ctx, tx, tokenAddr.Hex(), rec, lastSeq); err != nil {
				return fmt.Errorf("stream %s: %w", rec.ID.Hex(), err)
			}
		}
	}

	for _, t := range bank.Export() {
		for _, h := range t.Balances {
			b := core.TokenBalance{Token: t.Info.Address, Account: h.Account, Amount: h.Amount}
			if err := upsertTokenBalance(ctx, tx, b, lastSeq); err != nil {
				return fmt.Errorf("balance %s: %w", h.Account.Hex(), err)
			}
		}
	}

	if err := setWatermark(ctx, tx, lastSeq); err != nil {
		return err
	}
	return tx.Commit()
}
