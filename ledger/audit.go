package ledger

import (
	"context"
	"fmt"
)

// BalanceAudit compares an account's stored balance with the balance
// replayed from its transfers.
type BalanceAudit struct {
	Code       AccountCode
	LoadAmount Money
	Recorded   Money
	Computed   Money
	Transfers  int
}

// Consistent reports whether the stored balance matches the replay.
func (a BalanceAudit) Consistent() bool { return a.Recorded.Equal(a.Computed) }

// Discrepancy is Recorded − Computed.
func (a BalanceAudit) Discrepancy() Money { return a.Recorded.Sub(a.Computed) }

// ReplayBalance computes load + Σin − Σout for code over transfers.
func ReplayBalance(code AccountCode, load Money, transfers []Transfer) Money {
	balance := load
	for _, t := range transfers {
		balance = balance.Add(t.DeltaFor(code))
	}
	return balance
}

// AuditBalance checks the balance invariant for one account. The account
// and its transfers are read in the same transaction.
func (e *Engine) AuditBalance(ctx context.Context, code AccountCode) (BalanceAudit, error) {
	var audit BalanceAudit
	err := e.store.WithTx(ctx, func(s Store) error {
		acct, err := s.GetAccount(ctx, code)
		if err != nil {
			return err
		}
		txs, err := s.ListTransfers(ctx, code)
		if err != nil {
			return err
		}
		audit = BalanceAudit{
			Code:       acct.Code,
			LoadAmount: acct.LoadAmount,
			Recorded:   acct.Balance,
			Computed:   ReplayBalance(acct.Code, acct.LoadAmount, txs),
			Transfers:  len(txs),
		}
		return nil
	})
	return audit, err
}

// AuditAll audits every account and returns the audits in code order of
// creation. It stops at the first store error.
func (e *Engine) AuditAll(ctx context.Context) ([]BalanceAudit, error) {
	codes, err := e.store.ListAccountCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	audits := make([]BalanceAudit, 0, len(codes))
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return audits, err
		}
		a, err := e.AuditBalance(ctx, code)
		if err != nil {
			return audits, fmt.Errorf("audit %s: %w", code, err)
		}
		audits = append(audits, a)
	}
	return audits, nil
}
