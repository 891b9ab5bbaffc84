// Package ledger maintains the double-entry bookkeeping for every trading
// account. Each transaction posts equal, offsetting debit and credit
// amounts; entries are immutable and balances are always re-derivable by
// summing the entry log.
//
// Balances are stored signed and debit-positive for every account type:
// a debit adds to the balance, a credit subtracts. Equity accounts
// therefore carry negative balances, and the whole chart nets to zero.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/ids"
	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/store"
)

// accountTypes maps chart account names to their classification.
var accountTypes = map[string]model.LedgerAccountType{
	model.LedgerNameCash:       model.LedgerAsset,
	model.LedgerNameSecurities: model.LedgerAsset,
	model.LedgerNameEquity:     model.LedgerEquity,
	model.LedgerNameCommission: model.LedgerExpense,
}

// Leg is one side of a transaction before it is resolved against the
// chart of accounts.
type Leg struct {
	AccountName   string
	Type          model.EntryType
	Amount        decimal.Decimal
	Description   string
	ReferenceType string
	ReferenceID   string
}

// Service posts balanced transactions and answers balance queries.
type Service struct {
	store store.Store
}

// NewService creates a ledger service over the given store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// SeedAccount creates the standard chart for a new trading account and
// posts the opening balance: DEBIT Cash / CREDIT Equity for initialCash.
func (s *Service) SeedAccount(ctx context.Context, a *model.Account) error {
	now := time.Now().UTC()
	for name, typ := range accountTypes {
		la := &model.LedgerAccount{
			ID:        uuid.New().String(),
			AccountID: a.ID,
			Type:      typ,
			Name:      name,
			Balance:   decimal.Zero,
			CreatedAt: now,
		}
		if err := s.store.CreateLedgerAccount(ctx, la); err != nil {
			return fmt.Errorf("seed ledger account %s: %w", name, err)
		}
	}

	if a.InitialCash.IsZero() {
		return nil
	}

	legs := []Leg{
		{model.LedgerNameCash, model.EntryDebit, a.InitialCash, "opening balance", "account", a.ID},
		{model.LedgerNameEquity, model.EntryCredit, a.InitialCash, "opening balance", "account", a.ID},
	}
	_, err := s.Post(ctx, a.ID, ids.New(), legs)
	return err
}

// FillLegs builds the balanced legs for one execution. BUY: DEBIT
// Securities, CREDIT Cash for the trade value. SELL: DEBIT Cash, CREDIT
// Securities. Commission is always a separate expense leg (DEBIT
// Commission Expense / CREDIT Cash), never netted into the trade value.
func FillLegs(e *model.Execution) []Leg {
	value := e.Notional()
	desc := fmt.Sprintf("%s %s %s @ %s", e.Side, e.Quantity, e.Symbol, e.Price)

	var legs []Leg
	if e.Side == model.SideBuy {
		legs = []Leg{
			{model.LedgerNameSecurities, model.EntryDebit, value, desc, "execution", e.ID},
			{model.LedgerNameCash, model.EntryCredit, value, desc, "execution", e.ID},
		}
	} else {
		legs = []Leg{
			{model.LedgerNameCash, model.EntryDebit, value, desc, "execution", e.ID},
			{model.LedgerNameSecurities, model.EntryCredit, value, desc, "execution", e.ID},
		}
	}

	if e.Commission.IsPositive() {
		cdesc := fmt.Sprintf("commission on %s", e.ID)
		legs = append(legs,
			Leg{model.LedgerNameCommission, model.EntryDebit, e.Commission, cdesc, "execution", e.ID},
			Leg{model.LedgerNameCash, model.EntryCredit, e.Commission, cdesc, "execution", e.ID},
		)
	}
	return legs
}

// Prepare validates and resolves legs into finalized entries without
// writing them. Callers embed the result in an atomic fill bundle. The
// caller must hold the account's serialization lock so that the balances
// read here cannot move before the bundle is applied.
func (s *Service) Prepare(ctx context.Context, accountID, txID string, legs []Leg) ([]model.LedgerEntry, error) {
	if err := checkBalanced(txID, legs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	running := make(map[string]decimal.Decimal) // ledgerAccountID → balance within batch
	entries := make([]model.LedgerEntry, 0, len(legs))

	for _, leg := range legs {
		if !leg.Amount.IsPositive() {
			return nil, &brokererr.ValidationError{Field: "amount", Reason: "ledger entry amount must be > 0"}
		}
		la, err := s.ensureLedgerAccount(ctx, accountID, leg.AccountName)
		if err != nil {
			return nil, err
		}

		bal, seen := running[la.ID]
		if !seen {
			bal = la.Balance
		}
		if leg.Type == model.EntryDebit {
			bal = bal.Add(leg.Amount)
		} else {
			bal = bal.Sub(leg.Amount)
		}
		running[la.ID] = bal

		entries = append(entries, model.LedgerEntry{
			ID:              ids.New(),
			LedgerAccountID: la.ID,
			AccountID:       accountID,
			TransactionID:   txID,
			Type:            leg.Type,
			Amount:          leg.Amount,
			BalanceAfter:    bal,
			Description:     leg.Description,
			ReferenceType:   leg.ReferenceType,
			ReferenceID:     leg.ReferenceID,
			CreatedAt:       now,
		})
	}
	return entries, nil
}

// Post validates, finalizes, and writes a balanced transaction.
func (s *Service) Post(ctx context.Context, accountID, txID string, legs []Leg) ([]model.LedgerEntry, error) {
	entries, err := s.Prepare(ctx, accountID, txID, legs)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendLedgerEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("post transaction %s: %w", txID, err)
	}
	return entries, nil
}

// GetBalance returns the signed balance of one chart account.
func (s *Service) GetBalance(ctx context.Context, accountID, name string) (decimal.Decimal, error) {
	la, err := s.store.GetLedgerAccount(ctx, accountID, name)
	if err != nil {
		return decimal.Zero, err
	}
	return la.Balance, nil
}

// CashBalance returns the account's available cash before reservations.
func (s *Service) CashBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.GetBalance(ctx, accountID, model.LedgerNameCash)
}

// IntegrityReport summarizes the accounting identity for one account.
// Drift is (assets + expenses) - (liabilities + equity); anything beyond
// rounding tolerance indicates a logic defect.
type IntegrityReport struct {
	AccountID            string          `json:"account_id"`
	Assets               decimal.Decimal `json:"assets"`
	Expenses             decimal.Decimal `json:"expenses"`
	LiabilitiesAndEquity decimal.Decimal `json:"liabilities_and_equity"`
	Drift                decimal.Decimal `json:"drift"`
	Balanced             bool            `json:"balanced"`
	BalancesInSync       bool            `json:"balances_in_sync"`
}

// integrityTolerance absorbs NUMERIC round-tripping noise; the in-process
// decimal math itself is exact.
var integrityTolerance = decimal.New(1, -6)

// VerifyIntegrity recomputes assets vs liabilities+equity from the stored
// chart and cross-checks every balance against the summed entry log. The
// chart and the log are read in two calls with no account serialization,
// so a fill landing between them can transiently report
// BalancesInSync=false on a healthy account; treat that as a cue to
// re-run, not as corruption.
func (s *Service) VerifyIntegrity(ctx context.Context, accountID string) (*IntegrityReport, error) {
	accts, err := s.store.ListLedgerAccounts(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}

	sums := make(map[string]decimal.Decimal)
	for _, e := range entries {
		sums[e.LedgerAccountID] = sums[e.LedgerAccountID].Add(e.Signed())
	}

	rep := &IntegrityReport{AccountID: accountID, BalancesInSync: true}
	for _, la := range accts {
		if !sums[la.ID].Equal(la.Balance) {
			rep.BalancesInSync = false
		}
		switch la.Type {
		case model.LedgerAsset:
			rep.Assets = rep.Assets.Add(la.Balance)
		case model.LedgerExpense:
			rep.Expenses = rep.Expenses.Add(la.Balance)
		case model.LedgerLiability, model.LedgerEquity:
			// Credit-normal: negate the signed balance for reporting.
			rep.LiabilitiesAndEquity = rep.LiabilitiesAndEquity.Add(la.Balance.Neg())
		}
	}

	rep.Drift = rep.Assets.Add(rep.Expenses).Sub(rep.LiabilitiesAndEquity)
	rep.Balanced = rep.Drift.Abs().LessThanOrEqual(integrityTolerance) && rep.BalancesInSync
	return rep, nil
}

// ensureLedgerAccount returns the chart row for (account, name), creating
// it lazily on first use.
func (s *Service) ensureLedgerAccount(ctx context.Context, accountID, name string) (*model.LedgerAccount, error) {
	la, err := s.store.GetLedgerAccount(ctx, accountID, name)
	if err == nil {
		return la, nil
	}
	typ, known := accountTypes[name]
	if !known {
		return nil, &brokererr.ValidationError{Field: "account_name", Reason: "unknown ledger account " + name}
	}
	la = &model.LedgerAccount{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Type:      typ,
		Name:      name,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateLedgerAccount(ctx, la); err != nil {
		return nil, err
	}
	return la, nil
}

// checkBalanced enforces Σdebits == Σcredits, exactly.
func checkBalanced(txID string, legs []Leg) error {
	var debits, credits decimal.Decimal
	for _, l := range legs {
		if l.Type == model.EntryDebit {
			debits = debits.Add(l.Amount)
		} else {
			credits = credits.Add(l.Amount)
		}
	}
	if !debits.Equal(credits) {
		return &brokererr.LedgerImbalanceError{TransactionID: txID, Debits: debits, Credits: credits}
	}
	return nil
}
