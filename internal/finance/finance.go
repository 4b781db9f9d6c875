package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

var (
	// ErrUnbalancedEntry rejects any posting whose debits and credits
	// do not sum to the same amount.
	ErrUnbalancedEntry = errors.New("journal entry does not balance")
	// ErrOverpayment rejects a receipt larger than the open invoice balance.
	ErrOverpayment = errors.New("receipt exceeds open balance")
	// ErrInvoiceNotVoidable rejects voiding once cash has been applied.
	ErrInvoiceNotVoidable = errors.New("invoice cannot be voided")
	// ErrObligationNotCancellable rejects cancelling a settled or already
	// cancelled obligation.
	ErrObligationNotCancellable = errors.New("obligation cannot be cancelled")
	// ErrCurrencyMismatch rejects a receipt denominated in a currency other
	// than the invoice's.
	ErrCurrencyMismatch = errors.New("receipt currency does not match invoice")
)

// Ledger posts double-entry journals and maintains the AR/AP subledgers.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (l Ledger) now() string {
	return l.Now().UTC().Format(time.RFC3339)
}

// Line is one side of a journal posting.
type Line struct {
	Account string
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Memo    string
}

// PostTx writes a balanced set of journal lines inside the caller's
// transaction. The balance check runs before anything is written.
func (l Ledger) PostTx(ctx context.Context, tx *sql.Tx, transactionID *string, currency string, lines []Line, actorID string) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: no lines", ErrUnbalancedEntry)
	}
	debits, credits := decimal.Zero, decimal.Zero
	for _, line := range lines {
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: negative amount on account %s", ErrUnbalancedEntry, line.Account)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("%w: account %s has both sides set", ErrUnbalancedEntry, line.Account)
		}
		debits = debits.Add(line.Debit)
		credits = credits.Add(line.Credit)
	}
	if !debits.Equal(credits) {
		return fmt.Errorf("%w: debits %s != credits %s", ErrUnbalancedEntry, debits.String(), credits.String())
	}
	if debits.IsZero() {
		return fmt.Errorf("%w: zero posting", ErrUnbalancedEntry)
	}
	now := l.now()
	for _, line := range lines {
		entry := domain.JournalEntry{
			ID:            uuid.NewString(),
			TransactionID: transactionID,
			Account:       line.Account,
			Debit:         line.Debit.String(),
			Credit:        line.Credit.String(),
			Currency:      currency,
			Memo:          line.Memo,
			PostedAt:      now,
		}
		if err := l.Repo.InsertJournalEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	entityID := ""
	if transactionID != nil {
		entityID = *transactionID
	}
	return l.Events.Append(ctx, tx, "journal.posted", "transaction", entityID, actorID, events.EventPayload{
		"lines": len(lines), "total": debits.String(), "currency": currency,
	})
}

// nextInvoiceNumber derives a sequential human-readable number.
func (l Ledger) nextInvoiceNumber(ctx context.Context, tx *sql.Tx) (string, error) {
	n, err := l.Repo.CountInvoices(ctx, tx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%06d", n+1), nil
}

// PostFulfillmentTx books the whole revenue side of a fulfilled
// transaction inside the caller's transaction: revenue and COGS journal
// lines, the invoice, and the opening AR subledger entry.
func (l Ledger) PostFulfillmentTx(ctx context.Context, tx *sql.Tx, txn domain.Transaction, revenue, cogs decimal.Decimal, cogsCreditAccount, actorID string) (domain.Invoice, error) {
	lines := []Line{
		{Account: l.Config.Accounts.AccountsReceivable, Debit: revenue, Memo: "revenue receivable " + txn.ID},
		{Account: l.Config.Accounts.Revenue, Credit: revenue, Memo: "revenue " + txn.ID},
	}
	if cogs.IsPositive() {
		lines = append(lines,
			Line{Account: l.Config.Accounts.COGS, Debit: cogs, Memo: "cost of goods sold " + txn.ID},
			Line{Account: cogsCreditAccount, Credit: cogs, Memo: "cost relief " + txn.ID},
		)
	}
	if err := l.PostTx(ctx, tx, &txn.ID, txn.Currency, lines, actorID); err != nil {
		return domain.Invoice{}, err
	}

	number, err := l.nextInvoiceNumber(ctx, tx)
	if err != nil {
		return domain.Invoice{}, err
	}
	now := l.Now().UTC()
	due := now.AddDate(0, 0, l.Config.Execution.PaymentTermsDays)
	inv := domain.Invoice{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		Number:        number,
		Counterparty:  txn.Counterparty,
		Amount:        revenue.String(),
		Currency:      txn.Currency,
		Status:        "ISSUED",
		IssuedAt:      now.Format(time.RFC3339),
		DueAt:         due.Format(time.RFC3339),
		UpdatedAt:     now.Format(time.RFC3339),
	}
	if err := l.Repo.InsertInvoice(ctx, tx, inv); err != nil {
		return inv, err
	}
	if err := l.Repo.InsertARSubledgerEntry(ctx, tx, domain.ARSubledgerEntry{
		ID:            uuid.NewString(),
		InvoiceID:     inv.ID,
		TransactionID: txn.ID,
		EntryType:     "ISSUE",
		Debit:         revenue.String(),
		Credit:        decimal.Zero.String(),
		BalanceAfter:  revenue.String(),
		Currency:      txn.Currency,
		Memo:          "invoice " + number,
		PostedAt:      inv.IssuedAt,
	}); err != nil {
		return inv, err
	}
	return inv, l.Events.Append(ctx, tx, "invoice.issued", "invoice", inv.ID, actorID, events.EventPayload{
		"transaction_id": txn.ID, "number": number, "amount": inv.Amount, "currency": inv.Currency,
	})
}

// accrualAccounts maps an obligation source type to the accounts its
// accrual journal touches. Procurement accrues into inventory, service
// delivery into cost of goods sold, autonomy payroll into the expense
// account.
func (l Ledger) accrualAccounts(sourceType string) (debit, credit string) {
	switch sourceType {
	case "PROCUREMENT":
		return l.Config.Accounts.Inventory, l.Config.Accounts.AccountsPayable
	case "SERVICE_DELIVERY":
		return l.Config.Accounts.COGS, l.Config.Accounts.AccountsPayable
	default:
		return l.Config.Accounts.AutonomyExpense, l.Config.Accounts.AccountsPayableOther
	}
}

// CreateObligationTx opens an AP obligation with its accrual journal and
// subledger entry inside the caller's transaction.
func (l Ledger) CreateObligationTx(ctx context.Context, tx *sql.Tx, transactionID *string, sourceType, counterparty string, amount decimal.Decimal, currency, actorID string) (domain.APObligation, error) {
	debitAccount, creditAccount := l.accrualAccounts(sourceType)
	now := l.Now().UTC()
	due := now.AddDate(0, 0, l.Config.Execution.PaymentTermsDays)
	o := domain.APObligation{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		SourceType:    sourceType,
		Counterparty:  counterparty,
		Amount:        amount.String(),
		Currency:      currency,
		Status:        "OPEN",
		DueAt:         due.Format(time.RFC3339),
		CreatedAt:     now.Format(time.RFC3339),
		UpdatedAt:     now.Format(time.RFC3339),
	}
	if err := l.Repo.InsertAPObligation(ctx, tx, o); err != nil {
		return o, err
	}
	lines := []Line{
		{Account: debitAccount, Debit: amount, Memo: sourceType + " accrual " + o.ID},
		{Account: creditAccount, Credit: amount, Memo: sourceType + " payable " + o.ID},
	}
	if err := l.PostTx(ctx, tx, transactionID, currency, lines, actorID); err != nil {
		return o, err
	}
	if err := l.Repo.InsertAPSubledgerEntry(ctx, tx, domain.APSubledgerEntry{
		ID:            uuid.NewString(),
		ObligationID:  o.ID,
		TransactionID: transactionID,
		EntryType:     "ACCRUAL",
		Debit:         decimal.Zero.String(),
		Credit:        amount.String(),
		BalanceAfter:  amount.String(),
		Currency:      currency,
		Memo:          sourceType + " accrued",
		PostedAt:      o.CreatedAt,
	}); err != nil {
		return o, err
	}
	return o, l.Events.Append(ctx, tx, "obligation.opened", "obligation", o.ID, actorID, events.EventPayload{
		"source_type": sourceType, "amount": o.Amount, "currency": currency, "counterparty": counterparty,
	})
}

// ApplyReceipt matches an incoming payment to a transaction's invoice.
// The receipt must be denominated in the invoice's currency; an empty
// currency means the signal carried none and is taken at face value.
// Partial receipts reduce the open balance; a receipt above the open
// balance is refused with ErrOverpayment before anything is written.
func (l Ledger) ApplyReceipt(ctx context.Context, transactionID string, amount decimal.Decimal, currency, reference, actorID string) (domain.Settlement, error) {
	if !amount.IsPositive() {
		return domain.Settlement{}, fmt.Errorf("receipt amount must be positive")
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer tx.Rollback()

	inv, err := l.Repo.GetInvoiceByTransactionTx(ctx, tx, transactionID)
	if err != nil {
		return domain.Settlement{}, err
	}
	if currency != "" && currency != inv.Currency {
		return domain.Settlement{}, fmt.Errorf("%w: receipt in %s, invoice %s in %s", ErrCurrencyMismatch, currency, inv.Number, inv.Currency)
	}
	balanceStr, err := l.Repo.LatestARBalance(ctx, tx, inv.ID)
	if err != nil {
		return domain.Settlement{}, err
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("invoice %s balance: %w", inv.ID, err)
	}
	if amount.GreaterThan(balance) {
		return domain.Settlement{}, fmt.Errorf("%w: receipt %s, open balance %s on invoice %s", ErrOverpayment, amount.String(), balance.String(), inv.Number)
	}

	now := l.now()
	s := domain.Settlement{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		InvoiceID:     inv.ID,
		Amount:        amount.String(),
		Currency:      inv.Currency,
		Reference:     reference,
		ReceivedAt:    now,
	}
	if err := l.Repo.InsertSettlement(ctx, tx, s); err != nil {
		return s, err
	}
	newBalance := balance.Sub(amount)
	if err := l.Repo.InsertARSubledgerEntry(ctx, tx, domain.ARSubledgerEntry{
		ID:            uuid.NewString(),
		InvoiceID:     inv.ID,
		TransactionID: transactionID,
		EntryType:     "RECEIPT",
		Debit:         decimal.Zero.String(),
		Credit:        amount.String(),
		BalanceAfter:  newBalance.String(),
		Currency:      inv.Currency,
		Memo:          "receipt " + reference,
		PostedAt:      now,
	}); err != nil {
		return s, err
	}
	lines := []Line{
		{Account: l.Config.Accounts.Cash, Debit: amount, Memo: "receipt " + inv.Number},
		{Account: l.Config.Accounts.AccountsReceivable, Credit: amount, Memo: "receipt " + inv.Number},
	}
	if err := l.PostTx(ctx, tx, &transactionID, inv.Currency, lines, actorID); err != nil {
		return s, err
	}

	status := "PARTIALLY_PAID"
	var settledAt *string
	if newBalance.IsZero() {
		status = "PAID"
		settledAt = &now
	}
	if err := l.Repo.UpdateInvoiceStatus(ctx, tx, inv.ID, status, settledAt, now); err != nil {
		return s, err
	}
	if err := l.Events.Append(ctx, tx, "settlement.matched", "invoice", inv.ID, actorID, events.EventPayload{
		"transaction_id": transactionID, "amount": s.Amount, "balance_after": newBalance.String(), "status": status,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// VoidInvoice cancels an ISSUED invoice before any cash has been applied
// against it, reversing the revenue posting and zeroing the AR balance.
func (l Ledger) VoidInvoice(ctx context.Context, invoiceID, reason, actorID string) (domain.Invoice, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer tx.Rollback()

	inv, err := l.Repo.GetInvoiceTx(ctx, tx, invoiceID)
	if err != nil {
		return inv, err
	}
	if inv.Status != "ISSUED" {
		return inv, fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotVoidable, inv.Number, inv.Status)
	}
	amount, err := decimal.NewFromString(inv.Amount)
	if err != nil {
		return inv, fmt.Errorf("invoice %s amount: %w", inv.ID, err)
	}
	now := l.now()
	lines := []Line{
		{Account: l.Config.Accounts.Revenue, Debit: amount, Memo: "void " + inv.Number},
		{Account: l.Config.Accounts.AccountsReceivable, Credit: amount, Memo: "void " + inv.Number},
	}
	if err := l.PostTx(ctx, tx, &inv.TransactionID, inv.Currency, lines, actorID); err != nil {
		return inv, err
	}
	if err := l.Repo.InsertARSubledgerEntry(ctx, tx, domain.ARSubledgerEntry{
		ID:            uuid.NewString(),
		InvoiceID:     inv.ID,
		TransactionID: inv.TransactionID,
		EntryType:     "VOID",
		Debit:         decimal.Zero.String(),
		Credit:        amount.String(),
		BalanceAfter:  decimal.Zero.String(),
		Currency:      inv.Currency,
		Memo:          "void " + reason,
		PostedAt:      now,
	}); err != nil {
		return inv, err
	}
	if err := l.Repo.UpdateInvoiceStatus(ctx, tx, inv.ID, "VOID", nil, now); err != nil {
		return inv, err
	}
	if err := l.Events.Append(ctx, tx, "invoice.voided", "invoice", inv.ID, actorID, events.EventPayload{
		"transaction_id": inv.TransactionID, "amount": inv.Amount, "reason": reason,
	}); err != nil {
		return inv, err
	}
	if err := tx.Commit(); err != nil {
		return inv, err
	}
	return l.Repo.GetInvoice(ctx, inv.ID)
}

// SettleObligation pays an open AP obligation in full.
func (l Ledger) SettleObligation(ctx context.Context, obligationID, actorID string) (domain.APObligation, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APObligation{}, err
	}
	defer tx.Rollback()

	o, err := l.Repo.GetAPObligationTx(ctx, tx, obligationID)
	if err != nil {
		return o, err
	}
	if o.Status != "OPEN" {
		return o, fmt.Errorf("obligation %s is %s, not OPEN", obligationID, o.Status)
	}
	amount, err := decimal.NewFromString(o.Amount)
	if err != nil {
		return o, fmt.Errorf("obligation %s amount: %w", obligationID, err)
	}
	_, creditAccount := l.accrualAccounts(o.SourceType)
	now := l.now()
	lines := []Line{
		{Account: creditAccount, Debit: amount, Memo: "settle obligation " + obligationID},
		{Account: l.Config.Accounts.Cash, Credit: amount, Memo: "settle obligation " + obligationID},
	}
	if err := l.PostTx(ctx, tx, o.TransactionID, o.Currency, lines, actorID); err != nil {
		return o, err
	}
	if err := l.Repo.InsertAPSubledgerEntry(ctx, tx, domain.APSubledgerEntry{
		ID:            uuid.NewString(),
		ObligationID:  o.ID,
		TransactionID: o.TransactionID,
		EntryType:     "PAYMENT",
		Debit:         amount.String(),
		Credit:        decimal.Zero.String(),
		BalanceAfter:  decimal.Zero.String(),
		Currency:      o.Currency,
		Memo:          "obligation paid",
		PostedAt:      now,
	}); err != nil {
		return o, err
	}
	if err := l.Repo.UpdateAPObligationStatus(ctx, tx, o.ID, "SETTLED", &now, now); err != nil {
		return o, err
	}
	if err := l.Events.Append(ctx, tx, "obligation.settled", "obligation", o.ID, actorID, events.EventPayload{
		"amount": o.Amount, "currency": o.Currency,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return l.Repo.GetAPObligation(ctx, obligationID)
}

// CancelObligation reverses an open AP obligation's accrual and closes
// it without payment. Settled obligations cannot be cancelled.
func (l Ledger) CancelObligation(ctx context.Context, obligationID, reason, actorID string) (domain.APObligation, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APObligation{}, err
	}
	defer tx.Rollback()

	o, err := l.Repo.GetAPObligationTx(ctx, tx, obligationID)
	if err != nil {
		return o, err
	}
	if o.Status != "OPEN" {
		return o, fmt.Errorf("%w: obligation %s is %s", ErrObligationNotCancellable, obligationID, o.Status)
	}
	amount, err := decimal.NewFromString(o.Amount)
	if err != nil {
		return o, fmt.Errorf("obligation %s amount: %w", obligationID, err)
	}
	debitAccount, creditAccount := l.accrualAccounts(o.SourceType)
	now := l.now()
	lines := []Line{
		{Account: creditAccount, Debit: amount, Memo: "cancel obligation " + obligationID},
		{Account: debitAccount, Credit: amount, Memo: "cancel obligation " + obligationID},
	}
	if err := l.PostTx(ctx, tx, o.TransactionID, o.Currency, lines, actorID); err != nil {
		return o, err
	}
	if err := l.Repo.InsertAPSubledgerEntry(ctx, tx, domain.APSubledgerEntry{
		ID:            uuid.NewString(),
		ObligationID:  o.ID,
		TransactionID: o.TransactionID,
		EntryType:     "CANCEL",
		Debit:         amount.String(),
		Credit:        decimal.Zero.String(),
		BalanceAfter:  decimal.Zero.String(),
		Currency:      o.Currency,
		Memo:          "cancelled: " + reason,
		PostedAt:      now,
	}); err != nil {
		return o, err
	}
	if err := l.Repo.UpdateAPObligationStatus(ctx, tx, o.ID, "CANCELLED", nil, now); err != nil {
		return o, err
	}
	if err := l.Events.Append(ctx, tx, "obligation.cancelled", "obligation", o.ID, actorID, events.EventPayload{
		"amount": o.Amount, "currency": o.Currency, "reason": reason,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return l.Repo.GetAPObligation(ctx, obligationID)
}

// PostPayrollCost books a period's autonomy operating cost as an accrued
// obligation in its own transaction.
func (l Ledger) PostPayrollCost(ctx context.Context, amount decimal.Decimal, currency, counterparty, actorID string) (domain.APObligation, error) {
	if !amount.IsPositive() {
		return domain.APObligation{}, fmt.Errorf("payroll cost must be positive")
	}
	if currency == "" {
		currency = l.Config.Ledger.BaseCurrency
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APObligation{}, err
	}
	defer tx.Rollback()
	o, err := l.CreateObligationTx(ctx, tx, nil, "AUTONOMY_PAYROLL", counterparty, amount, currency, actorID)
	if err != nil {
		return o, err
	}
	return o, tx.Commit()
}
