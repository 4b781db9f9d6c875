package finance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/finance"
	"orderline/internal/migrate"
	"orderline/internal/repo"
)

func newLedger(t *testing.T) finance.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return finance.New(conn, config.Default("test-ledger"))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func post(t *testing.T, l finance.Ledger, lines []finance.Line) error {
	t.Helper()
	tx, err := l.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := l.PostTx(context.Background(), tx, nil, "USD", lines, "ops"); err != nil {
		return err
	}
	return tx.Commit()
}

func TestPostTxRefusesUnbalancedEntries(t *testing.T) {
	l := newLedger(t)
	cases := []struct {
		name  string
		lines []finance.Line
	}{
		{"empty", nil},
		{"one-sided", []finance.Line{{Account: "1000", Debit: d("10")}}},
		{"mismatched", []finance.Line{
			{Account: "1000", Debit: d("10")},
			{Account: "4000", Credit: d("9")},
		}},
		{"negative", []finance.Line{
			{Account: "1000", Debit: d("-10")},
			{Account: "4000", Credit: d("-10")},
		}},
		{"both-sides", []finance.Line{
			{Account: "1000", Debit: d("10"), Credit: d("10")},
			{Account: "4000", Credit: d("10")},
		}},
		{"zero", []finance.Line{
			{Account: "1000", Debit: d("0")},
			{Account: "4000", Credit: d("0")},
		}},
	}
	for _, c := range cases {
		if err := post(t, l, c.lines); !errors.Is(err, finance.ErrUnbalancedEntry) {
			t.Errorf("%s: expected ErrUnbalancedEntry, got %v", c.name, err)
		}
	}
	// Nothing was written on any refusal.
	entries, err := l.Repo.ListJournalEntries(context.Background(), repo.JournalFilters{})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty journal, got %d entries", len(entries))
	}
}

func TestPostTxWritesBalancedLines(t *testing.T) {
	l := newLedger(t)
	err := post(t, l, []finance.Line{
		{Account: "1000", Debit: d("25.50"), Memo: "cash in"},
		{Account: "4000", Credit: d("25.50"), Memo: "revenue"},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	entries, err := l.Repo.ListJournalEntries(context.Background(), repo.JournalFilters{})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two lines, got %d", len(entries))
	}
}

// fulfill posts the revenue side for a synthetic transaction and returns it.
func fulfill(t *testing.T, l finance.Ledger, revenue, cogs string) domain.Transaction {
	t.Helper()
	ctx := context.Background()
	now := l.Now().UTC().Format(time.RFC3339)
	txn := domain.Transaction{
		ID:           uuid.NewString(),
		Counterparty: "acme",
		Kind:         "SERVICE",
		ItemCode:     "consulting-day",
		Quantity:     "1",
		UnitPrice:    revenue,
		Currency:     "USD",
		Status:       "FULFILLED",
		RequestedBy:  "sales-agent",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := l.Repo.InsertTransaction(ctx, tx, txn); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
	if _, err := l.PostFulfillmentTx(ctx, tx, txn, d(revenue), d(cogs), l.Config.Accounts.AccountsPayable, "ops"); err != nil {
		t.Fatalf("post fulfillment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return txn
}

func TestFulfillmentIssuesSequentialInvoices(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	first := fulfill(t, l, "100.00", "30.00")
	second := fulfill(t, l, "50.00", "15.00")

	inv1, err := l.Repo.GetInvoiceByTransaction(ctx, first.ID)
	if err != nil {
		t.Fatalf("invoice 1: %v", err)
	}
	inv2, err := l.Repo.GetInvoiceByTransaction(ctx, second.ID)
	if err != nil {
		t.Fatalf("invoice 2: %v", err)
	}
	if inv1.Number != "INV-000001" || inv2.Number != "INV-000002" {
		t.Fatalf("unexpected numbers: %s %s", inv1.Number, inv2.Number)
	}
	balance, err := l.Repo.LatestARBalance(ctx, nil, inv1.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !d(balance).Equal(d("100")) {
		t.Fatalf("opening balance = %s, want 100", balance)
	}
}

func TestApplyReceiptPartialThenFull(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	txn := fulfill(t, l, "100.00", "30.00")

	s, err := l.ApplyReceipt(ctx, txn.ID, d("40"), "USD", "BANK-1", "ops")
	if err != nil {
		t.Fatalf("partial receipt: %v", err)
	}
	if !d(s.Amount).Equal(d("40")) {
		t.Fatalf("settlement amount = %s", s.Amount)
	}
	inv, _ := l.Repo.GetInvoiceByTransaction(ctx, txn.ID)
	if inv.Status != "PARTIALLY_PAID" {
		t.Fatalf("expected PARTIALLY_PAID, got %s", inv.Status)
	}

	// Anything above the remaining 60 must be refused.
	if _, err := l.ApplyReceipt(ctx, txn.ID, d("60.01"), "USD", "BANK-2", "ops"); !errors.Is(err, finance.ErrOverpayment) {
		t.Fatalf("expected overpayment, got %v", err)
	}

	if _, err := l.ApplyReceipt(ctx, txn.ID, d("60"), "USD", "BANK-3", "ops"); err != nil {
		t.Fatalf("closing receipt: %v", err)
	}
	inv, _ = l.Repo.GetInvoiceByTransaction(ctx, txn.ID)
	if inv.Status != "PAID" || inv.SettledAt == nil {
		t.Fatalf("expected PAID, got %+v", inv)
	}
	balance, _ := l.Repo.LatestARBalance(ctx, nil, inv.ID)
	if !d(balance).Equal(d("0")) {
		t.Fatalf("closing balance = %s, want 0", balance)
	}
}

func TestApplyReceiptValidation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.ApplyReceipt(ctx, "missing", d("10"), "", "", "ops"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	txn := fulfill(t, l, "10.00", "3.00")
	if _, err := l.ApplyReceipt(ctx, txn.ID, d("0"), "", "", "ops"); err == nil {
		t.Fatalf("expected error for non-positive receipt")
	}
}

func TestSettleObligation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	o, err := l.PostPayrollCost(ctx, d("250"), "USD", "autonomy", "controller-agent")
	if err != nil {
		t.Fatalf("payroll cost: %v", err)
	}
	if o.Status != "OPEN" || o.SourceType != "AUTONOMY_PAYROLL" {
		t.Fatalf("unexpected obligation: %+v", o)
	}

	settled, err := l.SettleObligation(ctx, o.ID, "controller-agent")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != "SETTLED" || settled.SettledAt == nil {
		t.Fatalf("expected SETTLED, got %+v", settled)
	}
	if _, err := l.SettleObligation(ctx, o.ID, "controller-agent"); err == nil {
		t.Fatalf("expected error settling twice")
	}

	// Accrual and payment together leave the payable account flat and the
	// journal balanced.
	entries, err := l.Repo.ListJournalEntries(ctx, repo.JournalFilters{Account: l.Config.Accounts.AccountsPayableOther})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	net := decimal.Zero
	for _, e := range entries {
		net = net.Add(d(e.Debit)).Sub(d(e.Credit))
	}
	if !net.IsZero() {
		t.Fatalf("payable net = %s, want 0", net)
	}
}

func TestVoidInvoice(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	txn := fulfill(t, l, "100.00", "30.00")
	inv, err := l.Repo.GetInvoiceByTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}

	voided, err := l.VoidInvoice(ctx, inv.ID, "duplicate order", "controller-agent")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != "VOID" {
		t.Fatalf("status = %s, want VOID", voided.Status)
	}
	balance, err := l.Repo.LatestARBalance(ctx, nil, inv.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !d(balance).IsZero() {
		t.Fatalf("balance after void = %s, want 0", balance)
	}
	// The reversal cancels the revenue posting.
	entries, err := l.Repo.ListJournalEntries(ctx, repo.JournalFilters{Account: l.Config.Accounts.Revenue})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	net := decimal.Zero
	for _, e := range entries {
		net = net.Add(d(e.Debit)).Sub(d(e.Credit))
	}
	if !net.IsZero() {
		t.Fatalf("revenue net after void = %s, want 0", net)
	}

	if _, err := l.VoidInvoice(ctx, inv.ID, "again", "controller-agent"); !errors.Is(err, finance.ErrInvoiceNotVoidable) {
		t.Fatalf("expected ErrInvoiceNotVoidable, got %v", err)
	}
}

func TestVoidRefusedAfterReceipt(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	txn := fulfill(t, l, "100.00", "30.00")
	if _, err := l.ApplyReceipt(ctx, txn.ID, d("40"), "USD", "BANK-1", "ops"); err != nil {
		t.Fatalf("receipt: %v", err)
	}
	inv, err := l.Repo.GetInvoiceByTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if _, err := l.VoidInvoice(ctx, inv.ID, "too late", "controller-agent"); !errors.Is(err, finance.ErrInvoiceNotVoidable) {
		t.Fatalf("expected ErrInvoiceNotVoidable, got %v", err)
	}
}

func TestCancelObligation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	o, err := l.PostPayrollCost(ctx, d("75"), "USD", "autonomy", "controller-agent")
	if err != nil {
		t.Fatalf("payroll cost: %v", err)
	}

	cancelled, err := l.CancelObligation(ctx, o.ID, "duplicate accrual", "controller-agent")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != "CANCELLED" {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}
	// The reversal leaves both accrual accounts flat.
	for _, account := range []string{l.Config.Accounts.AccountsPayableOther, l.Config.Accounts.AutonomyExpense} {
		entries, err := l.Repo.ListJournalEntries(ctx, repo.JournalFilters{Account: account})
		if err != nil {
			t.Fatalf("journal %s: %v", account, err)
		}
		net := decimal.Zero
		for _, e := range entries {
			net = net.Add(d(e.Debit)).Sub(d(e.Credit))
		}
		if !net.IsZero() {
			t.Fatalf("account %s net = %s, want 0", account, net)
		}
	}

	if _, err := l.CancelObligation(ctx, o.ID, "again", "controller-agent"); !errors.Is(err, finance.ErrObligationNotCancellable) {
		t.Fatalf("expected ErrObligationNotCancellable, got %v", err)
	}
	if _, err := l.SettleObligation(ctx, o.ID, "controller-agent"); err == nil {
		t.Fatalf("expected error settling a cancelled obligation")
	}
}

func TestServiceDeliveryObligationAccounts(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	o, err := l.CreateObligationTx(ctx, tx, nil, "SERVICE_DELIVERY", "subcontractor", d("40"), "USD", "ops-agent")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if o.SourceType != "SERVICE_DELIVERY" {
		t.Fatalf("source type = %s", o.SourceType)
	}
	// Service delivery accrues into COGS against trade payables.
	for account, want := range map[string]string{
		l.Config.Accounts.COGS:            "40",
		l.Config.Accounts.AccountsPayable: "-40",
	} {
		entries, err := l.Repo.ListJournalEntries(ctx, repo.JournalFilters{Account: account})
		if err != nil {
			t.Fatalf("journal %s: %v", account, err)
		}
		net := decimal.Zero
		for _, e := range entries {
			net = net.Add(d(e.Debit)).Sub(d(e.Credit))
		}
		if !net.Equal(d(want)) {
			t.Fatalf("account %s net = %s, want %s", account, net, want)
		}
	}
}

func TestApplyReceiptRejectsWrongCurrency(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	txn := fulfill(t, l, "100.00", "30.00")
	if _, err := l.ApplyReceipt(ctx, txn.ID, d("40"), "EUR", "BANK-1", "ops"); !errors.Is(err, finance.ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
	// Nothing was written: the invoice is untouched.
	inv, err := l.Repo.GetInvoiceByTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if inv.Status != "ISSUED" {
		t.Fatalf("status = %s, want ISSUED", inv.Status)
	}
	settlements, err := l.Repo.ListSettlementsForTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("settlements: %v", err)
	}
	if len(settlements) != 0 {
		t.Fatalf("expected no settlements, got %+v", settlements)
	}
}
