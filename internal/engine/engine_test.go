package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderline/internal/app"
	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/engine"
	"orderline/internal/migrate"
	"orderline/internal/policy"
	"orderline/internal/repo"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-ledger")
	cfg.Governance.PollInterval = "10ms"
	a := app.New(conn, cfg)
	if err := a.SyncConfig(context.Background()); err != nil {
		t.Fatalf("sync config: %v", err)
	}
	return a
}

// amountEq compares stored decimal strings by value, not by scale.
func amountEq(t *testing.T, got, want string) {
	t.Helper()
	g, err := decimal.NewFromString(got)
	if err != nil {
		t.Fatalf("parse %q: %v", got, err)
	}
	w := decimal.RequireFromString(want)
	if !g.Equal(w) {
		t.Fatalf("amount %s, want %s", got, want)
	}
}

func intakeService(t *testing.T, a *app.App, qty, price string) string {
	t.Helper()
	txn, err := a.Engine.Intake(context.Background(), engine.IntakeRequest{
		Counterparty: "acme",
		Kind:         "SERVICE",
		ItemCode:     "consulting-day",
		Quantity:     qty,
		UnitPrice:    price,
		Currency:     "USD",
		RequestedBy:  "sales-agent",
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	return txn.ID
}

func TestIntakeRejectionIsPersisted(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	txn, err := a.Engine.Intake(ctx, engine.IntakeRequest{
		Counterparty: "acme",
		Kind:         "PRODUCT",
		ItemCode:     "widget",
		Quantity:     "-3",
		UnitPrice:    "10.00",
		Currency:     "USD",
		RequestedBy:  "sales-agent",
	})
	if !errors.Is(err, engine.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	stored, err := a.Repo.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("rejected order not persisted: %v", err)
	}
	if stored.Status != "FAILED" || stored.FailureReason == nil || *stored.FailureReason != engine.FailureInvalidPayload {
		t.Fatalf("unexpected stored state: %+v", stored)
	}
}

func TestIntakeUnknownAgentRejected(t *testing.T) {
	a := newTestApp(t)
	txn, err := a.Engine.Intake(context.Background(), engine.IntakeRequest{
		Counterparty: "acme",
		Kind:         "SERVICE",
		ItemCode:     "consulting-day",
		Quantity:     "1",
		UnitPrice:    "50.00",
		Currency:     "USD",
		RequestedBy:  "ghost-agent",
	})
	if !errors.Is(err, engine.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if txn.Status != "FAILED" {
		t.Fatalf("expected FAILED, got %s", txn.Status)
	}
}

func TestServiceOrderFulfilled(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	id := intakeService(t, a, "2", "100.00")

	txn, err := a.Engine.Execute(ctx, id, "ops-agent")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if txn.Status != "FULFILLED" || txn.FulfilledAt == nil {
		t.Fatalf("expected FULFILLED, got %+v", txn)
	}

	inv, err := a.Repo.GetInvoiceByTransaction(ctx, id)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if inv.Status != "ISSUED" {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
	amountEq(t, inv.Amount, "200")

	// Service COGS accrues at the configured ratio of revenue.
	entries, err := a.Repo.ListJournalEntries(ctx, repo.JournalFilters{TransactionID: id, Account: a.Config.Accounts.COGS})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one COGS entry, got %+v", entries)
	}
	amountEq(t, entries[0].Debit, "60")
}

func TestProductOrderAutoProcures(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	txn, err := a.Engine.Intake(ctx, engine.IntakeRequest{
		Counterparty: "acme",
		Kind:         "PRODUCT",
		ItemCode:     "widget",
		Quantity:     "5",
		UnitPrice:    "20.00",
		Currency:     "USD",
		RequestedBy:  "sales-agent",
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}

	out, err := a.Engine.Execute(ctx, txn.ID, "ops-agent")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != "FULFILLED" {
		t.Fatalf("expected FULFILLED, got %s", out.Status)
	}

	// The shortage was auto-procured at 60% of the sale price and issued
	// back out, so the position ends flat.
	positions, err := a.Repo.ListStockPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
	amountEq(t, positions[0].OnHand, "0")
	amountEq(t, positions[0].Reserved, "0")

	obligations, err := a.Repo.ListAPObligations(ctx, repo.APObligationFilters{SourceType: "PROCUREMENT", TransactionID: txn.ID})
	if err != nil {
		t.Fatalf("obligations: %v", err)
	}
	if len(obligations) != 1 {
		t.Fatalf("expected one procurement obligation, got %+v", obligations)
	}
	amountEq(t, obligations[0].Amount, "60")

	entries, err := a.Repo.ListJournalEntries(ctx, repo.JournalFilters{TransactionID: txn.ID, Account: a.Config.Accounts.COGS})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one COGS entry, got %+v", entries)
	}
	// Issued at the 12.00 average cost the auto-procurement landed at.
	amountEq(t, entries[0].Debit, "60")
}

func TestProductOrderParksWithoutAutoProcure(t *testing.T) {
	a := newTestApp(t)
	a.Config.Execution.AutoProcure = false
	ctx := context.Background()
	txn, err := a.Engine.Intake(ctx, engine.IntakeRequest{
		Counterparty: "acme",
		Kind:         "PRODUCT",
		ItemCode:     "widget",
		Quantity:     "3",
		UnitPrice:    "10.00",
		Currency:     "USD",
		RequestedBy:  "sales-agent",
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}

	_, err = a.Engine.Execute(ctx, txn.ID, "ops-agent")
	if !errors.Is(err, engine.ErrAwaitingStock) {
		t.Fatalf("expected awaiting stock, got %v", err)
	}
	parked, err := a.Repo.GetTransaction(ctx, txn.ID)
	if err != nil || parked.Status != "IN_PROGRESS" {
		t.Fatalf("expected parked IN_PROGRESS, got %+v err=%v", parked, err)
	}

	// Executing again before any receipt books no second obligation.
	_, err = a.Engine.Execute(ctx, txn.ID, "ops-agent")
	if !errors.Is(err, engine.ErrAwaitingStock) {
		t.Fatalf("expected awaiting stock on retry, got %v", err)
	}
	obligations, err := a.Repo.ListAPObligations(ctx, repo.APObligationFilters{SourceType: "PROCUREMENT", TransactionID: txn.ID})
	if err != nil {
		t.Fatalf("obligations: %v", err)
	}
	if len(obligations) != 1 {
		t.Fatalf("expected a single obligation, got %d", len(obligations))
	}

	if _, err := a.Engine.ReceiveStock(ctx, "widget", decimal.NewFromInt(10), decimal.RequireFromString("6.00"), "ops-agent"); err != nil {
		t.Fatalf("receive stock: %v", err)
	}
	out, err := a.Engine.Execute(ctx, txn.ID, "ops-agent")
	if err != nil {
		t.Fatalf("execute after receipt: %v", err)
	}
	if out.Status != "FULFILLED" {
		t.Fatalf("expected FULFILLED after receipt, got %s", out.Status)
	}
}

func TestManualFailOnUnresolvedShortage(t *testing.T) {
	a := newTestApp(t)
	a.Config.Execution.AutoProcure = false
	ctx := context.Background()
	txn, err := a.Engine.Intake(ctx, engine.IntakeRequest{
		Counterparty: "acme",
		Kind:         "PRODUCT",
		ItemCode:     "widget",
		Quantity:     "4",
		UnitPrice:    "10.00",
		Currency:     "USD",
		RequestedBy:  "sales-agent",
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	// Partial stock: reservations are all-or-nothing, so the order parks.
	if _, err := a.Engine.ReceiveStock(ctx, "widget", decimal.NewFromInt(2), decimal.NewFromInt(5), "ops-agent"); err != nil {
		t.Fatalf("receive stock: %v", err)
	}
	if _, err = a.Engine.Execute(ctx, txn.ID, "ops-agent"); !errors.Is(err, engine.ErrAwaitingStock) {
		t.Fatalf("expected awaiting stock, got %v", err)
	}

	out, err := a.Engine.Fail(ctx, txn.ID, engine.FailureShortageUnresolved, "supplier went dark", "ops-agent")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if out.Status != "FAILED" || *out.FailureReason != engine.FailureShortageUnresolved {
		t.Fatalf("unexpected failed state: %+v", out)
	}
	positions, err := a.Repo.ListStockPositions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	amountEq(t, positions[0].Reserved, "0")

	_, err = a.Engine.Fail(ctx, txn.ID, engine.FailureShortageUnresolved, "", "ops-agent")
	if !errors.Is(err, engine.ErrTerminalStatus) {
		t.Fatalf("expected terminal status, got %v", err)
	}
}

func TestThresholdEscalationApproved(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	if _, err := a.Engine.Gate.SetThreshold(ctx, "ORDER_EXECUTION_SERVICE", decimal.NewFromInt(50), "USD", true, "board-agent"); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	id := intakeService(t, a, "2", "100.00")

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := a.Engine.Execute(waitCtx, id, "ops-agent")
	if !errors.Is(err, policy.ErrDecisionPending) {
		t.Fatalf("expected decision pending, got %v", err)
	}

	escs, err := a.Repo.ListEscalations(ctx, repo.EscalationFilters{Status: "PENDING"})
	if err != nil || len(escs) != 1 {
		t.Fatalf("expected one pending escalation: %v %+v", err, escs)
	}
	if escs[0].ReasonCode != "AMOUNT_ABOVE_THRESHOLD" {
		t.Fatalf("unexpected reason: %s", escs[0].ReasonCode)
	}
	if _, err := a.Engine.Gate.Decide(ctx, escs[0].ID, "APPROVED", "board ok", "board-agent"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	out, err := a.Engine.Execute(ctx, id, "ops-agent")
	if err != nil {
		t.Fatalf("execute after approval: %v", err)
	}
	if out.Status != "FULFILLED" {
		t.Fatalf("expected FULFILLED, got %s", out.Status)
	}
}

func TestThresholdEscalationRejected(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	if _, err := a.Engine.Gate.SetThreshold(ctx, "ORDER_EXECUTION_SERVICE", decimal.NewFromInt(50), "USD", true, "board-agent"); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	id := intakeService(t, a, "1", "75.00")

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := a.Engine.Execute(waitCtx, id, "ops-agent"); !errors.Is(err, policy.ErrDecisionPending) {
		t.Fatalf("expected decision pending, got %v", err)
	}
	escs, _ := a.Repo.ListEscalations(ctx, repo.EscalationFilters{Status: "PENDING"})
	if _, err := a.Engine.Gate.Decide(ctx, escs[0].ID, "REJECTED", "too risky", "board-agent"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	out, err := a.Engine.Execute(ctx, id, "ops-agent")
	if err != nil {
		t.Fatalf("execute after rejection: %v", err)
	}
	if out.Status != "FAILED" || *out.FailureReason != engine.FailurePolicyRejected {
		t.Fatalf("expected POLICY_REJECTED failure, got %+v", out)
	}
}

func TestFreezeBlocksExecution(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	if _, err := a.Engine.Gate.SetFreeze(ctx, "ORDER_EXECUTION_SERVICE", true, "incident", "board-agent"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	id := intakeService(t, a, "1", "10.00")

	out, err := a.Engine.Execute(ctx, id, "ops-agent")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != "FAILED" || *out.FailureReason != engine.FailurePolicyBlocked {
		t.Fatalf("expected POLICY_BLOCKED failure, got %+v", out)
	}
}

func TestCurrencyMismatchEscalates(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	txn, err := a.Engine.Intake(ctx, engine.IntakeRequest{
		Counterparty: "acme-eu",
		Kind:         "SERVICE",
		ItemCode:     "consulting-day",
		Quantity:     "1",
		UnitPrice:    "10.00",
		Currency:     "EUR",
		RequestedBy:  "sales-agent",
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := a.Engine.Execute(waitCtx, txn.ID, "ops-agent"); !errors.Is(err, policy.ErrDecisionPending) {
		t.Fatalf("expected decision pending, got %v", err)
	}
	escs, _ := a.Repo.ListEscalations(ctx, repo.EscalationFilters{Status: "PENDING"})
	if len(escs) != 1 || escs[0].ReasonCode != "CURRENCY_MISMATCH" {
		t.Fatalf("expected CURRENCY_MISMATCH escalation, got %+v", escs)
	}
}

func TestExecuteTerminalTransaction(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	id := intakeService(t, a, "1", "10.00")
	if _, err := a.Engine.Execute(ctx, id, "ops-agent"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	_, err := a.Engine.Execute(ctx, id, "ops-agent")
	if !errors.Is(err, engine.ErrTerminalStatus) {
		t.Fatalf("expected terminal status, got %v", err)
	}
}
