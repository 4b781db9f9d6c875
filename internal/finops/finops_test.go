package finops_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderline/internal/app"
	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/migrate"
	"orderline/internal/repo"
)

const (
	periodStart = "2026-01-01T00:00:00Z"
	periodEnd   = "2026-02-01T00:00:00Z"
)

func newFinopsApp(t *testing.T) *app.App {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a := app.New(conn, config.Default("test-ledger"))
	clock := func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }
	a.Engine.SetNow(clock)
	a.Allocator.Now = clock
	a.Reporter.Now = clock
	return a
}

func fulfilled(t *testing.T, a *app.App, id, qty, price string) {
	t.Helper()
	ctx := context.Background()
	ts := "2026-01-10T00:00:00Z"
	txn := domain.Transaction{
		ID:           id,
		Counterparty: "acme",
		Kind:         "SERVICE",
		ItemCode:     "consulting-day",
		Quantity:     qty,
		UnitPrice:    price,
		Currency:     "USD",
		Status:       "FULFILLED",
		RequestedBy:  "sales-agent",
		CreatedAt:    ts,
		UpdatedAt:    ts,
		FulfilledAt:  &ts,
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := a.Repo.InsertTransaction(ctx, tx, txn); err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func recordCost(t *testing.T, a *app.App, total string, transactionID *string) domain.CostSourceRecord {
	t.Helper()
	rec, err := a.Allocator.RecordCost(context.Background(), domain.CostSourceRecord{
		SourceType:    "TOKEN_USAGE",
		TransactionID: transactionID,
		TotalCost:     total,
		Currency:      "USD",
	})
	if err != nil {
		t.Fatalf("record cost: %v", err)
	}
	return rec
}

func amounts(t *testing.T, a *app.App, f repo.AllocationFilters) map[string]string {
	t.Helper()
	allocs, err := a.Repo.ListCostAllocations(context.Background(), f)
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	out := map[string]string{}
	for _, al := range allocs {
		out[al.TransactionID] = al.Amount
	}
	return out
}

func TestAllocateDirectOrder(t *testing.T) {
	a := newFinopsApp(t)
	ctx := context.Background()
	fulfilled(t, a, "txn-a", "1", "100.00")
	id := "txn-a"
	recordCost(t, a, "12.34", &id)

	run, err := a.Allocator.Allocate(ctx, periodStart, periodEnd, "controller-agent")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if run.Records != 1 || run.Inserted != 1 || run.Replayed != 0 {
		t.Fatalf("unexpected run: %+v", run)
	}
	allocs, err := a.Repo.ListCostAllocations(ctx, repo.AllocationFilters{TransactionID: "txn-a"})
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Basis != "DIRECT_ORDER" || allocs[0].Amount != "12.34" {
		t.Fatalf("unexpected allocation: %+v", allocs)
	}
}

func TestAllocateRevenueShareSplitsExactly(t *testing.T) {
	a := newFinopsApp(t)
	ctx := context.Background()
	fulfilled(t, a, "txn-a", "1", "100.00")
	fulfilled(t, a, "txn-b", "1", "100.00")
	fulfilled(t, a, "txn-c", "1", "100.00")
	recordCost(t, a, "100.00", nil)

	run, err := a.Allocator.Allocate(ctx, periodStart, periodEnd, "controller-agent")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if run.Inserted != 3 {
		t.Fatalf("expected 3 allocations, got %+v", run)
	}

	byTxn := amounts(t, a, repo.AllocationFilters{PeriodStart: periodStart, PeriodEnd: periodEnd})
	// An even third rounds to 33.33; the cent left over lands on the first
	// transaction in id order so the split sums back to 100.00 exactly.
	if byTxn["txn-a"] != "33.34" || byTxn["txn-b"] != "33.33" || byTxn["txn-c"] != "33.33" {
		t.Fatalf("unexpected shares: %+v", byTxn)
	}
	sum := decimal.Zero
	for _, amt := range byTxn {
		sum = sum.Add(decimal.RequireFromString(amt))
	}
	if !sum.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("shares sum to %s, want 100.00", sum)
	}
}

func TestAllocateProRataByRevenue(t *testing.T) {
	a := newFinopsApp(t)
	ctx := context.Background()
	fulfilled(t, a, "txn-a", "1", "100.00")
	fulfilled(t, a, "txn-b", "2", "100.00")
	recordCost(t, a, "30.00", nil)

	if _, err := a.Allocator.Allocate(ctx, periodStart, periodEnd, "controller-agent"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	byTxn := amounts(t, a, repo.AllocationFilters{PeriodStart: periodStart, PeriodEnd: periodEnd})
	if !decimal.RequireFromString(byTxn["txn-a"]).Equal(decimal.NewFromInt(10)) ||
		!decimal.RequireFromString(byTxn["txn-b"]).Equal(decimal.NewFromInt(20)) {
		t.Fatalf("unexpected shares: %+v", byTxn)
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	a := newFinopsApp(t)
	ctx := context.Background()
	fulfilled(t, a, "txn-a", "1", "100.00")
	fulfilled(t, a, "txn-b", "1", "300.00")
	recordCost(t, a, "40.00", nil)

	first, err := a.Allocator.Allocate(ctx, periodStart, periodEnd, "controller-agent")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Inserted != 2 || first.Replayed != 0 {
		t.Fatalf("unexpected first run: %+v", first)
	}

	second, err := a.Allocator.Allocate(ctx, periodStart, periodEnd, "controller-agent")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Inserted != 0 || second.Replayed != 2 {
		t.Fatalf("rerun must not double-book: %+v", second)
	}
	allocs, _ := a.Repo.ListCostAllocations(ctx, repo.AllocationFilters{PeriodStart: periodStart, PeriodEnd: periodEnd})
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations after rerun, got %d", len(allocs))
	}
}

func TestAllocateSharedCostWithoutRevenue(t *testing.T) {
	a := newFinopsApp(t)
	recordCost(t, a, "55.00", nil)

	run, err := a.Allocator.Allocate(context.Background(), periodStart, periodEnd, "controller-agent")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if run.Unallocable != 1 || run.Inserted != 0 {
		t.Fatalf("expected unallocable record, got %+v", run)
	}
}

func TestReconcileStatuses(t *testing.T) {
	a := newFinopsApp(t)
	ctx := context.Background()

	p, err := a.Allocator.Reconcile(ctx, periodStart, periodEnd, "controller-agent")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if p.Status != "NO_SOURCE_COSTS" {
		t.Fatalf("expected NO_SOURCE_COSTS, got %+v", p)
	}

	// Costs recorded but never posted to the ledger show up as variance.
	recordCost(t, a, "100.00", nil)
	p, err = a.Allocator.Reconcile(ctx, periodStart, periodEnd, "controller-agent")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if p.Status != "OUT_OF_TOLERANCE" || !decimal.RequireFromString(p.VariancePct).Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected full variance, got %+v", p)
	}

	// Posting the matching autonomy expense closes the gap.
	if _, err := a.Engine.Ledger.PostPayrollCost(ctx, decimal.RequireFromString("100.00"), "USD", "autonomy", "controller-agent"); err != nil {
		t.Fatalf("post payroll: %v", err)
	}
	p, err = a.Allocator.Reconcile(ctx, periodStart, periodEnd, "controller-agent")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if p.Status != "BALANCED" {
		t.Fatalf("expected BALANCED, got %+v", p)
	}
	if !decimal.RequireFromString(p.VarianceAmount).IsZero() {
		t.Fatalf("variance = %s, want 0", p.VarianceAmount)
	}

	// Reruns upsert the same period row.
	rows, err := a.Repo.ListPeriodReconciliations(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single reconciliation row, got %d", len(rows))
	}
}
