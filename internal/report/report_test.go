package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderline/internal/app"
	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/migrate"
)

const (
	periodStart = "2026-01-01T00:00:00Z"
	periodEnd   = "2026-02-01T00:00:00Z"
)

func newReportApp(t *testing.T) *app.App {
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
	if err := a.SyncConfig(context.Background()); err != nil {
		t.Fatalf("sync config: %v", err)
	}
	return a
}

// fulfillService runs one service order end to end through the engine.
func fulfillService(t *testing.T, a *app.App, qty, price string) string {
	t.Helper()
	ctx := context.Background()
	txn, err := a.Engine.Intake(ctx, engine.IntakeRequest{
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
	if _, err := a.Engine.Execute(ctx, txn.ID, "ops-agent"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	return txn.ID
}

func eq(t *testing.T, got, want string) {
	t.Helper()
	if !decimal.RequireFromString(got).Equal(decimal.RequireFromString(want)) {
		t.Fatalf("amount %s, want %s", got, want)
	}
}

func TestTrialBalanceBalances(t *testing.T) {
	a := newReportApp(t)
	fulfillService(t, a, "2", "100.00")

	tb, err := a.Reporter.TrialBalance(context.Background(), periodStart, periodEnd)
	if err != nil {
		t.Fatalf("trial balance: %v", err)
	}
	if !tb.Balanced {
		t.Fatalf("expected balanced ledger: %+v", tb)
	}
	eq(t, tb.TotalDebit, "260")
	eq(t, tb.TotalCredit, "260")
	if len(tb.Lines) != 4 {
		t.Fatalf("expected 4 accounts, got %+v", tb.Lines)
	}
	// Lines come out in account order.
	for i := 1; i < len(tb.Lines); i++ {
		if tb.Lines[i-1].Account > tb.Lines[i].Account {
			t.Fatalf("lines not sorted: %+v", tb.Lines)
		}
	}
}

func TestBoardSummary(t *testing.T) {
	a := newReportApp(t)
	fulfillService(t, a, "2", "100.00")

	s, err := a.Reporter.BoardSummary(context.Background(), periodStart, periodEnd)
	if err != nil {
		t.Fatalf("board summary: %v", err)
	}
	eq(t, s.Revenue, "200")
	eq(t, s.COGS, "60")
	eq(t, s.GrossMargin, "140")
	eq(t, s.OpenARAmount, "200")
	if s.FulfilledInPeriod != 1 || s.TransactionCounts["FULFILLED"] != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.PendingEscalations != 0 {
		t.Fatalf("expected no pending escalations: %+v", s)
	}
}

func TestARAgingBuckets(t *testing.T) {
	a := newReportApp(t)
	id := fulfillService(t, a, "1", "120.00")

	// Terms are 30 days from the Jan 15 clock, so the invoice is due
	// Feb 14. A partial receipt leaves 80 open.
	if _, err := a.Engine.Ledger.ApplyReceipt(context.Background(), id, decimal.NewFromInt(40), "USD", "BANK-1", "ops-agent"); err != nil {
		t.Fatalf("receipt: %v", err)
	}

	cases := []struct {
		asOf   time.Time
		bucket string
	}{
		{time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), "current"},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "1-30"},
		{time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), "31-60"},
		{time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), "90+"},
	}
	for _, c := range cases {
		a.Reporter.Now = func() time.Time { return c.asOf }
		aging, err := a.Reporter.ARAging(context.Background())
		if err != nil {
			t.Fatalf("aging: %v", err)
		}
		if len(aging.Lines) != 1 || aging.Lines[0].Bucket != c.bucket {
			t.Fatalf("as of %s: expected bucket %s, got %+v", c.asOf, c.bucket, aging.Lines)
		}
		eq(t, aging.Total, "80")
		eq(t, aging.Buckets[c.bucket], "80")
	}
}

func TestAPAgingListsOpenObligations(t *testing.T) {
	a := newReportApp(t)
	if _, err := a.Engine.Ledger.PostPayrollCost(context.Background(), decimal.NewFromInt(75), "USD", "autonomy", "controller-agent"); err != nil {
		t.Fatalf("payroll: %v", err)
	}
	aging, err := a.Reporter.APAging(context.Background())
	if err != nil {
		t.Fatalf("aging: %v", err)
	}
	if len(aging.Lines) != 1 || aging.Lines[0].Bucket != "current" {
		t.Fatalf("unexpected aging: %+v", aging)
	}
	eq(t, aging.Total, "75")
}

func TestSkillEconomics(t *testing.T) {
	a := newReportApp(t)
	id := fulfillService(t, a, "1", "100.00")
	skillID := "delivery.execute"
	if _, err := a.Allocator.RecordCost(context.Background(), domain.CostSourceRecord{
		SourceType:    "TOKEN_USAGE",
		TransactionID: &id,
		SkillID:       &skillID,
		TotalCost:     "5.00",
		Currency:      "USD",
	}); err != nil {
		t.Fatalf("record cost: %v", err)
	}
	if _, err := a.Allocator.Allocate(context.Background(), periodStart, periodEnd, "controller-agent"); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	lines, err := a.Reporter.SkillEconomics(context.Background(), periodStart, periodEnd)
	if err != nil {
		t.Fatalf("skill economics: %v", err)
	}
	if len(lines) != 1 || lines[0].SkillID != "delivery.execute" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
	if lines[0].Invocations != 1 || lines[0].Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", lines[0])
	}
	eq(t, lines[0].SuccessRate, "1")
	eq(t, lines[0].AllocatedCost, "5.00")
}

func TestEvidencePackage(t *testing.T) {
	a := newReportApp(t)
	id := fulfillService(t, a, "1", "100.00")

	pkg, err := a.Reporter.EvidencePackage(context.Background(), id)
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if pkg.Transaction.ID != id || pkg.Transaction.Status != "FULFILLED" {
		t.Fatalf("unexpected transaction: %+v", pkg.Transaction)
	}
	if len(pkg.Events) == 0 || len(pkg.Journal) == 0 || len(pkg.Invocations) == 0 {
		t.Fatalf("expected a populated trail: events=%d journal=%d invocations=%d", len(pkg.Events), len(pkg.Journal), len(pkg.Invocations))
	}
	if pkg.Invoice == nil {
		t.Fatalf("expected invoice in package")
	}
}
