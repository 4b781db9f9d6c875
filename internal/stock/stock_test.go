package stock_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"orderline/internal/db"
	"orderline/internal/migrate"
	"orderline/internal/stock"
)

func newStockEngine(t *testing.T) *stock.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return stock.New(conn)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestWeightedAverage(t *testing.T) {
	cases := []struct {
		onHand, avgCost, qty, unitCost, want string
	}{
		{"0", "0", "10", "10.00", "10"},
		{"10", "10", "10", "20", "15"},
		{"3", "7.5", "1", "10", "8.125"},
		{"1", "1", "2", "2", "1.6667"},
	}
	for _, c := range cases {
		got := stock.WeightedAverage(d(c.onHand), d(c.avgCost), d(c.qty), d(c.unitCost))
		if !got.Equal(d(c.want)) {
			t.Errorf("WeightedAverage(%s,%s,%s,%s) = %s, want %s", c.onHand, c.avgCost, c.qty, c.unitCost, got, c.want)
		}
	}
}

func TestReceiveFoldsAverageCost(t *testing.T) {
	e := newStockEngine(t)
	ctx := context.Background()
	if _, err := e.Receive(ctx, "widget", d("10"), d("10.00"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := e.Receive(ctx, "widget", d("10"), d("20.00"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	pos, err := e.Repo.GetStockPosition(ctx, nil, "widget")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !d(pos.OnHand).Equal(d("20")) || !d(pos.AvgCost).Equal(d("15")) {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestReceiveRejectsBadInput(t *testing.T) {
	e := newStockEngine(t)
	ctx := context.Background()
	if _, err := e.Receive(ctx, "widget", d("0"), d("1"), nil, "ops"); err == nil {
		t.Fatalf("expected error for zero quantity")
	}
	if _, err := e.Receive(ctx, "widget", d("1"), d("-1"), nil, "ops"); err == nil {
		t.Fatalf("expected error for negative cost")
	}
}

func TestReserveAgainstAvailability(t *testing.T) {
	e := newStockEngine(t)
	ctx := context.Background()
	if _, err := e.Receive(ctx, "widget", d("10"), d("5"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := e.Reserve(ctx, "widget", d("7"), "txn-1", "ops"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Availability is on-hand minus held reservations, so a second
	// reservation above the remaining 3 must be refused untouched.
	_, err := e.Reserve(ctx, "widget", d("4"), "txn-2", "ops")
	if !errors.Is(err, stock.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	avail, err := e.Available(ctx, "widget")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !avail.Equal(d("3")) {
		t.Fatalf("available = %s, want 3", avail)
	}
}

func TestReleaseReturnsReservation(t *testing.T) {
	e := newStockEngine(t)
	ctx := context.Background()
	if _, err := e.Receive(ctx, "widget", d("5"), d("2"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := e.Reserve(ctx, "widget", d("5"), "txn-1", "ops"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Release(ctx, "widget", d("2"), "txn-1", "ops"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := e.Release(ctx, "widget", d("4"), "txn-1", "ops"); err == nil {
		t.Fatalf("expected release above reserved to fail")
	}
	avail, _ := e.Available(ctx, "widget")
	if !avail.Equal(d("2")) {
		t.Fatalf("available = %s, want 2", avail)
	}
}

func TestIssueConsumesReservationAtAverageCost(t *testing.T) {
	e := newStockEngine(t)
	ctx := context.Background()
	if _, err := e.Receive(ctx, "widget", d("10"), d("10"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := e.Receive(ctx, "widget", d("10"), d("20"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := e.Reserve(ctx, "widget", d("8"), "txn-1", "ops"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	unitCost, err := e.IssueTx(ctx, tx, "widget", d("8"), "txn-1", "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !unitCost.Equal(d("15")) {
		t.Fatalf("issue cost = %s, want 15", unitCost)
	}
	pos, err := e.Repo.GetStockPosition(ctx, nil, "widget")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !d(pos.OnHand).Equal(d("12")) || !d(pos.Reserved).Equal(d("0")) {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestIssueWithoutReservation(t *testing.T) {
	e := newStockEngine(t)
	ctx := context.Background()
	if _, err := e.Receive(ctx, "widget", d("5"), d("2"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := e.IssueTx(ctx, tx, "widget", d("5"), "txn-1", "ops"); !errors.Is(err, stock.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestAdjustCorrectsOnHand(t *testing.T) {
	e := newStockEngine(t)
	ctx := context.Background()
	if _, err := e.Receive(ctx, "widget", d("10"), d("5.00"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := e.Reserve(ctx, "widget", d("4"), "txn-1", "ops"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Shrinkage found during a count. Average cost is untouched.
	m, err := e.Adjust(ctx, "widget", d("-3"), "cycle count", "ops")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if m.Type != "ADJUSTMENT" || m.Quantity != "-3" {
		t.Fatalf("unexpected movement: %+v", m)
	}
	p, err := e.Repo.GetStockPosition(ctx, nil, "widget")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !d(p.OnHand).Equal(d("7")) || !d(p.AvgCost).Equal(d("5")) {
		t.Fatalf("unexpected position: %+v", p)
	}

	// Going below the reserved quantity is refused.
	if _, err := e.Adjust(ctx, "widget", d("-4"), "cycle count", "ops"); !errors.Is(err, stock.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if _, err := e.Adjust(ctx, "widget", d("0"), "noop", "ops"); err == nil {
		t.Fatalf("expected error for zero adjustment")
	}
}

func TestConcurrentReserveIssueNeverOversells(t *testing.T) {
	e := newStockEngine(t)
	ctx := context.Background()
	if _, err := e.Receive(ctx, "widget", d("20"), d("1.00"), nil, "ops"); err != nil {
		t.Fatalf("receive: %v", err)
	}

	var mu sync.Mutex
	reserved, issued := decimal.Zero, decimal.Zero
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				txnID := fmt.Sprintf("txn-%d-%d", w, i)
				if _, err := e.Reserve(ctx, "widget", d("1"), txnID, "ops"); err != nil {
					if !errors.Is(err, stock.ErrInsufficientStock) {
						t.Errorf("reserve: %v", err)
					}
					continue
				}
				mu.Lock()
				reserved = reserved.Add(d("1"))
				mu.Unlock()
				if w%2 == 0 {
					continue
				}
				err := e.WithItem("widget", func() error {
					tx, err := e.DB.BeginTx(ctx, nil)
					if err != nil {
						return err
					}
					defer tx.Rollback()
					if _, err := e.IssueTx(ctx, tx, "widget", d("1"), txnID, "ops"); err != nil {
						return err
					}
					return tx.Commit()
				})
				if err != nil {
					t.Errorf("issue: %v", err)
					continue
				}
				mu.Lock()
				issued = issued.Add(d("1"))
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	// 40 unit attempts against 20 on hand: issues never free availability,
	// so exactly the received quantity gets reserved and no more.
	if !reserved.Equal(d("20")) {
		t.Fatalf("reserved %s, want 20", reserved)
	}
	pos, err := e.Repo.GetStockPosition(ctx, nil, "widget")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	onHand, held := d(pos.OnHand), d(pos.Reserved)
	if onHand.IsNegative() || held.IsNegative() || onHand.LessThan(held) {
		t.Fatalf("inconsistent position: %+v", pos)
	}
	if !onHand.Equal(d("20").Sub(issued)) || !held.Equal(reserved.Sub(issued)) {
		t.Fatalf("position %+v does not account for %s reserved, %s issued", pos, reserved, issued)
	}
}
