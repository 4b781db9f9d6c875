package policy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderline/internal/config"
	"orderline/internal/db"
	"orderline/internal/migrate"
	"orderline/internal/policy"
)

func newGate(t *testing.T) policy.Gate {
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
	return policy.NewGate(conn, cfg)
}

func evaluate(t *testing.T, g policy.Gate, actionType, amount, currency string) policy.Outcome {
	t.Helper()
	tx, err := g.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	out, err := g.Evaluate(context.Background(), tx, actionType, decimal.RequireFromString(amount), currency)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return out
}

func TestEvaluateDefaultCeiling(t *testing.T) {
	g := newGate(t)
	if out := evaluate(t, g, "ORDER_EXECUTION_PRODUCT", "999999.99", "USD"); out.Verdict != policy.VerdictAllowed {
		t.Fatalf("expected allowed under default ceiling, got %+v", out)
	}
	if out := evaluate(t, g, "ORDER_EXECUTION_PRODUCT", "1000000.01", "USD"); out.Verdict != policy.VerdictEscalate || out.ReasonCode != "AMOUNT_ABOVE_THRESHOLD" {
		t.Fatalf("expected escalation above default ceiling, got %+v", out)
	}
}

func TestEvaluateUsesActiveThreshold(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	th, err := g.SetThreshold(ctx, "ORDER_EXECUTION_PRODUCT", decimal.NewFromInt(100), "USD", true, "board-agent")
	if err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	if th.Version != 1 {
		t.Fatalf("expected version 1, got %d", th.Version)
	}

	if out := evaluate(t, g, "ORDER_EXECUTION_PRODUCT", "150", "USD"); out.Verdict != policy.VerdictEscalate {
		t.Fatalf("expected escalation above threshold, got %+v", out)
	}
	if out := evaluate(t, g, "ORDER_EXECUTION_PRODUCT", "150", "EUR"); out.ReasonCode != "CURRENCY_MISMATCH" {
		t.Fatalf("expected currency mismatch, got %+v", out)
	}

	// An inactive threshold falls back to the default ceiling.
	if _, err := g.SetThreshold(ctx, "ORDER_EXECUTION_PRODUCT", decimal.NewFromInt(100), "USD", false, "board-agent"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if out := evaluate(t, g, "ORDER_EXECUTION_PRODUCT", "150", "USD"); out.Verdict != policy.VerdictAllowed {
		t.Fatalf("expected allowed with inactive threshold, got %+v", out)
	}
}

func TestThresholdVersionBumpsOnChange(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		th, err := g.SetThreshold(ctx, "ORDER_EXECUTION_SERVICE", decimal.NewFromInt(int64(i*10)), "USD", true, "board-agent")
		if err != nil {
			t.Fatalf("set threshold %d: %v", i, err)
		}
		if th.Version != int64(i) {
			t.Fatalf("expected version %d, got %d", i, th.Version)
		}
	}
}

func TestFreezeWinsOverThreshold(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	if _, err := g.SetThreshold(ctx, "ORDER_EXECUTION_PRODUCT", decimal.NewFromInt(1000), "USD", true, "board-agent"); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	if _, err := g.SetFreeze(ctx, "ORDER_EXECUTION_PRODUCT", true, "incident", "board-agent"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if out := evaluate(t, g, "ORDER_EXECUTION_PRODUCT", "1", "USD"); out.Verdict != policy.VerdictBlocked || out.ReasonCode != "ACTION_FROZEN" {
		t.Fatalf("expected blocked while frozen, got %+v", out)
	}
	if _, err := g.SetFreeze(ctx, "ORDER_EXECUTION_PRODUCT", false, "resolved", "board-agent"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if out := evaluate(t, g, "ORDER_EXECUTION_PRODUCT", "1", "USD"); out.Verdict != policy.VerdictAllowed {
		t.Fatalf("expected allowed after unfreeze, got %+v", out)
	}
}

func raise(t *testing.T, g policy.Gate) string {
	t.Helper()
	tx, err := g.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	esc, err := g.Raise(context.Background(), tx, "ORDER_EXECUTION_PRODUCT", "transaction", "txn-1", "AMOUNT_ABOVE_THRESHOLD", decimal.NewFromInt(500), "USD", 1, "ops-agent")
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return esc.ID
}

func TestDecideIsSingleShot(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	id := raise(t, g)

	esc, err := g.Decide(ctx, id, "APPROVED", "fine", "board-agent")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if esc.Status != "APPROVED" || esc.DecidedBy == nil || *esc.DecidedBy != "board-agent" {
		t.Fatalf("unexpected decided escalation: %+v", esc)
	}

	if _, err := g.Decide(ctx, id, "REJECTED", "changed my mind", "board-agent"); !errors.Is(err, policy.ErrAlreadyDecided) {
		t.Fatalf("expected already decided, got %v", err)
	}
	if _, err := g.Decide(ctx, id, "MAYBE", "", "board-agent"); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestFrozenDecisionFreezesActionType(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()
	id := raise(t, g)
	if _, err := g.Decide(ctx, id, "FROZEN", "stop everything", "board-agent"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	fc, err := g.Repo.GetFreezeControl(ctx, nil, "ORDER_EXECUTION_PRODUCT")
	if err != nil {
		t.Fatalf("freeze control: %v", err)
	}
	if !fc.Frozen {
		t.Fatalf("expected action type frozen, got %+v", fc)
	}
}

func TestWaitForDecision(t *testing.T) {
	g := newGate(t)
	id := raise(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.WaitForDecision(ctx, id); !errors.Is(err, policy.ErrDecisionPending) {
		t.Fatalf("expected pending on timeout, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := g.WaitForDecision(context.Background(), id)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	if _, err := g.Decide(context.Background(), id, "APPROVED", "", "board-agent"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not observe decision")
	}
}
