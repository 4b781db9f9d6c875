package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/finance"
	"orderline/internal/policy"
	"orderline/internal/repo"
	"orderline/internal/skills"
	"orderline/internal/stock"
)

var (
	// ErrInvalidPayload marks an intake that failed structural validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrAwaitingStock marks a product transaction parked until a receipt
	// movement satisfies its shortage.
	ErrAwaitingStock = errors.New("awaiting stock receipt")
	// ErrTerminalStatus rejects operations on FULFILLED or FAILED transactions.
	ErrTerminalStatus = errors.New("transaction already terminal")
)

// Closed failure taxonomy for terminal FAILED transactions.
const (
	FailureInvalidPayload     = "INVALID_PAYLOAD"
	FailurePolicyBlocked      = "POLICY_BLOCKED"
	FailurePolicyRejected     = "POLICY_REJECTED"
	FailureSkillExhausted     = "SKILL_EXHAUSTED"
	FailureShortageUnresolved = "SHORTAGE_UNRESOLVED"
)

const intentFulfillOrder = "fulfill_order"

// Engine drives a transaction from intake to a terminal state: policy
// gate, stock reservation, skill execution, then the atomic finalize that
// posts the journal and flips the status in one commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Stock  *stock.Engine
	Gate   policy.Gate
	Router *skills.Router
	Ledger finance.Ledger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	gate := policy.NewGate(db, cfg)
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Stock:  stock.New(db),
		Gate:   gate,
		Router: skills.NewRouter(db, gate),
		Ledger: finance.New(db, cfg),
		Now:    time.Now,
	}
}

// SetNow pins the clock of the engine and all sub-engines, for tests.
func (e *Engine) SetNow(now func() time.Time) {
	e.Now = now
	e.Stock.Now = now
	e.Gate.Now = now
	e.Router.Now = now
	e.Ledger.Now = now
	e.Events.Now = now
	e.Stock.Events.Now = now
	e.Gate.Events.Now = now
	e.Router.Events.Now = now
	e.Ledger.Events.Now = now
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

type IntakeRequest struct {
	Counterparty string
	Kind         string
	ItemCode     string
	Quantity     string
	UnitPrice    string
	Currency     string
	RequestedBy  string
}

func (r IntakeRequest) invalidReason(cfg *config.Config) string {
	if strings.TrimSpace(r.Counterparty) == "" {
		return "counterparty required"
	}
	if strings.TrimSpace(r.ItemCode) == "" {
		return "item_code required"
	}
	qty, err := decimal.NewFromString(r.Quantity)
	if err != nil || !qty.IsPositive() {
		return "quantity must be a positive decimal"
	}
	price, err := decimal.NewFromString(r.UnitPrice)
	if err != nil || !price.IsPositive() {
		return "unit_price must be a positive decimal"
	}
	if !cfg.CurrencySupported(r.Currency) {
		return "currency " + r.Currency + " not supported"
	}
	return ""
}

// Intake records an incoming order. A structurally valid order lands in
// NEW; a rejected one is still persisted, in FAILED with reason
// INVALID_PAYLOAD, so the refusal leaves an audit trail.
func (e *Engine) Intake(ctx context.Context, req IntakeRequest) (domain.Transaction, error) {
	if req.Kind != "PRODUCT" && req.Kind != "SERVICE" {
		return domain.Transaction{}, fmt.Errorf("%w: kind must be PRODUCT or SERVICE", ErrInvalidPayload)
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return domain.Transaction{}, fmt.Errorf("%w: requested_by required", ErrInvalidPayload)
	}

	invalidReason := req.invalidReason(e.Config)
	if invalidReason == "" {
		if _, err := e.Repo.GetAgent(ctx, req.RequestedBy); err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return domain.Transaction{}, err
			}
			invalidReason = "agent " + req.RequestedBy + " not registered"
		}
	}

	now := e.now()
	t := domain.Transaction{
		ID:           uuid.NewString(),
		Counterparty: strings.TrimSpace(req.Counterparty),
		Kind:         req.Kind,
		ItemCode:     strings.TrimSpace(req.ItemCode),
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		Currency:     req.Currency,
		Status:       "NEW",
		RequestedBy:  req.RequestedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if invalidReason != "" {
		t.Status = "FAILED"
		reason := FailureInvalidPayload
		t.FailureReason = &reason
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTransaction(ctx, tx, t); err != nil {
		return t, err
	}
	payload := events.EventPayload{
		"kind": t.Kind, "item_code": t.ItemCode, "quantity": t.Quantity,
		"unit_price": t.UnitPrice, "currency": t.Currency, "counterparty": t.Counterparty,
	}
	evtType := "transaction.received"
	if invalidReason != "" {
		evtType = "transaction.rejected"
		payload["reason"] = invalidReason
	}
	if err := e.Events.Append(ctx, tx, evtType, "transaction", t.ID, req.RequestedBy, payload); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	if invalidReason != "" {
		return t, fmt.Errorf("%w: %s", ErrInvalidPayload, invalidReason)
	}
	return t, nil
}

func (e *Engine) amounts(t domain.Transaction) (qty, price, total decimal.Decimal, err error) {
	if qty, err = decimal.NewFromString(t.Quantity); err != nil {
		return qty, price, total, fmt.Errorf("transaction %s quantity: %w", t.ID, err)
	}
	if price, err = decimal.NewFromString(t.UnitPrice); err != nil {
		return qty, price, total, fmt.Errorf("transaction %s unit_price: %w", t.ID, err)
	}
	return qty, price, qty.Mul(price), nil
}

func actionTypeFor(t domain.Transaction) string {
	return "ORDER_EXECUTION_" + t.Kind
}

func (e *Engine) markInProgress(ctx context.Context, t domain.Transaction, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTransactionStatus(ctx, tx, t.ID, "NEW", "IN_PROGRESS", nil, nil, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "transaction.started", "transaction", t.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// fail moves an IN_PROGRESS transaction to FAILED, releasing any stock
// reservation it still holds.
func (e *Engine) fail(ctx context.Context, t domain.Transaction, reason, detail, actorID string) (domain.Transaction, error) {
	if t.Kind == "PRODUCT" {
		held, err := e.activeReservation(ctx, t.ID)
		if err != nil {
			return t, err
		}
		if held.IsPositive() {
			if _, err := e.Stock.Release(ctx, t.ItemCode, held, t.ID, actorID); err != nil {
				return t, err
			}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTransactionStatus(ctx, tx, t.ID, "IN_PROGRESS", "FAILED", &reason, nil, e.now()); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "transaction.failed", "transaction", t.ID, actorID, events.EventPayload{
		"reason": reason, "detail": detail,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTransaction(ctx, t.ID)
}

// activeReservation sums this transaction's reservation movements net of
// releases and issues.
func (e *Engine) activeReservation(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	movements, err := e.Repo.ListStockMovements(ctx, repo.MovementFilters{TransactionID: transactionID})
	if err != nil {
		return decimal.Zero, err
	}
	held := decimal.Zero
	for _, m := range movements {
		qty, err := decimal.NewFromString(m.Quantity)
		if err != nil {
			return decimal.Zero, err
		}
		switch m.Type {
		case "RESERVATION":
			held = held.Add(qty)
		case "RELEASE", "ISSUE":
			held = held.Sub(qty)
		}
	}
	return held, nil
}

// latestEscalation returns the newest escalation referencing the transaction.
func (e *Engine) latestEscalation(ctx context.Context, transactionID string) (domain.Escalation, bool, error) {
	escs, err := e.Repo.ListEscalations(ctx, repo.EscalationFilters{})
	if err != nil {
		return domain.Escalation{}, false, err
	}
	for _, esc := range escs {
		if esc.ReferenceKind == "transaction" && esc.ReferenceID == transactionID {
			return esc, true, nil
		}
	}
	return domain.Escalation{}, false, nil
}

// Execute drives a transaction toward a terminal state. It is safe to call
// again on a parked IN_PROGRESS transaction: held reservations, raised
// escalations and booked obligations are detected and not repeated.
func (e *Engine) Execute(ctx context.Context, transactionID, actorID string) (domain.Transaction, error) {
	t, err := e.Repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return t, err
	}
	switch t.Status {
	case "NEW":
		if err := e.markInProgress(ctx, t, actorID); err != nil {
			return t, err
		}
		t.Status = "IN_PROGRESS"
	case "IN_PROGRESS":
	default:
		return t, fmt.Errorf("%w: %s is %s", ErrTerminalStatus, t.ID, t.Status)
	}

	_, _, amount, err := e.amounts(t)
	if err != nil {
		return t, err
	}
	actionType := actionTypeFor(t)

	// Policy gate, honoring any decision already made for this transaction.
	gateCleared := false
	if esc, ok, err := e.latestEscalation(ctx, t.ID); err != nil {
		return t, err
	} else if ok {
		if esc.Status == "PENDING" {
			if esc, err = e.Gate.WaitForDecision(ctx, esc.ID); errors.Is(err, policy.ErrDecisionPending) {
				return t, policy.ErrDecisionPending
			} else if err != nil {
				return t, err
			}
		}
		switch esc.Status {
		case "APPROVED":
			gateCleared = true
		case "REJECTED":
			reason := FailurePolicyRejected
			if esc.ReasonCode == "SKILL_EXHAUSTED" {
				reason = FailureSkillExhausted
			}
			return e.fail(ctx, t, reason, "escalation "+esc.ID+" rejected", actorID)
		case "FROZEN":
			return e.fail(ctx, t, FailurePolicyBlocked, "escalation "+esc.ID+" frozen", actorID)
		}
	}

	if !gateCleared {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return t, err
		}
		outcome, err := e.Gate.Evaluate(ctx, tx, actionType, amount, t.Currency)
		if err != nil {
			tx.Rollback()
			return t, err
		}
		switch outcome.Verdict {
		case policy.VerdictBlocked:
			tx.Rollback()
			return e.fail(ctx, t, FailurePolicyBlocked, outcome.ReasonCode, actorID)
		case policy.VerdictEscalate:
			esc, err := e.Gate.Raise(ctx, tx, actionType, "transaction", t.ID, outcome.ReasonCode, amount, t.Currency, outcome.ConfigVersion, actorID)
			if err != nil {
				tx.Rollback()
				return t, err
			}
			if err := tx.Commit(); err != nil {
				return t, err
			}
			decided, err := e.Gate.WaitForDecision(ctx, esc.ID)
			if errors.Is(err, policy.ErrDecisionPending) {
				return t, policy.ErrDecisionPending
			}
			if err != nil {
				return t, err
			}
			switch decided.Status {
			case "REJECTED":
				return e.fail(ctx, t, FailurePolicyRejected, "escalation "+esc.ID+" rejected", actorID)
			case "FROZEN":
				return e.fail(ctx, t, FailurePolicyBlocked, "escalation "+esc.ID+" frozen", actorID)
			}
		default:
			if err := tx.Commit(); err != nil {
				return t, err
			}
		}
	}

	if t.Kind == "PRODUCT" {
		if err := e.ensureReservation(ctx, t, actorID); err != nil {
			return t, err
		}
	}

	failure, err := e.runSkills(ctx, t, actorID)
	if err != nil {
		return t, err
	}
	if failure != "" {
		return e.fail(ctx, t, failure, "skill routing", actorID)
	}

	return e.finalize(ctx, t, actorID)
}

// ensureReservation reserves stock for a product transaction, booking a
// procurement obligation and, when auto-procurement is on, the covering
// receipt for any shortage.
func (e *Engine) ensureReservation(ctx context.Context, t domain.Transaction, actorID string) error {
	qty, price, _, err := e.amounts(t)
	if err != nil {
		return err
	}
	held, err := e.activeReservation(ctx, t.ID)
	if err != nil {
		return err
	}
	if held.GreaterThanOrEqual(qty) {
		return nil
	}
	need := qty.Sub(held)

	_, err = e.Stock.Reserve(ctx, t.ItemCode, need, t.ID, actorID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, stock.ErrInsufficientStock) {
		return err
	}

	available, err := e.Stock.Available(ctx, t.ItemCode)
	if err != nil {
		return err
	}
	shortage := need.Sub(available)
	unitCost := price.Mul(e.Config.ProcurementCostRatio())

	existing, err := e.Repo.ListAPObligations(ctx, repo.APObligationFilters{SourceType: "PROCUREMENT", TransactionID: t.ID})
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		o, err := e.Ledger.CreateObligationTx(ctx, tx, &t.ID, "PROCUREMENT", "supplier:"+t.ItemCode, shortage.Mul(unitCost), t.Currency, actorID)
		if err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "transaction.procurement_requested", "transaction", t.ID, actorID, events.EventPayload{
			"obligation_id": o.ID, "shortage": shortage.String(), "unit_cost": unitCost.String(),
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	if !e.Config.Execution.AutoProcure {
		return fmt.Errorf("%w: item %s short by %s", ErrAwaitingStock, t.ItemCode, shortage.String())
	}
	if _, err := e.Stock.Receive(ctx, t.ItemCode, shortage, unitCost, &t.ID, actorID); err != nil {
		return err
	}
	_, err = e.Stock.Reserve(ctx, t.ItemCode, need, t.ID, actorID)
	return err
}

// runSkills walks the routing ladder, waiting on escalations where
// governance has to step in. An empty return means success; a non-empty
// return is the terminal failure reason.
func (e *Engine) runSkills(ctx context.Context, t domain.Transaction, actorID string) (string, error) {
	payload := map[string]any{
		"transaction_id": t.ID,
		"item_code":      t.ItemCode,
		"quantity":       t.Quantity,
		"unit_price":     t.UnitPrice,
		"currency":       t.Currency,
		"counterparty":   t.Counterparty,
		"kind":           t.Kind,
	}
	for {
		result, err := e.Router.Execute(ctx, t, intentFulfillOrder, payload, actorID)
		if err != nil {
			return "", err
		}
		if result.Status == skills.RouteSucceeded {
			return "", nil
		}
		decided, err := e.Gate.WaitForDecision(ctx, result.Escalation.ID)
		if err != nil {
			return "", err
		}
		switch decided.Status {
		case "APPROVED":
			continue
		case "FROZEN":
			return FailurePolicyBlocked, nil
		default:
			return FailureSkillExhausted, nil
		}
	}
}

// finalize issues stock, posts the balanced journal, raises the invoice
// and flips the transaction to FULFILLED in one database transaction. For
// products the item lock is held across the whole commit.
func (e *Engine) finalize(ctx context.Context, t domain.Transaction, actorID string) (domain.Transaction, error) {
	qty, _, revenue, err := e.amounts(t)
	if err != nil {
		return t, err
	}

	commit := func(tx *sql.Tx) error {
		var cogs, stockCogs decimal.Decimal
		if t.Kind == "PRODUCT" {
			unitCost, err := e.Stock.IssueTx(ctx, tx, t.ItemCode, qty, t.ID, actorID)
			if err != nil {
				return err
			}
			cogs = unitCost.Mul(qty)
			stockCogs = cogs
		} else {
			cogs = revenue.Mul(e.Config.ServiceCostRatio())
		}

		inv, err := e.Ledger.PostFulfillmentTx(ctx, tx, t, revenue, stockCogs, e.Config.Accounts.Inventory, actorID)
		if err != nil {
			return err
		}
		// Service delivery cost accrues as a payable obligation rather
		// than an inventory relief.
		if t.Kind != "PRODUCT" && cogs.IsPositive() {
			if _, err := e.Ledger.CreateObligationTx(ctx, tx, &t.ID, "SERVICE_DELIVERY", "provider:"+t.ItemCode, cogs, t.Currency, actorID); err != nil {
				return err
			}
		}
		now := e.now()
		if err := e.Repo.UpdateTransactionStatus(ctx, tx, t.ID, "IN_PROGRESS", "FULFILLED", nil, &now, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "transaction.fulfilled", "transaction", t.ID, actorID, events.EventPayload{
			"revenue": revenue.String(), "cogs": cogs.String(), "invoice_id": inv.ID,
		})
	}

	run := func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := commit(tx); err != nil {
			return err
		}
		return tx.Commit()
	}

	if t.Kind == "PRODUCT" {
		err = e.Stock.WithItem(t.ItemCode, run)
	} else {
		err = run()
	}
	if err != nil {
		return t, err
	}
	return e.Repo.GetTransaction(ctx, t.ID)
}

// Fail manually fails a parked IN_PROGRESS transaction, for shortages
// that never resolved.
func (e *Engine) Fail(ctx context.Context, transactionID, reason, detail, actorID string) (domain.Transaction, error) {
	switch reason {
	case FailureShortageUnresolved, FailurePolicyBlocked:
	default:
		return domain.Transaction{}, fmt.Errorf("reason %s cannot be applied manually", reason)
	}
	t, err := e.Repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return t, err
	}
	if t.Status != "IN_PROGRESS" {
		return t, fmt.Errorf("%w: %s is %s", ErrTerminalStatus, t.ID, t.Status)
	}
	return e.fail(ctx, t, reason, detail, actorID)
}

// ReceiveStock books an inbound receipt, unparking any transaction waiting
// on the item once Execute is called again.
func (e *Engine) ReceiveStock(ctx context.Context, itemCode string, qty, unitCost decimal.Decimal, actorID string) (domain.StockMovement, error) {
	return e.Stock.Receive(ctx, itemCode, qty, unitCost, nil, actorID)
}

func (e *Engine) AdjustStock(ctx context.Context, itemCode string, delta decimal.Decimal, reason, actorID string) (domain.StockMovement, error) {
	return e.Stock.Adjust(ctx, itemCode, delta, reason, actorID)
}
