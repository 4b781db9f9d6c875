package stock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

var ErrInsufficientStock = errors.New("insufficient stock")

// avgCostScale is the precision kept for the weighted average cost.
const avgCostScale = 4

// Engine owns all stock positions. Check-then-act sequences on one item
// are serialized through a per-item lock so two reservations can never
// both observe the same availability.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

// WithItem runs fn while holding the lock for itemCode.
func (e *Engine) WithItem(itemCode string, fn func() error) error {
	e.mu.Lock()
	l, ok := e.locks[itemCode]
	if !ok {
		l = &sync.Mutex{}
		e.locks[itemCode] = l
	}
	e.mu.Unlock()
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// WeightedAverage folds a receipt into the running average cost.
func WeightedAverage(onHand, avgCost, qty, unitCost decimal.Decimal) decimal.Decimal {
	total := onHand.Add(qty)
	if total.IsZero() {
		return avgCost
	}
	return onHand.Mul(avgCost).Add(qty.Mul(unitCost)).Div(total).Round(avgCostScale)
}

type position struct {
	onHand   decimal.Decimal
	reserved decimal.Decimal
	avgCost  decimal.Decimal
}

func (e *Engine) loadPosition(ctx context.Context, tx *sql.Tx, itemCode string) (position, error) {
	var p position
	row, err := e.Repo.GetStockPosition(ctx, tx, itemCode)
	if errors.Is(err, repo.ErrNotFound) {
		return position{onHand: decimal.Zero, reserved: decimal.Zero, avgCost: decimal.Zero}, nil
	}
	if err != nil {
		return p, err
	}
	if p.onHand, err = decimal.NewFromString(row.OnHand); err != nil {
		return p, fmt.Errorf("position %s on_hand: %w", itemCode, err)
	}
	if p.reserved, err = decimal.NewFromString(row.Reserved); err != nil {
		return p, fmt.Errorf("position %s reserved: %w", itemCode, err)
	}
	if p.avgCost, err = decimal.NewFromString(row.AvgCost); err != nil {
		return p, fmt.Errorf("position %s avg_cost: %w", itemCode, err)
	}
	return p, nil
}

func (e *Engine) storePosition(ctx context.Context, tx *sql.Tx, itemCode string, p position) error {
	return e.Repo.UpsertStockPosition(ctx, tx, domain.StockPosition{
		ItemCode:  itemCode,
		OnHand:    p.onHand.String(),
		Reserved:  p.reserved.String(),
		AvgCost:   p.avgCost.String(),
		UpdatedAt: e.now(),
	})
}

func (e *Engine) movement(ctx context.Context, tx *sql.Tx, itemCode, movType string, qty, unitCost decimal.Decimal, transactionID *string, actorID string) (domain.StockMovement, error) {
	m := domain.StockMovement{
		ID:            uuid.NewString(),
		ItemCode:      itemCode,
		TransactionID: transactionID,
		Type:          movType,
		Quantity:      qty.String(),
		UnitCost:      unitCost.String(),
		CreatedAt:     e.now(),
	}
	if err := e.Repo.InsertStockMovement(ctx, tx, m); err != nil {
		return m, err
	}
	payload := events.EventPayload{"type": movType, "quantity": qty.String(), "unit_cost": unitCost.String()}
	if transactionID != nil {
		payload["transaction_id"] = *transactionID
	}
	return m, e.Events.Append(ctx, tx, "stock."+movType, "stock", itemCode, actorID, payload)
}

// ReceiveTx folds qty at unitCost into the position inside the caller's
// transaction. The caller must hold the item lock.
func (e *Engine) ReceiveTx(ctx context.Context, tx *sql.Tx, itemCode string, qty, unitCost decimal.Decimal, transactionID *string, actorID string) (domain.StockMovement, error) {
	if !qty.IsPositive() {
		return domain.StockMovement{}, fmt.Errorf("receipt quantity must be positive")
	}
	if unitCost.IsNegative() {
		return domain.StockMovement{}, fmt.Errorf("receipt unit cost must not be negative")
	}
	p, err := e.loadPosition(ctx, tx, itemCode)
	if err != nil {
		return domain.StockMovement{}, err
	}
	p.avgCost = WeightedAverage(p.onHand, p.avgCost, qty, unitCost)
	p.onHand = p.onHand.Add(qty)
	if err := e.storePosition(ctx, tx, itemCode, p); err != nil {
		return domain.StockMovement{}, err
	}
	return e.movement(ctx, tx, itemCode, "RECEIPT", qty, unitCost, transactionID, actorID)
}

// Receive books a stock receipt in its own transaction.
func (e *Engine) Receive(ctx context.Context, itemCode string, qty, unitCost decimal.Decimal, transactionID *string, actorID string) (domain.StockMovement, error) {
	var m domain.StockMovement
	err := e.WithItem(itemCode, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if m, err = e.ReceiveTx(ctx, tx, itemCode, qty, unitCost, transactionID, actorID); err != nil {
			return err
		}
		return tx.Commit()
	})
	return m, err
}

// Reserve earmarks qty for a transaction. Availability is on-hand minus
// reservations already held; going below zero returns ErrInsufficientStock
// without writing anything.
func (e *Engine) Reserve(ctx context.Context, itemCode string, qty decimal.Decimal, transactionID, actorID string) (domain.StockMovement, error) {
	if !qty.IsPositive() {
		return domain.StockMovement{}, fmt.Errorf("reservation quantity must be positive")
	}
	var m domain.StockMovement
	err := e.WithItem(itemCode, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		p, err := e.loadPosition(ctx, tx, itemCode)
		if err != nil {
			return err
		}
		available := p.onHand.Sub(p.reserved)
		if available.LessThan(qty) {
			return fmt.Errorf("%w: item %s has %s available, need %s", ErrInsufficientStock, itemCode, available.String(), qty.String())
		}
		p.reserved = p.reserved.Add(qty)
		if err := e.storePosition(ctx, tx, itemCode, p); err != nil {
			return err
		}
		if m, err = e.movement(ctx, tx, itemCode, "RESERVATION", qty, p.avgCost, &transactionID, actorID); err != nil {
			return err
		}
		return tx.Commit()
	})
	return m, err
}

// Release returns a reservation to the available pool.
func (e *Engine) Release(ctx context.Context, itemCode string, qty decimal.Decimal, transactionID, actorID string) (domain.StockMovement, error) {
	if !qty.IsPositive() {
		return domain.StockMovement{}, fmt.Errorf("release quantity must be positive")
	}
	var m domain.StockMovement
	err := e.WithItem(itemCode, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		p, err := e.loadPosition(ctx, tx, itemCode)
		if err != nil {
			return err
		}
		if p.reserved.LessThan(qty) {
			return fmt.Errorf("release of %s exceeds reserved %s for item %s", qty.String(), p.reserved.String(), itemCode)
		}
		p.reserved = p.reserved.Sub(qty)
		if err := e.storePosition(ctx, tx, itemCode, p); err != nil {
			return err
		}
		if m, err = e.movement(ctx, tx, itemCode, "RELEASE", qty, p.avgCost, &transactionID, actorID); err != nil {
			return err
		}
		return tx.Commit()
	})
	return m, err
}

// IssueTx consumes a held reservation inside the caller's transaction and
// returns the average cost the issue was valued at. The caller must hold
// the item lock.
func (e *Engine) IssueTx(ctx context.Context, tx *sql.Tx, itemCode string, qty decimal.Decimal, transactionID, actorID string) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("issue quantity must be positive")
	}
	p, err := e.loadPosition(ctx, tx, itemCode)
	if err != nil {
		return decimal.Zero, err
	}
	if p.reserved.LessThan(qty) {
		return decimal.Zero, fmt.Errorf("%w: issue of %s exceeds reservation %s for item %s", ErrInsufficientStock, qty.String(), p.reserved.String(), itemCode)
	}
	if p.onHand.LessThan(qty) {
		return decimal.Zero, fmt.Errorf("%w: issue of %s exceeds on-hand %s for item %s", ErrInsufficientStock, qty.String(), p.onHand.String(), itemCode)
	}
	unitCost := p.avgCost
	p.onHand = p.onHand.Sub(qty)
	p.reserved = p.reserved.Sub(qty)
	if err := e.storePosition(ctx, tx, itemCode, p); err != nil {
		return decimal.Zero, err
	}
	if _, err := e.movement(ctx, tx, itemCode, "ISSUE", qty, unitCost, &transactionID, actorID); err != nil {
		return decimal.Zero, err
	}
	return unitCost, nil
}

// Adjust corrects the on-hand quantity by a signed delta, valued at the
// current average cost. The corrected quantity may not drop below what
// is already reserved.
func (e *Engine) Adjust(ctx context.Context, itemCode string, delta decimal.Decimal, reason, actorID string) (domain.StockMovement, error) {
	if delta.IsZero() {
		return domain.StockMovement{}, fmt.Errorf("adjustment quantity must not be zero")
	}
	var m domain.StockMovement
	err := e.WithItem(itemCode, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		p, err := e.loadPosition(ctx, tx, itemCode)
		if err != nil {
			return err
		}
		onHand := p.onHand.Add(delta)
		if onHand.IsNegative() {
			return fmt.Errorf("%w: adjustment of %s exceeds on-hand %s for item %s", ErrInsufficientStock, delta.String(), p.onHand.String(), itemCode)
		}
		if onHand.LessThan(p.reserved) {
			return fmt.Errorf("%w: adjustment would leave item %s below its reserved %s", ErrInsufficientStock, itemCode, p.reserved.String())
		}
		p.onHand = onHand
		if err := e.storePosition(ctx, tx, itemCode, p); err != nil {
			return err
		}
		m = domain.StockMovement{
			ID:        uuid.NewString(),
			ItemCode:  itemCode,
			Type:      "ADJUSTMENT",
			Quantity:  delta.String(),
			UnitCost:  p.avgCost.String(),
			CreatedAt: e.now(),
		}
		if err := e.Repo.InsertStockMovement(ctx, tx, m); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "stock.ADJUSTMENT", "stock", itemCode, actorID, events.EventPayload{
			"quantity": delta.String(), "on_hand_after": onHand.String(), "reason": reason,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	return m, err
}

// Available returns on-hand minus reserved for an item.
func (e *Engine) Available(ctx context.Context, itemCode string) (decimal.Decimal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback()
	p, err := e.loadPosition(ctx, tx, itemCode)
	if err != nil {
		return decimal.Zero, err
	}
	return p.onHand.Sub(p.reserved), tx.Commit()
}
