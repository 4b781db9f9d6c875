package finops

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

// moneyScale is the precision allocated cost shares are rounded to.
const moneyScale = 2

// Allocator distributes recorded autonomy costs over the transactions of
// a period and reconciles the result against the ledger.
type Allocator struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Allocator {
	return Allocator{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (a Allocator) now() string {
	return a.Now().UTC().Format(time.RFC3339)
}

// Run summarizes one allocation pass.
type Run struct {
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Records     int    `json:"records"`
	Inserted    int    `json:"inserted"`
	Replayed    int    `json:"replayed"`
	Unallocable int    `json:"unallocable"`
	Total       string `json:"total"`
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Allocate distributes every cost source record of the window [start,end)
// over transactions. A record pinned to a transaction is allocated in full
// as DIRECT_ORDER; shared records are split pro rata over the revenue of
// the period's fulfilled transactions, with the rounding remainder going
// to the first transaction in id order. Reruns are no-ops: the unique key
// on (period, source, transaction, skill) swallows replayed rows.
func (a Allocator) Allocate(ctx context.Context, periodStart, periodEnd, actorID string) (Run, error) {
	run := Run{PeriodStart: periodStart, PeriodEnd: periodEnd, Total: "0"}
	records, err := a.Repo.CostSourceRecordsBetween(ctx, periodStart, periodEnd)
	if err != nil {
		return run, err
	}
	run.Records = len(records)

	fulfilled, err := a.Repo.FulfilledTransactionsBetween(ctx, periodStart, periodEnd)
	if err != nil {
		return run, err
	}
	totalRevenue := decimal.Zero
	revenues := make([]decimal.Decimal, len(fulfilled))
	for i, t := range fulfilled {
		qty, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return run, fmt.Errorf("transaction %s quantity: %w", t.ID, err)
		}
		price, err := decimal.NewFromString(t.UnitPrice)
		if err != nil {
			return run, fmt.Errorf("transaction %s unit_price: %w", t.ID, err)
		}
		revenues[i] = qty.Mul(price)
		totalRevenue = totalRevenue.Add(revenues[i])
	}

	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()

	total := decimal.Zero
	now := a.now()
	insert := func(alloc domain.CostAllocation) error {
		alloc.ID = uuid.NewString()
		alloc.PeriodStart = periodStart
		alloc.PeriodEnd = periodEnd
		alloc.CreatedAt = now
		inserted, err := a.Repo.InsertCostAllocation(ctx, tx, alloc)
		if err != nil {
			return err
		}
		if inserted {
			run.Inserted++
		} else {
			run.Replayed++
		}
		return nil
	}

	for _, rec := range records {
		cost, err := decimal.NewFromString(rec.TotalCost)
		if err != nil {
			return run, fmt.Errorf("cost source %s total_cost: %w", rec.ID, err)
		}
		total = total.Add(cost)

		if rec.TransactionID != nil {
			if err := insert(domain.CostAllocation{
				SourceType:    rec.SourceType,
				SourceID:      rec.ID,
				TransactionID: *rec.TransactionID,
				AgentID:       str(rec.AgentID),
				SkillID:       str(rec.SkillID),
				Basis:         "DIRECT_ORDER",
				Amount:        cost.String(),
				Currency:      rec.Currency,
			}); err != nil {
				return run, err
			}
			continue
		}

		if len(fulfilled) == 0 || !totalRevenue.IsPositive() {
			run.Unallocable++
			continue
		}
		allocated := decimal.Zero
		shares := make([]decimal.Decimal, len(fulfilled))
		for i := range fulfilled {
			shares[i] = cost.Mul(revenues[i]).Div(totalRevenue).Round(moneyScale)
			allocated = allocated.Add(shares[i])
		}
		// Rounding remainder lands on the first transaction in id order so
		// the split always sums exactly to the source cost.
		shares[0] = shares[0].Add(cost.Sub(allocated))
		for i, t := range fulfilled {
			if err := insert(domain.CostAllocation{
				SourceType:    rec.SourceType,
				SourceID:      rec.ID,
				TransactionID: t.ID,
				AgentID:       str(rec.AgentID),
				SkillID:       str(rec.SkillID),
				Basis:         "REVENUE_SHARE",
				Amount:        shares[i].String(),
				Currency:      rec.Currency,
			}); err != nil {
				return run, err
			}
		}
	}

	run.Total = total.String()
	if err := a.Events.Append(ctx, tx, "allocation.completed", "allocation", periodStart, actorID, events.EventPayload{
		"period_end": periodEnd, "records": run.Records, "inserted": run.Inserted,
		"replayed": run.Replayed, "unallocable": run.Unallocable, "total": run.Total,
	}); err != nil {
		return run, err
	}
	return run, tx.Commit()
}

// Reconcile compares a period's source costs, allocations and posted
// autonomy expense and records the variance.
func (a Allocator) Reconcile(ctx context.Context, periodStart, periodEnd, actorID string) (domain.PeriodReconciliation, error) {
	records, err := a.Repo.CostSourceRecordsBetween(ctx, periodStart, periodEnd)
	if err != nil {
		return domain.PeriodReconciliation{}, err
	}
	sourceTotal := decimal.Zero
	for _, rec := range records {
		c, err := decimal.NewFromString(rec.TotalCost)
		if err != nil {
			return domain.PeriodReconciliation{}, fmt.Errorf("cost source %s total_cost: %w", rec.ID, err)
		}
		sourceTotal = sourceTotal.Add(c)
	}

	allocations, err := a.Repo.ListCostAllocations(ctx, repo.AllocationFilters{PeriodStart: periodStart, PeriodEnd: periodEnd})
	if err != nil {
		return domain.PeriodReconciliation{}, err
	}
	allocatedTotal := decimal.Zero
	for _, al := range allocations {
		amt, err := decimal.NewFromString(al.Amount)
		if err != nil {
			return domain.PeriodReconciliation{}, fmt.Errorf("allocation %s amount: %w", al.ID, err)
		}
		allocatedTotal = allocatedTotal.Add(amt)
	}

	entries, err := a.Repo.ListJournalEntries(ctx, repo.JournalFilters{Account: a.Config.Accounts.AutonomyExpense, From: periodStart, To: periodEnd})
	if err != nil {
		return domain.PeriodReconciliation{}, err
	}
	journalTotal := decimal.Zero
	for _, e := range entries {
		d, err := decimal.NewFromString(e.Debit)
		if err != nil {
			return domain.PeriodReconciliation{}, fmt.Errorf("journal %s debit: %w", e.ID, err)
		}
		c, err := decimal.NewFromString(e.Credit)
		if err != nil {
			return domain.PeriodReconciliation{}, fmt.Errorf("journal %s credit: %w", e.ID, err)
		}
		journalTotal = journalTotal.Add(d).Sub(c)
	}

	variance := sourceTotal.Sub(journalTotal)
	p := domain.PeriodReconciliation{
		ID:             uuid.NewString(),
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		SourceTotal:    sourceTotal.String(),
		AllocatedTotal: allocatedTotal.String(),
		JournalTotal:   journalTotal.String(),
		VarianceAmount: variance.String(),
		CompletedAt:    a.now(),
	}
	switch {
	case sourceTotal.IsZero():
		p.Status = "NO_SOURCE_COSTS"
		p.VariancePct = "0"
	default:
		pct := variance.Div(sourceTotal).Mul(decimal.NewFromInt(100)).Round(moneyScale)
		p.VariancePct = pct.String()
		if pct.Abs().LessThanOrEqual(a.Config.VarianceTolerancePct()) {
			p.Status = "BALANCED"
		} else {
			p.Status = "OUT_OF_TOLERANCE"
		}
	}

	if err := a.Repo.UpsertPeriodReconciliation(ctx, p); err != nil {
		return p, err
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := a.Events.Append(ctx, tx, "reconciliation.completed", "reconciliation", p.ID, actorID, events.EventPayload{
		"period_start": periodStart, "period_end": periodEnd, "status": p.Status,
		"variance_amount": p.VarianceAmount, "variance_pct": p.VariancePct,
	}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// RecordCost stores a cost source record for later allocation.
func (a Allocator) RecordCost(ctx context.Context, c domain.CostSourceRecord) (domain.CostSourceRecord, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, err := decimal.NewFromString(c.TotalCost); err != nil {
		return c, fmt.Errorf("total_cost: %w", err)
	}
	if c.OccurredAt == "" {
		c.OccurredAt = a.now()
	}
	c.CreatedAt = a.now()
	return c, a.Repo.InsertCostSourceRecord(ctx, c)
}
