package repo

import (
	"context"
	"database/sql"

	"orderline/internal/domain"
)

func (r Repo) InsertCostSourceRecord(ctx context.Context, c domain.CostSourceRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cost_source_records(id,source_type,transaction_id,agent_id,skill_id,total_cost,currency,occurred_at,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.SourceType, nullableStringPtr(c.TransactionID), nullableStringPtr(c.AgentID), nullableStringPtr(c.SkillID),
		c.TotalCost, c.Currency, c.OccurredAt, c.CreatedAt)
	return err
}

// CostSourceRecordsBetween returns source records in the half-open window
// [start,end), ordered by id for deterministic allocation.
func (r Repo) CostSourceRecordsBetween(ctx context.Context, start, end string) ([]domain.CostSourceRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,source_type,transaction_id,agent_id,skill_id,total_cost,currency,occurred_at,created_at FROM cost_source_records WHERE occurred_at >= ? AND occurred_at < ? ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CostSourceRecord
	for rows.Next() {
		var c domain.CostSourceRecord
		var txID, agentID, skillID sql.NullString
		if err := rows.Scan(&c.ID, &c.SourceType, &txID, &agentID, &skillID, &c.TotalCost, &c.Currency, &c.OccurredAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		if txID.Valid {
			c.TransactionID = &txID.String
		}
		if agentID.Valid {
			c.AgentID = &agentID.String
		}
		if skillID.Valid {
			c.SkillID = &skillID.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// InsertCostAllocation writes one allocation row. The unique key on
// (period, source, transaction, skill) plus OR IGNORE makes replays no-ops.
func (r Repo) InsertCostAllocation(ctx context.Context, tx *sql.Tx, a domain.CostAllocation) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO cost_allocations(id,period_start,period_end,source_type,source_id,transaction_id,agent_id,skill_id,basis,amount,currency,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.PeriodStart, a.PeriodEnd, a.SourceType, a.SourceID, a.TransactionID, a.AgentID, a.SkillID, a.Basis, a.Amount, a.Currency, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type AllocationFilters struct {
	PeriodStart   string
	PeriodEnd     string
	TransactionID string
	SkillID       string
	Limit         int
}

func (r Repo) ListCostAllocations(ctx context.Context, f AllocationFilters) ([]domain.CostAllocation, error) {
	query := `SELECT id,period_start,period_end,source_type,source_id,transaction_id,agent_id,skill_id,basis,amount,currency,created_at FROM cost_allocations WHERE 1=1`
	var args []any
	if f.PeriodStart != "" && f.PeriodEnd != "" {
		query += ` AND period_start=? AND period_end=?`
		args = append(args, f.PeriodStart, f.PeriodEnd)
	}
	if f.TransactionID != "" {
		query += ` AND transaction_id=?`
		args = append(args, f.TransactionID)
	}
	if f.SkillID != "" {
		query += ` AND skill_id=?`
		args = append(args, f.SkillID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CostAllocation
	for rows.Next() {
		var a domain.CostAllocation
		if err := rows.Scan(&a.ID, &a.PeriodStart, &a.PeriodEnd, &a.SourceType, &a.SourceID, &a.TransactionID, &a.AgentID, &a.SkillID, &a.Basis, &a.Amount, &a.Currency, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpsertPeriodReconciliation(ctx context.Context, p domain.PeriodReconciliation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO period_reconciliations(id,period_start,period_end,source_total,allocated_total,journal_total,variance_amount,variance_pct,status,completed_at,note) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(period_start,period_end) DO UPDATE SET source_total=excluded.source_total, allocated_total=excluded.allocated_total, journal_total=excluded.journal_total, variance_amount=excluded.variance_amount, variance_pct=excluded.variance_pct, status=excluded.status, completed_at=excluded.completed_at, note=excluded.note`,
		p.ID, p.PeriodStart, p.PeriodEnd, p.SourceTotal, p.AllocatedTotal, p.JournalTotal, p.VarianceAmount, p.VariancePct, p.Status, p.CompletedAt, nullableStringPtr(p.Note))
	return err
}

func (r Repo) GetPeriodReconciliation(ctx context.Context, periodStart, periodEnd string) (domain.PeriodReconciliation, error) {
	var p domain.PeriodReconciliation
	var note sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,period_start,period_end,source_total,allocated_total,journal_total,variance_amount,variance_pct,status,completed_at,note FROM period_reconciliations WHERE period_start=? AND period_end=?`, periodStart, periodEnd).
		Scan(&p.ID, &p.PeriodStart, &p.PeriodEnd, &p.SourceTotal, &p.AllocatedTotal, &p.JournalTotal, &p.VarianceAmount, &p.VariancePct, &p.Status, &p.CompletedAt, &note)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if note.Valid {
		p.Note = &note.String
	}
	return p, err
}

func (r Repo) ListPeriodReconciliations(ctx context.Context, limit int) ([]domain.PeriodReconciliation, error) {
	query := `SELECT id,period_start,period_end,source_total,allocated_total,journal_total,variance_amount,variance_pct,status,completed_at,note FROM period_reconciliations ORDER BY period_start DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PeriodReconciliation
	for rows.Next() {
		var p domain.PeriodReconciliation
		var note sql.NullString
		if err := rows.Scan(&p.ID, &p.PeriodStart, &p.PeriodEnd, &p.SourceTotal, &p.AllocatedTotal, &p.JournalTotal, &p.VarianceAmount, &p.VariancePct, &p.Status, &p.CompletedAt, &note); err != nil {
			return nil, err
		}
		if note.Valid {
			p.Note = &note.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
