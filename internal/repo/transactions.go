package repo

import (
	"context"
	"database/sql"
	"strings"

	"orderline/internal/domain"
)

const transactionCols = `id,counterparty,kind,item_code,quantity,unit_price,currency,status,failure_reason,requested_by,created_at,updated_at,fulfilled_at`

func scanTransaction(row *sql.Row) (domain.Transaction, error) {
	var t domain.Transaction
	var failureReason, fulfilledAt sql.NullString
	err := row.Scan(&t.ID, &t.Counterparty, &t.Kind, &t.ItemCode, &t.Quantity, &t.UnitPrice, &t.Currency, &t.Status,
		&failureReason, &t.RequestedBy, &t.CreatedAt, &t.UpdatedAt, &fulfilledAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if failureReason.Valid {
		t.FailureReason = &failureReason.String
	}
	if fulfilledAt.Valid {
		t.FulfilledAt = &fulfilledAt.String
	}
	return t, err
}

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO transactions(`+transactionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Counterparty, t.Kind, t.ItemCode, t.Quantity, t.UnitPrice, t.Currency, t.Status,
		nullableStringPtr(t.FailureReason), t.RequestedBy, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.FulfilledAt))
	return err
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return scanTransaction(r.DB.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id=?`, id))
}

func (r Repo) GetTransactionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Transaction, error) {
	return scanTransaction(tx.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id=?`, id))
}

// UpdateTransactionStatus flips status and bookkeeping columns; the guard on
// the previous status makes concurrent finalizers lose cleanly.
func (r Repo) UpdateTransactionStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus string, failureReason, fulfilledAt *string, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE transactions SET status=?, failure_reason=?, fulfilled_at=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, nullableStringPtr(failureReason), nullableStringPtr(fulfilledAt), updatedAt, id, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TransactionFilters struct {
	Status          string
	Kind            string
	Counterparty    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTransactions(ctx context.Context, f TransactionFilters) ([]domain.Transaction, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Counterparty != "" {
		clauses = append(clauses, "counterparty=?")
		args = append(args, f.Counterparty)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + transactionCols + ` FROM transactions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var failureReason, fulfilledAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Counterparty, &t.Kind, &t.ItemCode, &t.Quantity, &t.UnitPrice, &t.Currency, &t.Status,
			&failureReason, &t.RequestedBy, &t.CreatedAt, &t.UpdatedAt, &fulfilledAt); err != nil {
			return nil, err
		}
		if failureReason.Valid {
			t.FailureReason = &failureReason.String
		}
		if fulfilledAt.Valid {
			t.FulfilledAt = &fulfilledAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// FulfilledTransactionsBetween returns transactions fulfilled inside the
// half-open window [start,end), ordered by id for deterministic allocation.
func (r Repo) FulfilledTransactionsBetween(ctx context.Context, start, end string) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE status='FULFILLED' AND fulfilled_at >= ? AND fulfilled_at < ? ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var failureReason, fulfilledAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Counterparty, &t.Kind, &t.ItemCode, &t.Quantity, &t.UnitPrice, &t.Currency, &t.Status,
			&failureReason, &t.RequestedBy, &t.CreatedAt, &t.UpdatedAt, &fulfilledAt); err != nil {
			return nil, err
		}
		if failureReason.Valid {
			t.FailureReason = &failureReason.String
		}
		if fulfilledAt.Valid {
			t.FulfilledAt = &fulfilledAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTransactionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM transactions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
