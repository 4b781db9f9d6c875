package repo

import (
	"context"
	"database/sql"

	"orderline/internal/domain"
)

func (r Repo) InsertJournalEntry(ctx context.Context, tx *sql.Tx, e domain.JournalEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO journal_entries(id,transaction_id,account,debit,credit,currency,memo,posted_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, nullableStringPtr(e.TransactionID), e.Account, e.Debit, e.Credit, e.Currency, e.Memo, e.PostedAt)
	return err
}

type JournalFilters struct {
	TransactionID string
	Account       string
	From          string
	To            string
	Limit         int
}

func (r Repo) ListJournalEntries(ctx context.Context, f JournalFilters) ([]domain.JournalEntry, error) {
	query := `SELECT id,transaction_id,account,debit,credit,currency,memo,posted_at FROM journal_entries WHERE 1=1`
	var args []any
	if f.TransactionID != "" {
		query += ` AND transaction_id=?`
		args = append(args, f.TransactionID)
	}
	if f.Account != "" {
		query += ` AND account=?`
		args = append(args, f.Account)
	}
	if f.From != "" {
		query += ` AND posted_at >= ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		query += ` AND posted_at < ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY posted_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var txID sql.NullString
		if err := rows.Scan(&e.ID, &txID, &e.Account, &e.Debit, &e.Credit, &e.Currency, &e.Memo, &e.PostedAt); err != nil {
			return nil, err
		}
		if txID.Valid {
			e.TransactionID = &txID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AccountTotals returns summed debits and credits per account, optionally
// bounded to a posting window.
func (r Repo) AccountTotals(ctx context.Context, from, to string) (map[string][2]string, error) {
	query := `SELECT account, COALESCE(SUM(CAST(debit AS REAL)),0), COALESCE(SUM(CAST(credit AS REAL)),0) FROM journal_entries WHERE 1=1`
	var args []any
	if from != "" {
		query += ` AND posted_at >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND posted_at < ?`
		args = append(args, to)
	}
	query += ` GROUP BY account ORDER BY account ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][2]string{}
	for rows.Next() {
		var account, debit, credit string
		if err := rows.Scan(&account, &debit, &credit); err != nil {
			return nil, err
		}
		res[account] = [2]string{debit, credit}
	}
	return res, rows.Err()
}

const invoiceCols = `id,transaction_id,number,counterparty,amount,currency,status,issued_at,due_at,settled_at,updated_at`

func scanInvoice(row *sql.Row) (domain.Invoice, error) {
	var inv domain.Invoice
	var settledAt sql.NullString
	err := row.Scan(&inv.ID, &inv.TransactionID, &inv.Number, &inv.Counterparty, &inv.Amount, &inv.Currency, &inv.Status,
		&inv.IssuedAt, &inv.DueAt, &settledAt, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if settledAt.Valid {
		inv.SettledAt = &settledAt.String
	}
	return inv, err
}

func (r Repo) InsertInvoice(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO invoices(`+invoiceCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.TransactionID, inv.Number, inv.Counterparty, inv.Amount, inv.Currency, inv.Status,
		inv.IssuedAt, inv.DueAt, nullableStringPtr(inv.SettledAt), inv.UpdatedAt)
	return err
}

func (r Repo) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	return scanInvoice(r.DB.QueryRowContext(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id=?`, id))
}

func (r Repo) GetInvoiceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Invoice, error) {
	return scanInvoice(tx.QueryRowContext(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id=?`, id))
}

func (r Repo) GetInvoiceByTransaction(ctx context.Context, transactionID string) (domain.Invoice, error) {
	return scanInvoice(r.DB.QueryRowContext(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE transaction_id=?`, transactionID))
}

func (r Repo) GetInvoiceByTransactionTx(ctx context.Context, tx *sql.Tx, transactionID string) (domain.Invoice, error) {
	return scanInvoice(tx.QueryRowContext(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE transaction_id=?`, transactionID))
}

func (r Repo) UpdateInvoiceStatus(ctx context.Context, tx *sql.Tx, id, status string, settledAt *string, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE invoices SET status=?, settled_at=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(settledAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type InvoiceFilters struct {
	Status       string
	Counterparty string
	Limit        int
}

func (r Repo) ListInvoices(ctx context.Context, f InvoiceFilters) ([]domain.Invoice, error) {
	query := `SELECT ` + invoiceCols + ` FROM invoices WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Counterparty != "" {
		query += ` AND counterparty=?`
		args = append(args, f.Counterparty)
	}
	query += ` ORDER BY issued_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invoice
	for rows.Next() {
		var inv domain.Invoice
		var settledAt sql.NullString
		if err := rows.Scan(&inv.ID, &inv.TransactionID, &inv.Number, &inv.Counterparty, &inv.Amount, &inv.Currency, &inv.Status,
			&inv.IssuedAt, &inv.DueAt, &settledAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		if settledAt.Valid {
			inv.SettledAt = &settledAt.String
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

func (r Repo) CountInvoices(ctx context.Context, tx *sql.Tx) (int64, error) {
	var n int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM invoices`).Scan(&n)
	return n, err
}

func (r Repo) InsertARSubledgerEntry(ctx context.Context, tx *sql.Tx, e domain.ARSubledgerEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ar_subledger_entries(id,invoice_id,transaction_id,entry_type,debit,credit,balance_after,currency,memo,posted_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.InvoiceID, e.TransactionID, e.EntryType, e.Debit, e.Credit, e.BalanceAfter, e.Currency, e.Memo, e.PostedAt)
	return err
}

func (r Repo) ListARSubledgerEntries(ctx context.Context, invoiceID string) ([]domain.ARSubledgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,invoice_id,transaction_id,entry_type,debit,credit,balance_after,currency,memo,posted_at FROM ar_subledger_entries WHERE invoice_id=? ORDER BY posted_at ASC, id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ARSubledgerEntry
	for rows.Next() {
		var e domain.ARSubledgerEntry
		if err := rows.Scan(&e.ID, &e.InvoiceID, &e.TransactionID, &e.EntryType, &e.Debit, &e.Credit, &e.BalanceAfter, &e.Currency, &e.Memo, &e.PostedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestARBalance returns the running balance after the most recent
// subledger entry for the invoice, or "0" when none exist.
func (r Repo) LatestARBalance(ctx context.Context, tx *sql.Tx, invoiceID string) (string, error) {
	var balance string
	err := r.q(tx).QueryRowContext(ctx, `SELECT balance_after FROM ar_subledger_entries WHERE invoice_id=? ORDER BY posted_at DESC, id DESC LIMIT 1`, invoiceID).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	return balance, err
}

const apObligationCols = `id,transaction_id,source_type,counterparty,amount,currency,status,due_at,settled_at,created_at,updated_at`

func scanAPObligation(row *sql.Row) (domain.APObligation, error) {
	var o domain.APObligation
	var txID, settledAt sql.NullString
	err := row.Scan(&o.ID, &txID, &o.SourceType, &o.Counterparty, &o.Amount, &o.Currency, &o.Status,
		&o.DueAt, &settledAt, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if txID.Valid {
		o.TransactionID = &txID.String
	}
	if settledAt.Valid {
		o.SettledAt = &settledAt.String
	}
	return o, err
}

func (r Repo) InsertAPObligation(ctx context.Context, tx *sql.Tx, o domain.APObligation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ap_obligations(`+apObligationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, nullableStringPtr(o.TransactionID), o.SourceType, o.Counterparty, o.Amount, o.Currency, o.Status,
		o.DueAt, nullableStringPtr(o.SettledAt), o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetAPObligation(ctx context.Context, id string) (domain.APObligation, error) {
	return scanAPObligation(r.DB.QueryRowContext(ctx, `SELECT `+apObligationCols+` FROM ap_obligations WHERE id=?`, id))
}

func (r Repo) GetAPObligationTx(ctx context.Context, tx *sql.Tx, id string) (domain.APObligation, error) {
	return scanAPObligation(tx.QueryRowContext(ctx, `SELECT `+apObligationCols+` FROM ap_obligations WHERE id=?`, id))
}

func (r Repo) UpdateAPObligationStatus(ctx context.Context, tx *sql.Tx, id, status string, settledAt *string, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE ap_obligations SET status=?, settled_at=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(settledAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type APObligationFilters struct {
	Status        string
	SourceType    string
	TransactionID string
	Limit         int
}

func (r Repo) ListAPObligations(ctx context.Context, f APObligationFilters) ([]domain.APObligation, error) {
	query := `SELECT ` + apObligationCols + ` FROM ap_obligations WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.SourceType != "" {
		query += ` AND source_type=?`
		args = append(args, f.SourceType)
	}
	if f.TransactionID != "" {
		query += ` AND transaction_id=?`
		args = append(args, f.TransactionID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APObligation
	for rows.Next() {
		var o domain.APObligation
		var txID, settledAt sql.NullString
		if err := rows.Scan(&o.ID, &txID, &o.SourceType, &o.Counterparty, &o.Amount, &o.Currency, &o.Status,
			&o.DueAt, &settledAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		if txID.Valid {
			o.TransactionID = &txID.String
		}
		if settledAt.Valid {
			o.SettledAt = &settledAt.String
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) InsertAPSubledgerEntry(ctx context.Context, tx *sql.Tx, e domain.APSubledgerEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ap_subledger_entries(id,obligation_id,transaction_id,entry_type,debit,credit,balance_after,currency,memo,posted_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ObligationID, nullableStringPtr(e.TransactionID), e.EntryType, e.Debit, e.Credit, e.BalanceAfter, e.Currency, e.Memo, e.PostedAt)
	return err
}

func (r Repo) ListAPSubledgerEntries(ctx context.Context, obligationID string) ([]domain.APSubledgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,obligation_id,transaction_id,entry_type,debit,credit,balance_after,currency,memo,posted_at FROM ap_subledger_entries WHERE obligation_id=? ORDER BY posted_at ASC, id ASC`, obligationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.APSubledgerEntry
	for rows.Next() {
		var e domain.APSubledgerEntry
		var txID sql.NullString
		if err := rows.Scan(&e.ID, &e.ObligationID, &txID, &e.EntryType, &e.Debit, &e.Credit, &e.BalanceAfter, &e.Currency, &e.Memo, &e.PostedAt); err != nil {
			return nil, err
		}
		if txID.Valid {
			e.TransactionID = &txID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestAPBalance(ctx context.Context, tx *sql.Tx, obligationID string) (string, error) {
	var balance string
	err := r.q(tx).QueryRowContext(ctx, `SELECT balance_after FROM ap_subledger_entries WHERE obligation_id=? ORDER BY posted_at DESC, id DESC LIMIT 1`, obligationID).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	return balance, err
}

func (r Repo) InsertSettlement(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO settlements(id,transaction_id,invoice_id,amount,currency,reference,received_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.TransactionID, s.InvoiceID, s.Amount, s.Currency, s.Reference, s.ReceivedAt)
	return err
}

func (r Repo) ListSettlements(ctx context.Context, invoiceID string) ([]domain.Settlement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,transaction_id,invoice_id,amount,currency,reference,received_at FROM settlements WHERE invoice_id=? ORDER BY received_at ASC, id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Settlement
	for rows.Next() {
		var s domain.Settlement
		if err := rows.Scan(&s.ID, &s.TransactionID, &s.InvoiceID, &s.Amount, &s.Currency, &s.Reference, &s.ReceivedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListSettlementsForTransaction(ctx context.Context, transactionID string) ([]domain.Settlement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,transaction_id,invoice_id,amount,currency,reference,received_at FROM settlements WHERE transaction_id=? ORDER BY received_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Settlement
	for rows.Next() {
		var s domain.Settlement
		if err := rows.Scan(&s.ID, &s.TransactionID, &s.InvoiceID, &s.Amount, &s.Currency, &s.Reference, &s.ReceivedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
