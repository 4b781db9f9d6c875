package repo

import (
	"context"
	"database/sql"

	"orderline/internal/domain"
)

func (r Repo) GetThreshold(ctx context.Context, tx *sql.Tx, actionType string) (domain.GovernanceThreshold, error) {
	var t domain.GovernanceThreshold
	var active int
	err := r.q(tx).QueryRowContext(ctx, `SELECT action_type,max_auto_amount,currency,active,version,updated_by,updated_at FROM governance_thresholds WHERE action_type=?`, actionType).
		Scan(&t.ActionType, &t.MaxAutoAmount, &t.Currency, &active, &t.Version, &t.UpdatedBy, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Active = active != 0
	return t, err
}

// UpsertThreshold bumps the version on every change so that escalations can
// pin the configuration they were raised under.
func (r Repo) UpsertThreshold(ctx context.Context, tx *sql.Tx, t domain.GovernanceThreshold) error {
	active := 0
	if t.Active {
		active = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO governance_thresholds(action_type,max_auto_amount,currency,active,version,updated_by,updated_at) VALUES (?,?,?,?,1,?,?)
ON CONFLICT(action_type) DO UPDATE SET max_auto_amount=excluded.max_auto_amount, currency=excluded.currency, active=excluded.active, version=version+1, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		t.ActionType, t.MaxAutoAmount, t.Currency, active, t.UpdatedBy, t.UpdatedAt)
	return err
}

func (r Repo) ListThresholds(ctx context.Context) ([]domain.GovernanceThreshold, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action_type,max_auto_amount,currency,active,version,updated_by,updated_at FROM governance_thresholds ORDER BY action_type ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GovernanceThreshold
	for rows.Next() {
		var t domain.GovernanceThreshold
		var active int
		if err := rows.Scan(&t.ActionType, &t.MaxAutoAmount, &t.Currency, &active, &t.Version, &t.UpdatedBy, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Active = active != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetFreezeControl(ctx context.Context, tx *sql.Tx, actionType string) (domain.FreezeControl, error) {
	var f domain.FreezeControl
	var frozen int
	err := r.q(tx).QueryRowContext(ctx, `SELECT action_type,frozen,reason,version,updated_by,updated_at FROM freeze_controls WHERE action_type=?`, actionType).
		Scan(&f.ActionType, &frozen, &f.Reason, &f.Version, &f.UpdatedBy, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	f.Frozen = frozen != 0
	return f, err
}

func (r Repo) UpsertFreezeControl(ctx context.Context, tx *sql.Tx, f domain.FreezeControl) error {
	frozen := 0
	if f.Frozen {
		frozen = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO freeze_controls(action_type,frozen,reason,version,updated_by,updated_at) VALUES (?,?,?,1,?,?)
ON CONFLICT(action_type) DO UPDATE SET frozen=excluded.frozen, reason=excluded.reason, version=version+1, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		f.ActionType, frozen, f.Reason, f.UpdatedBy, f.UpdatedAt)
	return err
}

func (r Repo) ListFreezeControls(ctx context.Context) ([]domain.FreezeControl, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT action_type,frozen,reason,version,updated_by,updated_at FROM freeze_controls ORDER BY action_type ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FreezeControl
	for rows.Next() {
		var f domain.FreezeControl
		var frozen int
		if err := rows.Scan(&f.ActionType, &frozen, &f.Reason, &f.Version, &f.UpdatedBy, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Frozen = frozen != 0
		res = append(res, f)
	}
	return res, rows.Err()
}

const escalationCols = `id,action_type,reference_kind,reference_id,status,reason_code,amount,currency,config_version,requested_by,created_at,decided_at,decided_by,decision_note`

func scanEscalation(row *sql.Row) (domain.Escalation, error) {
	var e domain.Escalation
	var decidedAt, decidedBy, note sql.NullString
	err := row.Scan(&e.ID, &e.ActionType, &e.ReferenceKind, &e.ReferenceID, &e.Status, &e.ReasonCode, &e.Amount, &e.Currency,
		&e.ConfigVersion, &e.RequestedBy, &e.CreatedAt, &decidedAt, &decidedBy, &note)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if decidedAt.Valid {
		e.DecidedAt = &decidedAt.String
	}
	if decidedBy.Valid {
		e.DecidedBy = &decidedBy.String
	}
	if note.Valid {
		e.DecisionNote = &note.String
	}
	return e, err
}

func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.Escalation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO escalations(`+escalationCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ActionType, e.ReferenceKind, e.ReferenceID, e.Status, e.ReasonCode, e.Amount, e.Currency,
		e.ConfigVersion, e.RequestedBy, e.CreatedAt, nullableStringPtr(e.DecidedAt), nullableStringPtr(e.DecidedBy), nullableStringPtr(e.DecisionNote))
	return err
}

func (r Repo) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	return scanEscalation(r.DB.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalations WHERE id=?`, id))
}

func (r Repo) GetEscalationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Escalation, error) {
	return scanEscalation(tx.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalations WHERE id=?`, id))
}

// DecideEscalation records a decision; the PENDING guard makes repeated
// decisions lose the race instead of overwriting the first one.
func (r Repo) DecideEscalation(ctx context.Context, tx *sql.Tx, id, status, decidedBy, decidedAt, note string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE escalations SET status=?, decided_at=?, decided_by=?, decision_note=? WHERE id=? AND status='PENDING'`,
		status, decidedAt, decidedBy, nullable(note), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EscalationFilters struct {
	Status     string
	ActionType string
	Limit      int
}

func (r Repo) ListEscalations(ctx context.Context, f EscalationFilters) ([]domain.Escalation, error) {
	query := `SELECT ` + escalationCols + ` FROM escalations WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.ActionType != "" {
		query += ` AND action_type=?`
		args = append(args, f.ActionType)
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
	var res []domain.Escalation
	for rows.Next() {
		var e domain.Escalation
		var decidedAt, decidedBy, note sql.NullString
		if err := rows.Scan(&e.ID, &e.ActionType, &e.ReferenceKind, &e.ReferenceID, &e.Status, &e.ReasonCode, &e.Amount, &e.Currency,
			&e.ConfigVersion, &e.RequestedBy, &e.CreatedAt, &decidedAt, &decidedBy, &note); err != nil {
			return nil, err
		}
		if decidedAt.Valid {
			e.DecidedAt = &decidedAt.String
		}
		if decidedBy.Valid {
			e.DecidedBy = &decidedBy.String
		}
		if note.Valid {
			e.DecisionNote = &note.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
