package repo

import (
	"context"
	"database/sql"

	"orderline/internal/domain"
)

func (r Repo) GetStockPosition(ctx context.Context, tx *sql.Tx, itemCode string) (domain.StockPosition, error) {
	var p domain.StockPosition
	err := r.q(tx).QueryRowContext(ctx, `SELECT item_code,on_hand,reserved,avg_cost,updated_at FROM stock_positions WHERE item_code=?`, itemCode).
		Scan(&p.ItemCode, &p.OnHand, &p.Reserved, &p.AvgCost, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) UpsertStockPosition(ctx context.Context, tx *sql.Tx, p domain.StockPosition) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO stock_positions(item_code,on_hand,reserved,avg_cost,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(item_code) DO UPDATE SET on_hand=excluded.on_hand, reserved=excluded.reserved, avg_cost=excluded.avg_cost, updated_at=excluded.updated_at`,
		p.ItemCode, p.OnHand, p.Reserved, p.AvgCost, p.UpdatedAt)
	return err
}

func (r Repo) ListStockPositions(ctx context.Context) ([]domain.StockPosition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_code,on_hand,reserved,avg_cost,updated_at FROM stock_positions ORDER BY item_code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StockPosition
	for rows.Next() {
		var p domain.StockPosition
		if err := rows.Scan(&p.ItemCode, &p.OnHand, &p.Reserved, &p.AvgCost, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertStockMovement(ctx context.Context, tx *sql.Tx, m domain.StockMovement) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO stock_movements(id,item_code,transaction_id,type,quantity,unit_cost,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.ItemCode, nullableStringPtr(m.TransactionID), m.Type, m.Quantity, m.UnitCost, m.CreatedAt)
	return err
}

type MovementFilters struct {
	ItemCode      string
	TransactionID string
	Type          string
	Limit         int
}

func (r Repo) ListStockMovements(ctx context.Context, f MovementFilters) ([]domain.StockMovement, error) {
	query := `SELECT id,item_code,transaction_id,type,quantity,unit_cost,created_at FROM stock_movements WHERE 1=1`
	var args []any
	if f.ItemCode != "" {
		query += ` AND item_code=?`
		args = append(args, f.ItemCode)
	}
	if f.TransactionID != "" {
		query += ` AND transaction_id=?`
		args = append(args, f.TransactionID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
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
	var res []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		var txID sql.NullString
		if err := rows.Scan(&m.ID, &m.ItemCode, &txID, &m.Type, &m.Quantity, &m.UnitCost, &m.CreatedAt); err != nil {
			return nil, err
		}
		if txID.Valid {
			m.TransactionID = &txID.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
