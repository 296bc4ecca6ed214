package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// MovementLog reads the append-only audit trail and reconciles it against the
// live counters. Writes go through recordMovementTx only, inside the same
// transaction as the counter mutation they describe.
type MovementLog interface {
	GetMovements(ctx context.Context, productID, limit int) ([]StockMovement, error)
	GetMovementsByReference(ctx context.Context, refType string, refID int) ([]StockMovement, error)
	// Reconcile verifies sum(delta since creation) == currentStock - initialStock.
	Reconcile(ctx context.Context, productID int) (*ReconciliationReport, error)
	// ReconcileAll checks every active product and logs any drift at error level.
	ReconcileAll(ctx context.Context) ([]ReconciliationReport, error)
}

type movementLog struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewMovementLog(pool *pgxpool.Pool, log zerolog.Logger) MovementLog {
	return &movementLog{pool: pool, log: log}
}

// recordMovementTx appends one audit record inside the caller's transaction,
// so the movement and the counter change it describes commit or roll back
// together. Movements are never updated or deleted.
func recordMovementTx(ctx context.Context, tx pgx.Tx, m StockMovement) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stock_movements
			(product_id, movement_type, quantity, previous_stock, new_stock,
			 reference_type, reference_id, reference_number, note, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ProductID, string(m.Type), m.Quantity, m.PreviousStock, m.NewStock,
		m.ReferenceType, m.ReferenceID, m.ReferenceNumber, m.Note, m.Actor)
	if err != nil {
		return fmt.Errorf("failed to record %s movement for product %d: %w", m.Type, m.ProductID, err)
	}
	return nil
}

const movementColumns = `
	id, product_id, movement_type, quantity, previous_stock, new_stock,
	reference_type, reference_id, reference_number, note, actor, created_at`

func scanMovements(rows pgx.Rows) ([]StockMovement, error) {
	defer rows.Close()

	var movements []StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Type, &m.Quantity,
			&m.PreviousStock, &m.NewStock, &m.ReferenceType, &m.ReferenceID,
			&m.ReferenceNumber, &m.Note, &m.Actor, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stock movement: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (l *movementLog) GetMovements(ctx context.Context, productID, limit int) ([]StockMovement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements for product %d: %w", productID, err)
	}
	return scanMovements(rows)
}

func (l *movementLog) GetMovementsByReference(ctx context.Context, refType string, refID int) ([]StockMovement, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY id
	`, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements for %s %d: %w", refType, refID, err)
	}
	return scanMovements(rows)
}

func (l *movementLog) Reconcile(ctx context.Context, productID int) (*ReconciliationReport, error) {
	var r ReconciliationReport
	err := l.pool.QueryRow(ctx, `
		SELECT p.id, p.sku, p.initial_stock, p.stock_quantity,
		       COALESCE(SUM(m.quantity), 0)
		FROM products p
		LEFT JOIN stock_movements m ON m.product_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`, productID).Scan(&r.ProductID, &r.SKU, &r.InitialStock, &r.CurrentStock, &r.MovementSum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile product %d: %w", productID, err)
	}

	r.Drift = r.CurrentStock - r.InitialStock - r.MovementSum
	r.Consistent = r.Drift == 0
	if !r.Consistent {
		l.log.Error().
			Int("product_id", r.ProductID).
			Str("sku", r.SKU).
			Int("drift", r.Drift).
			Msg("stock ledger drift detected")
	}
	return &r, nil
}

func (l *movementLog) ReconcileAll(ctx context.Context) ([]ReconciliationReport, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT p.id, p.sku, p.initial_stock, p.stock_quantity,
		       COALESCE(SUM(m.quantity), 0)
		FROM products p
		LEFT JOIN stock_movements m ON m.product_id = p.id
		WHERE p.is_active = true
		GROUP BY p.id
		ORDER BY p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile products: %w", err)
	}
	defer rows.Close()

	var reports []ReconciliationReport
	for rows.Next() {
		var r ReconciliationReport
		if err := rows.Scan(&r.ProductID, &r.SKU, &r.InitialStock, &r.CurrentStock, &r.MovementSum); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation row: %w", err)
		}
		r.Drift = r.CurrentStock - r.InitialStock - r.MovementSum
		r.Consistent = r.Drift == 0
		if !r.Consistent {
			l.log.Error().
				Int("product_id", r.ProductID).
				Str("sku", r.SKU).
				Int("drift", r.Drift).
				Msg("stock ledger drift detected")
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
