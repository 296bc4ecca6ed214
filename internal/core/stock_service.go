package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared
// query helpers regardless of whether a caller owns a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StockService is the only authorized mutator path for Product.StockQuantity.
//
// The authoritative mutation is never "read, compare in application code,
// write": every decrement is a single conditional UPDATE whose precondition
// (stock_quantity >= n) is evaluated by PostgreSQL indivisibly with the write.
// "The UPDATE matched nothing" is the out-of-stock signal.
type StockService interface {
	// CheckStock is a read-only, non-authoritative pre-check. It collects
	// every violation in one pass and never fails fast; its result can be
	// stale by the time a write happens, so correctness never depends on it.
	CheckStock(ctx context.Context, items []StockItem) (*StockCheckResult, error)

	// ReserveStock issues one atomic conditional decrement per item inside
	// the caller's transaction. On *OutOfStockError the caller must abort the
	// whole transaction so earlier decrements in the same call do not survive.
	ReserveStock(ctx context.Context, tx pgx.Tx, items []StockItem, ref MovementRef) ([]ReservedItem, error)

	// ReleaseStock is the compensating increment. Pass tx to make it atomic
	// with a caller state transition, or nil to run in its own short
	// transaction. It is NOT idempotent: the caller must invoke it exactly
	// once per reservation, tracked via the order's commitment state.
	ReleaseStock(ctx context.Context, tx pgx.Tx, items []StockItem, ref MovementRef) error

	// ValidateAndReserveStock composes CheckStock (against the transaction's
	// snapshot) with ReserveStock. Correctness still comes entirely from the
	// conditional update inside ReserveStock.
	ValidateAndReserveStock(ctx context.Context, tx pgx.Tx, items []StockItem, ref MovementRef) (*StockCheckResult, []ReservedItem, error)

	// GetStock is a point read of the current counter.
	GetStock(ctx context.Context, productID int) (*StockInfo, error)

	// AdjustStock applies a signed manual correction in its own transaction,
	// with the same conditional guard on negative deltas.
	AdjustStock(ctx context.Context, productID, delta int, note, actor string) (*StockInfo, error)
}

type stockService struct {
	pool *pgxpool.Pool
}

func NewStockService(pool *pgxpool.Pool) StockService {
	return &stockService{pool: pool}
}

func (s *stockService) CheckStock(ctx context.Context, items []StockItem) (*StockCheckResult, error) {
	return checkStock(ctx, s.pool, items)
}

// checkStock runs against pool or tx so ValidateAndReserveStock can check
// inside the reservation transaction.
func checkStock(ctx context.Context, q querier, items []StockItem) (*StockCheckResult, error) {
	result := &StockCheckResult{Valid: true}

	for _, item := range items {
		var name string
		var inStock bool
		var quantity int
		err := q.QueryRow(ctx,
			"SELECT name, in_stock, stock_quantity FROM products WHERE id = $1 AND is_active = true",
			item.ProductID,
		).Scan(&name, &inStock, &quantity)
		if errors.Is(err, pgx.ErrNoRows) {
			// Missing product is a violation, never a fatal error here.
			result.Valid = false
			result.Insufficient = append(result.Insufficient, InsufficientProduct{
				ProductID: item.ProductID,
				Requested: item.Quantity,
				Available: 0,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check stock for product %d: %w", item.ProductID, err)
		}

		if !inStock || quantity < item.Quantity {
			result.Valid = false
			result.Insufficient = append(result.Insufficient, InsufficientProduct{
				ProductID:   item.ProductID,
				ProductName: name,
				Requested:   item.Quantity,
				Available:   quantity,
			})
		}
	}

	return result, nil
}

func (s *stockService) ReserveStock(ctx context.Context, tx pgx.Tx, items []StockItem, ref MovementRef) ([]ReservedItem, error) {
	reserved := make([]ReservedItem, 0, len(items))

	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("reserve quantity must be positive for product %d, got %d", item.ProductID, item.Quantity)
		}

		// Compare-and-decrement in one indivisible statement. in_stock flips
		// to false in the same write when the counter reaches zero.
		var newStock int
		err := tx.QueryRow(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity - $1,
			    in_stock       = stock_quantity - $1 > 0,
			    updated_at     = NOW()
			WHERE id = $2 AND is_active = true AND stock_quantity >= $1
			RETURNING stock_quantity
		`, item.Quantity, item.ProductID).Scan(&newStock)
		if errors.Is(err, pgx.ErrNoRows) {
			// No row matched: the authoritative out-of-stock signal. The
			// transaction is doomed, so this read is only for the error text.
			return nil, &OutOfStockError{Items: []InsufficientProduct{
				describeInsufficient(ctx, tx, item),
			}}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reserve stock for product %d: %w", item.ProductID, err)
		}

		if err := recordMovementTx(ctx, tx, StockMovement{
			ProductID:       item.ProductID,
			Type:            MovementReservation,
			Quantity:        -item.Quantity,
			PreviousStock:   newStock + item.Quantity,
			NewStock:        newStock,
			ReferenceType:   ref.Type,
			ReferenceID:     ref.ID,
			ReferenceNumber: ref.Number,
			Actor:           ref.Actor,
			Note:            fmt.Sprintf("reserved %d units", item.Quantity),
		}); err != nil {
			return nil, err
		}

		reserved = append(reserved, ReservedItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			NewStock:  newStock,
		})
	}

	return reserved, nil
}

// describeInsufficient reads the current state of a failed line for the
// OutOfStockError message. A vanished product reports available 0.
func describeInsufficient(ctx context.Context, q querier, item StockItem) InsufficientProduct {
	ins := InsufficientProduct{ProductID: item.ProductID, Requested: item.Quantity}
	_ = q.QueryRow(ctx,
		"SELECT name, stock_quantity FROM products WHERE id = $1",
		item.ProductID,
	).Scan(&ins.ProductName, &ins.Available)
	return ins
}

func (s *stockService) ReleaseStock(ctx context.Context, tx pgx.Tx, items []StockItem, ref MovementRef) error {
	if tx == nil {
		ownTx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin release transaction: %w", err)
		}
		defer ownTx.Rollback(ctx)

		if err := releaseStockTx(ctx, ownTx, items, ref); err != nil {
			return err
		}
		if err := ownTx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit release: %w", err)
		}
		return nil
	}
	return releaseStockTx(ctx, tx, items, ref)
}

func releaseStockTx(ctx context.Context, tx pgx.Tx, items []StockItem, ref MovementRef) error {
	for _, item := range items {
		if item.Quantity <= 0 {
			return fmt.Errorf("release quantity must be positive for product %d, got %d", item.ProductID, item.Quantity)
		}

		var newStock int
		err := tx.QueryRow(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity + $1,
			    in_stock       = true,
			    updated_at     = NOW()
			WHERE id = $2
			RETURNING stock_quantity
		`, item.Quantity, item.ProductID).Scan(&newStock)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("release for product %d: %w", item.ProductID, ErrProductNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to release stock for product %d: %w", item.ProductID, err)
		}

		if err := recordMovementTx(ctx, tx, StockMovement{
			ProductID:       item.ProductID,
			Type:            MovementRelease,
			Quantity:        item.Quantity,
			PreviousStock:   newStock - item.Quantity,
			NewStock:        newStock,
			ReferenceType:   ref.Type,
			ReferenceID:     ref.ID,
			ReferenceNumber: ref.Number,
			Actor:           ref.Actor,
			Note:            fmt.Sprintf("released %d units", item.Quantity),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *stockService) ValidateAndReserveStock(ctx context.Context, tx pgx.Tx, items []StockItem, ref MovementRef) (*StockCheckResult, []ReservedItem, error) {
	check, err := checkStock(ctx, tx, items)
	if err != nil {
		return nil, nil, err
	}
	if !check.Valid {
		return check, nil, &OutOfStockError{Items: check.Insufficient}
	}

	reserved, err := s.ReserveStock(ctx, tx, items, ref)
	if err != nil {
		return check, nil, err
	}
	return check, reserved, nil
}

func (s *stockService) GetStock(ctx context.Context, productID int) (*StockInfo, error) {
	return getStock(ctx, s.pool, productID)
}

func getStock(ctx context.Context, q querier, productID int) (*StockInfo, error) {
	var info StockInfo
	err := q.QueryRow(ctx,
		"SELECT in_stock, stock_quantity FROM products WHERE id = $1",
		productID,
	).Scan(&info.InStock, &info.StockQuantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stock for product %d: %w", productID, err)
	}
	return &info, nil
}

func (s *stockService) AdjustStock(ctx context.Context, productID, delta int, note, actor string) (*StockInfo, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjustment delta must be non-zero for product %d", productID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin adjustment transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var newStock int
	err = tx.QueryRow(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $1,
		    in_stock       = stock_quantity + $1 > 0,
		    updated_at     = NOW()
		WHERE id = $2 AND stock_quantity + $1 >= 0
		RETURNING stock_quantity
	`, delta, productID).Scan(&newStock)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if scanErr := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID,
		).Scan(&exists); scanErr == nil && !exists {
			return nil, ErrProductNotFound
		}
		return nil, &OutOfStockError{Items: []InsufficientProduct{
			describeInsufficient(ctx, tx, StockItem{ProductID: productID, Quantity: -delta}),
		}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to adjust stock for product %d: %w", productID, err)
	}

	if err := recordMovementTx(ctx, tx, StockMovement{
		ProductID:     productID,
		Type:          MovementAdjustment,
		Quantity:      delta,
		PreviousStock: newStock - delta,
		NewStock:      newStock,
		ReferenceType: "adjustment",
		Note:          note,
		Actor:         actor,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit adjustment: %w", err)
	}

	return &StockInfo{InStock: newStock > 0, StockQuantity: newStock}, nil
}
