package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// The storage engine may abort a transaction on write conflict; those
	// aborts are transient and worth a bounded retry before surfacing.
	maxCheckoutAttempts = 3
	checkoutBackoffBase = 50 * time.Millisecond
)

// CheckoutService owns the per-order stock-commitment state machine:
// unreserved → reserved → committed, or reserved → released. The order row is
// the source of truth for whether a release has already happened.
type CheckoutService interface {
	// CreateOrder creates the order record and reserves every line inside one
	// transaction. If any line cannot be reserved the transaction aborts as a
	// whole: no partial reservation and no order record survive.
	CreateOrder(ctx context.Context, customerName string, items []OrderItemInput) (*Order, error)

	// ReleaseOrder compensates a reservation on cancellation, payment failure
	// or timeout. A repeated release is a no-op, enforced by the order's
	// commitment state, never by StockService.
	ReleaseOrder(ctx context.Context, orderID int, reason string) error

	// CommitOrder finalizes the reservation once payment is confirmed. No
	// further stock mutations occur for the order afterwards.
	CommitOrder(ctx context.Context, orderID int) error

	GetOrder(ctx context.Context, orderID int) (*Order, error)
	GetOrders(ctx context.Context, commitment *Commitment) ([]Order, error)
}

type checkoutService struct {
	pool  *pgxpool.Pool
	stock StockService
	log   zerolog.Logger
}

func NewCheckoutService(pool *pgxpool.Pool, stock StockService, log zerolog.Logger) CheckoutService {
	return &checkoutService{pool: pool, stock: stock, log: log}
}

func (s *checkoutService) CreateOrder(ctx context.Context, customerName string, items []OrderItemInput) (*Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("order must have at least one item")
	}
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("item %d: quantity must be positive, got %d", i+1, item.Quantity)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxCheckoutAttempts; attempt++ {
		if attempt > 0 {
			backoff := checkoutBackoffBase << (attempt - 1)
			s.log.Warn().
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("retrying order creation after write conflict")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		orderID, err := s.createOrderOnce(ctx, customerName, items)
		if err == nil {
			return s.GetOrder(ctx, orderID)
		}
		if !isRetryableConflict(err) {
			return nil, err
		}
		lastErr = err
	}

	s.log.Error().Err(lastErr).Msg("order creation retry budget exhausted")
	return nil, fmt.Errorf("order creation kept conflicting: %w", ErrTransient)
}

func (s *checkoutService) createOrderOnce(ctx context.Context, customerName string, items []OrderItemInput) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin order transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	orderNumber := "ORD-" + uuid.NewString()

	var orderID int
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (order_number, customer_name, commitment)
		VALUES ($1, $2, 'unreserved')
		RETURNING id
	`, orderNumber, customerName).Scan(&orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert order: %w", err)
	}

	stockItems := make([]StockItem, len(items))
	for i, item := range items {
		stockItems[i] = StockItem{ProductID: item.ProductID, Quantity: item.Quantity}
	}

	// The conditional decrements inside are the correctness mechanism; a
	// failure aborts this transaction wholesale, so a partially reserved
	// multi-item order is never observable.
	if _, _, err := s.stock.ValidateAndReserveStock(ctx, tx, stockItems, MovementRef{
		Type:   "order",
		ID:     &orderID,
		Number: orderNumber,
		Actor:  "checkout",
	}); err != nil {
		return 0, err
	}

	total := decimal.Zero
	for i, item := range items {
		var name string
		var unitPrice decimal.Decimal
		err = tx.QueryRow(ctx,
			"SELECT name, unit_price FROM products WHERE id = $1",
			item.ProductID,
		).Scan(&name, &unitPrice)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve product %d: %w", item.ProductID, err)
		}

		lineTotal := unitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		total = total.Add(lineTotal)

		_, err = tx.Exec(ctx, `
			INSERT INTO order_lines (order_id, line_number, product_id, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, orderID, i+1, item.ProductID, item.Quantity, unitPrice, lineTotal)
		if err != nil {
			return 0, fmt.Errorf("failed to insert order line %d: %w", i+1, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET commitment = 'reserved', total = $1, reserved_at = NOW()
		WHERE id = $2
	`, total, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark order %d reserved: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit order creation: %w", err)
	}
	return orderID, nil
}

func (s *checkoutService) ReleaseOrder(ctx context.Context, orderID int, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin release transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var commitment Commitment
	var orderNumber string
	err = tx.QueryRow(ctx,
		"SELECT commitment, order_number FROM orders WHERE id = $1 FOR UPDATE",
		orderID,
	).Scan(&commitment, &orderNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}

	switch commitment {
	case CommitmentReleased:
		// Duplicate cancel: already compensated, nothing to do.
		return nil
	case CommitmentCommitted:
		return fmt.Errorf("order %d cannot be released: commitment is %s", orderID, commitment)
	case CommitmentUnreserved:
		return fmt.Errorf("order %d holds no reservation (commitment %s)", orderID, commitment)
	}

	rows, err := tx.Query(ctx,
		"SELECT product_id, quantity FROM order_lines WHERE order_id = $1 ORDER BY line_number",
		orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to fetch lines for order %d: %w", orderID, err)
	}
	var items []StockItem
	for rows.Next() {
		var it StockItem
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan order line: %w", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating order lines: %w", err)
	}

	// Releasing inside the same transaction as the reserved → released
	// transition makes "exactly one release per reservation" hold even under
	// concurrent duplicate cancels: the loser of the row lock sees the
	// terminal state above.
	if err := s.stock.ReleaseStock(ctx, tx, items, MovementRef{
		Type:   "order",
		ID:     &orderID,
		Number: orderNumber,
		Actor:  "checkout",
	}); err != nil {
		s.log.Error().
			Int("order_id", orderID).
			Str("order_number", orderNumber).
			Err(err).
			Msg("stock release failed; reservation still held, retry the release")
		return fmt.Errorf("%w for order %d: %v", ErrReleaseFailed, orderID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET commitment = 'released', release_reason = $1, released_at = NOW()
		WHERE id = $2
	`, reason, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order %d released: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.log.Error().
			Int("order_id", orderID).
			Err(err).
			Msg("release commit failed; reservation still held, retry the release")
		return fmt.Errorf("%w for order %d: %v", ErrReleaseFailed, orderID, err)
	}
	return nil
}

func (s *checkoutService) CommitOrder(ctx context.Context, orderID int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET commitment = 'committed', committed_at = NOW()
		WHERE id = $1 AND commitment = 'reserved'
	`, orderID)
	if err != nil {
		return fmt.Errorf("failed to commit order %d: %w", orderID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var commitment Commitment
	err = s.pool.QueryRow(ctx, "SELECT commitment FROM orders WHERE id = $1", orderID).Scan(&commitment)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}
	if commitment == CommitmentCommitted {
		// Duplicate payment confirmation.
		return nil
	}
	return fmt.Errorf("order %d cannot be committed: commitment is %s (must be reserved)", orderID, commitment)
}

func (s *checkoutService) GetOrder(ctx context.Context, orderID int) (*Order, error) {
	var o Order
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_number, customer_name, commitment, total, release_reason,
		       created_at, reserved_at, released_at, committed_at
		FROM orders WHERE id = $1
	`, orderID).Scan(&o.ID, &o.OrderNumber, &o.CustomerName, &o.Commitment, &o.Total,
		&o.ReleaseReason, &o.CreatedAt, &o.ReservedAt, &o.ReleasedAt, &o.CommittedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ol.id, ol.order_id, ol.line_number, ol.product_id, p.name,
		       ol.quantity, ol.unit_price, ol.line_total
		FROM order_lines ol
		JOIN products p ON p.id = ol.product_id
		WHERE ol.order_id = $1
		ORDER BY ol.line_number
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lines for order %d: %w", orderID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.LineNumber, &l.ProductID, &l.ProductName,
			&l.Quantity, &l.UnitPrice, &l.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		o.Lines = append(o.Lines, l)
	}
	return &o, rows.Err()
}

func (s *checkoutService) GetOrders(ctx context.Context, commitment *Commitment) ([]Order, error) {
	query := `
		SELECT id, order_number, customer_name, commitment, total, release_reason,
		       created_at, reserved_at, released_at, committed_at
		FROM orders`
	var args []any
	if commitment != nil {
		query += " WHERE commitment = $1"
		args = append(args, *commitment)
	}
	query += " ORDER BY id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.CustomerName, &o.Commitment, &o.Total,
			&o.ReleaseReason, &o.CreatedAt, &o.ReservedAt, &o.ReleasedAt, &o.CommittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// isRetryableConflict reports whether err is a storage-level write conflict
// (serialization failure or deadlock) worth retrying.
func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
