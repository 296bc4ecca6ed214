package core_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"pharmacy-stock/internal/core"
)

func TestCheckout_CreateOrderReservesAllLines(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productA := seedProduct(t, pool, "Paracetamol 500mg", 10)
	productB := seedProduct(t, pool, "Ibuprofen 200mg", 6)

	stock := core.NewStockService(pool)
	checkout := core.NewCheckoutService(pool, stock, testLogger())

	order, err := checkout.CreateOrder(ctx, "Alice", []core.OrderItemInput{
		{ProductID: productA, Quantity: 3},
		{ProductID: productB, Quantity: 2},
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if order.Commitment != core.CommitmentReserved {
		t.Errorf("Expected commitment=reserved, got %s", order.Commitment)
	}
	if !strings.HasPrefix(order.OrderNumber, "ORD-") {
		t.Errorf("Unexpected order number format: %s", order.OrderNumber)
	}
	if len(order.Lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(order.Lines))
	}
	if order.ReservedAt == nil {
		t.Error("Expected reserved_at to be set")
	}
	// 3*100 + 2*100 at the seeded unit price.
	if order.Total.IntPart() != 500 {
		t.Errorf("Expected total 500, got %s", order.Total)
	}

	infoA, _ := stock.GetStock(ctx, productA)
	infoB, _ := stock.GetStock(ctx, productB)
	if infoA.StockQuantity != 7 || infoB.StockQuantity != 4 {
		t.Errorf("Expected stock 7/4 after reservation, got %d/%d", infoA.StockQuantity, infoB.StockQuantity)
	}
}

func TestCheckout_FailedOrderLeavesNoTrace(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productA := seedProduct(t, pool, "Vitamin D", 10)
	productB := seedProduct(t, pool, "Insulin pen", 1)

	stock := core.NewStockService(pool)
	checkout := core.NewCheckoutService(pool, stock, testLogger())

	_, err := checkout.CreateOrder(ctx, "Bob", []core.OrderItemInput{
		{ProductID: productA, Quantity: 2},
		{ProductID: productB, Quantity: 5},
	})
	if !core.IsOutOfStock(err) {
		t.Fatalf("Expected OutOfStockError, got %v", err)
	}

	var orderCount int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM orders").Scan(&orderCount); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if orderCount != 0 {
		t.Errorf("Expected no order record after aborted checkout, found %d", orderCount)
	}

	var movementCount int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM stock_movements").Scan(&movementCount); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if movementCount != 0 {
		t.Errorf("Expected no movements after aborted checkout, found %d", movementCount)
	}

	infoA, _ := stock.GetStock(ctx, productA)
	if infoA.StockQuantity != 10 {
		t.Errorf("Expected untouched stock 10, got %d", infoA.StockQuantity)
	}
}

func TestCheckout_ReleaseIsExactlyOnce(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Amoxicillin 250mg", 10)

	stock := core.NewStockService(pool)
	checkout := core.NewCheckoutService(pool, stock, testLogger())

	order, err := checkout.CreateOrder(ctx, "Carol", []core.OrderItemInput{
		{ProductID: productID, Quantity: 4},
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if err := checkout.ReleaseOrder(ctx, order.ID, "payment failed"); err != nil {
		t.Fatalf("ReleaseOrder failed: %v", err)
	}

	info, _ := stock.GetStock(ctx, productID)
	if info.StockQuantity != 10 {
		t.Fatalf("Expected stock restored to 10, got %d", info.StockQuantity)
	}

	// Duplicate cancel: must be a silent no-op and must not credit again.
	if err := checkout.ReleaseOrder(ctx, order.ID, "payment failed"); err != nil {
		t.Fatalf("Duplicate release should be a no-op, got %v", err)
	}
	info, _ = stock.GetStock(ctx, productID)
	if info.StockQuantity != 10 {
		t.Errorf("Duplicate release credited stock again: got %d", info.StockQuantity)
	}

	released, err := checkout.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if released.Commitment != core.CommitmentReleased {
		t.Errorf("Expected commitment=released, got %s", released.Commitment)
	}
	if released.ReleaseReason == nil || *released.ReleaseReason != "payment failed" {
		t.Errorf("Expected release_reason recorded, got %v", released.ReleaseReason)
	}
}

func TestCheckout_ConcurrentDuplicateReleases(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Cough syrup", 8)

	stock := core.NewStockService(pool)
	checkout := core.NewCheckoutService(pool, stock, testLogger())

	order, err := checkout.CreateOrder(ctx, "Dave", []core.OrderItemInput{
		{ProductID: productID, Quantity: 3},
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- checkout.ReleaseOrder(ctx, order.ID, "cancelled")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent release returned error: %v", err)
		}
	}

	info, _ := stock.GetStock(ctx, productID)
	if info.StockQuantity != 8 {
		t.Errorf("Expected stock restored exactly once to 8, got %d", info.StockQuantity)
	}

	var releaseMovements int
	err = pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM stock_movements WHERE movement_type = 'release' AND reference_id = $1",
		order.ID,
	).Scan(&releaseMovements)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if releaseMovements != 1 {
		t.Errorf("Expected exactly 1 release movement, got %d", releaseMovements)
	}
}

func TestCheckout_CommitIsTerminal(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Aspirin 100mg", 10)

	stock := core.NewStockService(pool)
	checkout := core.NewCheckoutService(pool, stock, testLogger())

	order, err := checkout.CreateOrder(ctx, "Erin", []core.OrderItemInput{
		{ProductID: productID, Quantity: 2},
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if err := checkout.CommitOrder(ctx, order.ID); err != nil {
		t.Fatalf("CommitOrder failed: %v", err)
	}

	// Duplicate payment confirmation is a no-op.
	if err := checkout.CommitOrder(ctx, order.ID); err != nil {
		t.Errorf("Duplicate commit should be a no-op, got %v", err)
	}

	// A committed order is sold; releasing it must be refused.
	if err := checkout.ReleaseOrder(ctx, order.ID, "too late"); err == nil {
		t.Error("Expected release of committed order to fail")
	}

	info, _ := stock.GetStock(ctx, productID)
	if info.StockQuantity != 8 {
		t.Errorf("Committed order must keep the decrement: expected 8, got %d", info.StockQuantity)
	}

	committed, _ := checkout.GetOrder(ctx, order.ID)
	if committed.Commitment != core.CommitmentCommitted || committed.CommittedAt == nil {
		t.Errorf("Expected committed state with timestamp, got %s / %v", committed.Commitment, committed.CommittedAt)
	}
}

func TestCheckout_CommitRequiresReservation(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Bandages", 5)

	stock := core.NewStockService(pool)
	checkout := core.NewCheckoutService(pool, stock, testLogger())

	order, err := checkout.CreateOrder(ctx, "Frank", []core.OrderItemInput{
		{ProductID: productID, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if err := checkout.ReleaseOrder(ctx, order.ID, "cancelled"); err != nil {
		t.Fatalf("ReleaseOrder failed: %v", err)
	}

	if err := checkout.CommitOrder(ctx, order.ID); err == nil {
		t.Error("Expected commit of released order to fail")
	}
	if err := checkout.CommitOrder(ctx, 987654); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestCheckout_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	const stockQty = 4
	const shoppers = 9

	productID := seedProduct(t, pool, "Insulin pen", stockQty)

	stock := core.NewStockService(pool)
	checkout := core.NewCheckoutService(pool, stock, testLogger())

	var wg sync.WaitGroup
	errs := make(chan error, shoppers)
	for i := 0; i < shoppers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := checkout.CreateOrder(ctx, "shopper", []core.OrderItemInput{
				{ProductID: productID, Quantity: 1},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case core.IsOutOfStock(err):
			rejected++
		default:
			t.Errorf("Unexpected checkout error: %v", err)
		}
	}

	if succeeded != stockQty || rejected != shoppers-stockQty {
		t.Errorf("Expected %d orders and %d rejections, got %d/%d",
			stockQty, shoppers-stockQty, succeeded, rejected)
	}

	reserved := core.CommitmentReserved
	orders, err := checkout.GetOrders(ctx, &reserved)
	if err != nil {
		t.Fatalf("GetOrders failed: %v", err)
	}
	if len(orders) != stockQty {
		t.Errorf("Expected %d reserved orders on record, got %d", stockQty, len(orders))
	}

	info, _ := stock.GetStock(ctx, productID)
	if info.StockQuantity != 0 {
		t.Errorf("Expected stock drained to 0, got %d", info.StockQuantity)
	}
}

func TestCheckout_ReleaseUnknownOrder(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	stock := core.NewStockService(pool)
	checkout := core.NewCheckoutService(pool, stock, testLogger())

	if err := checkout.ReleaseOrder(context.Background(), 424242, "ghost"); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
}
