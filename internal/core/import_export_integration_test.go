package core_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pharmacy-stock/internal/core"

	"github.com/shopspring/decimal"
)

func seedSupplier(t *testing.T, svc core.SupplierService, code string) {
	t.Helper()
	if _, err := svc.CreateSupplier(context.Background(), core.SupplierInput{
		Code: code,
		Name: "Pharma Distribution Ltd",
	}); err != nil {
		t.Fatalf("Failed to seed supplier: %v", err)
	}
}

func TestImport_CreateHasNoLedgerEffect(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Paracetamol 500mg", 10)
	suppliers := core.NewSupplierService(pool)
	seedSupplier(t, suppliers, "PHARMA-1")
	svc := core.NewImportExportService(pool)

	doc, err := svc.CreateImport(ctx, "PHARMA-1", []core.ImportLineInput{
		{ProductID: productID, Quantity: 50, UnitCost: decimal.NewFromInt(40)},
	}, "monthly restock", "warehouse")
	if err != nil {
		t.Fatalf("CreateImport failed: %v", err)
	}

	if doc.Status != core.DocumentPending {
		t.Errorf("Expected pending document, got %s", doc.Status)
	}
	if doc.SupplierName != "Pharma Distribution Ltd" {
		t.Errorf("Expected supplier name resolved, got %q", doc.SupplierName)
	}
	wantPrefix := "IMP-" + time.Now().Format("20060102") + "-"
	if !strings.HasPrefix(doc.DocumentNumber, wantPrefix) {
		t.Errorf("Expected document number with prefix %s, got %s", wantPrefix, doc.DocumentNumber)
	}

	stock := core.NewStockService(pool)
	info, _ := stock.GetStock(ctx, productID)
	if info.StockQuantity != 10 {
		t.Errorf("Creation must not touch stock: expected 10, got %d", info.StockQuantity)
	}

	var movements int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM stock_movements").Scan(&movements); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if movements != 0 {
		t.Errorf("Creation must not write the movement ledger, found %d rows", movements)
	}
}

func TestImport_ConfirmAppliesExactlyOnce(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Ibuprofen 200mg", 10)
	svc := core.NewImportExportService(pool)

	doc, err := svc.CreateImport(ctx, "", []core.ImportLineInput{
		{ProductID: productID, Quantity: 30, UnitCost: decimal.NewFromInt(25)},
	}, "", "warehouse")
	if err != nil {
		t.Fatalf("CreateImport failed: %v", err)
	}

	confirmed, err := svc.ConfirmImport(ctx, doc.ID, "warehouse")
	if err != nil {
		t.Fatalf("ConfirmImport failed: %v", err)
	}
	if confirmed.Status != core.DocumentCompleted || confirmed.CompletedAt == nil {
		t.Errorf("Expected completed document with timestamp, got %s / %v", confirmed.Status, confirmed.CompletedAt)
	}
	for _, line := range confirmed.Lines {
		if line.Status != core.DocumentCompleted {
			t.Errorf("Line %d: expected completed, got %s", line.LineNumber, line.Status)
		}
	}

	stock := core.NewStockService(pool)
	info, _ := stock.GetStock(ctx, productID)
	if info.StockQuantity != 40 {
		t.Fatalf("Expected stock credited to 40, got %d", info.StockQuantity)
	}

	// Second confirmation must be rejected, not re-applied.
	if _, err := svc.ConfirmImport(ctx, doc.ID, "warehouse"); !errors.Is(err, core.ErrAlreadyCompleted) {
		t.Fatalf("Expected ErrAlreadyCompleted, got %v", err)
	}
	info, _ = stock.GetStock(ctx, productID)
	if info.StockQuantity != 40 {
		t.Errorf("Double confirmation credited stock again: got %d", info.StockQuantity)
	}
}

func TestImport_ConcurrentConfirmationsSingleWinner(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Vitamin C", 0)
	svc := core.NewImportExportService(pool)

	doc, err := svc.CreateImport(ctx, "", []core.ImportLineInput{
		{ProductID: productID, Quantity: 100, UnitCost: decimal.NewFromInt(10)},
	}, "", "warehouse")
	if err != nil {
		t.Fatalf("CreateImport failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ConfirmImport(ctx, doc.ID, "warehouse")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, duplicates := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, core.ErrAlreadyCompleted):
			duplicates++
		default:
			t.Errorf("Unexpected confirmation error: %v", err)
		}
	}
	if wins != 1 || duplicates != 4 {
		t.Errorf("Expected 1 winner and 4 duplicates, got %d/%d", wins, duplicates)
	}

	stock := core.NewStockService(pool)
	info, _ := stock.GetStock(ctx, productID)
	if info.StockQuantity != 100 {
		t.Errorf("Expected stock credited exactly once to 100, got %d", info.StockQuantity)
	}
}

func TestImport_WeightedAverageCost(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Amoxicillin 250mg", 0)
	svc := core.NewImportExportService(pool)
	products := core.NewProductService(pool)

	confirmBatch := func(qty int, cost int64) {
		t.Helper()
		doc, err := svc.CreateImport(ctx, "", []core.ImportLineInput{
			{ProductID: productID, Quantity: qty, UnitCost: decimal.NewFromInt(cost)},
		}, "", "warehouse")
		if err != nil {
			t.Fatalf("CreateImport failed: %v", err)
		}
		if _, err := svc.ConfirmImport(ctx, doc.ID, "warehouse"); err != nil {
			t.Fatalf("ConfirmImport failed: %v", err)
		}
	}

	// First batch sets the cost outright.
	confirmBatch(100, 200)
	p, err := products.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if !p.UnitCost.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected unit cost 200 after first batch, got %s", p.UnitCost)
	}

	// (100*200 + 100*300) / 200 = 250
	confirmBatch(100, 300)
	p, err = products.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if !p.UnitCost.Equal(decimal.NewFromInt(250)) {
		t.Errorf("Expected weighted-average cost 250, got %s", p.UnitCost)
	}
	if p.StockQuantity != 200 {
		t.Errorf("Expected stock 200, got %d", p.StockQuantity)
	}
}

func TestExport_ConfirmDebitsStock(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Aspirin 100mg", 20)
	svc := core.NewImportExportService(pool)

	doc, err := svc.CreateExport(ctx, "Branch pharmacy #2", []core.ExportLineInput{
		{ProductID: productID, Quantity: 20},
	}, "", "warehouse")
	if err != nil {
		t.Fatalf("CreateExport failed: %v", err)
	}

	confirmed, err := svc.ConfirmExport(ctx, doc.ID, "warehouse")
	if err != nil {
		t.Fatalf("ConfirmExport failed: %v", err)
	}
	if confirmed.Status != core.DocumentCompleted {
		t.Errorf("Expected completed document, got %s", confirmed.Status)
	}

	stock := core.NewStockService(pool)
	info, _ := stock.GetStock(ctx, productID)
	if info.StockQuantity != 0 || info.InStock {
		t.Errorf("Expected quantity=0 in_stock=false after full export, got quantity=%d in_stock=%t",
			info.StockQuantity, info.InStock)
	}

	if _, err := svc.ConfirmExport(ctx, doc.ID, "warehouse"); !errors.Is(err, core.ErrAlreadyCompleted) {
		t.Errorf("Expected ErrAlreadyCompleted on second confirmation, got %v", err)
	}
}

func TestExport_InsufficientLineAbortsWholeConfirmation(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productA := seedProduct(t, pool, "Cough syrup", 15)
	productB := seedProduct(t, pool, "Insulin pen", 2)
	svc := core.NewImportExportService(pool)

	doc, err := svc.CreateExport(ctx, "Branch pharmacy #3", []core.ExportLineInput{
		{ProductID: productA, Quantity: 10},
		{ProductID: productB, Quantity: 5},
	}, "", "warehouse")
	if err != nil {
		t.Fatalf("CreateExport failed: %v", err)
	}

	_, err = svc.ConfirmExport(ctx, doc.ID, "warehouse")
	if !core.IsOutOfStock(err) {
		t.Fatalf("Expected OutOfStockError, got %v", err)
	}

	// The rollback must revert the first line's debit and the status claim:
	// the document stays pending and can be confirmed after restocking.
	stock := core.NewStockService(pool)
	infoA, _ := stock.GetStock(ctx, productA)
	infoB, _ := stock.GetStock(ctx, productB)
	if infoA.StockQuantity != 15 || infoB.StockQuantity != 2 {
		t.Errorf("Expected untouched stock 15/2, got %d/%d", infoA.StockQuantity, infoB.StockQuantity)
	}

	reread, err := svc.GetExport(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetExport failed: %v", err)
	}
	if reread.Status != core.DocumentPending {
		t.Errorf("Expected document still pending after aborted confirmation, got %s", reread.Status)
	}

	if _, err := stock.AdjustStock(ctx, productB, 3, "restock for export", "warehouse"); err != nil {
		t.Fatalf("AdjustStock failed: %v", err)
	}
	if _, err := svc.ConfirmExport(ctx, doc.ID, "warehouse"); err != nil {
		t.Fatalf("ConfirmExport after restock failed: %v", err)
	}
}

func TestImportExport_DailyDocumentNumbering(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Bandages", 10)
	svc := core.NewImportExportService(pool)

	lines := []core.ImportLineInput{{ProductID: productID, Quantity: 1, UnitCost: decimal.NewFromInt(5)}}
	today := time.Now().Format("20060102")
	for i := 1; i <= 3; i++ {
		doc, err := svc.CreateImport(ctx, "", lines, "", "warehouse")
		if err != nil {
			t.Fatalf("CreateImport #%d failed: %v", i, err)
		}
		want := fmt.Sprintf("IMP-%s-%03d", today, i)
		if doc.DocumentNumber != want {
			t.Errorf("Expected document number %s, got %s", want, doc.DocumentNumber)
		}
	}

	exp, err := svc.CreateExport(ctx, "clinic", []core.ExportLineInput{{ProductID: productID, Quantity: 1}}, "", "warehouse")
	if err != nil {
		t.Fatalf("CreateExport failed: %v", err)
	}
	if want := fmt.Sprintf("EXP-%s-001", today); exp.DocumentNumber != want {
		t.Errorf("Export numbering is independent: expected %s, got %s", want, exp.DocumentNumber)
	}
}

func TestImportExport_ListByStatus(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	productID := seedProduct(t, pool, "Vitamin D", 5)
	svc := core.NewImportExportService(pool)

	lines := []core.ImportLineInput{{ProductID: productID, Quantity: 10, UnitCost: decimal.NewFromInt(8)}}
	first, err := svc.CreateImport(ctx, "", lines, "", "warehouse")
	if err != nil {
		t.Fatalf("CreateImport failed: %v", err)
	}
	if _, err := svc.CreateImport(ctx, "", lines, "", "warehouse"); err != nil {
		t.Fatalf("CreateImport failed: %v", err)
	}
	if _, err := svc.ConfirmImport(ctx, first.ID, "warehouse"); err != nil {
		t.Fatalf("ConfirmImport failed: %v", err)
	}

	pending := core.DocumentPending
	docs, err := svc.ListImports(ctx, &pending)
	if err != nil {
		t.Fatalf("ListImports failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("Expected 1 pending import, got %d", len(docs))
	}
	if docs[0].Status != core.DocumentPending {
		t.Errorf("Expected pending status, got %s", docs[0].Status)
	}

	all, err := svc.ListImports(ctx, nil)
	if err != nil {
		t.Fatalf("ListImports failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 imports in total, got %d", len(all))
	}
}
