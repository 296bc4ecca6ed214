package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"pharmacy-stock/internal/core"
)

// Deps bundles the services the admin tooling operates on.
type Deps struct {
	Products     core.ProductService
	Stock        core.StockService
	Checkout     core.CheckoutService
	Movements    core.MovementLog
	ImportExport core.ImportExportService
	Suppliers    core.SupplierService
}

// Run executes a one-shot CLI command and exits.
// args is os.Args[1:] — the first element is the subcommand name.
func Run(ctx context.Context, deps Deps, args []string) {
	switch args[0] {
	case "products":
		products, err := deps.Products.GetProducts(ctx)
		if err != nil {
			log.Fatalf("Failed to list products: %v", err)
		}
		printProducts(products)

	case "stock":
		id := mustInt(arg(args, 1, "Usage: stockctl stock <productID>"))
		info, err := deps.Stock.GetStock(ctx, id)
		if err != nil {
			log.Fatalf("Failed to read stock: %v", err)
		}
		fmt.Printf("product %d: in_stock=%t quantity=%d\n", id, info.InStock, info.StockQuantity)

	case "check":
		if len(args) < 2 {
			log.Fatal("Usage: stockctl check <productID:qty> ...")
		}
		result, err := deps.Stock.CheckStock(ctx, parseStockItems(args[1:]))
		if err != nil {
			log.Fatalf("Check failed: %v", err)
		}
		printCheckResult(result)

	case "adjust":
		id := mustInt(arg(args, 1, "Usage: stockctl adjust <productID> <delta> [note]"))
		delta := mustInt(arg(args, 2, "Usage: stockctl adjust <productID> <delta> [note]"))
		note := strings.Join(args[3:], " ")
		info, err := deps.Stock.AdjustStock(ctx, id, delta, note, actorName())
		if err != nil {
			log.Fatalf("Adjustment failed: %v", err)
		}
		fmt.Printf("product %d adjusted by %+d: quantity=%d\n", id, delta, info.StockQuantity)

	case "movements":
		id := mustInt(arg(args, 1, "Usage: stockctl movements <productID> [limit]"))
		limit := 50
		if len(args) > 2 {
			limit = mustInt(args[2])
		}
		movements, err := deps.Movements.GetMovements(ctx, id, limit)
		if err != nil {
			log.Fatalf("Failed to list movements: %v", err)
		}
		printMovements(movements)

	case "reconcile":
		if len(args) > 1 {
			report, err := deps.Movements.Reconcile(ctx, mustInt(args[1]))
			if err != nil {
				log.Fatalf("Reconciliation failed: %v", err)
			}
			printReconciliation([]core.ReconciliationReport{*report})
			return
		}
		reports, err := deps.Movements.ReconcileAll(ctx)
		if err != nil {
			log.Fatalf("Reconciliation failed: %v", err)
		}
		printReconciliation(reports)

	case "order-create":
		if len(args) < 3 {
			log.Fatal("Usage: stockctl order-create <customer> <productID:qty> ...")
		}
		items := make([]core.OrderItemInput, 0, len(args)-2)
		for _, raw := range args[2:] {
			it := parseStockItem(raw)
			items = append(items, core.OrderItemInput{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		order, err := deps.Checkout.CreateOrder(ctx, args[1], items)
		if err != nil {
			log.Fatalf("Order creation failed: %v", err)
		}
		printJSON(order)

	case "order-release":
		id := mustInt(arg(args, 1, "Usage: stockctl order-release <orderID> [reason]"))
		reason := strings.Join(args[2:], " ")
		if reason == "" {
			reason = "cancelled by operator"
		}
		if err := deps.Checkout.ReleaseOrder(ctx, id, reason); err != nil {
			log.Fatalf("Release failed: %v", err)
		}
		fmt.Printf("order %d released\n", id)

	case "order-commit":
		id := mustInt(arg(args, 1, "Usage: stockctl order-commit <orderID>"))
		if err := deps.Checkout.CommitOrder(ctx, id); err != nil {
			log.Fatalf("Commit failed: %v", err)
		}
		fmt.Printf("order %d committed\n", id)

	case "orders":
		var filter *core.Commitment
		if len(args) > 1 {
			c := core.Commitment(args[1])
			filter = &c
		}
		orders, err := deps.Checkout.GetOrders(ctx, filter)
		if err != nil {
			log.Fatalf("Failed to list orders: %v", err)
		}
		printOrders(orders)

	case "import-create":
		if len(args) < 3 {
			log.Fatal("Usage: stockctl import-create <supplierCode|-> <productID:qty:unitCost> ...")
		}
		supplier := args[1]
		if supplier == "-" {
			supplier = ""
		}
		doc, err := deps.ImportExport.CreateImport(ctx, supplier, parseImportLines(args[2:]), "", actorName())
		if err != nil {
			log.Fatalf("Import creation failed: %v", err)
		}
		printJSON(doc)

	case "import-confirm":
		id := mustInt(arg(args, 1, "Usage: stockctl import-confirm <importID>"))
		doc, err := deps.ImportExport.ConfirmImport(ctx, id, actorName())
		if err != nil {
			log.Fatalf("Import confirmation failed: %v", err)
		}
		fmt.Printf("import %s completed\n", doc.DocumentNumber)

	case "imports":
		docs, err := deps.ImportExport.ListImports(ctx, statusFilter(args))
		if err != nil {
			log.Fatalf("Failed to list imports: %v", err)
		}
		printJSON(docs)

	case "export-create":
		if len(args) < 3 {
			log.Fatal("Usage: stockctl export-create <destination> <productID:qty> ...")
		}
		lines := make([]core.ExportLineInput, 0, len(args)-2)
		for _, raw := range args[2:] {
			it := parseStockItem(raw)
			lines = append(lines, core.ExportLineInput{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		doc, err := deps.ImportExport.CreateExport(ctx, args[1], lines, "", actorName())
		if err != nil {
			log.Fatalf("Export creation failed: %v", err)
		}
		printJSON(doc)

	case "export-confirm":
		id := mustInt(arg(args, 1, "Usage: stockctl export-confirm <exportID>"))
		doc, err := deps.ImportExport.ConfirmExport(ctx, id, actorName())
		if err != nil {
			log.Fatalf("Export confirmation failed: %v", err)
		}
		fmt.Printf("export %s completed\n", doc.DocumentNumber)

	case "exports":
		docs, err := deps.ImportExport.ListExports(ctx, statusFilter(args))
		if err != nil {
			log.Fatalf("Failed to list exports: %v", err)
		}
		printJSON(docs)

	case "supplier-create":
		if len(args) < 3 {
			log.Fatal("Usage: stockctl supplier-create <code> <name>")
		}
		sup, err := deps.Suppliers.CreateSupplier(ctx, core.SupplierInput{Code: args[1], Name: strings.Join(args[2:], " ")})
		if err != nil {
			log.Fatalf("Supplier creation failed: %v", err)
		}
		printJSON(sup)

	case "suppliers":
		suppliers, err := deps.Suppliers.GetSuppliers(ctx)
		if err != nil {
			log.Fatalf("Failed to list suppliers: %v", err)
		}
		printJSON(suppliers)

	case "help":
		fmt.Println("Commands: products, stock, check, adjust, movements, reconcile, " +
			"order-create, order-release, order-commit, orders, import-create, import-confirm, imports, " +
			"export-create, export-confirm, exports, supplier-create, suppliers")

	default:
		log.Fatalf("Unknown command: %s\nAvailable: products, stock, check, adjust, movements, reconcile, "+
			"order-create, order-release, order-commit, orders, import-create, import-confirm, imports, "+
			"export-create, export-confirm, exports, supplier-create, suppliers", args[0])
	}
}

func arg(args []string, i int, usage string) string {
	if len(args) <= i {
		log.Fatal(usage)
	}
	return args[i]
}

func mustInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("Invalid number %q", s)
	}
	return n
}

func actorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "stockctl"
}

func statusFilter(args []string) *core.DocumentStatus {
	if len(args) > 1 {
		s := core.DocumentStatus(args[1])
		return &s
	}
	return nil
}

// parseStockItem parses "productID:qty".
func parseStockItem(raw string) core.StockItem {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		log.Fatalf("Invalid item %q, expected productID:qty", raw)
	}
	return core.StockItem{ProductID: mustInt(parts[0]), Quantity: mustInt(parts[1])}
}

func parseStockItems(raw []string) []core.StockItem {
	items := make([]core.StockItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, parseStockItem(r))
	}
	return items
}

// parseImportLines parses "productID:qty:unitCost" triples.
func parseImportLines(raw []string) []core.ImportLineInput {
	lines := make([]core.ImportLineInput, 0, len(raw))
	for _, r := range raw {
		parts := strings.Split(r, ":")
		if len(parts) != 3 {
			log.Fatalf("Invalid line %q, expected productID:qty:unitCost", r)
		}
		cost, err := parseDecimal(parts[2])
		if err != nil {
			log.Fatalf("Invalid unit cost %q: %v", parts[2], err)
		}
		lines = append(lines, core.ImportLineInput{
			ProductID: mustInt(parts[0]),
			Quantity:  mustInt(parts[1]),
			UnitCost:  cost,
		})
	}
	return lines
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
