package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pharmacy-stock/internal/core"
)

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func printProducts(products []core.Product) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 78))
	fmt.Printf("  %-4s %-12s %-28s %8s %8s %8s\n", "ID", "SKU", "NAME", "QTY", "PRICE", "COST")
	fmt.Println(strings.Repeat("-", 78))
	for _, p := range products {
		marker := " "
		if !p.InStock {
			marker = "*"
		}
		fmt.Printf("  %-4d %-12s %-28s %7d%s %8s %8s\n",
			p.ID, p.SKU, truncate(p.Name, 28), p.StockQuantity, marker,
			p.UnitPrice.StringFixed(2), p.UnitCost.StringFixed(2))
	}
	fmt.Println(strings.Repeat("=", 78))
	fmt.Println("  * = out of stock")
}

func printCheckResult(result *core.StockCheckResult) {
	if result.Valid {
		fmt.Println("All items available.")
		return
	}
	fmt.Println("Insufficient stock:")
	for _, ins := range result.Insufficient {
		name := ins.ProductName
		if name == "" {
			name = fmt.Sprintf("product %d", ins.ProductID)
		}
		fmt.Printf("  %-30s requested %d, available %d\n", name, ins.Requested, ins.Available)
	}
}

func printMovements(movements []core.StockMovement) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 86))
	fmt.Printf("  %-6s %-12s %6s %6s %6s %-18s %-20s\n",
		"ID", "TYPE", "DELTA", "PREV", "NEW", "REFERENCE", "AT")
	fmt.Println(strings.Repeat("-", 86))
	for _, m := range movements {
		fmt.Printf("  %-6d %-12s %+6d %6d %6d %-18s %-20s\n",
			m.ID, m.Type, m.Quantity, m.PreviousStock, m.NewStock,
			truncate(m.ReferenceNumber, 18), m.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println(strings.Repeat("=", 86))
}

func printReconciliation(reports []core.ReconciliationReport) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("  %-4s %-12s %8s %8s %8s %7s %-6s\n",
		"ID", "SKU", "INITIAL", "CURRENT", "MOVSUM", "DRIFT", "OK")
	fmt.Println(strings.Repeat("-", 72))
	for _, r := range reports {
		ok := "yes"
		if !r.Consistent {
			ok = "NO"
		}
		fmt.Printf("  %-4d %-12s %8d %8d %8d %7d %-6s\n",
			r.ProductID, r.SKU, r.InitialStock, r.CurrentStock, r.MovementSum, r.Drift, ok)
	}
	fmt.Println(strings.Repeat("=", 72))
}

func printOrders(orders []core.Order) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 84))
	fmt.Printf("  %-4s %-42s %-20s %-10s %10s\n", "ID", "NUMBER", "CUSTOMER", "STATE", "TOTAL")
	fmt.Println(strings.Repeat("-", 84))
	for _, o := range orders {
		fmt.Printf("  %-4d %-42s %-20s %-10s %10s\n",
			o.ID, o.OrderNumber, truncate(o.CustomerName, 20), o.Commitment, o.Total.StringFixed(2))
	}
	fmt.Println(strings.Repeat("=", 84))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
