package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"pharmacy-stock/internal/adapters/cli"
	"pharmacy-stock/internal/core"
	"pharmacy-stock/internal/db"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: stockctl <command> [args]")
		fmt.Fprintln(os.Stderr, "Run 'stockctl help' for the command list.")
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("component", "stockctl").Logger()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer pool.Close()

	stock := core.NewStockService(pool)
	deps := cli.Deps{
		Products:     core.NewProductService(pool),
		Stock:        stock,
		Checkout:     core.NewCheckoutService(pool, stock, logger),
		Movements:    core.NewMovementLog(pool, logger),
		ImportExport: core.NewImportExportService(pool),
		Suppliers:    core.NewSupplierService(pool),
	}

	cli.Run(ctx, deps, os.Args[1:])
}
