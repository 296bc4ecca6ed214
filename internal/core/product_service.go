package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ProductService manages product master data. Stock counters on a product are
// seeded here once at creation; afterwards they are mutated only by
// StockService and ImportExportService.
type ProductService interface {
	CreateProduct(ctx context.Context, input ProductInput) (*Product, error)
	GetProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, productID int) (*Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*Product, error)
}

type ProductInput struct {
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	InitialStock int             `json:"initial_stock"`
	BatchNumber  *string         `json:"batch_number,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

type productService struct {
	pool *pgxpool.Pool
}

func NewProductService(pool *pgxpool.Pool) ProductService {
	return &productService{pool: pool}
}

func (s *productService) CreateProduct(ctx context.Context, input ProductInput) (*Product, error) {
	if input.SKU == "" || input.Name == "" {
		return nil, fmt.Errorf("product sku and name are required")
	}
	if input.InitialStock < 0 {
		return nil, fmt.Errorf("initial stock cannot be negative, got %d", input.InitialStock)
	}
	if input.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("unit price cannot be negative, got %s", input.UnitPrice)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int
	err = tx.QueryRow(ctx, `
		INSERT INTO products (sku, name, description, unit_price, stock_quantity, in_stock,
		                      initial_stock, batch_number, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $5, $7, $8)
		RETURNING id
	`, input.SKU, input.Name, input.Description, input.UnitPrice,
		input.InitialStock, input.InitialStock > 0, input.BatchNumber, input.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create product %q: %w", input.SKU, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit product creation: %w", err)
	}
	return s.GetProduct(ctx, id)
}

const productColumns = `
	id, sku, name, description, unit_price, unit_cost, stock_quantity, in_stock,
	initial_stock, batch_number, expires_at, is_active, created_at, updated_at`

func scanProduct(row pgx.Row, p *Product) error {
	return row.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.UnitPrice, &p.UnitCost,
		&p.StockQuantity, &p.InStock, &p.InitialStock, &p.BatchNumber, &p.ExpiresAt,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt)
}

func (s *productService) GetProducts(ctx context.Context) ([]Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = true
		ORDER BY sku`,
	)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := scanProduct(rows, &p); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *productService) GetProduct(ctx context.Context, productID int) (*Product, error) {
	p := &Product{}
	err := scanProduct(s.pool.QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1", productID), p)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch product %d: %w", productID, err)
	}
	return p, nil
}

func (s *productService) GetProductBySKU(ctx context.Context, sku string) (*Product, error) {
	p := &Product{}
	err := scanProduct(s.pool.QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE sku = $1", sku), p)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch product %q: %w", sku, err)
	}
	return p, nil
}
