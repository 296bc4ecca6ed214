package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SupplierService manages the supplier master data referenced by import documents.
type SupplierService interface {
	CreateSupplier(ctx context.Context, input SupplierInput) (*Supplier, error)
	GetSuppliers(ctx context.Context) ([]Supplier, error)
	GetSupplierByCode(ctx context.Context, code string) (*Supplier, error)
}

type SupplierInput struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type supplierService struct {
	pool *pgxpool.Pool
}

// NewSupplierService constructs a SupplierService backed by PostgreSQL.
func NewSupplierService(pool *pgxpool.Pool) SupplierService {
	return &supplierService{pool: pool}
}

func (s *supplierService) CreateSupplier(ctx context.Context, input SupplierInput) (*Supplier, error) {
	if input.Code == "" || input.Name == "" {
		return nil, fmt.Errorf("supplier code and name are required")
	}

	sup := &Supplier{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO suppliers (code, name, email, phone, address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, code, name, email, phone, address, is_active, created_at`,
		input.Code, input.Name, input.Email, input.Phone, input.Address,
	).Scan(&sup.ID, &sup.Code, &sup.Name, &sup.Email, &sup.Phone, &sup.Address,
		&sup.IsActive, &sup.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create supplier %q: %w", input.Code, err)
	}
	return sup, nil
}

// GetSuppliers returns all active suppliers, ordered by code.
func (s *supplierService) GetSuppliers(ctx context.Context) ([]Supplier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, name, email, phone, address, is_active, created_at
		FROM suppliers
		WHERE is_active = true
		ORDER BY code`,
	)
	if err != nil {
		return nil, fmt.Errorf("get suppliers: %w", err)
	}
	defer rows.Close()

	var suppliers []Supplier
	for rows.Next() {
		var sup Supplier
		if err := rows.Scan(&sup.ID, &sup.Code, &sup.Name, &sup.Email, &sup.Phone,
			&sup.Address, &sup.IsActive, &sup.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan supplier: %w", err)
		}
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

func (s *supplierService) GetSupplierByCode(ctx context.Context, code string) (*Supplier, error) {
	sup := &Supplier{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, name, email, phone, address, is_active, created_at
		FROM suppliers
		WHERE code = $1`,
		code,
	).Scan(&sup.ID, &sup.Code, &sup.Name, &sup.Email, &sup.Phone, &sup.Address,
		&sup.IsActive, &sup.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("supplier %q not found", code)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch supplier %q: %w", code, err)
	}
	return sup, nil
}
