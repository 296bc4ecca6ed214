package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the stock-bearing entity. StockQuantity is the authoritative
// counter; InStock must equal StockQuantity > 0 after every mutation, and both
// are only ever written through the atomic conditional updates in StockService
// and ImportExportService.
type Product struct {
	ID            int             `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	UnitCost      decimal.Decimal `json:"unit_cost"` // weighted average purchase cost
	StockQuantity int             `json:"stock_quantity"`
	InStock       bool            `json:"in_stock"`
	InitialStock  int             `json:"initial_stock"`
	BatchNumber   *string         `json:"batch_number,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StockItem is one (product, quantity) request line for check/reserve/release.
type StockItem struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

// StockInfo is a point-in-time read of a product's stock. It carries no
// guarantee beyond the read-time snapshot.
type StockInfo struct {
	InStock       bool `json:"in_stock"`
	StockQuantity int  `json:"stock_quantity"`
}

// InsufficientProduct describes one line that cannot be satisfied at check time.
// A missing product is reported with Available = 0 rather than as an error.
type InsufficientProduct struct {
	ProductID   int    `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
}

// StockCheckResult lists every violation found in one pass so the caller can
// present all problems at once.
type StockCheckResult struct {
	Valid        bool                  `json:"valid"`
	Insufficient []InsufficientProduct `json:"insufficient_products"`
}

// ReservedItem reports the post-decrement stock for one successfully reserved line.
type ReservedItem struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
	NewStock  int `json:"new_stock"`
}

type MovementType string

const (
	MovementImport      MovementType = "import"
	MovementExport      MovementType = "export"
	MovementAdjustment  MovementType = "adjustment"
	MovementReservation MovementType = "reservation"
	MovementRelease     MovementType = "release"
)

// StockMovement is one immutable audit record of a ledger mutation, carrying
// before/after snapshots of the counter it changed.
type StockMovement struct {
	ID              int          `json:"id"`
	ProductID       int          `json:"product_id"`
	Type            MovementType `json:"movement_type"`
	Quantity        int          `json:"quantity"` // signed delta
	PreviousStock   int          `json:"previous_stock"`
	NewStock        int          `json:"new_stock"`
	ReferenceType   string       `json:"reference_type,omitempty"`
	ReferenceID     *int         `json:"reference_id,omitempty"`
	ReferenceNumber string       `json:"reference_number,omitempty"`
	Note            string       `json:"note,omitempty"`
	Actor           string       `json:"actor,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// MovementRef links a movement to the document that caused it.
type MovementRef struct {
	Type   string
	ID     *int
	Number string
	Actor  string
}

// Commitment is an order's stock-commitment state. It lives on the order, not
// on the product, and is the source of truth for whether a release has already
// happened.
type Commitment string

const (
	CommitmentUnreserved Commitment = "unreserved"
	CommitmentReserved   Commitment = "reserved"
	CommitmentReleased   Commitment = "released"
	CommitmentCommitted  Commitment = "committed"
)

type Order struct {
	ID            int             `json:"id"`
	OrderNumber   string          `json:"order_number"`
	CustomerName  string          `json:"customer_name"`
	Commitment    Commitment      `json:"commitment"`
	Total         decimal.Decimal `json:"total"`
	ReleaseReason *string         `json:"release_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ReservedAt    *time.Time      `json:"reserved_at,omitempty"`
	ReleasedAt    *time.Time      `json:"released_at,omitempty"`
	CommittedAt   *time.Time      `json:"committed_at,omitempty"`
	Lines         []OrderLine     `json:"lines"`
}

type OrderLine struct {
	ID          int             `json:"id"`
	OrderID     int             `json:"order_id"`
	LineNumber  int             `json:"line_number"`
	ProductID   int             `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// OrderItemInput is one requested line at checkout time.
type OrderItemInput struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentCompleted DocumentStatus = "completed"
)

// ImportDocument is a warehouse receiving batch. Creation never touches stock;
// only confirmation does, exactly once.
type ImportDocument struct {
	ID             int            `json:"id"`
	DocumentNumber string         `json:"document_number"`
	SupplierID     *int           `json:"supplier_id,omitempty"`
	SupplierName   string         `json:"supplier_name,omitempty"`
	Status         DocumentStatus `json:"status"`
	Notes          string         `json:"notes,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Lines          []ImportLine   `json:"lines"`
}

type ImportLine struct {
	ID         int             `json:"id"`
	ImportID   int             `json:"import_id"`
	LineNumber int             `json:"line_number"`
	ProductID  int             `json:"product_id"`
	Quantity   int             `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	Status     DocumentStatus  `json:"status"`
}

// ExportDocument is a warehouse issuing batch, the mirror of ImportDocument.
type ExportDocument struct {
	ID             int            `json:"id"`
	DocumentNumber string         `json:"document_number"`
	Destination    string         `json:"destination,omitempty"`
	Status         DocumentStatus `json:"status"`
	Notes          string         `json:"notes,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Lines          []ExportLine   `json:"lines"`
}

type ExportLine struct {
	ID         int            `json:"id"`
	ExportID   int            `json:"export_id"`
	LineNumber int            `json:"line_number"`
	ProductID  int            `json:"product_id"`
	Quantity   int            `json:"quantity"`
	Status     DocumentStatus `json:"status"`
}

type ImportLineInput struct {
	ProductID int             `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type ExportLineInput struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

type Supplier struct {
	ID        int       `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ReconciliationReport compares a product's current counter against its
// movement history: Drift must be zero for a consistent ledger.
type ReconciliationReport struct {
	ProductID    int    `json:"product_id"`
	SKU          string `json:"sku"`
	InitialStock int    `json:"initial_stock"`
	CurrentStock int    `json:"current_stock"`
	MovementSum  int    `json:"movement_sum"`
	Drift        int    `json:"drift"` // CurrentStock - InitialStock - MovementSum
	Consistent   bool   `json:"consistent"`
}
