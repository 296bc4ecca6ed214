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

// ImportExportService runs the warehouse receiving/issuing workflow. It is a
// parallel writer of the same stock ledger as checkout and composes with it
// by using the identical atomic-conditional-write discipline: creation records
// intent only, confirmation applies the delta exactly once behind an atomic
// "only if still pending" status claim.
type ImportExportService interface {
	CreateImport(ctx context.Context, supplierCode string, lines []ImportLineInput, notes, actor string) (*ImportDocument, error)
	// ConfirmImport credits stock, updates weighted-average unit cost, and
	// completes the document in one transaction. A second confirmation is
	// rejected with ErrAlreadyCompleted instead of re-applying the delta.
	ConfirmImport(ctx context.Context, importID int, actor string) (*ImportDocument, error)
	GetImport(ctx context.Context, importID int) (*ImportDocument, error)
	ListImports(ctx context.Context, status *DocumentStatus) ([]ImportDocument, error)

	CreateExport(ctx context.Context, destination string, lines []ExportLineInput, notes, actor string) (*ExportDocument, error)
	// ConfirmExport debits stock with the same conditional guard as
	// reservation: any insufficient line aborts the whole confirmation.
	ConfirmExport(ctx context.Context, exportID int, actor string) (*ExportDocument, error)
	GetExport(ctx context.Context, exportID int) (*ExportDocument, error)
	ListExports(ctx context.Context, status *DocumentStatus) ([]ExportDocument, error)
}

type importExportService struct {
	pool *pgxpool.Pool
}

func NewImportExportService(pool *pgxpool.Pool) ImportExportService {
	return &importExportService{pool: pool}
}

// nextDocumentNumber builds a per-day human-readable number by counting
// today's documents. Two same-day creates racing here could collide on the
// unique index; the insert then fails rather than producing a duplicate.
func nextDocumentNumber(ctx context.Context, tx pgx.Tx, table, prefix string) (string, error) {
	var count int
	err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM "+table+" WHERE created_at::date = CURRENT_DATE",
	).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("failed to count today's documents: %w", err)
	}
	return fmt.Sprintf("%s-%s-%03d", prefix, time.Now().Format("20060102"), count+1), nil
}

func (s *importExportService) CreateImport(ctx context.Context, supplierCode string, lines []ImportLineInput, notes, actor string) (*ImportDocument, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("import document must have at least one line")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var supplierID *int
	if supplierCode != "" {
		var id int
		err = tx.QueryRow(ctx,
			"SELECT id FROM suppliers WHERE code = $1 AND is_active = true",
			supplierCode,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("supplier %q not found", supplierCode)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve supplier: %w", err)
		}
		supplierID = &id
	}

	number, err := nextDocumentNumber(ctx, tx, "import_documents", "IMP")
	if err != nil {
		return nil, err
	}

	var importID int
	err = tx.QueryRow(ctx, `
		INSERT INTO import_documents (document_number, supplier_id, status, notes, created_by)
		VALUES ($1, $2, 'pending', $3, $4)
		RETURNING id
	`, number, supplierID, notes, actor).Scan(&importID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert import document: %w", err)
	}

	// Creation records intent only: the stock ledger is untouched until
	// confirmation.
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("line %d: quantity must be positive, got %d", i+1, line.Quantity)
		}
		if line.UnitCost.IsNegative() {
			return nil, fmt.Errorf("line %d: unit cost cannot be negative, got %s", i+1, line.UnitCost)
		}
		if err := verifyProductExists(ctx, tx, line.ProductID, i+1); err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO import_lines (import_id, line_number, product_id, quantity, unit_cost, status)
			VALUES ($1, $2, $3, $4, $5, 'pending')
		`, importID, i+1, line.ProductID, line.Quantity, line.UnitCost)
		if err != nil {
			return nil, fmt.Errorf("failed to insert import line %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit import creation: %w", err)
	}
	return s.GetImport(ctx, importID)
}

func verifyProductExists(ctx context.Context, tx pgx.Tx, productID, lineNumber int) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1 AND is_active = true)",
		productID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("line %d: failed to verify product %d: %w", lineNumber, productID, err)
	}
	if !exists {
		return fmt.Errorf("line %d: product %d: %w", lineNumber, productID, ErrProductNotFound)
	}
	return nil
}

func (s *importExportService) ConfirmImport(ctx context.Context, importID int, actor string) (*ImportDocument, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Atomic status claim: the precondition and the transition are one
	// statement, so a double confirmation can never double-apply the delta.
	number, err := claimDocument(ctx, tx, "import_documents", importID, ErrImportNotFound)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, product_id, quantity, unit_cost
		FROM import_lines
		WHERE import_id = $1
		ORDER BY line_number
	`, importID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch import lines: %w", err)
	}
	type pendingLine struct {
		id        int
		productID int
		quantity  int
		unitCost  decimal.Decimal
	}
	var lines []pendingLine
	for rows.Next() {
		var l pendingLine
		if err := rows.Scan(&l.id, &l.productID, &l.quantity, &l.unitCost); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan import line: %w", err)
		}
		lines = append(lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating import lines: %w", err)
	}

	for _, l := range lines {
		// Weighted-average cost needs the old quantity and cost, so this is
		// the locked-read variant of the pattern: FOR UPDATE scoped to the
		// transaction, then the guarded write.
		var oldQty int
		var oldCost decimal.Decimal
		err = tx.QueryRow(ctx,
			"SELECT stock_quantity, unit_cost FROM products WHERE id = $1 FOR UPDATE",
			l.productID,
		).Scan(&oldQty, &oldCost)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("import %s: product %d: %w", number, l.productID, ErrProductNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock product %d: %w", l.productID, err)
		}

		newQty := oldQty + l.quantity
		newCost := l.unitCost
		if newQty > 0 && (oldQty > 0 || !oldCost.IsZero()) {
			// new_cost = (old_qty*old_cost + qty*unit_cost) / (old_qty + qty)
			newCost = decimal.NewFromInt(int64(oldQty)).Mul(oldCost).
				Add(decimal.NewFromInt(int64(l.quantity)).Mul(l.unitCost)).
				Div(decimal.NewFromInt(int64(newQty)))
		}

		_, err = tx.Exec(ctx, `
			UPDATE products
			SET stock_quantity = $1, unit_cost = $2, in_stock = $3, updated_at = NOW()
			WHERE id = $4
		`, newQty, newCost, newQty > 0, l.productID)
		if err != nil {
			return nil, fmt.Errorf("failed to credit stock for product %d: %w", l.productID, err)
		}

		if err := recordMovementTx(ctx, tx, StockMovement{
			ProductID:       l.productID,
			Type:            MovementImport,
			Quantity:        l.quantity,
			PreviousStock:   oldQty,
			NewStock:        newQty,
			ReferenceType:   "import",
			ReferenceID:     &importID,
			ReferenceNumber: number,
			Actor:           actor,
			Note:            fmt.Sprintf("import confirmed: +%d units @ %s", l.quantity, l.unitCost),
		}); err != nil {
			return nil, err
		}

		_, err = tx.Exec(ctx,
			"UPDATE import_lines SET status = 'completed' WHERE id = $1", l.id)
		if err != nil {
			return nil, fmt.Errorf("failed to complete import line %d: %w", l.id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit import confirmation: %w", err)
	}
	return s.GetImport(ctx, importID)
}

// claimDocument flips pending → completed for one document. Zero rows matched
// means the document either does not exist or has already been completed.
func claimDocument(ctx context.Context, tx pgx.Tx, table string, docID int, notFound error) (string, error) {
	var number string
	err := tx.QueryRow(ctx, `
		UPDATE `+table+`
		SET status = 'completed', completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING document_number
	`, docID).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if scanErr := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", docID,
		).Scan(&exists); scanErr != nil {
			return "", fmt.Errorf("failed to inspect document %d: %w", docID, scanErr)
		}
		if !exists {
			return "", notFound
		}
		return "", ErrAlreadyCompleted
	}
	if err != nil {
		return "", fmt.Errorf("failed to claim document %d: %w", docID, err)
	}
	return number, nil
}

func (s *importExportService) CreateExport(ctx context.Context, destination string, lines []ExportLineInput, notes, actor string) (*ExportDocument, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("export document must have at least one line")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	number, err := nextDocumentNumber(ctx, tx, "export_documents", "EXP")
	if err != nil {
		return nil, err
	}

	var exportID int
	err = tx.QueryRow(ctx, `
		INSERT INTO export_documents (document_number, destination, status, notes, created_by)
		VALUES ($1, $2, 'pending', $3, $4)
		RETURNING id
	`, number, destination, notes, actor).Scan(&exportID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert export document: %w", err)
	}

	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("line %d: quantity must be positive, got %d", i+1, line.Quantity)
		}
		if err := verifyProductExists(ctx, tx, line.ProductID, i+1); err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO export_lines (export_id, line_number, product_id, quantity, status)
			VALUES ($1, $2, $3, $4, 'pending')
		`, exportID, i+1, line.ProductID, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("failed to insert export line %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit export creation: %w", err)
	}
	return s.GetExport(ctx, exportID)
}

func (s *importExportService) ConfirmExport(ctx context.Context, exportID int, actor string) (*ExportDocument, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	number, err := claimDocument(ctx, tx, "export_documents", exportID, ErrExportNotFound)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, product_id, quantity
		FROM export_lines
		WHERE export_id = $1
		ORDER BY line_number
	`, exportID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch export lines: %w", err)
	}
	type pendingLine struct {
		id        int
		productID int
		quantity  int
	}
	var lines []pendingLine
	for rows.Next() {
		var l pendingLine
		if err := rows.Scan(&l.id, &l.productID, &l.quantity); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan export line: %w", err)
		}
		lines = append(lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating export lines: %w", err)
	}

	for _, l := range lines {
		// Same conditional decrement as checkout reservation: the two writer
		// subsystems compose without a shared lock because both put the
		// precondition inside the write.
		var newStock int
		err = tx.QueryRow(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity - $1,
			    in_stock       = stock_quantity - $1 > 0,
			    updated_at     = NOW()
			WHERE id = $2 AND stock_quantity >= $1
			RETURNING stock_quantity
		`, l.quantity, l.productID).Scan(&newStock)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &OutOfStockError{Items: []InsufficientProduct{
				describeInsufficient(ctx, tx, StockItem{ProductID: l.productID, Quantity: l.quantity}),
			}}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to debit stock for product %d: %w", l.productID, err)
		}

		if err := recordMovementTx(ctx, tx, StockMovement{
			ProductID:       l.productID,
			Type:            MovementExport,
			Quantity:        -l.quantity,
			PreviousStock:   newStock + l.quantity,
			NewStock:        newStock,
			ReferenceType:   "export",
			ReferenceID:     &exportID,
			ReferenceNumber: number,
			Actor:           actor,
			Note:            fmt.Sprintf("export confirmed: -%d units", l.quantity),
		}); err != nil {
			return nil, err
		}

		_, err = tx.Exec(ctx,
			"UPDATE export_lines SET status = 'completed' WHERE id = $1", l.id)
		if err != nil {
			return nil, fmt.Errorf("failed to complete export line %d: %w", l.id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit export confirmation: %w", err)
	}
	return s.GetExport(ctx, exportID)
}

func (s *importExportService) GetImport(ctx context.Context, importID int) (*ImportDocument, error) {
	var doc ImportDocument
	var supplierName *string
	err := s.pool.QueryRow(ctx, `
		SELECT d.id, d.document_number, d.supplier_id, s.name, d.status, d.notes,
		       d.created_by, d.created_at, d.completed_at
		FROM import_documents d
		LEFT JOIN suppliers s ON s.id = d.supplier_id
		WHERE d.id = $1
	`, importID).Scan(&doc.ID, &doc.DocumentNumber, &doc.SupplierID, &supplierName,
		&doc.Status, &doc.Notes, &doc.CreatedBy, &doc.CreatedAt, &doc.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrImportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch import %d: %w", importID, err)
	}
	if supplierName != nil {
		doc.SupplierName = *supplierName
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, import_id, line_number, product_id, quantity, unit_cost, status
		FROM import_lines
		WHERE import_id = $1
		ORDER BY line_number
	`, importID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch import lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l ImportLine
		if err := rows.Scan(&l.ID, &l.ImportID, &l.LineNumber, &l.ProductID,
			&l.Quantity, &l.UnitCost, &l.Status); err != nil {
			return nil, fmt.Errorf("failed to scan import line: %w", err)
		}
		doc.Lines = append(doc.Lines, l)
	}
	return &doc, rows.Err()
}

func (s *importExportService) GetExport(ctx context.Context, exportID int) (*ExportDocument, error) {
	var doc ExportDocument
	err := s.pool.QueryRow(ctx, `
		SELECT id, document_number, destination, status, notes, created_by, created_at, completed_at
		FROM export_documents
		WHERE id = $1
	`, exportID).Scan(&doc.ID, &doc.DocumentNumber, &doc.Destination,
		&doc.Status, &doc.Notes, &doc.CreatedBy, &doc.CreatedAt, &doc.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch export %d: %w", exportID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, export_id, line_number, product_id, quantity, status
		FROM export_lines
		WHERE export_id = $1
		ORDER BY line_number
	`, exportID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch export lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l ExportLine
		if err := rows.Scan(&l.ID, &l.ExportID, &l.LineNumber, &l.ProductID,
			&l.Quantity, &l.Status); err != nil {
			return nil, fmt.Errorf("failed to scan export line: %w", err)
		}
		doc.Lines = append(doc.Lines, l)
	}
	return &doc, rows.Err()
}

func (s *importExportService) ListImports(ctx context.Context, status *DocumentStatus) ([]ImportDocument, error) {
	query := `
		SELECT d.id, d.document_number, d.supplier_id, s.name, d.status, d.notes,
		       d.created_by, d.created_at, d.completed_at
		FROM import_documents d
		LEFT JOIN suppliers s ON s.id = d.supplier_id`
	var args []any
	if status != nil {
		query += " WHERE d.status = $1"
		args = append(args, *status)
	}
	query += " ORDER BY d.id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query import documents: %w", err)
	}
	defer rows.Close()

	var docs []ImportDocument
	for rows.Next() {
		var doc ImportDocument
		var supplierName *string
		if err := rows.Scan(&doc.ID, &doc.DocumentNumber, &doc.SupplierID, &supplierName,
			&doc.Status, &doc.Notes, &doc.CreatedBy, &doc.CreatedAt, &doc.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan import document: %w", err)
		}
		if supplierName != nil {
			doc.SupplierName = *supplierName
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *importExportService) ListExports(ctx context.Context, status *DocumentStatus) ([]ExportDocument, error) {
	query := `
		SELECT id, document_number, destination, status, notes, created_by, created_at, completed_at
		FROM export_documents`
	var args []any
	if status != nil {
		query += " WHERE status = $1"
		args = append(args, *status)
	}
	query += " ORDER BY id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query export documents: %w", err)
	}
	defer rows.Close()

	var docs []ExportDocument
	for rows.Next() {
		var doc ExportDocument
		if err := rows.Scan(&doc.ID, &doc.DocumentNumber, &doc.Destination,
			&doc.Status, &doc.Notes, &doc.CreatedBy, &doc.CreatedAt, &doc.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan export document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
