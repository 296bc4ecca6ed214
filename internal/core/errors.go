package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrImportNotFound  = errors.New("import document not found")
	ErrExportNotFound  = errors.New("export document not found")

	// ErrAlreadyCompleted rejects a second confirmation of the same
	// import/export document instead of re-applying its stock delta.
	ErrAlreadyCompleted = errors.New("document already completed")

	// ErrTransient is surfaced when the write-conflict retry budget is
	// exhausted. The request can be retried as a whole.
	ErrTransient = errors.New("transient storage conflict, please try again")

	// ErrReleaseFailed wraps a failed compensating release. The reservation
	// remains held, so the release stays retryable out-of-band.
	ErrReleaseFailed = errors.New("stock release failed")
)

// OutOfStockError is raised when an atomic conditional decrement matched no
// row. It names exactly which item(s) failed; the enclosing transaction must
// be aborted by the caller so no earlier decrement in the same call survives.
type OutOfStockError struct {
	Items []InsufficientProduct
}

func (e *OutOfStockError) Error() string {
	if len(e.Items) == 0 {
		return "out of stock"
	}
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		name := it.ProductName
		if name == "" {
			name = fmt.Sprintf("product %d", it.ProductID)
		}
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", name, it.Requested, it.Available))
	}
	return "out of stock: " + strings.Join(parts, "; ")
}

// IsOutOfStock reports whether err is, or wraps, an OutOfStockError.
func IsOutOfStock(err error) bool {
	var oos *OutOfStockError
	return errors.As(err, &oos)
}
