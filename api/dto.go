/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the admin API. The ledger's own types stay
  internal; these carry snake_case fields and string dates.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small wrappers

DATES:
  Accepted as RFC 3339 timestamps or plain YYYY-MM-DD (midnight UTC).
  Always returned as RFC 3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/concession-ledger/concession"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateCustomerRequest registers (or renames) a customer.
type CreateCustomerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateBlockRequest records a purchased bundle.
type CreateBlockRequest struct {
	PackageID      string  `json:"package_id"`
	PackageName    string  `json:"package_name"`
	Quantity       int     `json:"quantity"`
	PurchaseDate   string  `json:"purchase_date,omitempty"`
	ExpiryDate     *string `json:"expiry_date,omitempty"`
	Price          string  `json:"price,omitempty"`
	PaymentMethod  string  `json:"payment_method,omitempty"`
	TransactionRef string  `json:"transaction_ref,omitempty"`
	Notes          string  `json:"notes,omitempty"`
	CreatedBy      string  `json:"created_by,omitempty"`
}

// ActorRequest names who performed a lock operation.
type ActorRequest struct {
	Actor string `json:"actor"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type BlockDTO struct {
	ID                string  `json:"id"`
	CustomerID        string  `json:"customer_id"`
	CustomerName      string  `json:"customer_name"`
	PackageID         string  `json:"package_id"`
	PackageName       string  `json:"package_name"`
	OriginalQuantity  int     `json:"original_quantity"`
	RemainingQuantity int     `json:"remaining_quantity"`
	PurchaseDate      string  `json:"purchase_date"`
	ExpiryDate        *string `json:"expiry_date,omitempty"`
	Status            string  `json:"status"`
	IsLocked          bool    `json:"is_locked"`
	LockedAt          *string `json:"locked_at,omitempty"`
	LockedBy          string  `json:"locked_by,omitempty"`
	UnlockedAt        *string `json:"unlocked_at,omitempty"`
	UnlockedBy        string  `json:"unlocked_by,omitempty"`
	Price             string  `json:"price"`
	PaymentMethod     string  `json:"payment_method,omitempty"`
	TransactionRef    string  `json:"transaction_ref,omitempty"`
	Notes             string  `json:"notes,omitempty"`
	CreatedAt         string  `json:"created_at"`
	CreatedBy         string  `json:"created_by,omitempty"`
	UpdatedAt         string  `json:"updated_at"`
}

type BalanceDTO struct {
	CustomerID         string `json:"customer_id"`
	ConcessionBalance  int    `json:"concession_balance"`
	ExpiredConcessions int    `json:"expired_concessions"`
	UpdatedAt          string `json:"updated_at"`
}

type CustomerDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// NextBlockResponse wraps the allocation result. Block is null when the
// customer has nothing to consume.
type NextBlockResponse struct {
	Block *BlockDTO `json:"block"`
}

// CreateBlockResponse returns the new block ID.
type CreateBlockResponse struct {
	ID string `json:"id"`
}

// CountResponse reports how many records a bulk operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBlockDTO(b concession.Block) BlockDTO {
	return BlockDTO{
		ID:                string(b.ID),
		CustomerID:        string(b.CustomerID),
		CustomerName:      b.CustomerName,
		PackageID:         b.Package.ID,
		PackageName:       b.Package.Name,
		OriginalQuantity:  b.OriginalQuantity,
		RemainingQuantity: b.RemainingQuantity,
		PurchaseDate:      formatTime(b.PurchaseDate),
		ExpiryDate:        formatTimePtr(b.ExpiryDate),
		Status:            string(b.Status),
		IsLocked:          b.IsLocked,
		LockedAt:          formatTimePtr(b.LockedAt),
		LockedBy:          b.LockedBy,
		UnlockedAt:        formatTimePtr(b.UnlockedAt),
		UnlockedBy:        b.UnlockedBy,
		Price:             b.Price.StringFixed(2),
		PaymentMethod:     b.PaymentMethod,
		TransactionRef:    b.TransactionRef,
		Notes:             b.Notes,
		CreatedAt:         formatTime(b.CreatedAt),
		CreatedBy:         b.CreatedBy,
		UpdatedAt:         formatTime(b.UpdatedAt),
	}
}

func toBalanceDTO(b concession.CustomerBalance) BalanceDTO {
	return BalanceDTO{
		CustomerID:         string(b.CustomerID),
		ConcessionBalance:  b.ConcessionBalance,
		ExpiredConcessions: b.ExpiredConcessions,
		UpdatedAt:          formatTime(b.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseDate accepts RFC 3339 or YYYY-MM-DD.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (use RFC 3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}
