package domain

import (
	"time"

	"github.com/google/uuid"
)

// CandidateStatus tracks human review of a scraped line item against the catalog.
type CandidateStatus string

const (
	CandidatePending CandidateStatus = "pending"
	CandidateLinked  CandidateStatus = "linked"
	CandidateIgnored CandidateStatus = "ignored"
)

// Supplier is a third-party vendor orders are scraped from.
type Supplier struct {
	ID               uuid.UUID
	Name             string
	Website          string
	DefaultProcessor string
	CreatedAt        time.Time
}

// StagingPurchaseOrder is one scraped order awaiting review.
// Error is set when the order's detail page could not be fetched or parsed.
type StagingPurchaseOrder struct {
	ID         uuid.UUID
	BatchID    uuid.UUID
	SupplierID uuid.UUID
	ExternalID string
	URL        string
	Fields     map[string]string
	Error      string
	Items      []StagingPurchaseOrderItem
	CreatedAt  time.Time
}

// StagingPurchaseOrderItem is a scraped order line.
type StagingPurchaseOrderItem struct {
	ID              uuid.UUID
	OrderID         uuid.UUID
	Name            string
	SKU             string
	Quantity        int
	UnitPrice       string
	ProductURL      string
	ImageURL        string
	CandidateStatus CandidateStatus
	LinkedProductID uuid.NullUUID
}

// ItemImage is a staged line item image still lacking an embedding.
type ItemImage struct {
	ItemID   uuid.UUID
	ImageURL string
}
