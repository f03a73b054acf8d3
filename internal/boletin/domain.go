package boletin

import (
	"fmt"
	"time"
)

// Status enumerates payment request lifecycle states.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// DocNumberFor formats a sequence value as a boletín document number.
func DocNumberFor(seq int64) string {
	return fmt.Sprintf("BM-%06d", seq)
}

// PaymentRequest is a measurement boletín raised against a purchase order.
// Header deduction percentages apply to the sum of line base amounts; line
// collections are replaced wholesale on edit.
type PaymentRequest struct {
	ID              int64
	DocNumber       string
	OrderID         string
	VendorName      string
	VendorFiscalID  string
	ProjectName     string
	Date            time.Time
	Status          Status
	RejectionReason string

	RetentionPercent float64
	AdvancePercent   float64
	ISRPercent       float64

	SubTotal        float64
	TaxAmount       float64
	RetentionAmount float64
	AdvanceAmount   float64
	ISRAmount       float64
	NetTotal        float64

	CreatedAt time.Time
	UpdatedAt time.Time

	Lines []Line
}

// Line is one measured item on a boletín. Base retention and tax retention are
// distinct withholdings: the former applies to quantity*unitPrice, the latter
// to the computed tax amount.
type Line struct {
	ID        int64
	RequestID int64

	ItemID        string
	Description   string
	UnitOfMeasure string
	Quantity      float64
	UnitPrice     float64

	TaxPercent          float64
	TaxAmount           float64
	RetentionPercent    float64
	RetentionAmount     float64
	TaxRetentionPercent float64
	TaxRetentionAmount  float64
	LineTotal           float64
}

// BaseAmount returns quantity * unit price.
func (l Line) BaseAmount() float64 {
	return l.Quantity * l.UnitPrice
}
