package boletin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shigulys/boletines-medicion-sub000/internal/catalog"
	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

// CatalogGate validates requested unit codes against the catalog.
type CatalogGate interface {
	ValidateUnits(ctx context.Context, requested []string) (map[string]struct{}, error)
}

// AuditPort records privileged operations outside the normal workflow.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service builds boletines and drives their status workflow.
type Service struct {
	repo  RepositoryPort
	gate  CatalogGate
	audit AuditPort
}

// NewService constructs the boletín service.
func NewService(repo RepositoryPort, gate CatalogGate, audit AuditPort) *Service {
	return &Service{repo: repo, gate: gate, audit: audit}
}

// LineInput describes one measured line. ReceivedQuantity, when supplied by
// the caller from the order oracle, caps the cumulative measured quantity for
// the item across all non-rejected boletines of the order.
type LineInput struct {
	ItemID              string
	Description         string
	UnitOfMeasure       string
	Quantity            float64
	UnitPrice           float64
	TaxPercent          float64
	RetentionPercent    float64
	TaxRetentionPercent float64
	ReceivedQuantity    *float64
}

// BuildInput describes a boletín to create, or to rebuild when
// EditingRequestID is set.
type BuildInput struct {
	OrderID        string
	VendorName     string
	VendorFiscalID string
	ProjectName    string
	Date           time.Time

	RetentionPercent float64
	AdvancePercent   float64
	ISRPercent       float64

	EditingRequestID int64
	Lines            []LineInput
}

// BuildOrUpdate computes line and header totals, validates units against the
// catalog and against prior boletines of the order, and persists header plus
// lines in one transaction. Editing replaces the whole line collection.
func (s *Service) BuildOrUpdate(ctx context.Context, input BuildInput) (PaymentRequest, error) {
	if strings.TrimSpace(input.OrderID) == "" {
		return PaymentRequest{}, shared.Validationf("order id is required")
	}
	if len(input.Lines) == 0 {
		return PaymentRequest{}, shared.Validationf("at least one line is required")
	}
	if input.Date.IsZero() {
		input.Date = time.Now()
	}

	requested := make([]string, 0, len(input.Lines))
	for _, line := range input.Lines {
		requested = append(requested, line.UnitOfMeasure)
	}
	known, err := s.gate.ValidateUnits(ctx, requested)
	if err != nil {
		return PaymentRequest{}, err
	}
	lastUnits, err := s.LastUnitsByItem(ctx, input.OrderID, input.EditingRequestID)
	if err != nil {
		return PaymentRequest{}, err
	}

	needCeiling := false
	for _, line := range input.Lines {
		if line.ReceivedQuantity != nil {
			needCeiling = true
			break
		}
	}
	var measured map[string]float64
	if needCeiling {
		measured, err = s.MeasuredQuantities(ctx, input.OrderID, input.EditingRequestID)
		if err != nil {
			return PaymentRequest{}, err
		}
	}

	pr := PaymentRequest{
		OrderID:          strings.TrimSpace(input.OrderID),
		VendorName:       strings.ToUpper(strings.TrimSpace(input.VendorName)),
		VendorFiscalID:   strings.TrimSpace(input.VendorFiscalID),
		ProjectName:      strings.TrimSpace(input.ProjectName),
		Date:             input.Date,
		Status:           StatusPending,
		RetentionPercent: input.RetentionPercent,
		AdvancePercent:   input.AdvancePercent,
		ISRPercent:       input.ISRPercent,
	}

	var lineRetention, lineTaxRetention float64
	ceilingUsed := make(map[string]float64)
	for i, in := range input.Lines {
		unit := catalog.NormalizeCode(in.UnitOfMeasure)
		if unit == "" {
			return PaymentRequest{}, shared.Validationf("line %d: unit of measure is required", i+1)
		}
		if _, ok := known[unit]; !ok {
			return PaymentRequest{}, shared.Validationf("line %d: unit %s not found in catalog", i+1, unit)
		}
		if prior, ok := lastUnits[in.ItemID]; ok && prior != unit {
			return PaymentRequest{}, shared.Conflictf("line %d: item %s was previously measured in %s and must keep that unit", i+1, in.ItemID, prior)
		}
		if in.ReceivedQuantity != nil {
			used := measured[in.ItemID] + ceilingUsed[in.ItemID] + in.Quantity
			if used > *in.ReceivedQuantity+quantityEpsilon {
				return PaymentRequest{}, shared.Conflictf("line %d: item %s exceeds received quantity %.4f", i+1, in.ItemID, *in.ReceivedQuantity)
			}
			ceilingUsed[in.ItemID] += in.Quantity
		}

		base := in.Quantity * in.UnitPrice
		taxAmount := base * in.TaxPercent / 100
		retentionAmount := base * in.RetentionPercent / 100
		taxRetentionAmount := taxAmount * in.TaxRetentionPercent / 100

		line := Line{
			ItemID:              in.ItemID,
			Description:         in.Description,
			UnitOfMeasure:       unit,
			Quantity:            in.Quantity,
			UnitPrice:           in.UnitPrice,
			TaxPercent:          in.TaxPercent,
			TaxAmount:           taxAmount,
			RetentionPercent:    in.RetentionPercent,
			RetentionAmount:     retentionAmount,
			TaxRetentionPercent: in.TaxRetentionPercent,
			TaxRetentionAmount:  taxRetentionAmount,
			LineTotal:           base + taxAmount - retentionAmount - taxRetentionAmount,
		}
		pr.Lines = append(pr.Lines, line)

		pr.SubTotal += base
		pr.TaxAmount += taxAmount
		lineRetention += retentionAmount
		lineTaxRetention += taxRetentionAmount
	}

	pr.RetentionAmount = pr.SubTotal * pr.RetentionPercent / 100
	pr.AdvanceAmount = pr.SubTotal * pr.AdvancePercent / 100
	pr.ISRAmount = pr.SubTotal * pr.ISRPercent / 100
	pr.NetTotal = pr.SubTotal + pr.TaxAmount - lineRetention - lineTaxRetention -
		pr.RetentionAmount - pr.AdvanceAmount - pr.ISRAmount

	if input.EditingRequestID != 0 {
		return s.update(ctx, input.EditingRequestID, pr)
	}
	return s.create(ctx, pr)
}

const quantityEpsilon = 1e-9

func (s *Service) create(ctx context.Context, pr PaymentRequest) (PaymentRequest, error) {
	// One retry covers the unique-constraint backstop on doc_number; the
	// counter row serializes assignment under normal operation.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			number, err := tx.NextDocNumber(ctx)
			if err != nil {
				return err
			}
			pr.DocNumber = number
			id, err := tx.CreateRequest(ctx, pr)
			if err != nil {
				return err
			}
			pr.ID = id
			for i := range pr.Lines {
				pr.Lines[i].RequestID = id
				if err := tx.InsertLine(ctx, pr.Lines[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return s.repo.Get(ctx, pr.ID)
		}
		lastErr = err
		if !errors.Is(err, ErrDuplicateNumber) {
			return PaymentRequest{}, err
		}
	}
	return PaymentRequest{}, lastErr
}

func (s *Service) update(ctx context.Context, id int64, pr PaymentRequest) (PaymentRequest, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if current.Status != StatusPending {
		return PaymentRequest{}, shared.Statef("request %s is %s and can no longer be edited", current.DocNumber, current.Status)
	}
	schedules, err := s.repo.ActiveScheduleNumbers(ctx, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if len(schedules) > 0 {
		return PaymentRequest{}, shared.ConflictRefs(
			fmt.Sprintf("request %s is included in an active payment schedule", current.DocNumber), schedules)
	}

	pr.ID = id
	pr.DocNumber = current.DocNumber
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateRequestHeader(ctx, pr); err != nil {
			return err
		}
		if err := tx.DeleteLines(ctx, id); err != nil {
			return err
		}
		for i := range pr.Lines {
			pr.Lines[i].RequestID = id
			if err := tx.InsertLine(ctx, pr.Lines[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PaymentRequest{}, err
	}
	return s.repo.Get(ctx, id)
}

// SetStatus drives the normal workflow: PENDING to APPROVED or REJECTED. The
// rejection reason is required for REJECTED and cleared for any other status.
// Scheduling state does not restrict the transition; exclusivity is enforced
// at the schedule level.
func (s *Service) SetStatus(ctx context.Context, id int64, status Status, rejectionReason string) (PaymentRequest, error) {
	if !status.Valid() {
		return PaymentRequest{}, shared.Validationf("unknown status %q", status)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if status == StatusPending {
		return PaymentRequest{}, shared.Statef("resetting to PENDING requires the administrative override")
	}
	if current.Status != StatusPending {
		return PaymentRequest{}, shared.Statef("request %s is already %s", current.DocNumber, current.Status)
	}
	reason := strings.TrimSpace(rejectionReason)
	if status == StatusRejected && reason == "" {
		return PaymentRequest{}, shared.Validationf("rejection reason is required")
	}
	if status != StatusRejected {
		reason = ""
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetStatus(ctx, id, status, reason, time.Now())
	})
	if err != nil {
		return PaymentRequest{}, err
	}
	return s.repo.Get(ctx, id)
}

// OverrideStatus is the privileged administrative path. It may move a request
// to any status regardless of its current one and always leaves an audit
// record naming the acting user.
func (s *Service) OverrideStatus(ctx context.Context, id int64, status Status, rejectionReason string, actor shared.Actor) (PaymentRequest, error) {
	if !status.Valid() {
		return PaymentRequest{}, shared.Validationf("unknown status %q", status)
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	reason := strings.TrimSpace(rejectionReason)
	if status == StatusRejected && reason == "" {
		return PaymentRequest{}, shared.Validationf("rejection reason is required")
	}
	if status != StatusRejected {
		reason = ""
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetStatus(ctx, id, status, reason, time.Now())
	})
	if err != nil {
		return PaymentRequest{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "BM_STATUS_OVERRIDE",
			Entity:   "payment_request",
			EntityID: fmt.Sprintf("%d", id),
			Meta:     map[string]any{"doc_number": current.DocNumber, "from": string(current.Status), "to": string(status)},
		})
	}
	return s.repo.Get(ctx, id)
}

// Get returns a request with its lines.
func (s *Service) Get(ctx context.Context, id int64) (PaymentRequest, error) {
	return s.repo.Get(ctx, id)
}

// List returns requests matching the filters.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]PaymentRequest, error) {
	return s.repo.List(ctx, filters)
}

// ListEligible returns requests available for scheduling: not rejected and
// not held by any non-cancelled schedule. The set is recomputed per call.
func (s *Service) ListEligible(ctx context.Context) ([]PaymentRequest, error) {
	return s.repo.ListEligible(ctx)
}
