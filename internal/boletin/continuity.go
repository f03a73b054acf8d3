package boletin

import (
	"context"

	"github.com/shigulys/boletines-medicion-sub000/internal/catalog"
)

// LastUnitsByItem resolves the unit of measure previously committed per order
// item. Requests arrive newest-first from the repository; the first unit seen
// for an item wins and is never overwritten, so the most recent boletín is
// authoritative. A historical code stays binding even after catalog
// deactivation, because it was valid at the time of the referenced commitment.
func (s *Service) LastUnitsByItem(ctx context.Context, orderID string, excludeRequestID int64) (map[string]string, error) {
	requests, err := s.repo.ListByOrder(ctx, orderID, excludeRequestID)
	if err != nil {
		return nil, err
	}
	units := make(map[string]string)
	for _, req := range requests {
		for _, line := range req.Lines {
			if _, ok := units[line.ItemID]; ok {
				continue
			}
			units[line.ItemID] = catalog.NormalizeCode(line.UnitOfMeasure)
		}
	}
	return units, nil
}

// MeasuredQuantities sums already-measured quantities per order item across
// non-rejected boletines, optionally excluding the request being edited.
// Rejected boletines release their quantities back to the order.
func (s *Service) MeasuredQuantities(ctx context.Context, orderID string, excludeRequestID int64) (map[string]float64, error) {
	requests, err := s.repo.ListByOrder(ctx, orderID, excludeRequestID)
	if err != nil {
		return nil, err
	}
	measured := make(map[string]float64)
	for _, req := range requests {
		if req.Status == StatusRejected {
			continue
		}
		for _, line := range req.Lines {
			measured[line.ItemID] += line.Quantity
		}
	}
	return measured, nil
}
