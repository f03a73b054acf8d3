package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

// Repository reads the purchase-order projection tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Oracle = (*Repository)(nil)

// GetOrder returns the order header and lines. Received quantities are summed
// from the reception projection at read time.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (OrderHeader, []OrderLine, error) {
	var header OrderHeader
	err := r.pool.QueryRow(ctx, `SELECT order_id, vendor_name, vendor_fiscal_id, project_name,
COALESCE(measurement_start, CURRENT_DATE), COALESCE(measurement_end, CURRENT_DATE)
FROM purchase_orders WHERE order_id=$1`, orderID).
		Scan(&header.OrderID, &header.VendorName, &header.VendorFiscalID, &header.ProjectName,
			&header.MeasurementStartDate, &header.MeasurementEndDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderHeader{}, nil, shared.NotFoundf("order %s not found", orderID)
		}
		return OrderHeader{}, nil, err
	}

	rows, err := r.pool.Query(ctx, `SELECT l.order_id, l.item_id, l.description, l.ordered_qty,
COALESCE(rec.qty, 0), l.unit_price, COALESCE(rec.refs, '{}')
FROM purchase_order_lines l
LEFT JOIN (
    SELECT order_id, item_id, SUM(qty) AS qty, ARRAY_AGG(reception_ref ORDER BY reception_ref) AS refs
    FROM order_receptions GROUP BY order_id, item_id
) rec ON rec.order_id = l.order_id AND rec.item_id = l.item_id
WHERE l.order_id=$1 ORDER BY l.item_id`, orderID)
	if err != nil {
		return OrderHeader{}, nil, err
	}
	defer rows.Close()

	var lines []OrderLine
	for rows.Next() {
		var line OrderLine
		if err := rows.Scan(&line.OrderID, &line.ItemID, &line.Description, &line.OrderedQuantity,
			&line.ReceivedQuantity, &line.UnitPrice, &line.ReceptionRefs); err != nil {
			return OrderHeader{}, nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return OrderHeader{}, nil, err
	}
	return header, lines, nil
}
