package boletin

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shigulys/boletines-medicion-sub000/internal/platform/db"
	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

// ErrDuplicateNumber indicates the doc_number unique constraint fired; the
// creating transaction may be retried once with a fresh sequence value.
var ErrDuplicateNumber = errors.New("boletin: duplicate document number")

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ RepositoryPort = (*Repository)(nil)

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const requestColumns = `id, doc_number, order_id, vendor_name, vendor_fiscal_id, project_name, doc_date,
status, COALESCE(rejection_reason,''), retention_pct, advance_pct, isr_pct,
subtotal, tax_amount, retention_amount, advance_amount, isr_amount, net_total, created_at, updated_at`

func scanRequest(row pgx.Row) (PaymentRequest, error) {
	var pr PaymentRequest
	var status string
	err := row.Scan(&pr.ID, &pr.DocNumber, &pr.OrderID, &pr.VendorName, &pr.VendorFiscalID, &pr.ProjectName,
		&pr.Date, &status, &pr.RejectionReason, &pr.RetentionPercent, &pr.AdvancePercent, &pr.ISRPercent,
		&pr.SubTotal, &pr.TaxAmount, &pr.RetentionAmount, &pr.AdvanceAmount, &pr.ISRAmount, &pr.NetTotal,
		&pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return PaymentRequest{}, err
	}
	pr.Status = Status(status)
	return pr, nil
}

// Get returns a request with all its lines.
func (r *Repository) Get(ctx context.Context, id int64) (PaymentRequest, error) {
	pr, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentRequest{}, shared.NotFoundf("payment request %d not found", id)
		}
		return PaymentRequest{}, err
	}
	lines, err := r.linesFor(ctx, []int64{id})
	if err != nil {
		return PaymentRequest{}, err
	}
	pr.Lines = lines[id]
	return pr, nil
}

// List returns requests matching filters, newest first, without lines.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]PaymentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM payment_requests WHERE 1=1`
	args := []any{}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		query += ` AND status=$1`
	}
	if filters.OrderID != "" {
		args = append(args, filters.OrderID)
		query += ` AND order_id=$` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY id DESC`
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
		args = append(args, filters.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListByOrder returns an order's requests newest-first with lines.
func (r *Repository) ListByOrder(ctx context.Context, orderID string, excludeID int64) ([]PaymentRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM payment_requests
WHERE order_id=$1 AND id <> $2 ORDER BY id DESC`, orderID, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	requests, err := collectRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return requests, nil
	}
	ids := make([]int64, len(requests))
	for i, req := range requests {
		ids[i] = req.ID
	}
	lines, err := r.linesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range requests {
		requests[i].Lines = lines[requests[i].ID]
	}
	return requests, nil
}

// ActiveScheduleNumbers lists non-cancelled schedules holding the request.
func (r *Repository) ActiveScheduleNumbers(ctx context.Context, requestID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT s.schedule_number FROM payment_schedule_lines l
JOIN payment_schedules s ON s.id = l.schedule_id
WHERE l.request_id=$1 AND l.active ORDER BY s.schedule_number`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var numbers []string
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return nil, err
		}
		numbers = append(numbers, number)
	}
	return numbers, rows.Err()
}

// ListEligible returns non-rejected requests with no active schedule line.
func (r *Repository) ListEligible(ctx context.Context) ([]PaymentRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+requestColumns+` FROM payment_requests pr
WHERE pr.status <> 'REJECTED'
AND NOT EXISTS (SELECT 1 FROM payment_schedule_lines l WHERE l.request_id = pr.id AND l.active)
ORDER BY pr.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func collectRequests(rows pgx.Rows) ([]PaymentRequest, error) {
	var requests []PaymentRequest
	for rows.Next() {
		pr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, pr)
	}
	return requests, rows.Err()
}

func (r *Repository) linesFor(ctx context.Context, requestIDs []int64) (map[int64][]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, request_id, item_id, description, unit_of_measure,
quantity, unit_price, tax_pct, tax_amount, retention_pct, retention_amount,
tax_retention_pct, tax_retention_amount, line_total
FROM payment_request_lines WHERE request_id = ANY($1) ORDER BY id`, requestIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := make(map[int64][]Line)
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.RequestID, &line.ItemID, &line.Description, &line.UnitOfMeasure,
			&line.Quantity, &line.UnitPrice, &line.TaxPercent, &line.TaxAmount,
			&line.RetentionPercent, &line.RetentionAmount,
			&line.TaxRetentionPercent, &line.TaxRetentionAmount, &line.LineTotal); err != nil {
			return nil, err
		}
		lines[line.RequestID] = append(lines[line.RequestID], line)
	}
	return lines, rows.Err()
}

func (tx *txRepo) NextDocNumber(ctx context.Context) (string, error) {
	var seq int64
	err := tx.tx.QueryRow(ctx, `UPDATE doc_counters SET value = value + 1 WHERE name='payment_request' RETURNING value`).Scan(&seq)
	if err != nil {
		return "", err
	}
	return DocNumberFor(seq), nil
}

func (tx *txRepo) CreateRequest(ctx context.Context, pr PaymentRequest) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO payment_requests
(doc_number, order_id, vendor_name, vendor_fiscal_id, project_name, doc_date, status, rejection_reason,
 retention_pct, advance_pct, isr_pct, subtotal, tax_amount, retention_amount, advance_amount, isr_amount, net_total,
 created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW(),NOW()) RETURNING id`,
		pr.DocNumber, pr.OrderID, pr.VendorName, pr.VendorFiscalID, pr.ProjectName, pr.Date,
		string(pr.Status), pr.RejectionReason, pr.RetentionPercent, pr.AdvancePercent, pr.ISRPercent,
		pr.SubTotal, pr.TaxAmount, pr.RetentionAmount, pr.AdvanceAmount, pr.ISRAmount, pr.NetTotal).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateNumber
		}
		return 0, err
	}
	return id, nil
}

func (tx *txRepo) UpdateRequestHeader(ctx context.Context, pr PaymentRequest) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_requests SET
vendor_name=$1, vendor_fiscal_id=$2, project_name=$3, doc_date=$4,
retention_pct=$5, advance_pct=$6, isr_pct=$7,
subtotal=$8, tax_amount=$9, retention_amount=$10, advance_amount=$11, isr_amount=$12, net_total=$13,
updated_at=NOW()
WHERE id=$14`,
		pr.VendorName, pr.VendorFiscalID, pr.ProjectName, pr.Date,
		pr.RetentionPercent, pr.AdvancePercent, pr.ISRPercent,
		pr.SubTotal, pr.TaxAmount, pr.RetentionAmount, pr.AdvanceAmount, pr.ISRAmount, pr.NetTotal, pr.ID)
	return err
}

func (tx *txRepo) DeleteLines(ctx context.Context, requestID int64) error {
	_, err := tx.tx.Exec(ctx, `DELETE FROM payment_request_lines WHERE request_id=$1`, requestID)
	return err
}

func (tx *txRepo) InsertLine(ctx context.Context, line Line) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO payment_request_lines
(request_id, item_id, description, unit_of_measure, quantity, unit_price,
 tax_pct, tax_amount, retention_pct, retention_amount, tax_retention_pct, tax_retention_amount, line_total)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		line.RequestID, line.ItemID, line.Description, line.UnitOfMeasure, line.Quantity, line.UnitPrice,
		line.TaxPercent, line.TaxAmount, line.RetentionPercent, line.RetentionAmount,
		line.TaxRetentionPercent, line.TaxRetentionAmount, line.LineTotal)
	return err
}

func (tx *txRepo) SetStatus(ctx context.Context, id int64, status Status, rejectionReason string, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_requests SET status=$1, rejection_reason=NULLIF($2,''), updated_at=$3 WHERE id=$4`,
		string(status), rejectionReason, at, id)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
