package schedule

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

// ErrMembershipTaken indicates the one-active-line-per-request unique index
// fired: a concurrent schedule claimed one of the member requests first.
var ErrMembershipTaken = errors.New("schedule: request already held by an active schedule")

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

const scheduleColumns = `id, schedule_number, commitment_date, payment_date, COALESCE(notes,''), status,
approved_at, approved_by, sent_to_finance_at, sent_to_finance_by, created_at, updated_at`

func scanSchedule(row pgx.Row) (PaymentSchedule, error) {
	var ps PaymentSchedule
	var status string
	err := row.Scan(&ps.ID, &ps.ScheduleNumber, &ps.CommitmentDate, &ps.PaymentDate, &ps.Notes, &status,
		&ps.ApprovedAt, &ps.ApprovedBy, &ps.SentToFinanceAt, &ps.SentToFinanceBy, &ps.CreatedAt, &ps.UpdatedAt)
	if err != nil {
		return PaymentSchedule{}, err
	}
	ps.Status = Status(status)
	return ps, nil
}

// Get returns a schedule with its lines and audit trail.
func (r *Repository) Get(ctx context.Context, id int64) (PaymentSchedule, error) {
	ps, err := scanSchedule(r.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM payment_schedules WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentSchedule{}, shared.NotFoundf("payment schedule %d not found", id)
		}
		return PaymentSchedule{}, err
	}
	if ps.Lines, err = r.linesFor(ctx, id); err != nil {
		return PaymentSchedule{}, err
	}
	if ps.Audits, err = r.auditsFor(ctx, id); err != nil {
		return PaymentSchedule{}, err
	}
	return ps, nil
}

// List returns schedules matching filters, newest first, without lines.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]PaymentSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM payment_schedules WHERE 1=1`
	args := []any{}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		query += ` AND status=$1`
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
	var schedules []PaymentSchedule
	for rows.Next() {
		ps, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, ps)
	}
	return schedules, rows.Err()
}

// ActiveMemberships maps request ids to the schedule numbers of active lines
// holding them, skipping lines that belong to excludeScheduleID.
func (r *Repository) ActiveMemberships(ctx context.Context, requestIDs []int64, excludeScheduleID int64) (map[int64][]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.request_id, s.schedule_number
FROM payment_schedule_lines l
JOIN payment_schedules s ON s.id = l.schedule_id
WHERE l.request_id = ANY($1) AND l.active AND l.schedule_id <> $2
ORDER BY s.schedule_number`, requestIDs, excludeScheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	memberships := make(map[int64][]string)
	for rows.Next() {
		var requestID int64
		var number string
		if err := rows.Scan(&requestID, &number); err != nil {
			return nil, err
		}
		memberships[requestID] = append(memberships[requestID], number)
	}
	return memberships, rows.Err()
}

func (r *Repository) linesFor(ctx context.Context, scheduleID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.id, l.schedule_id, l.request_id, pr.doc_number, l.active
FROM payment_schedule_lines l
JOIN payment_requests pr ON pr.id = l.request_id
WHERE l.schedule_id=$1 ORDER BY l.id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.ScheduleID, &line.RequestID, &line.DocNumber, &line.Active); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *Repository) auditsFor(ctx context.Context, scheduleID int64) ([]AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, schedule_id, action, status_before, status_after, COALESCE(detail,''), actor, created_at
FROM payment_schedule_audits WHERE schedule_id=$1 ORDER BY id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var audits []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var before, after string
		if err := rows.Scan(&entry.ID, &entry.ScheduleID, &entry.Action, &before, &after, &entry.Detail, &entry.Actor, &entry.At); err != nil {
			return nil, err
		}
		entry.StatusBefore = Status(before)
		entry.StatusAfter = Status(after)
		audits = append(audits, entry)
	}
	return audits, rows.Err()
}

func (tx *txRepo) NextScheduleNumber(ctx context.Context) (string, error) {
	var seq int64
	err := tx.tx.QueryRow(ctx, `UPDATE doc_counters SET value = value + 1 WHERE name='payment_schedule' RETURNING value`).Scan(&seq)
	if err != nil {
		return "", err
	}
	return ScheduleNumberFor(seq), nil
}

func (tx *txRepo) CreateSchedule(ctx context.Context, s PaymentSchedule) (int64, error) {
	var id int64
	err := tx.tx.QueryRow(ctx, `INSERT INTO payment_schedules
(schedule_number, commitment_date, payment_date, notes, status, created_at, updated_at)
VALUES ($1,$2,$3,NULLIF($4,''),$5,NOW(),NOW()) RETURNING id`,
		s.ScheduleNumber, s.CommitmentDate, s.PaymentDate, s.Notes, string(s.Status)).Scan(&id)
	return id, err
}

func (tx *txRepo) UpdateHeader(ctx context.Context, s PaymentSchedule) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_schedules SET
commitment_date=$1, payment_date=$2, notes=NULLIF($3,''), updated_at=NOW()
WHERE id=$4`, s.CommitmentDate, s.PaymentDate, s.Notes, s.ID)
	return err
}

func (tx *txRepo) DeleteLines(ctx context.Context, scheduleID int64) error {
	_, err := tx.tx.Exec(ctx, `DELETE FROM payment_schedule_lines WHERE schedule_id=$1`, scheduleID)
	return err
}

func (tx *txRepo) InsertLine(ctx context.Context, line Line) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO payment_schedule_lines (schedule_id, request_id, active)
VALUES ($1,$2,$3)`, line.ScheduleID, line.RequestID, line.Active)
	if err != nil && isUniqueViolation(err) {
		return ErrMembershipTaken
	}
	return err
}

func (tx *txRepo) DeactivateLines(ctx context.Context, scheduleID int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_schedule_lines SET active=FALSE WHERE schedule_id=$1`, scheduleID)
	return err
}

func (tx *txRepo) ReactivateLines(ctx context.Context, scheduleID int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_schedule_lines SET active=TRUE WHERE schedule_id=$1`, scheduleID)
	if err != nil && isUniqueViolation(err) {
		return ErrMembershipTaken
	}
	return err
}

func (tx *txRepo) SetStatus(ctx context.Context, id int64, status Status) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_schedules SET status=$1, updated_at=NOW() WHERE id=$2`, string(status), id)
	return err
}

func (tx *txRepo) SetApproval(ctx context.Context, id int64, by int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_schedules SET approved_at=$1, approved_by=$2, updated_at=NOW() WHERE id=$3`, at, by, id)
	return err
}

func (tx *txRepo) ClearApproval(ctx context.Context, id int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_schedules SET approved_at=NULL, approved_by=NULL, updated_at=NOW() WHERE id=$1`, id)
	return err
}

func (tx *txRepo) SetSentToFinance(ctx context.Context, id int64, by int64, at time.Time) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_schedules SET sent_to_finance_at=$1, sent_to_finance_by=$2, updated_at=NOW() WHERE id=$3`, at, by, id)
	return err
}

func (tx *txRepo) ClearSentToFinance(ctx context.Context, id int64) error {
	_, err := tx.tx.Exec(ctx, `UPDATE payment_schedules SET sent_to_finance_at=NULL, sent_to_finance_by=NULL, updated_at=NOW() WHERE id=$1`, id)
	return err
}

func (tx *txRepo) AppendAudit(ctx context.Context, entry AuditEntry) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO payment_schedule_audits
(schedule_id, action, status_before, status_after, detail, actor, created_at)
VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,NOW())`,
		entry.ScheduleID, entry.Action, string(entry.StatusBefore), string(entry.StatusAfter), entry.Detail, entry.Actor)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
