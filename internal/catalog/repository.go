package catalog

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

// ListFilters narrows catalog listings.
type ListFilters struct {
	Search     string
	ActiveOnly bool
	Limit      int
	Page       int
}

// Repository defines unit catalog data access.
type Repository interface {
	List(ctx context.Context, filters ListFilters) ([]Unit, int, error)
	Get(ctx context.Context, id int64) (Unit, error)
	GetByCode(ctx context.Context, code string) (Unit, error)
	Create(ctx context.Context, unit Unit) (Unit, error)
	Update(ctx context.Context, id int64, unit Unit) error
	SetActive(ctx context.Context, id int64, active bool) error
	ExistingCodes(ctx context.Context, codes []string) ([]string, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) List(ctx context.Context, filters ListFilters) ([]Unit, int, error) {
	query := `SELECT id, code, name, active FROM units WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM units WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		cond := ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR code ILIKE $` + strconv.Itoa(argCount) + `)`
		query += cond
		countQuery += cond
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.ActiveOnly {
		query += ` AND active`
		countQuery += ` AND active`
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += ` ORDER BY code`
	if filters.Limit > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filters.Limit)
		offset := (filters.Page - 1) * filters.Limit
		if offset < 0 {
			offset = 0
		}
		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.Code, &u.Name, &u.Active); err != nil {
			return nil, 0, err
		}
		units = append(units, u)
	}
	return units, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Unit, error) {
	var u Unit
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, active FROM units WHERE id=$1`, id).
		Scan(&u.ID, &u.Code, &u.Name, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, shared.NotFoundf("unit %d not found", id)
		}
		return Unit{}, err
	}
	return u, nil
}

func (r *repository) GetByCode(ctx context.Context, code string) (Unit, error) {
	var u Unit
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, active FROM units WHERE code=$1`, code).
		Scan(&u.ID, &u.Code, &u.Name, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, shared.NotFoundf("unit %s not found", code)
		}
		return Unit{}, err
	}
	return u, nil
}

func (r *repository) Create(ctx context.Context, unit Unit) (Unit, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO units (code, name, active, created_at, updated_at)
VALUES ($1,$2,$3,NOW(),NOW()) RETURNING id`, unit.Code, unit.Name, unit.Active).Scan(&unit.ID)
	if err != nil {
		return Unit{}, err
	}
	return unit, nil
}

func (r *repository) Update(ctx context.Context, id int64, unit Unit) error {
	_, err := r.pool.Exec(ctx, `UPDATE units SET code=$1, name=$2, updated_at=NOW() WHERE id=$3`,
		unit.Code, unit.Name, id)
	return err
}

func (r *repository) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE units SET active=$1, updated_at=NOW() WHERE id=$2`, active, id)
	return err
}

// ExistingCodes returns the subset of codes present in the catalog, active or
// not. Historical codes remain valid for boletines that already used them.
func (r *repository) ExistingCodes(ctx context.Context, codes []string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT code FROM units WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		found = append(found, code)
	}
	return found, rows.Err()
}
