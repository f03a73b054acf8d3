package catalog

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

const codeCacheTTL = 5 * time.Minute

// Service exposes catalog administration and the unit gate consumed by the
// boletín builder.
type Service struct {
	repo  Repository
	cache *redis.Client
}

// NewService constructs the catalog service. cache may be nil; lookups then go
// straight to the store.
func NewService(repo Repository, cache *redis.Client) *Service {
	return &Service{repo: repo, cache: cache}
}

func (s *Service) List(ctx context.Context, filters ListFilters) ([]Unit, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Unit, error) {
	if id <= 0 {
		return Unit{}, shared.Validationf("invalid unit id")
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, unit Unit) (Unit, error) {
	unit.Code = NormalizeCode(unit.Code)
	if err := s.validate(unit); err != nil {
		return Unit{}, err
	}
	if existing, err := s.repo.GetByCode(ctx, unit.Code); err == nil && existing.ID != 0 {
		return Unit{}, shared.Conflictf("unit code %s already exists", unit.Code)
	}
	unit.Active = true
	created, err := s.repo.Create(ctx, unit)
	if err != nil {
		return Unit{}, err
	}
	s.invalidate(ctx, created.Code)
	return created, nil
}

func (s *Service) Update(ctx context.Context, id int64, unit Unit) error {
	if id <= 0 {
		return shared.Validationf("invalid unit id")
	}
	unit.Code = NormalizeCode(unit.Code)
	if err := s.validate(unit); err != nil {
		return err
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Update(ctx, id, unit); err != nil {
		return err
	}
	s.invalidate(ctx, current.Code, unit.Code)
	return nil
}

// SetActive toggles a unit. Deactivation never invalidates historical
// boletines; the gate keeps resolving inactive codes.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	if id <= 0 {
		return shared.Validationf("invalid unit id")
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.SetActive(ctx, id, active)
}

// ValidateUnits normalizes the requested codes and returns the subset known to
// the catalog, regardless of active flag. Empty input yields empty output
// without touching the store. Callers signal UnitNotFound for any code absent
// from the result.
func (s *Service) ValidateUnits(ctx context.Context, requested []string) (map[string]struct{}, error) {
	known := make(map[string]struct{})
	if len(requested) == 0 {
		return known, nil
	}

	seen := make(map[string]struct{}, len(requested))
	codes := make([]string, 0, len(requested))
	for _, raw := range requested {
		code := NormalizeCode(raw)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return known, nil
	}

	missing := codes
	if s.cache != nil {
		missing = missing[:0:0]
		for _, code := range codes {
			if err := s.cache.Get(ctx, cacheKey(code)).Err(); err == nil {
				known[code] = struct{}{}
			} else {
				missing = append(missing, code)
			}
		}
	}
	if len(missing) == 0 {
		return known, nil
	}

	found, err := s.repo.ExistingCodes(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, code := range found {
		known[code] = struct{}{}
		if s.cache != nil {
			s.cache.Set(ctx, cacheKey(code), "1", codeCacheTTL)
		}
	}
	return known, nil
}

func (s *Service) invalidate(ctx context.Context, codes ...string) {
	if s.cache == nil {
		return
	}
	for _, code := range codes {
		s.cache.Del(ctx, cacheKey(code))
	}
}

func cacheKey(code string) string {
	return "catalog:unit:" + code
}
