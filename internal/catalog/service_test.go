package catalog

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

type memRepo struct {
	nextID int64
	units  map[int64]Unit
	// queriedCodes counts ExistingCodes calls to observe cache hits.
	queriedCodes int
}

func newMemRepo(units ...Unit) *memRepo {
	repo := &memRepo{units: make(map[int64]Unit)}
	for _, u := range units {
		repo.nextID++
		u.ID = repo.nextID
		repo.units[u.ID] = u
	}
	return repo
}

func (m *memRepo) List(ctx context.Context, filters ListFilters) ([]Unit, int, error) {
	var out []Unit
	for _, u := range m.units {
		if filters.ActiveOnly && !u.Active {
			continue
		}
		out = append(out, u)
	}
	return out, len(out), nil
}

func (m *memRepo) Get(ctx context.Context, id int64) (Unit, error) {
	u, ok := m.units[id]
	if !ok {
		return Unit{}, shared.NotFoundf("unit %d not found", id)
	}
	return u, nil
}

func (m *memRepo) GetByCode(ctx context.Context, code string) (Unit, error) {
	for _, u := range m.units {
		if u.Code == code {
			return u, nil
		}
	}
	return Unit{}, shared.NotFoundf("unit %s not found", code)
}

func (m *memRepo) Create(ctx context.Context, unit Unit) (Unit, error) {
	m.nextID++
	unit.ID = m.nextID
	m.units[unit.ID] = unit
	return unit, nil
}

func (m *memRepo) Update(ctx context.Context, id int64, unit Unit) error {
	current, ok := m.units[id]
	if !ok {
		return shared.NotFoundf("unit %d not found", id)
	}
	current.Code = unit.Code
	current.Name = unit.Name
	m.units[id] = current
	return nil
}

func (m *memRepo) SetActive(ctx context.Context, id int64, active bool) error {
	u, ok := m.units[id]
	if !ok {
		return shared.NotFoundf("unit %d not found", id)
	}
	u.Active = active
	m.units[id] = u
	return nil
}

func (m *memRepo) ExistingCodes(ctx context.Context, codes []string) ([]string, error) {
	m.queriedCodes++
	var found []string
	for _, code := range codes {
		for _, u := range m.units {
			if u.Code == code {
				found = append(found, code)
				break
			}
		}
	}
	return found, nil
}

func TestNormalizeCode(t *testing.T) {
	require.Equal(t, "M2", NormalizeCode("  m2 "))
	require.Equal(t, "KG", NormalizeCode("kg"))
	require.Equal(t, "", NormalizeCode("   "))
}

func TestCreateUnit(t *testing.T) {
	svc := NewService(newMemRepo(), nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, Unit{Code: " m2 ", Name: "Metro cuadrado"})
	require.NoError(t, err)
	require.Equal(t, "M2", created.Code)
	require.True(t, created.Active)

	_, err = svc.Create(ctx, Unit{Code: "m2", Name: "Duplicado"})
	require.Equal(t, shared.KindConflict, shared.KindOf(err))

	_, err = svc.Create(ctx, Unit{Code: "", Name: "Sin código"})
	require.Equal(t, shared.KindValidation, shared.KindOf(err))
}

func TestValidateUnits(t *testing.T) {
	repo := newMemRepo(
		Unit{Code: "M2", Name: "Metro cuadrado", Active: true},
		Unit{Code: "KG", Name: "Kilogramo", Active: false},
	)
	svc := NewService(repo, nil)
	ctx := context.Background()

	known, err := svc.ValidateUnits(ctx, []string{"m2", " kg", "zz", "M2"})
	require.NoError(t, err)
	require.Len(t, known, 2)
	require.Contains(t, known, "M2")
	// Inactive codes still resolve; deactivation only hides units from
	// pickers, it never invalidates historical usage.
	require.Contains(t, known, "KG")
	require.NotContains(t, known, "ZZ")

	known, err = svc.ValidateUnits(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, known)
}

func TestValidateUnitsUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemRepo(Unit{Code: "M3", Name: "Metro cúbico", Active: true})
	svc := NewService(repo, cache)
	ctx := context.Background()

	known, err := svc.ValidateUnits(ctx, []string{"m3"})
	require.NoError(t, err)
	require.Contains(t, known, "M3")
	require.Equal(t, 1, repo.queriedCodes)

	known, err = svc.ValidateUnits(ctx, []string{"m3"})
	require.NoError(t, err)
	require.Contains(t, known, "M3")
	require.Equal(t, 1, repo.queriedCodes, "second lookup should hit the cache")
}

func TestUpdateInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo := newMemRepo(Unit{Code: "ML", Name: "Metro lineal", Active: true})
	svc := NewService(repo, cache)
	ctx := context.Background()

	_, err := svc.ValidateUnits(ctx, []string{"ml"})
	require.NoError(t, err)
	require.True(t, mr.Exists("catalog:unit:ML"))

	err = svc.Update(ctx, 1, Unit{Code: "MLN", Name: "Metro lineal"})
	require.NoError(t, err)
	require.False(t, mr.Exists("catalog:unit:ML"))
}
