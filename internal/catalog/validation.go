package catalog

import (
	"strings"

	"github.com/shigulys/boletines-medicion-sub000/internal/shared"
)

func (s *Service) validate(u Unit) error {
	if strings.TrimSpace(u.Code) == "" {
		return shared.Validationf("unit code is required")
	}
	if strings.TrimSpace(u.Name) == "" {
		return shared.Validationf("unit name is required")
	}
	return nil
}
