package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shigulys/boletines-medicion-sub000/internal/boletin"
	"github.com/shigulys/boletines-medicion-sub000/internal/catalog"
	"github.com/shigulys/boletines-medicion-sub000/internal/platform/httpx"
	"github.com/shigulys/boletines-medicion-sub000/internal/schedule"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	CatalogHandler  *catalog.Handler
	BoletinHandler  *boletin.Handler
	ScheduleHandler *schedule.Handler
	Pool            *pgxpool.Pool
}

// NewRouter constructs the chi.Router with engine defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{Logger: params.Logger, Config: params.Config}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				params.Logger.Error("health check", slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "database unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		params.CatalogHandler.MountRoutes(api)
		params.BoletinHandler.MountRoutes(api)
		params.ScheduleHandler.MountRoutes(api)
	})

	return r
}
