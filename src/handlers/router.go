package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/utils"
)

type RouterConfig struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
	AllowedOrigins     []string
}

// NewRouter wires the handlers behind the global middleware. metrics may be nil.
func NewRouter(cfg RouterConfig, iati *IATIHandler, records *RecordsHandler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(RateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		utils.SendJSON(w, map[string]string{"message": "AIMS IATI import backend is running"}, http.StatusOK)
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	iati.Register(r)
	records.Register(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		logger.L.Warn("Path not found", "method", r.Method, "path", r.URL.Path)
		utils.SendJSONError(w, "not found", http.StatusNotFound)
	})
	return r
}
