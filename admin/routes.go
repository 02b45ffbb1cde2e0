package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/burrow/cluster"
	"github.com/rs/zerolog/log"
)

// RouterConfig collects what the admin router serves.
type RouterConfig struct {
	Handlers *AdminHandlers
	Topology *cluster.Manager // optional
	Metrics  http.Handler     // optional, nil when Prometheus is disabled
	Token    string
}

// NewRouter builds the admin routes. /health stays unauthenticated.
func NewRouter(c RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", c.Handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(TokenAuth(c.Token))
		r.Get("/progress", c.Handlers.handleProgress)
		r.Get("/failures", c.Handlers.handleFailures)
		if c.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", c.Metrics)
		}
		if c.Topology != nil {
			r.Get("/admin/cluster/shards", c.Topology.HandleShards)
			r.Get("/admin/cluster/slot/*", c.Topology.HandleSlot)
		}
	})

	log.Info().Bool("metrics", c.Metrics != nil).Bool("auth", c.Token != "").Msg("Admin endpoints registered")
	return r
}
