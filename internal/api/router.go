package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mlipin/skytrack/internal/config"
	"github.com/mlipin/skytrack/internal/source"
	"github.com/mlipin/skytrack/internal/storage/sqlite"
	"github.com/mlipin/skytrack/internal/track"
	"github.com/mlipin/skytrack/internal/websocket"
	"github.com/mlipin/skytrack/pkg/logger"
)

// Router bundles the handler set behind a chi mux.
type Router struct {
	handler *Handler
	logger  *logger.Logger
}

// NewRouter creates the API router
func NewRouter(trackService *track.Service, aggregator *source.Aggregator, eventStorage *sqlite.EventStorage, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler: NewHandler(trackService, aggregator, eventStorage, cfg, log, wsServer),
		logger:  log.Named("api-router"),
	}
}

// Routes builds the HTTP route tree.
func (r *Router) Routes() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Route("/api/v1", func(api chi.Router) {
		api.Get("/aircraft", r.handler.GetAllAircraft)
		api.Get("/aircraft/{icao}", r.handler.GetAircraftByICAO)
		api.Get("/stats", r.handler.GetStats)
		api.Get("/sources", r.handler.GetSources)
		api.Get("/events", r.handler.GetEvents)
		api.Post("/admin/cleanup", r.handler.ForceCleanup)
		api.Get("/ws", r.handler.HandleWebSocket)
	})

	return mux
}
