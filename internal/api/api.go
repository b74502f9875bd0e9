// Package api is the admin HTTP surface: health probes, Prometheus
// metrics, JSON bindings over the camera facade and scan coordinator,
// relay viewer sessions and a WebSocket event feed.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camera"
	"github.com/camfleet/camfleet/internal/data"
	"github.com/camfleet/camfleet/internal/events"
	"github.com/camfleet/camfleet/internal/log"
	"github.com/camfleet/camfleet/internal/relay"
	"github.com/camfleet/camfleet/internal/scan"
)

// defaultRateLimit is requests per minute per client IP on /api/v1.
const defaultRateLimit = 600

// Config wires the surface to the subsystems it fronts. Core, Store,
// Scans and Bus are required; nil optional fields remove their routes.
type Config struct {
	Core  *camera.Core
	Store *data.Store
	Scans *scan.Coordinator
	Bus   *events.Bus

	// Relay enables stream mirroring plus the viewer session routes.
	Relay *relay.Publisher

	// Metrics is mounted on GET /metrics when set.
	Metrics http.Handler

	// RateLimit overrides requests per minute per IP; negative
	// disables limiting (tests).
	RateLimit int
}

// Server owns the router. The http.Server wrapping it stays with main.
type Server struct {
	cfg    Config
	router *chi.Mux
	logger zerolog.Logger
}

// NewServer assembles the router and its middleware stack.
func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: log.WithComponent("api")}
	s.router = s.routes()
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(RequestLogger(s.logger))

	health := &HealthHandler{Store: s.cfg.Store, Orch: s.cfg.Core.Orchestrator()}
	r.Get("/healthz", health.Liveness)
	r.Get("/readyz", health.Readiness)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	cams := NewCameraHandler(s.cfg.Core, s.cfg.Store, s.cfg.Relay)
	scans := NewScanHandler(s.cfg.Scans)
	feed := NewEventFeed(s.cfg.Bus)

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit >= 0 {
			limit := s.cfg.RateLimit
			if limit == 0 {
				limit = defaultRateLimit
			}
			r.Use(RateLimit(limit, time.Minute))
		}

		r.Get("/cameras", cams.List)
		r.Get("/cameras/{id}", cams.Get)
		r.Delete("/cameras/{id}", cams.Delete)
		r.Post("/cameras/{id}/stream/start", cams.StartStream)
		r.Post("/cameras/{id}/stream/stop", cams.StopStream)
		r.Post("/cameras/{id}/ptz", cams.PTZ)
		r.Post("/cameras/{id}/snapshot", cams.Snapshot)
		r.Get("/cameras/{id}/snapshots", cams.Snapshots)
		r.Get("/streams", cams.Streams)
		r.Get("/streams/{id}/metrics", cams.StreamMetrics)
		r.Get("/connections", cams.Connections)

		r.Post("/scans", scans.Create)
		r.Get("/scans", scans.History)
		r.Get("/scans/analysis", scans.Analysis)
		r.Get("/scans/{id}", scans.Status)
		r.Get("/scans/{id}/results", scans.Results)
		r.Delete("/scans/{id}", scans.Cancel)

		if s.cfg.Relay != nil {
			viewers := NewViewerHandler(s.cfg.Relay)
			r.Post("/cameras/{id}/viewers", viewers.Open)
			r.Get("/cameras/{id}/viewers", viewers.List)
			r.Post("/viewers/{sid}/heartbeat", viewers.Heartbeat)
			r.Post("/viewers/{sid}/token", viewers.RenewToken)
			r.Delete("/viewers/{sid}", viewers.Close)
		}

		r.Get("/events/ws", feed.Serve)
	})

	return r
}
