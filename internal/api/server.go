// Package api exposes the engine over HTTP: an admin CRUD surface, the
// visitor-facing assignment endpoints, and the tracking surface the landing
// page beacons into.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/landingkit/abtest/internal/engine"
	"github.com/landingkit/abtest/internal/store"
)

// Options tunes the HTTP surface.
type Options struct {
	// Driver is reported by the health endpoint.
	Driver string
	// TrackingRPS / TrackingBurst bound the conversion beacon endpoint.
	TrackingRPS   float64
	TrackingBurst int
	// AssignmentMaxAttempts bounds the insert-if-absent conflict retry.
	AssignmentMaxAttempts int
}

// Server bundles the engine components behind a chi router.
type Server struct {
	registry *engine.Registry
	assigner *engine.Assigner
	recorder *engine.Recorder
	stats    *engine.Aggregator
	driver   string
	limiter  *rate.Limiter
	router   *chi.Mux
}

func New(st store.Store, opts Options) *Server {
	agg := engine.NewAggregator(st)
	s := &Server{
		registry: engine.NewRegistry(st),
		assigner: engine.NewAssigner(st),
		recorder: engine.NewRecorder(st, agg),
		stats:    agg,
		driver:   opts.Driver,
	}
	s.assigner.SetMaxAttempts(opts.AssignmentMaxAttempts)

	rps := opts.TrackingRPS
	if rps <= 0 {
		rps = 50
	}
	burst := opts.TrackingBurst
	if burst <= 0 {
		burst = 100
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), burst)

	s.router = chi.NewRouter()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(requestLogger)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Admin surface. Authentication is the host system's job; these
		// routes assume caller identity was established upstream.
		r.Post("/tests", s.handleCreateTest)
		r.Get("/tests", s.handleListTests)
		r.Get("/tests/{id}", s.handleGetTest)
		r.Patch("/tests/{id}", s.handleUpdateTest)
		r.Put("/tests/{id}/status", s.handleSetStatus)
		r.Delete("/tests/{id}", s.handleDeleteTest)

		// Visitor and tracking surfaces, called from browsers.
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
				AllowedHeaders: []string{"Content-Type"},
				MaxAge:         300,
			}))
			r.Get("/assignments", s.handleLookupAssignment)
			r.Post("/assignments", s.handleAssign)
			r.Delete("/assignments", s.handleUnassign)
			r.With(s.throttle).Post("/results", s.handleRecordResult)
			r.Get("/tests/{id}/stats", s.handleStats)
		})
	})
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// throttle applies the tracking rate limit.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
