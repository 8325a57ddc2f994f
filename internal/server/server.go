// internal/server/server.go

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taxistream/internal/config"
	"taxistream/internal/domain/geo"
	"taxistream/internal/server/handlers"
	geoService "taxistream/internal/service/geo"
)

// Broadcast is what the server needs from the record broadcaster
type Broadcast interface {
	handlers.Subscriber
	handlers.StatsProvider
}

// Dependencies are the services exposed over HTTP. Routes, Areas and
// StoredRoutes are optional.
type Dependencies struct {
	Broadcast    Broadcast
	Grids        *geoService.GridRegistry
	Region       geo.Region
	DefaultEdge  float64
	Routes       handlers.RouteQuery
	Areas        handlers.AreaQuery
	StoredRoutes handlers.StoredRoutes
	TopN         int
	Gatherer     prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	router *chi.Mux
	logger *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CorsOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Create handler dependencies
	gridHandler := handlers.NewGridHandler(deps.Grids, deps.Region, deps.DefaultEdge)
	streamHandler := handlers.NewStreamHandler(deps.Broadcast, deps.Routes, deps.Areas, deps.StoredRoutes, deps.TopN)

	// Routes
	router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		// API version
		r.Route("/v1", func(r chi.Router) {
			// Grid API
			r.Route("/grid", func(r chi.Router) {
				r.Get("/", gridHandler.GetGrid)
				r.Get("/cell", gridHandler.GetCell)
				r.Get("/centroid", gridHandler.GetCentroid)
			})

			r.Get("/stream/stats", streamHandler.GetStats)

			// Query results
			r.Get("/routes/top", streamHandler.GetTopRoutes)
			r.Get("/routes/stored", streamHandler.GetStoredRoutes)
			r.Get("/areas/top", streamHandler.GetTopAreas)
		})
	})

	router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	// WebSocket endpoint for the live trip stream
	router.Get("/ws/trips", handlers.TripsWebSocketHandler(deps.Broadcast, logger.Named("websocket")))

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		server: httpServer,
		router: router,
		logger: logger,
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger logs each request with zap
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
