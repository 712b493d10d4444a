package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vjranagit/anomalyd/pkg/detector"
	"github.com/vjranagit/anomalyd/pkg/promclient"
	"github.com/vjranagit/anomalyd/pkg/tracker"
)

// Config holds listener settings
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	Version      string
}

// Recorder receives per-request metrics. *metrics.Metrics implements it.
type Recorder interface {
	HTTPRequest(method, route string, code int, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) HTTPRequest(string, string, int, time.Duration) {}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request and error logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request counts and latencies
func WithMetrics(r Recorder) Option {
	return func(s *Server) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithGatherer exposes the given registry on /metrics instead of the default one
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithClient enables breaker state in /api/v1/status and the raw query passthrough
func WithClient(c *promclient.Client) Option {
	return func(s *Server) {
		s.client = c
	}
}

// WithCache reports cache stats in /api/v1/status and enables DELETE /api/v1/cache
func WithCache(c *promclient.ResponseCache) Option {
	return func(s *Server) {
		s.cache = c
	}
}

// Server implements the HTTP API server
type Server struct {
	cfg      Config
	engine   *detector.Engine
	tracker  *tracker.Tracker
	client   *promclient.Client
	cache    *promclient.ResponseCache
	logger   *zap.Logger
	metrics  Recorder
	gatherer prometheus.Gatherer
	started  time.Time

	router chi.Router
	server *http.Server
}

// NewServer creates a new API server
func NewServer(cfg Config, engine *detector.Engine, tr *tracker.Tracker, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		tracker:  tr,
		logger:   zap.NewNop(),
		metrics:  nopRecorder{},
		gatherer: prometheus.DefaultGatherer,
		started:  time.Now(),
		router:   chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.instrument)
	s.router.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/query", s.handleQuery)
		r.Post("/evaluate", s.handleEvaluateAll)
		r.Post("/events", s.handleEvent)
		r.Delete("/cache", s.handleClearCache)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleAddRule)
			r.Get("/{name}", s.handleGetRule)
			r.Put("/{name}", s.handleUpdateRule)
			r.Delete("/{name}", s.handleDeleteRule)
			r.Post("/{name}/evaluate", s.handleEvaluateRule)
		})

		r.Route("/streams", func(r chi.Router) {
			r.Get("/", s.handleListStreams)
			r.Get("/{name}", s.handleGetStream)
			r.Delete("/{name}", s.handleDeleteStream)
			r.Get("/{name}/window", s.handleExportWindow)
		})
	})
}

// instrument logs each request and records its route-level metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		s.metrics.HTTPRequest(r.Method, route, status, d)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", d),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it is stopped
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
