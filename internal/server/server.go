package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/event/kafka"
	"payment-orchestrator/internal/handler"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/provider"
	"payment-orchestrator/internal/ratelimit"
	"payment-orchestrator/internal/repository"
	"payment-orchestrator/internal/repository/memory"
	"payment-orchestrator/internal/service"
)

// Server represents the HTTP server and the background jobs that share its
// ledger.
type Server struct {
	cfg       *config.Config
	router    *mux.Router
	server    *http.Server
	db        *sql.DB
	redis     *redis.Client
	publisher *kafka.StatusEventPublisher
	payments  *service.PaymentService
	logger    *slog.Logger
	port      string
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	ledger, err := s.openLedger()
	if err != nil {
		return nil, err
	}

	limiter, err := s.newLimiter()
	if err != nil {
		s.closeResources()
		return nil, err
	}

	var publisher service.EventPublisher = service.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = kafka.NewStatusEventPublisher(logger, cfg.KafkaBrokers, cfg.KafkaPaymentsTopic)
		publisher = s.publisher
		logger.Info("Publishing payment events to Kafka", "topic", cfg.KafkaPaymentsTopic)
	}

	m := metrics.New()
	providers := provider.NewRegistryFromConfig(cfg, &http.Client{Timeout: cfg.ProviderTimeout}, logger)
	s.payments = service.NewPaymentService(ledger, providers, publisher, m, cfg.ProviderTimeout, logger)

	paymentHandler := handler.NewPaymentHandler(s.payments, logger)

	// Setup router
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(handler.NotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(handler.MethodNotAllowed)
	router.Use(loggingMiddleware(logger, m))

	onLimited := func(w http.ResponseWriter, r *http.Request) {
		m.RateLimited()
		handler.RateLimited(w, r)
	}
	rateLimited := ratelimit.Middleware(limiter, cfg.TrustForwardedFor, logger, onLimited)

	// Payment routes
	router.Handle("/pay/initiate", rateLimited(http.HandlerFunc(paymentHandler.Initiate))).Methods(http.MethodPost)
	router.HandleFunc("/pay/status/{transaction_id}", paymentHandler.Status).Methods(http.MethodGet)
	router.HandleFunc("/pay/webhook/{provider}", paymentHandler.Webhook).Methods(http.MethodPost)
	router.HandleFunc("/pay/webhook", paymentHandler.Webhook).Methods(http.MethodPost)

	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	s.router = router
	return s, nil
}

func (s *Server) openLedger() (domain.Ledger, error) {
	if s.cfg.StorageBackend == "memory" {
		s.logger.Warn("Using in-memory ledger, payments are lost on restart")
		return memory.NewLedger(), nil
	}

	db, err := sql.Open("postgres", s.cfg.GetDBConnectionString())
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Successfully connected to database")

	s.db = db
	return repository.NewStore(db, s.logger), nil
}

func (s *Server) newLimiter() (ratelimit.Limiter, error) {
	if s.cfg.RateLimitBackend != "redis" {
		return ratelimit.NewMemoryLimiter(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow), nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	s.redis = client
	s.logger.Info("Rate limiter backed by redis")
	return ratelimit.NewRedisLimiter(client, s.cfg.RateLimitRequests, s.cfg.RateLimitWindow), nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// loggingMiddleware logs each request and records its latency by route
// template.
func loggingMiddleware(logger *slog.Logger, m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response wrapper to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			elapsed := time.Since(start)
			m.ObserveRequest(route, strconv.Itoa(ww.statusCode), elapsed.Seconds())

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", elapsed,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server on the specified port
func (s *Server) Start(port string) (string, error) {
	// Create listener first to get actual port
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed to start", "error", err)
		}
	}()

	return s.port, nil
}

// RunJobs runs the order reconciler and the status poller until ctx is
// cancelled.
func (s *Server) RunJobs(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	reconciler := service.NewReconciler(s.payments, s.cfg.ReconcileInterval, s.cfg.BackgroundBatch, s.logger)
	g.Go(func() error { return reconciler.Start(ctx) })

	poller := service.NewStatusPoller(s.payments, s.cfg.PollInterval, s.cfg.PollPendingAfter, s.cfg.BackgroundBatch, s.logger)
	g.Go(func() error { return poller.Start(ctx) })

	return g.Wait()
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Failed to close Kafka writer", "error", err)
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	var logger *slog.Logger
	if cfg.ServerPort == "0" {
		// Test environment
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.closeResources()
		return nil, "", err
	}

	return server, port, nil
}
